package observe

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestobserve/internal/auth"
	"nestobserve/internal/clock"
	"nestobserve/internal/traits"
	"nestobserve/internal/traits/traitstest"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeAuth struct {
	valid   atomic.Bool
	calls   atomic.Int32
	failErr error
}

func newFakeAuth() *fakeAuth {
	a := &fakeAuth{}
	a.valid.Store(true)
	return a
}

func (a *fakeAuth) Credential() (auth.Credential, bool) {
	return auth.Credential{Token: "session-token", TransportURL: "https://transport.example"}, a.valid.Load()
}

func (a *fakeAuth) Authenticate(context.Context, bool) (auth.Credential, error) {
	a.calls.Add(1)
	if a.failErr != nil {
		return auth.Credential{}, a.failErr
	}
	cred, _ := a.Credential()
	return cred, nil
}

func (a *fakeAuth) Subscribe(func(auth.Credential)) func() { return func() {} }

type fakeConn struct {
	chunks    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
	pingErr   error
	pings     atomic.Int32
}

func newFakeConn(chunks ...[]byte) *fakeConn {
	c := &fakeConn{chunks: make(chan []byte, 16), closed: make(chan struct{})}
	for _, b := range chunks {
		c.chunks <- b
	}
	return c
}

func (c *fakeConn) Read(p []byte) (int, error) {
	select {
	case b, ok := <-c.chunks:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, b), nil
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *fakeConn) Ping(context.Context) error {
	c.pings.Add(1)
	return c.pingErr
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	conns chan Conn
	dials atomic.Int32
}

func newFakeDialer(conns ...Conn) *fakeDialer {
	d := &fakeDialer{conns: make(chan Conn, 8)}
	for _, c := range conns {
		d.conns <- c
	}
	return d
}

func (d *fakeDialer) Dial(ctx context.Context, _ auth.Credential) (Conn, error) {
	select {
	case c := <-d.conns:
		d.dials.Add(1)
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// stuckDialer never answers on its own, like a server that accepts the
// connection but never sends response headers.
type stuckDialer struct {
	attempts atomic.Int32
	aborted  atomic.Int32
	// When ignoreCtx is set, Dial only returns once a conn arrives on
	// release.
	ignoreCtx bool
	release   chan Conn
}

func newStuckDialer() *stuckDialer {
	return &stuckDialer{release: make(chan Conn, 1)}
}

func (d *stuckDialer) Dial(ctx context.Context, _ auth.Credential) (Conn, error) {
	d.attempts.Add(1)
	if d.ignoreCtx {
		return <-d.release, nil
	}
	select {
	case c := <-d.release:
		return c, nil
	case <-ctx.Done():
		d.aborted.Add(1)
		return nil, ctx.Err()
	}
}

type harness struct {
	stream   *Stream
	auth     *fakeAuth
	dialer   *fakeDialer
	outcomes chan Outcome
	messages chan *traits.StreamMessage
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

var (
	codecOnce sync.Once
	codec     *traits.Codec
	codecErr  error
)

func testCodec(t *testing.T) *traits.Codec {
	t.Helper()
	codecOnce.Do(func() { codec, codecErr = traits.Load(context.Background(), nil) })
	require.NoError(t, codecErr)
	return codec
}

func start(t *testing.T, cfg Config, clk clock.Clock, authn *fakeAuth, dialer *fakeDialer, opts ...func(*Stream)) *harness {
	t.Helper()
	h := startWith(t, cfg, clk, authn, dialer, opts...)
	h.dialer = dialer
	return h
}

func startWith(t *testing.T, cfg Config, clk clock.Clock, authn *fakeAuth, dialer Dialer, opts ...func(*Stream)) *harness {
	t.Helper()
	h := &harness{
		auth:     authn,
		outcomes: make(chan Outcome, 16),
		messages: make(chan *traits.StreamMessage, 16),
		done:     make(chan struct{}),
	}
	h.stream = New(cfg, dialer, testCodec(t), authn, clk, nil)
	h.stream.OnCycleEnd = func(o Outcome) { h.outcomes <- o }
	for _, opt := range opts {
		opt(h.stream)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.err = h.stream.Run(ctx, func(msg *traits.StreamMessage) { h.messages <- msg })
		close(h.done)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
	}
}

func (h *harness) outcome(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-h.outcomes:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("no cycle outcome")
		return Outcome{}
	}
}

func (h *harness) message(t *testing.T) *traits.StreamMessage {
	t.Helper()
	select {
	case m := <-h.messages:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
		return nil
	}
}

func (h *harness) waitDials(t *testing.T, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return h.dialer.dials.Load() >= n }, 5*time.Second, time.Millisecond)
}

func fastConfig() Config {
	return Config{
		SubscribeDelay: time.Millisecond,
		RetryDelay:     time.Millisecond,
		AuthRetryDelay: time.Millisecond,
	}
}

func TestStatusUnauthenticatedReauthenticatesOnce(t *testing.T) {
	authn := newFakeAuth()
	dialer := newFakeDialer(newFakeConn(traitstest.StatusFrame(StatusUnauthenticated, "token expired")), newFakeConn())
	h := start(t, fastConfig(), clock.Real(), authn, dialer)

	out := h.outcome(t)
	assert.Equal(t, ReasonStatus, out.Reason)
	assert.Equal(t, int32(StatusUnauthenticated), out.StatusCode())
	assert.Equal(t, uint64(1), out.Generation)

	msg := h.message(t)
	require.NotNil(t, msg.Status)
	assert.Equal(t, "token expired", msg.Status.Message)

	h.waitDials(t, 2)
	assert.Equal(t, int32(1), authn.calls.Load())
}

func TestStreamEndWithoutStatusDoesNotReauthenticate(t *testing.T) {
	first := newFakeConn()
	close(first.chunks)
	authn := newFakeAuth()
	dialer := newFakeDialer(first, newFakeConn())
	h := start(t, fastConfig(), clock.Real(), authn, dialer)

	out := h.outcome(t)
	assert.Equal(t, ReasonClosed, out.Reason)
	assert.Zero(t, out.StatusCode())

	h.waitDials(t, 2)
	assert.Zero(t, authn.calls.Load())
}

func TestReauthFailureBacksOff(t *testing.T) {
	clk := clock.Fake(epoch)
	authn := newFakeAuth()
	authn.failErr = errors.New("rejected")
	dialer := newFakeDialer(newFakeConn(traitstest.StatusFrame(StatusUnauthenticated, "")), newFakeConn())
	var failures atomic.Int32
	h := start(t, Config{}, clk, authn, dialer, func(s *Stream) {
		s.OnAuthFailure = func(error) { failures.Add(1) }
	})

	h.outcome(t)
	clk.WaitForTimers(1)
	assert.Equal(t, int32(1), authn.calls.Load())

	clk.Advance(DefaultAuthRetryDelay - time.Second)
	assert.Never(t, func() bool { return dialer.dials.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	clk.Advance(time.Second)
	h.waitDials(t, 2)
	assert.Equal(t, int32(1), failures.Load())
}

func TestInternalErrorWaitsRetryDelay(t *testing.T) {
	clk := clock.Fake(epoch)
	dialer := newFakeDialer(newFakeConn(traitstest.StatusFrame(StatusInternal, "internal")), newFakeConn())
	h := start(t, Config{}, clk, newFakeAuth(), dialer)

	out := h.outcome(t)
	assert.Equal(t, int32(StatusInternal), out.StatusCode())

	clk.WaitForTimers(1)
	clk.Advance(DefaultRetryDelay - time.Millisecond)
	assert.Never(t, func() bool { return dialer.dials.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	clk.Advance(time.Millisecond)
	h.waitDials(t, 2)
	assert.Zero(t, h.auth.calls.Load())
}

func TestNoCredentialDefersWithoutDialing(t *testing.T) {
	clk := clock.Fake(epoch)
	authn := newFakeAuth()
	authn.valid.Store(false)
	dialer := newFakeDialer(newFakeConn())
	h := start(t, Config{}, clk, authn, dialer)

	out := h.outcome(t)
	assert.Equal(t, ReasonNoCredential, out.Reason)
	assert.Equal(t, StateIdle, h.stream.State())
	assert.Zero(t, dialer.dials.Load())
	assert.Zero(t, h.stream.Generation())

	authn.valid.Store(true)
	clk.WaitForTimers(1)
	clk.Advance(DefaultRetryDelay)
	h.waitDials(t, 1)
}

func TestIdleTimeout(t *testing.T) {
	clk := clock.Fake(epoch)
	conn := newFakeConn()
	conn.pingErr = errors.New("no ack")
	dialer := newFakeDialer(conn)
	h := start(t, Config{}, clk, newFakeAuth(), dialer)

	// watchdog, ping and poll
	clk.WaitForTimers(3)
	clk.Advance(DefaultIdleTimeout)

	out := h.outcome(t)
	assert.Equal(t, ReasonIdleTimeout, out.Reason)
	assert.Equal(t, int32(1), conn.closes.Load())
}

func TestDataResetsWatchdog(t *testing.T) {
	clk := clock.Fake(epoch)
	conn := newFakeConn()
	conn.pingErr = errors.New("no ack")
	h := start(t, Config{}, clk, newFakeAuth(), newFakeDialer(conn))

	clk.WaitForTimers(3)
	clk.Advance(100 * time.Second)
	conn.chunks <- traitstest.MessageFrame(nil)
	h.message(t)
	assert.Equal(t, StateStreaming, h.stream.State())
	assert.True(t, epoch.Add(100*time.Second).Equal(h.stream.LastData()))

	clk.Advance(100 * time.Second)
	assert.Never(t, func() bool { return len(h.outcomes) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clk.Advance(30 * time.Second)
	assert.Equal(t, ReasonIdleTimeout, h.outcome(t).Reason)
}

func TestPingAckResetsWatchdog(t *testing.T) {
	clk := clock.Fake(epoch)
	conn := newFakeConn()
	h := start(t, Config{}, clk, newFakeAuth(), newFakeDialer(conn))

	clk.WaitForTimers(3)
	// Each ping at 60s intervals re-arms the 130s watchdog.
	for i := int32(1); i <= 5; i++ {
		clk.Advance(DefaultPingInterval)
		require.Eventually(t, func() bool { return conn.pings.Load() >= i }, 5*time.Second, time.Millisecond)
	}
	assert.Empty(t, h.outcomes)
	assert.Equal(t, StateStreaming, h.stream.State())
}

func TestCredentialPollCancelsStream(t *testing.T) {
	clk := clock.Fake(epoch)
	authn := newFakeAuth()
	conn := newFakeConn()
	h := start(t, Config{}, clk, authn, newFakeDialer(conn))

	clk.WaitForTimers(3)
	authn.valid.Store(false)
	clk.Advance(DefaultPollInterval)

	out := h.outcome(t)
	assert.Equal(t, ReasonCredentialInvalid, out.Reason)
	assert.Equal(t, int32(1), conn.closes.Load())

	clk.WaitForTimers(1)
	clk.Advance(DefaultSubscribeDelay)
	assert.Equal(t, ReasonNoCredential, h.outcome(t).Reason)
}

func TestCancelIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(conn, newFakeConn())
	cfg := fastConfig()
	cfg.SubscribeDelay = 200 * time.Millisecond
	h := start(t, cfg, clock.Real(), newFakeAuth(), dialer)

	require.Eventually(t, func() bool { return h.stream.State() == StateStreaming }, 5*time.Second, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.stream.Cancel()
		}()
	}
	wg.Wait()

	out := h.outcome(t)
	assert.Equal(t, ReasonCancelled, out.Reason)
	assert.Equal(t, int32(1), conn.closes.Load())

	h.waitDials(t, 2)
	assert.Empty(t, h.outcomes)
}

func TestFramesDeliveredInOrderAcrossChunks(t *testing.T) {
	c := testCodec(t)
	first := traitstest.Frame(t, c, traitstest.State{
		ObjectID: "DEVICE_ABC123",
		Key:      "current_temperature",
		Type:     "nest.trait.sensor.CurrentTemperatureTrait",
		Value:    `{"temperature":{"value":21.5}}`,
	})
	second := traitstest.Frame(t, c, traitstest.State{
		ObjectID: "DEVICE_ABC123",
		Key:      "current_humidity",
		Type:     "nest.trait.sensor.CurrentHumidityTrait",
		Value:    `{"humidity":{"value":40}}`,
	})
	stream := append(append([]byte{}, first...), second...)
	split := len(first) / 2

	conn := newFakeConn(stream[:split], stream[split:len(first)+3], stream[len(first)+3:])
	close(conn.chunks)
	h := start(t, fastConfig(), clock.Real(), newFakeAuth(), newFakeDialer(conn))

	m1 := h.message(t)
	m2 := h.message(t)
	require.Len(t, m1.Traits, 1)
	require.Len(t, m2.Traits, 1)
	assert.Equal(t, "current_temperature", m1.Traits[0].Name)
	assert.Equal(t, "current_humidity", m2.Traits[0].Name)

	out := h.outcome(t)
	assert.Equal(t, ReasonClosed, out.Reason)
	assert.Equal(t, 2, out.Frames)
}

func TestGarbageFrameIsSkipped(t *testing.T) {
	garbage := []byte{0x0a, 0x03, 0xff, 0xff, 0xff}
	conn := newFakeConn(garbage, traitstest.StatusFrame(StatusInternal, ""))
	h := start(t, fastConfig(), clock.Real(), newFakeAuth(), newFakeDialer(conn))

	out := h.outcome(t)
	assert.Equal(t, ReasonStatus, out.Reason)
	assert.Equal(t, 2, out.Frames)
	assert.Len(t, h.messages, 1)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := start(t, fastConfig(), clock.Real(), newFakeAuth(), newFakeDialer(newFakeConn()))
	require.Eventually(t, func() bool { return h.stream.State() == StateStreaming }, 5*time.Second, time.Millisecond)

	h.cancel()
	select {
	case <-h.done:
		assert.ErrorIs(t, h.err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StateIdle, h.stream.State())
}

func TestIdleTimeoutWhileConnecting(t *testing.T) {
	clk := clock.Fake(epoch)
	dialer := newStuckDialer()
	h := startWith(t, Config{}, clk, newFakeAuth(), dialer)

	// watchdog and poll, armed before the dial
	clk.WaitForTimers(2)
	require.Eventually(t, func() bool { return dialer.attempts.Load() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, StateConnecting, h.stream.State())

	clk.Advance(DefaultIdleTimeout)
	out := h.outcome(t)
	assert.Equal(t, ReasonIdleTimeout, out.Reason)
	require.Eventually(t, func() bool { return dialer.aborted.Load() == 1 }, 5*time.Second, time.Millisecond)

	clk.WaitForTimers(1)
	clk.Advance(DefaultSubscribeDelay)
	require.Eventually(t, func() bool { return dialer.attempts.Load() == 2 }, 5*time.Second, time.Millisecond)
}

func TestCredentialPollCancelsDial(t *testing.T) {
	clk := clock.Fake(epoch)
	authn := newFakeAuth()
	dialer := newStuckDialer()
	h := startWith(t, Config{}, clk, authn, dialer)

	clk.WaitForTimers(2)
	authn.valid.Store(false)
	clk.Advance(DefaultPollInterval)

	assert.Equal(t, ReasonCredentialInvalid, h.outcome(t).Reason)
	require.Eventually(t, func() bool { return dialer.aborted.Load() == 1 }, 5*time.Second, time.Millisecond)
}

func TestCancelWhileConnecting(t *testing.T) {
	dialer := newStuckDialer()
	cfg := fastConfig()
	cfg.SubscribeDelay = time.Hour
	h := startWith(t, cfg, clock.Real(), newFakeAuth(), dialer)

	require.Eventually(t, func() bool { return dialer.attempts.Load() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, StateConnecting, h.stream.State())

	h.stream.Cancel()
	h.stream.Cancel()

	out := h.outcome(t)
	assert.Equal(t, ReasonCancelled, out.Reason)
	assert.NoError(t, out.Err)
	require.Eventually(t, func() bool { return dialer.aborted.Load() == 1 }, 5*time.Second, time.Millisecond)
	assert.Empty(t, h.outcomes)
}

func TestLateConnIsClosed(t *testing.T) {
	dialer := newStuckDialer()
	dialer.ignoreCtx = true
	cfg := fastConfig()
	cfg.SubscribeDelay = time.Hour
	h := startWith(t, cfg, clock.Real(), newFakeAuth(), dialer)

	require.Eventually(t, func() bool { return dialer.attempts.Load() == 1 }, 5*time.Second, time.Millisecond)
	h.stream.Cancel()
	assert.Equal(t, ReasonCancelled, h.outcome(t).Reason)

	late := newFakeConn()
	dialer.release <- late
	require.Eventually(t, func() bool { return late.closes.Load() == 1 }, 5*time.Second, time.Millisecond)
	assert.NotEqual(t, StateStreaming, h.stream.State())
}
