package session

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestobserve/internal/apierr"
	"nestobserve/internal/auth"
	"nestobserve/internal/clock"
	"nestobserve/internal/legacy"
	"nestobserve/internal/merge"
	"nestobserve/internal/model"
	"nestobserve/internal/observe"
	"nestobserve/internal/traits"
	"nestobserve/internal/traits/traitstest"
)

const thermostatType = "nest.resource.NestLearningThermostat3Resource"

type stubAuth struct {
	err   error
	calls atomic.Int32
}

func (a *stubAuth) Credential() (auth.Credential, bool) {
	return auth.Credential{Token: "session-token"}, a.err == nil
}

func (a *stubAuth) Authenticate(context.Context, bool) (auth.Credential, error) {
	a.calls.Add(1)
	if a.err != nil {
		return auth.Credential{}, a.err
	}
	return auth.Credential{Token: "session-token"}, nil
}

func (a *stubAuth) Subscribe(func(auth.Credential)) func() { return func() {} }

// scriptConn replays its frames, one per read, then reports EOF.
type scriptConn struct {
	frames [][]byte
	closed chan struct{}
	once   sync.Once
}

func (c *scriptConn) Read(p []byte) (int, error) {
	if len(c.frames) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.frames[0])
	c.frames = c.frames[1:]
	return n, nil
}

func (c *scriptConn) Ping(context.Context) error { return nil }

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// blockingConn never delivers data.
type blockingConn struct{ closed chan struct{} }

func (c *blockingConn) Read([]byte) (int, error) {
	<-c.closed
	return 0, net.ErrClosed
}

func (c *blockingConn) Ping(context.Context) error { return nil }

func (c *blockingConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

type scriptDialer struct {
	mu    sync.Mutex
	conns []observe.Conn
	dials atomic.Int32
}

func (d *scriptDialer) Dial(ctx context.Context, _ auth.Credential) (observe.Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	if len(d.conns) > 0 {
		c := d.conns[0]
		d.conns = d.conns[1:]
		d.mu.Unlock()
		return c, nil
	}
	d.mu.Unlock()
	return &blockingConn{closed: make(chan struct{})}, nil
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

func userInfo() traitstest.State {
	return traitstest.State{
		ObjectID: "USER_42",
		Key:      legacy.TraitUserInfo,
		Type:     "nest.trait.user.UserInfoTrait",
		Value:    `{"legacy_id":"user.42"}`,
	}
}

func structureInfo() traitstest.State {
	return traitstest.State{
		ObjectID: "STRUCTURE_S1",
		Key:      legacy.TraitStructureInfo,
		Type:     "nest.trait.structure.StructureInfoTrait",
		Value:    `{"legacy_id":"structure.1","name":"Home"}`,
	}
}

func peerDevices(ids ...string) traitstest.State {
	list := ""
	for i, id := range ids {
		if i > 0 {
			list += ","
		}
		list += `{"data":{"device_id":"DEVICE_` + id + `","device_type":"` + thermostatType + `","fw_version":"5.9.3"}}`
	}
	return traitstest.State{
		ObjectID: "STRUCTURE_S1",
		Key:      legacy.TraitPeerDevices,
		Type:     "nest.trait.system.PeerDevicesTrait",
		Value:    `{"devices":[` + list + `]}`,
	}
}

func currentTemperature(id, value string) traitstest.State {
	return traitstest.State{
		ObjectID: "DEVICE_" + id,
		Key:      legacy.TraitCurrentTemperature,
		Type:     "nest.trait.sensor.CurrentTemperatureTrait",
		Value:    `{"temperature":{"value":` + value + `}}`,
	}
}

type run struct {
	session  *Session
	dialer   *scriptDialer
	trees    chan *model.DeviceTree
	outcomes chan observe.Outcome
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

func startSession(t *testing.T, authn *stubAuth, conns []observe.Conn, configure func(*Options), prepare ...func(*Session)) *run {
	t.Helper()
	r := &run{
		dialer:   &scriptDialer{conns: conns},
		trees:    make(chan *model.DeviceTree, 16),
		outcomes: make(chan observe.Outcome, 16),
		done:     make(chan struct{}),
	}
	opts := Options{
		Auth:    authn,
		Dialer:  r.dialer,
		Decoder: testCodec(t),
		Stream: observe.Config{
			SubscribeDelay: time.Millisecond,
			RetryDelay:     time.Millisecond,
			AuthRetryDelay: time.Millisecond,
		},
		Clock:      clock.Real(),
		Consumer:   func(tree *model.DeviceTree) { r.trees <- tree },
		OnCycleEnd: func(o observe.Outcome) { r.outcomes <- o },
	}
	if configure != nil {
		configure(&opts)
	}
	r.session = New(opts)
	for _, p := range prepare {
		p(r.session)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go func() {
		r.err = r.session.Run(ctx)
		close(r.done)
	}()
	t.Cleanup(func() {
		cancel()
		<-r.done
	})
	return r
}

func frames(t *testing.T, batches ...[]traitstest.State) *scriptConn {
	t.Helper()
	c := &scriptConn{closed: make(chan struct{})}
	for _, b := range batches {
		c.frames = append(c.frames, traitstest.Frame(t, testCodec(t), b...))
	}
	return c
}

func (r *run) tree(t *testing.T) *model.DeviceTree {
	t.Helper()
	select {
	case tree := <-r.trees:
		return tree
	case <-time.After(5 * time.Second):
		t.Fatal("no tree emitted")
		return nil
	}
}

func (r *run) outcome(t *testing.T) observe.Outcome {
	t.Helper()
	select {
	case o := <-r.outcomes:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("no cycle outcome")
		return observe.Outcome{}
	}
}

func TestThermostatTemperatureScenario(t *testing.T) {
	conn := frames(t,
		[]traitstest.State{userInfo(), structureInfo(), peerDevices("ABC123")},
		[]traitstest.State{currentTemperature("ABC123", "21.5")},
	)
	r := startSession(t, &stubAuth{}, []observe.Conn{conn}, nil)

	first := r.tree(t)
	assert.Contains(t, first.Devices.Thermostats, "ABC123")

	second := r.tree(t)
	require.Contains(t, second.Devices.Thermostats, "ABC123")
	th := second.Devices.Thermostats["ABC123"]
	require.NotNil(t, th.CurrentTemperature)
	assert.Equal(t, 21.5, *th.CurrentTemperature)

	require.Contains(t, second.Structures, "1")
	assert.Contains(t, second.Structures["1"].Swarm, "device.ABC123")
	assert.Contains(t, second.Devices.HomeAwaySensors, "1")

	assert.Same(t, second, r.session.Last())
	assert.Equal(t, uint64(2), r.session.Emitted())
	assert.Equal(t, "USER_42", r.session.UserID())
}

func TestNoTreeWithoutDeviceInfo(t *testing.T) {
	conn := frames(t,
		[]traitstest.State{structureInfo(), peerDevices("ABC123")},
		[]traitstest.State{currentTemperature("ABC123", "21.5")},
	)
	r := startSession(t, &stubAuth{}, []observe.Conn{conn}, nil)

	assert.Equal(t, observe.ReasonClosed, r.outcome(t).Reason)
	assert.Empty(t, r.trees)
	assert.Nil(t, r.session.Last())
}

func TestBatchWithoutChangesIsNotEmitted(t *testing.T) {
	conn := frames(t,
		[]traitstest.State{userInfo(), structureInfo(), peerDevices("ABC123")},
		[]traitstest.State{currentTemperature("GHOST", "30")},
	)
	r := startSession(t, &stubAuth{}, []observe.Conn{conn}, nil)

	r.tree(t)
	r.outcome(t)
	assert.Empty(t, r.trees)
	assert.Equal(t, uint64(1), r.session.Emitted())
}

func TestReconnectNeedsFreshSnapshot(t *testing.T) {
	first := frames(t, []traitstest.State{userInfo(), structureInfo(), peerDevices("ABC123")})
	second := frames(t, []traitstest.State{currentTemperature("ABC123", "18")})
	third := frames(t, []traitstest.State{userInfo(), structureInfo(), peerDevices("ABC123"), currentTemperature("ABC123", "19")})
	r := startSession(t, &stubAuth{}, []observe.Conn{first, second, third}, nil)

	r.tree(t)

	// The delta on the second connection waits for that connection's
	// snapshot, so the next tree already carries the third one's value.
	tree := r.tree(t)
	assert.Equal(t, 19.0, *tree.Devices.Thermostats["ABC123"].CurrentTemperature)
	assert.Equal(t, uint64(2), r.session.Emitted())
}

func TestPendingUpdatesOverlayUntilExpiry(t *testing.T) {
	conn := frames(t,
		[]traitstest.State{userInfo(), structureInfo(), peerDevices("ABC123"), currentTemperature("ABC123", "21.5")},
	)
	now := time.Now()
	r := startSession(t, &stubAuth{}, []observe.Conn{conn}, nil, func(s *Session) {
		s.AddPendingUpdate(merge.PendingUpdate{
			Expiry:    now.Add(time.Minute),
			ObjectKey: "device.ABC123",
			Value:     map[string]any{"current_temperature": 18.0, "brand_new_key": true},
		})
		s.AddPendingUpdate(merge.PendingUpdate{
			Expiry:    now.Add(-time.Second),
			ObjectKey: "device.ABC123",
			Value:     map[string]any{"current_temperature": 5.0},
		})
		s.AddPendingUpdate(merge.PendingUpdate{
			Expiry:    now.Add(time.Minute),
			ObjectKey: "device.GHOST",
			Value:     map[string]any{"current_temperature": 5.0},
		})
	})

	tree := r.tree(t)
	th := tree.Devices.Thermostats["ABC123"]
	require.NotNil(t, th)
	assert.Equal(t, 18.0, *th.CurrentTemperature)
	assert.NotContains(t, tree.Devices.Thermostats, "GHOST")
}

func TestDeviceListChangedIsForwarded(t *testing.T) {
	type change struct {
		structure     string
		before, after int
	}
	changes := make(chan change, 4)
	conn := frames(t,
		[]traitstest.State{userInfo(), structureInfo(), peerDevices("A")},
		[]traitstest.State{peerDevices("A", "B")},
	)
	startSession(t, &stubAuth{}, []observe.Conn{conn}, func(o *Options) {
		o.OnDeviceListChanged = func(structureID string, before, after int) {
			changes <- change{structureID, before, after}
		}
	})

	select {
	case c := <-changes:
		assert.Equal(t, change{"1", 1, 2}, c)
	case <-time.After(5 * time.Second):
		t.Fatal("device list change not reported")
	}
}

func TestRunFailsOnRejectedCredential(t *testing.T) {
	authn := &stubAuth{err: &apierr.Error{Kind: apierr.AuthInvalid, Op: "token", Status: 400}}
	r := startSession(t, authn, nil, nil)

	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, apierr.Is(r.err, apierr.AuthInvalid))
	assert.Zero(t, r.dialer.dials.Load())
}

func TestAddPendingUpdateDefaultsExpiry(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := New(Options{Auth: &stubAuth{}, Clock: clk, PendingTTL: time.Minute})
	s.AddPendingUpdate(merge.PendingUpdate{ObjectKey: "shared.X"})

	live := s.livePending(clk.Now())
	require.Len(t, live, 1)
	assert.Equal(t, clk.Now().Add(time.Minute), live[0].Expiry)

	assert.Empty(t, s.livePending(clk.Now().Add(time.Minute)))
}
