// Package observe supervises the long-lived observe request. One Stream
// runs connect, stream and end cycles forever; how a cycle ended decides
// how long to wait and whether to reauthenticate before the next one.
//
// All frame handling, timer expiry and cancellation is serialised onto
// the goroutine that called Run. Timers, the dial and the body reader post
// events only to the mailbox of the generation that started them, so a
// timer that fires after its cycle has ended is ignored.
package observe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nestobserve/internal/apierr"
	"nestobserve/internal/auth"
	"nestobserve/internal/clock"
	"nestobserve/internal/framing"
	"nestobserve/internal/traits"
)

// Status codes carried in a stream's closing status block.
const (
	StatusUnauthenticated = 7
	StatusInternal        = 13
)

// Default timings.
const (
	DefaultIdleTimeout    = 130 * time.Second
	DefaultPingInterval   = 60 * time.Second
	DefaultPollInterval   = time.Second
	DefaultSubscribeDelay = 100 * time.Millisecond
	DefaultRetryDelay     = 10 * time.Second
	DefaultAuthRetryDelay = 15 * time.Second
)

// State is the stream's position in its connect cycle.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateGracefulEnd
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateGracefulEnd:
		return "graceful_end"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Reason says why a cycle ended.
type Reason int

const (
	ReasonNoCredential Reason = iota
	ReasonClosed
	ReasonStatus
	ReasonIdleTimeout
	ReasonCredentialInvalid
	ReasonCancelled
	ReasonError
)

func (r Reason) String() string {
	switch r {
	case ReasonNoCredential:
		return "no_credential"
	case ReasonClosed:
		return "closed"
	case ReasonStatus:
		return "status"
	case ReasonIdleTimeout:
		return "idle_timeout"
	case ReasonCredentialInvalid:
		return "credential_invalid"
	case ReasonCancelled:
		return "cancelled"
	case ReasonError:
		return "error"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Outcome describes one finished cycle.
type Outcome struct {
	Generation uint64
	Reason     Reason
	// Status is the status block of the last decoded message, if any.
	Status *traits.Status
	Err    error
	Frames int
}

// StatusCode returns the last observed status code, or 0.
func (o Outcome) StatusCode() int32 {
	if o.Status == nil {
		return 0
	}
	return o.Status.Code
}

// Conn is one open observe request.
type Conn interface {
	// Read reads response body bytes.
	Read(p []byte) (int, error)
	// Ping sends a transport-level keepalive and waits for the ack.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens an observe request authorised by cred.
type Dialer interface {
	Dial(ctx context.Context, cred auth.Credential) (Conn, error)
}

// Decoder turns a frame into a message.
type Decoder interface {
	Decode(frame []byte) (*traits.StreamMessage, error)
}

// Authenticator is the part of auth.Authenticator the stream uses.
type Authenticator interface {
	Credential() (auth.Credential, bool)
	Authenticate(ctx context.Context, preemptive bool) (auth.Credential, error)
	Subscribe(fn func(auth.Credential)) func()
}

// Handler receives every decoded message in arrival order.
type Handler func(msg *traits.StreamMessage)

// Config holds the stream timings. Zero values take defaults.
type Config struct {
	IdleTimeout    time.Duration
	PingInterval   time.Duration
	PollInterval   time.Duration
	SubscribeDelay time.Duration
	RetryDelay     time.Duration
	AuthRetryDelay time.Duration
	MaxFrameSize   int
}

func (c *Config) setDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SubscribeDelay <= 0 {
		c.SubscribeDelay = DefaultSubscribeDelay
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.AuthRetryDelay <= 0 {
		c.AuthRetryDelay = DefaultAuthRetryDelay
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = framing.DefaultMaxFrameSize
	}
}

// Stream runs observe cycles until its context is cancelled.
type Stream struct {
	cfg     Config
	dialer  Dialer
	decoder Decoder
	auth    Authenticator
	clock   clock.Clock
	logger  *slog.Logger

	state    atomic.Int32
	gen      atomic.Uint64
	lastData atomic.Int64

	mu     sync.Mutex
	active *cycle

	// OnCycleEnd, if set, is called on the Run goroutine after every cycle.
	OnCycleEnd func(Outcome)
	// OnAuthFailure, if set, is called when reauthentication fails.
	OnAuthFailure func(error)
}

// New returns a Stream. Nothing happens until Run.
func New(cfg Config, dialer Dialer, decoder Decoder, authn Authenticator, clk clock.Clock, logger *slog.Logger) *Stream {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		cfg:     cfg,
		dialer:  dialer,
		decoder: decoder,
		auth:    authn,
		clock:   clk,
		logger:  logger,
	}
}

// State returns the current state.
func (s *Stream) State() State { return State(s.state.Load()) }

// Generation returns the number of connect attempts so far.
func (s *Stream) Generation() uint64 { return s.gen.Load() }

// LastData returns when body bytes last arrived, or the zero time.
func (s *Stream) LastData() time.Time {
	n := s.lastData.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *Stream) setState(st State) {
	if prev := State(s.state.Swap(int32(st))); prev != st {
		s.logger.Debug("observe state", "from", prev, "to", st)
	}
}

// Cancel ends the current cycle, if any. It is safe to call any number
// of times from any goroutine; Run starts a new cycle afterwards.
func (s *Stream) Cancel() {
	s.mu.Lock()
	c := s.active
	s.mu.Unlock()
	if c != nil {
		c.cancelWith(ReasonCancelled)
	}
}

// Run loops until ctx is done and returns ctx.Err().
func (s *Stream) Run(ctx context.Context, h Handler) error {
	unsubscribe := s.auth.Subscribe(func(cred auth.Credential) {
		s.logger.Debug("credential renewed", "expires", cred.Expires)
	})
	defer unsubscribe()
	defer s.setState(StateIdle)

	for {
		out := s.cycle(ctx, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.OnCycleEnd != nil {
			s.OnCycleEnd(out)
		}

		delay := s.cfg.SubscribeDelay
		switch {
		case out.Reason == ReasonNoCredential:
			s.logger.Info("observe deferred, no valid credential", "retry_in", s.cfg.RetryDelay)
			delay = s.cfg.RetryDelay
		case out.StatusCode() == StatusUnauthenticated:
			s.logger.Info("observe stream ended, reauthenticating", "status", out.Status.Code, "message", out.Status.Message)
			if _, err := s.auth.Authenticate(ctx, false); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("reauthentication failed", "error", err, "retry_in", s.cfg.AuthRetryDelay)
				if s.OnAuthFailure != nil {
					s.OnAuthFailure(err)
				}
				delay = s.cfg.AuthRetryDelay
			}
		case out.StatusCode() == StatusInternal:
			s.logger.Warn("observe stream ended with internal error", "message", out.Status.Message, "retry_in", s.cfg.RetryDelay)
			delay = s.cfg.RetryDelay
		case out.Reason == ReasonError:
			s.logger.Error("observe stream failed", "error", out.Err, "retry_in", s.cfg.RetryDelay)
			delay = s.cfg.RetryDelay
		default:
			s.logger.Info("observe stream ended", "reason", out.Reason, "status", out.StatusCode(), "frames", out.Frames)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(delay):
		}
	}
}

type eventKind int

const (
	evData eventKind = iota
	evEOF
	evReadError
	evIdle
	evPong
	evPoll
	evCancel
	evConnected
	evDialError
)

type event struct {
	kind eventKind
	data []byte
	err  error
	// seq tags watchdog expiries; an expiry from before the last reset
	// is dropped.
	seq uint64
	// reason accompanies evCancel.
	reason Reason
	conn   Conn
}

// cycle is the per-connect-attempt state shared with timer and reader
// goroutines. Everything else lives on the Run goroutine.
type cycle struct {
	gen    uint64
	events chan event
	done   chan struct{}

	once   sync.Once
	cancel context.CancelFunc

	mu       sync.Mutex
	finished bool
	conn     Conn
	timers   []func()
}

func (c *cycle) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *cycle) cancelWith(r Reason) {
	c.post(event{kind: evCancel, reason: r})
}

// setConn hands conn to the cycle. A cycle that already finished closes
// it instead and reports false.
func (c *cycle) setConn(conn Conn) bool {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	c.mu.Unlock()
	return true
}

func (c *cycle) addTimer(stop func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers = append(c.timers, stop)
}

// finish stops every timer, aborts the request and closes the
// connection. Only the first call has any effect.
func (c *cycle) finish() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		c.mu.Lock()
		c.finished = true
		conn, timers := c.conn, c.timers
		c.timers = nil
		c.mu.Unlock()
		for _, stop := range timers {
			stop()
		}
		if conn != nil {
			conn.Close()
		}
	})
}

func (s *Stream) begin(ctx context.Context) (*cycle, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.logger.Debug("cancelling previous observe request", "generation", s.active.gen)
		s.active.finish()
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &cycle{
		gen:    s.gen.Add(1),
		events: make(chan event, 16),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	s.active = c
	return c, cctx
}

func (s *Stream) end(c *cycle) {
	c.finish()
	s.mu.Lock()
	if s.active == c {
		s.active = nil
	}
	s.mu.Unlock()
}

func (s *Stream) cycle(ctx context.Context, h Handler) (out Outcome) {
	cred, ok := s.auth.Credential()
	if !ok {
		s.setState(StateIdle)
		return Outcome{Reason: ReasonNoCredential}
	}

	s.setState(StateConnecting)
	c, cctx := s.begin(ctx)
	defer s.end(c)
	out.Generation = c.gen
	defer func() {
		if out.Reason == ReasonError {
			s.setState(StateError)
		} else {
			s.setState(StateGracefulEnd)
		}
	}()

	log := s.logger.With("generation", c.gen)

	// The watchdog and the credential poll cover the dial as well as the
	// stream.
	var watchSeq uint64
	var watchdog *clock.Timer
	armWatchdog := func() {
		if watchdog != nil {
			watchdog.Stop()
		}
		watchSeq++
		seq := watchSeq
		watchdog = s.clock.AfterFunc(s.cfg.IdleTimeout, func() { c.post(event{kind: evIdle, seq: seq}) })
	}
	armWatchdog()
	c.addTimer(func() { watchdog.Stop() })

	poll := s.clock.NewTicker(s.cfg.PollInterval)
	c.addTimer(poll.Stop)
	go ticks(c, poll.C, evPoll)

	log.Debug("observe request issuing")
	go s.dial(cctx, c, cred)

	reader := framing.NewReader(s.cfg.MaxFrameSize)
	for {
		var ev event
		select {
		case <-ctx.Done():
			out.Reason = ReasonCancelled
			return out
		case ev = <-c.events:
		}

		switch ev.kind {
		case evConnected:
			log.Info("observe stream open", "transport", cred.TransportURL)
			s.setState(StateStreaming)
			ping := s.clock.NewTicker(s.cfg.PingInterval)
			c.addTimer(ping.Stop)
			go s.pinger(cctx, c, ev.conn, ping.C, log)
			go read(c, ev.conn)
		case evDialError:
			if ctx.Err() != nil {
				out.Reason = ReasonCancelled
				return out
			}
			out.Reason, out.Err = ReasonError, fmt.Errorf("open observe stream: %w", ev.err)
			return out
		case evData:
			s.lastData.Store(s.clock.Now().UnixNano())
			armWatchdog()
			frames, ferr := reader.Feed(ev.data)
			for _, frame := range frames {
				out.Frames++
				msg, err := s.decoder.Decode(frame)
				if err != nil {
					log.Warn("observe frame not recognised", "error", err, "bytes", len(frame))
					continue
				}
				out.Status = msg.Status
				h(msg)
				if msg.Status != nil {
					log.Debug("observe status received", "code", msg.Status.Code, "message", msg.Status.Message)
					out.Reason = ReasonStatus
					return out
				}
			}
			if ferr != nil {
				out.Reason = ReasonError
				out.Err = apierr.New(apierr.DecodeError, "observe", ferr)
				return out
			}
		case evEOF:
			out.Reason = ReasonClosed
			return out
		case evReadError:
			out.Reason, out.Err = ReasonError, apierr.FromTransport("observe", ev.err)
			return out
		case evIdle:
			if ev.seq != watchSeq {
				continue
			}
			log.Warn("observe stream timed out", "idle", s.cfg.IdleTimeout, "state", s.State())
			out.Reason = ReasonIdleTimeout
			return out
		case evPong:
			armWatchdog()
		case evPoll:
			if _, ok := s.auth.Credential(); !ok {
				log.Info("observe cancelled, credential no longer valid")
				out.Reason = ReasonCredentialInvalid
				return out
			}
		case evCancel:
			log.Debug("observe cancelled")
			out.Reason = ev.reason
			return out
		}
	}
}

// dial opens the request off the Run goroutine so the cycle's timers
// and Cancel stay live while it is in flight. finish cancels ctx, which
// aborts a dial that is still waiting.
func (s *Stream) dial(ctx context.Context, c *cycle, cred auth.Credential) {
	conn, err := s.dialer.Dial(ctx, cred)
	if err != nil {
		c.post(event{kind: evDialError, err: err})
		return
	}
	if c.setConn(conn) {
		c.post(event{kind: evConnected, conn: conn})
	}
}

func (s *Stream) pinger(ctx context.Context, c *cycle, conn Conn, tick <-chan time.Time, log *slog.Logger) {
	for {
		select {
		case <-c.done:
			return
		case <-tick:
		}
		start := s.clock.Now()
		if err := conn.Ping(ctx); err != nil {
			log.Debug("observe ping failed", "error", err)
			continue
		}
		log.Debug("observe ping", "rtt", s.clock.Now().Sub(start))
		c.post(event{kind: evPong})
	}
}

func ticks(c *cycle, tick <-chan time.Time, kind eventKind) {
	for {
		select {
		case <-c.done:
			return
		case <-tick:
			c.post(event{kind: kind})
		}
	}
}

func read(c *cycle, conn Conn) {
	buf := make([]byte, 32<<10)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.post(event{kind: evData, data: append([]byte(nil), buf[:n]...)})
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			c.post(event{kind: evEOF})
		default:
			c.post(event{kind: evReadError, err: err})
		}
		return
	}
}
