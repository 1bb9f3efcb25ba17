// Package session ties one account's authenticator, observe stream,
// translator, merger and model builder together. A Session owns the
// translated body and the cumulative state; both are only touched from
// the stream's handler, which runs on the Run goroutine.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nestobserve/internal/clock"
	"nestobserve/internal/legacy"
	"nestobserve/internal/merge"
	"nestobserve/internal/model"
	"nestobserve/internal/observe"
	"nestobserve/internal/traits"
)

// DefaultPendingTTL applies to pending updates added without an expiry.
const DefaultPendingTTL = 30 * time.Second

// Consumer receives every emitted tree. It runs on the stream goroutine
// and must not block for long.
type Consumer func(tree *model.DeviceTree)

// Options configures a Session.
type Options struct {
	Auth    observe.Authenticator
	Dialer  observe.Dialer
	Decoder observe.Decoder
	Stream  observe.Config
	Clock   clock.Clock
	Logger  *slog.Logger

	Consumer Consumer
	// OnDeviceListChanged is told when a structure's peer device count
	// differs from the count seen earlier in the session.
	OnDeviceListChanged legacy.DeviceListChangedFunc
	// OnCycleEnd is forwarded to the observe stream.
	OnCycleEnd func(observe.Outcome)
	// OnAuthFailure is forwarded to the observe stream.
	OnAuthFailure func(error)

	PendingTTL time.Duration
}

// Session is one observed account.
type Session struct {
	auth       observe.Authenticator
	stream     *observe.Stream
	translator *legacy.Translator
	builder    *model.Builder
	clock      clock.Clock
	logger     *slog.Logger
	consumer   Consumer
	pendingTTL time.Duration

	// Owned by the stream handler.
	body     *legacy.Body
	state    merge.Tree
	gen      uint64
	notified bool

	mu      sync.Mutex
	pending []merge.PendingUpdate
	last    *model.DeviceTree
	emitted uint64
}

// New wires a Session. Nothing happens until Run.
func New(opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = DefaultPendingTTL
	}

	s := &Session{
		auth:       opts.Auth,
		translator: legacy.NewTranslator(opts.Clock, opts.Logger.With("component", "translator")),
		builder:    model.NewBuilder(opts.Logger.With("component", "model")),
		clock:      opts.Clock,
		logger:     opts.Logger.With("component", "session"),
		consumer:   opts.Consumer,
		pendingTTL: opts.PendingTTL,
		body:       legacy.NewBody(),
	}
	s.translator.OnDeviceListChanged = opts.OnDeviceListChanged
	s.stream = observe.New(opts.Stream, opts.Dialer, opts.Decoder, opts.Auth, opts.Clock, opts.Logger.With("component", "observe"))
	s.stream.OnCycleEnd = opts.OnCycleEnd
	s.stream.OnAuthFailure = opts.OnAuthFailure
	return s
}

// Stream returns the session's observe stream.
func (s *Session) Stream() *observe.Stream { return s.stream }

// UserID returns the account's user id once the stream has reported it.
func (s *Session) UserID() string { return s.translator.UserID() }

// Run authenticates and then observes until ctx is done. Only a
// rejected or rate-limited credential at startup ends it early; later
// failures are retried by the stream.
func (s *Session) Run(ctx context.Context) error {
	if _, err := s.auth.Authenticate(ctx, false); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	return s.stream.Run(ctx, s.handle)
}

// AddPendingUpdate records an optimistic override. A zero Expiry is
// replaced by now plus the configured TTL. The update shows in the next
// emitted tree and every one after it until it expires.
func (s *Session) AddPendingUpdate(u merge.PendingUpdate) {
	if u.Expiry.IsZero() {
		u.Expiry = s.clock.Now().Add(s.pendingTTL)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, u)
}

// Last returns the most recently emitted tree, or nil.
func (s *Session) Last() *model.DeviceTree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Emitted returns how many trees have been emitted.
func (s *Session) Emitted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted
}

func (s *Session) handle(msg *traits.StreamMessage) {
	if gen := s.stream.Generation(); gen != s.gen {
		s.gen = gen
		s.notified = false
	}
	if legacy.IsSnapshot(msg) {
		s.logger.Debug("state snapshot started", "generation", s.gen)
		s.body = legacy.NewBody()
	}

	res := s.translator.Apply(msg, s.body)
	if msg.Skipped > 0 {
		s.logger.Warn("traits skipped", "count", msg.Skipped)
	}
	if !res.HasDeviceInfo && !(s.notified && res.Applied > 0) {
		return
	}
	if s.body.Empty() {
		return
	}

	tree, err := s.build()
	if err != nil {
		s.logger.Error("cannot build device tree", "error", err)
		return
	}
	s.notified = true

	s.mu.Lock()
	s.last = tree
	s.emitted++
	s.mu.Unlock()

	if s.consumer != nil {
		s.consumer(tree)
	}
}

// build folds the body into the cumulative state, overlays live pending
// updates and derives the tree.
func (s *Session) build() (*model.DeviceTree, error) {
	delta, err := merge.ToTree(s.body)
	if err != nil {
		return nil, err
	}
	s.state = merge.Cumulative(s.state, delta)

	now := s.clock.Now()
	merged := merge.Reconcile(s.state, s.livePending(now), now)

	var body legacy.Body
	if err := merge.FromTree(merged, &body); err != nil {
		return nil, err
	}
	return s.builder.Build(&body), nil
}

// livePending drops expired updates and returns the rest.
func (s *Session) livePending(now time.Time) []merge.PendingUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.pending[:0]
	for _, u := range s.pending {
		if u.Expiry.After(now) {
			live = append(live, u)
		}
	}
	s.pending = live
	return append([]merge.PendingUpdate(nil), live...)
}
