package replicate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/KossiPascal/health-map-project/internal/docstore"
)

// EventKind tags a live session event.
type EventKind int

const (
	// EventActive: a round is starting.
	EventActive EventKind = iota
	// EventChange: a round wrote documents.
	EventChange
	// EventPaused: the session caught up and is waiting.
	EventPaused
	// EventDenied: the remote rejected the credentials. The session ends.
	EventDenied
	// EventError: retries are exhausted or the failure is permanent. The
	// session ends.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventActive:
		return "active"
	case EventChange:
		return "change"
	case EventPaused:
		return "paused"
	case EventDenied:
		return "denied"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted on the session's event channel.
type Event struct {
	Kind EventKind
	Push Result
	Pull Result
	Err  error
}

// Written is the number of documents a round wrote in either direction.
func (e Event) Written() int {
	return e.Push.DocsWritten + e.Pull.DocsWritten
}

// Session defaults.
const (
	DefaultPollInterval = 10 * time.Second
	DefaultMaxRetries   = 5
	DefaultBaseBackoff  = 1 * time.Second
	DefaultMaxBackoff   = 60 * time.Second
	eventBuffer         = 16
)

// SessionOptions configures a live session.
type SessionOptions struct {
	// Filter scopes the pull. The push is never filtered.
	Filter       docstore.Filter
	BatchSize    int
	PollInterval time.Duration
	MaxRetries   int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	Logger       *slog.Logger
}

func (o *SessionOptions) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}

	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}

	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultBaseBackoff
	}

	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Session is a continuous bidirectional replication between a local and a
// remote store. Each round pushes local changes, then pulls remote changes
// through the filter. Rounds run on start, after local writes, on Nudge,
// and every PollInterval.
type Session struct {
	local  docstore.Endpoint
	remote docstore.Endpoint
	opts   SessionOptions

	events chan Event
	nudge  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Start launches a live session. It returns immediately; the session runs
// until ctx is canceled, Stop is called, or it ends on Denied or Error.
func Start(ctx context.Context, local, remote docstore.Endpoint, opts SessionOptions) *Session {
	opts.setDefaults()

	ctx, cancel := context.WithCancel(ctx)

	s := &Session{
		local:  local,
		remote: remote,
		opts:   opts,
		events: make(chan Event, eventBuffer),
		nudge:  make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go s.run(ctx)

	return s
}

// Events delivers session events. Closed when the session ends.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Nudge requests a round as soon as the session is idle.
func (s *Session) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Stop cancels the session and waits for it to end.
func (s *Session) Stop() {
	s.cancel()
	<-s.done
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel()

	var notify <-chan struct{}
	if n, ok := s.local.(docstore.Notifier); ok {
		notify = n.Notify()
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	logger := s.opts.Logger

	for {
		if !s.emit(ctx, Event{Kind: EventActive}) {
			return
		}

		push, pull, err := s.roundWithRetry(ctx)
		if ctx.Err() != nil {
			return
		}

		switch docstore.Classify(err) {
		case docstore.ClassNone:
			ev := Event{Kind: EventChange, Push: push, Pull: pull}
			if ev.Written() > 0 && !s.emit(ctx, ev) {
				return
			}

			if !s.emit(ctx, Event{Kind: EventPaused, Push: push, Pull: pull}) {
				return
			}
		case docstore.ClassBenign:
			logger.Debug("live round finished with benign error", slog.String("error", err.Error()))

			if !s.emit(ctx, Event{Kind: EventPaused, Push: push, Pull: pull, Err: err}) {
				return
			}
		case docstore.ClassUnauthorized:
			logger.Warn("live replication denied", slog.String("error", err.Error()))
			s.fail(ctx, EventDenied, err)

			return
		default:
			logger.Error("live replication failed", slog.String("error", err.Error()))
			s.fail(ctx, EventError, err)

			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.nudge:
		case <-notify:
		case <-ticker.C:
		}
	}
}

func (s *Session) fail(ctx context.Context, kind EventKind, err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	s.emit(ctx, Event{Kind: kind, Err: err})
}

// emit delivers ev unless the session is canceled first.
func (s *Session) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// roundWithRetry runs push then pull, retrying transient failures with
// exponential backoff for a bounded number of attempts.
func (s *Session) roundWithRetry(ctx context.Context) (Result, Result, error) {
	var push, pull Result

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BaseBackoff
	b.MaxInterval = s.opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.MaxRetries)), ctx)

	op := func() error {
		var err error

		push, pull, err = s.round(ctx)

		switch docstore.Classify(err) {
		case docstore.ClassNone:
			return nil
		case docstore.ClassTransient:
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	notify := func(err error, wait time.Duration) {
		s.opts.Logger.Warn("live round failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("backoff", wait),
		)
	}

	err := backoff.RetryNotify(op, policy, notify)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}

	return push, pull, err
}

// round pushes everything, then pulls through the filter. A benign push
// failure does not prevent the pull.
func (s *Session) round(ctx context.Context) (Result, Result, error) {
	push, pushErr := Replicate(ctx, s.local, s.remote, Options{
		BatchSize: s.opts.BatchSize,
		Logger:    s.opts.Logger,
	})
	if pushErr != nil && docstore.Classify(pushErr) != docstore.ClassBenign {
		return push, Result{}, pushErr
	}

	pull, pullErr := Replicate(ctx, s.remote, s.local, Options{
		Filter:    s.opts.Filter,
		BatchSize: s.opts.BatchSize,
		Logger:    s.opts.Logger,
	})
	if pullErr != nil {
		return push, pull, pullErr
	}

	return push, pull, pushErr
}
