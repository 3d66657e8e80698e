// Package syncer decides when replication runs between the local and the
// remote store and maintains the observable sync status. It offers three
// modes: a live session that follows connectivity, periodic push-pull
// cycles, and explicit manual cycles. After a pull it resolves conflicts by
// last-writer-wins and purges tombstones both sides already hold.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/KossiPascal/health-map-project/internal/broadcast"
	"github.com/KossiPascal/health-map-project/internal/docstore"
	"github.com/KossiPascal/health-map-project/internal/replicate"
)

// ErrNotInitialized is returned when no store pair is bound.
var ErrNotInitialized = errors.New("syncer: no store pair bound")

// Scope is the acting user. Administrators replicate every document.
type Scope struct {
	Owner string
	Admin bool
}

// Filter is the pull filter for the scope.
func (s Scope) Filter() docstore.Filter {
	if s.Admin {
		return docstore.Filter{}
	}

	return docstore.Filter{Owner: s.Owner}
}

// Connectivity is the network signal the coordinator follows.
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// Options tunes replication and maintenance.
type Options struct {
	BatchSize    int
	PollInterval time.Duration
	MaxRetries   int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration

	// ResolveConflicts runs last-writer-wins resolution after pulls.
	ResolveConflicts bool
	// PurgeTombstones removes converged tombstones after each periodic cycle.
	PurgeTombstones bool

	Metrics *Metrics

	// OnTransition, if set, observes every status change. It runs inside
	// the state machine and must not call back into the coordinator.
	OnTransition func(from, to Status)
}

// Coordinator owns the sync status machine and the running replication
// work for one bound store pair. It owns neither store.
type Coordinator struct {
	logger  *slog.Logger
	opts    Options
	status  *broadcast.Hub[Status]
	machine *machine
	flight  singleflight.Group

	mu     sync.Mutex
	local  docstore.Endpoint
	remote docstore.Endpoint
	scope  Scope

	// ctx scopes background work for the current binding.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	session  *replicate.Session
	pumpDone chan struct{}

	autoCancel context.CancelFunc
	autoDone   chan struct{}
}

// New creates an unbound coordinator in the idle state.
func New(logger *slog.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		logger: logger,
		opts:   opts,
		status: broadcast.New(StatusIdle),
	}

	c.machine = newMachine(func(from, to Status) {
		c.status.Set(to)
		c.opts.Metrics.setStatus(to)
		c.logger.Debug("sync status changed", slog.String("from", string(from)), slog.String("to", string(to)))

		if c.opts.OnTransition != nil {
			c.opts.OnTransition(from, to)
		}
	})

	c.opts.Metrics.setStatus(StatusIdle)

	return c
}

// Status returns the current status.
func (c *Coordinator) Status() Status {
	return c.machine.current()
}

// Subscribe delivers the current status, then every transition.
func (c *Coordinator) Subscribe() (<-chan Status, func()) {
	return c.status.Subscribe()
}

func (c *Coordinator) fire(event string) {
	if err := c.machine.fire(event); err != nil {
		c.logger.Debug("status event ignored", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// Initialize binds a store pair and the acting user. Re-binding stops any
// running work first.
func (c *Coordinator) Initialize(local, remote docstore.Endpoint, scope Scope) {
	c.StopAutoReplication()
	c.StopSync()
	c.unbind()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.local = local
	c.remote = remote
	c.scope = scope
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.logger.Info("sync coordinator bound",
		slog.String("local", local.Name()),
		slog.String("remote", remote.Name()),
		slog.String("owner", scope.Owner),
		slog.Bool("admin", scope.Admin),
	)
}

// unbind cancels background work of the current binding and waits for it.
func (c *Coordinator) unbind() {
	c.mu.Lock()
	cancel := c.cancel
	c.local, c.remote, c.cancel = nil, nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	c.wg.Wait()
}

type binding struct {
	ctx    context.Context
	local  docstore.Endpoint
	remote docstore.Endpoint
	scope  Scope
}

func (c *Coordinator) bound() (binding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.local == nil || c.remote == nil {
		return binding{}, ErrNotInitialized
	}

	return binding{ctx: c.ctx, local: c.local, remote: c.remote, scope: c.scope}, nil
}

// Syncing reports whether a live session is running.
func (c *Coordinator) Syncing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.session != nil
}

// StartLiveSync starts the continuous bidirectional session. It returns as
// soon as the session is launched. Calling it while a session runs does
// nothing.
func (c *Coordinator) StartLiveSync() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.local == nil || c.remote == nil {
		return ErrNotInitialized
	}

	if c.session != nil {
		return nil
	}

	s := replicate.Start(c.ctx, c.local, c.remote, replicate.SessionOptions{
		Filter:       c.scope.Filter(),
		BatchSize:    c.opts.BatchSize,
		PollInterval: c.opts.PollInterval,
		MaxRetries:   c.opts.MaxRetries,
		BaseBackoff:  c.opts.BaseBackoff,
		MaxBackoff:   c.opts.MaxBackoff,
		Logger:       c.logger,
	})

	done := make(chan struct{})
	c.session = s
	c.pumpDone = done

	go c.pump(c.ctx, s, done)

	c.logger.Info("live sync started")

	return nil
}

// pump turns session events into status transitions until the session ends.
func (c *Coordinator) pump(ctx context.Context, s *replicate.Session, done chan struct{}) {
	defer close(done)

	for ev := range s.Events() {
		c.handle(ctx, s, ev)
	}

	c.mu.Lock()
	if c.session == s {
		c.session = nil
		c.pumpDone = nil
	}
	c.mu.Unlock()
}

func (c *Coordinator) handle(ctx context.Context, s *replicate.Session, ev replicate.Event) {
	c.mu.Lock()
	current := c.session == s
	c.mu.Unlock()

	if !current {
		return
	}

	switch ev.Kind {
	case replicate.EventActive:
		c.fire(eventStart)
	case replicate.EventChange:
		c.fire(eventChange)

		if c.opts.ResolveConflicts {
			if _, err := c.ResolveConflicts(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("resolving conflicts after live change failed", slog.String("error", err.Error()))
			}
		}
	case replicate.EventPaused:
		c.opts.Metrics.observeRound(ev.Push, ev.Pull)

		if ev.Err != nil {
			c.opts.Metrics.cycle(resultBenign)
		} else {
			c.opts.Metrics.cycle(resultOK)
		}

		c.fire(eventPause)
	case replicate.EventDenied:
		c.opts.Metrics.cycle(resultDenied)
		c.fire(eventDeny)
	case replicate.EventError:
		c.opts.Metrics.cycle(resultError)
		c.fire(eventFail)
	}
}

// StopSync cancels the live session, if any, and returns to idle. Safe to
// call when nothing runs.
func (c *Coordinator) StopSync() {
	c.mu.Lock()
	s, done := c.session, c.pumpDone
	c.session, c.pumpDone = nil, nil
	c.mu.Unlock()

	if s != nil {
		s.Stop()
		<-done

		c.logger.Info("live sync stopped")
	}

	c.fire(eventStop)
}

// ResetSync restarts the live session.
func (c *Coordinator) ResetSync() error {
	c.StopSync()
	return c.StartLiveSync()
}

// ManualSync runs one push-then-pull cycle and settles on paused or needed.
// Concurrent calls share one cycle. A benign failure settles on paused and
// is not returned.
func (c *Coordinator) ManualSync(ctx context.Context) error {
	ch := c.flight.DoChan("manual", func() (any, error) {
		return nil, c.manualSync(ctx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) manualSync(ctx context.Context) error {
	b, err := c.bound()
	if err != nil {
		return err
	}

	c.fire(eventStart)

	push, pushErr := replicate.Replicate(ctx, b.local, b.remote, replicate.Options{
		BatchSize: c.opts.BatchSize,
		Logger:    c.logger,
	})
	if pushErr != nil && docstore.Classify(pushErr) != docstore.ClassBenign {
		return c.settle(ctx, b, fmt.Errorf("syncer: push: %w", pushErr))
	}

	pull, pullErr := replicate.Replicate(ctx, b.remote, b.local, replicate.Options{
		Filter:    b.scope.Filter(),
		BatchSize: c.opts.BatchSize,
		Logger:    c.logger,
	})

	c.opts.Metrics.observeRound(push, pull)

	if pullErr != nil {
		return c.settle(ctx, b, fmt.Errorf("syncer: pull: %w", pullErr))
	}

	c.logger.Info("manual sync finished",
		slog.Int("pushed", push.DocsWritten),
		slog.Int("pulled", pull.DocsWritten),
	)

	return c.settle(ctx, b, pushErr)
}

// settle maps the outcome of a cycle onto the status machine.
func (c *Coordinator) settle(ctx context.Context, b binding, err error) error {
	switch docstore.Classify(err) {
	case docstore.ClassNone, docstore.ClassBenign:
		if err != nil {
			c.logger.Debug("sync finished with benign error", slog.String("error", err.Error()))
			c.opts.Metrics.cycle(resultBenign)
		} else {
			c.opts.Metrics.cycle(resultOK)
		}

		_, checkErr := c.checkIfSyncNeeded(ctx, b)

		return checkErr
	case docstore.ClassCanceled:
		c.fire(eventStop)
		return err
	case docstore.ClassUnauthorized:
		c.logger.Warn("sync denied", slog.String("error", err.Error()))
		c.opts.Metrics.cycle(resultDenied)
		c.fire(eventDeny)

		return err
	default:
		c.logger.Error("sync failed", slog.String("error", err.Error()))
		c.opts.Metrics.cycle(resultError)
		c.fire(eventFail)

		return err
	}
}

// CheckIfSyncNeeded moves to needed when the remote lacks local revisions,
// and to paused otherwise.
func (c *Coordinator) CheckIfSyncNeeded(ctx context.Context) (bool, error) {
	b, err := c.bound()
	if err != nil {
		c.fire(eventFail)
		return false, err
	}

	return c.checkIfSyncNeeded(ctx, b)
}

func (c *Coordinator) checkIfSyncNeeded(ctx context.Context, b binding) (bool, error) {
	n, err := replicate.Pending(ctx, b.local, b.remote, replicate.Options{
		BatchSize: c.opts.BatchSize,
		Logger:    c.logger,
	})
	if err != nil {
		c.fire(eventFail)
		return false, fmt.Errorf("syncer: checking pending changes: %w", err)
	}

	if n > 0 {
		c.logger.Info("local changes waiting to be pushed", slog.Int("revisions", n))
		c.fire(eventNeed)

		return true, nil
	}

	c.fire(eventPause)

	return false, nil
}

// ReplicateSafely runs a manual cycle followed by conflict resolution and
// tombstone purge, as enabled. Maintenance failures are logged only.
func (c *Coordinator) ReplicateSafely(ctx context.Context) error {
	if err := c.ManualSync(ctx); err != nil {
		return err
	}

	if c.opts.ResolveConflicts {
		if _, err := c.ResolveConflicts(ctx); err != nil {
			c.logger.Warn("resolving conflicts failed", slog.String("error", err.Error()))
		}
	}

	if c.opts.PurgeTombstones {
		if _, err := c.PurgeTombstones(ctx); err != nil {
			c.logger.Warn("purging tombstones failed", slog.String("error", err.Error()))
		}
	}

	return nil
}

// RequestSync asks for a sync without waiting: the live session is nudged
// when one runs, otherwise a background cycle starts unless one is already
// running.
func (c *Coordinator) RequestSync() {
	c.mu.Lock()
	s := c.session
	ctx := c.ctx
	bound := c.local != nil && c.remote != nil

	if s == nil && bound {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if s != nil {
		s.Nudge()
		return
	}

	if !bound {
		return
	}

	go func() {
		defer c.wg.Done()

		_, _, _ = c.flight.Do("request", func() (any, error) {
			if err := c.ReplicateSafely(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("requested sync failed", slog.String("error", err.Error()))
			}

			return nil, nil
		})
	}()
}

// StartAutoReplication runs a cycle whenever conn goes online, then every
// interval while online. Going offline cancels the timer. Only one loop
// runs at a time; a second call does nothing.
func (c *Coordinator) StartAutoReplication(interval time.Duration, conn Connectivity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.local == nil || c.remote == nil {
		return ErrNotInitialized
	}

	if c.autoCancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})

	c.autoCancel = cancel
	c.autoDone = done

	go c.autoLoop(ctx, interval, conn, done)

	c.logger.Info("periodic replication started", slog.Duration("interval", interval))

	return nil
}

func (c *Coordinator) autoLoop(ctx context.Context, interval time.Duration, conn Connectivity, done chan struct{}) {
	defer close(done)

	updates, unsubscribe := conn.Subscribe()
	defer unsubscribe()

	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)

	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
	}
	defer stopTicker()

	cycle := func() {
		if err := c.ReplicateSafely(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("periodic replication failed", slog.String("error", err.Error()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-updates:
			if !ok {
				return
			}

			if !online {
				stopTicker()
				c.fire(eventStop)

				continue
			}

			if ticker == nil {
				cycle()

				ticker = time.NewTicker(interval)
				tick = ticker.C
			}
		case <-tick:
			cycle()
		}
	}
}

// StopAutoReplication cancels the periodic loop and returns to idle. Safe
// to call when nothing runs.
func (c *Coordinator) StopAutoReplication() {
	c.mu.Lock()
	cancel, done := c.autoCancel, c.autoDone
	c.autoCancel, c.autoDone = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done

		c.logger.Info("periodic replication stopped")
	}

	c.fire(eventStop)
}

// FollowNetwork runs the live session while conn is online and stops it
// while offline. Blocks until ctx is canceled, then stops the session.
func (c *Coordinator) FollowNetwork(ctx context.Context, conn Connectivity) error {
	updates, unsubscribe := conn.Subscribe()
	defer unsubscribe()

	defer c.StopSync()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online, ok := <-updates:
			if !ok {
				return nil
			}

			if !online {
				c.StopSync()
				continue
			}

			if err := c.StartLiveSync(); err != nil {
				return err
			}
		}
	}
}

// Destroy stops all work, unbinds the stores and destroys the local store
// when it supports it.
func (c *Coordinator) Destroy(ctx context.Context) error {
	c.StopAutoReplication()
	c.StopSync()

	c.mu.Lock()
	local := c.local
	c.mu.Unlock()

	c.unbind()

	if d, ok := local.(docstore.Destroyer); ok {
		if err := d.Destroy(ctx); err != nil {
			return fmt.Errorf("syncer: destroying local store: %w", err)
		}
	}

	c.logger.Info("sync coordinator destroyed")

	return nil
}

// ListConflicts returns the local documents that have more than one live
// leaf, with Conflicts populated.
func (c *Coordinator) ListConflicts(ctx context.Context) ([]*docstore.Document, error) {
	b, err := c.bound()
	if err != nil {
		return nil, err
	}

	docs, err := b.local.AllDocs(ctx, docstore.AllDocsOptions{})
	if err != nil {
		return nil, fmt.Errorf("syncer: listing local documents: %w", err)
	}

	var out []*docstore.Document

	for _, d := range docs {
		if len(d.Conflicts) > 0 {
			out = append(out, d)
		}
	}

	return out, nil
}

// ResolveConflicts keeps, for every conflicted document, the live leaf with
// the latest updatedAt and purges the other live leaves locally and, best
// effort, on the remote. Returns the number of documents resolved.
func (c *Coordinator) ResolveConflicts(ctx context.Context) (int, error) {
	b, err := c.bound()
	if err != nil {
		return 0, err
	}

	conflicted, err := c.ListConflicts(ctx)
	if err != nil {
		return 0, err
	}

	resolved := 0

	for _, d := range conflicted {
		leaves, err := b.local.Leaves(ctx, d.ID)
		if err != nil {
			return resolved, fmt.Errorf("syncer: reading leaves of %s: %w", d.ID, err)
		}

		keep, losers := LatestWins(leaves)
		if keep == nil || len(losers) == 0 {
			continue
		}

		if err := b.local.Purge(ctx, d.ID, losers); err != nil {
			return resolved, fmt.Errorf("syncer: purging losing revisions of %s: %w", d.ID, err)
		}

		if err := b.remote.Purge(ctx, d.ID, losers); err != nil {
			c.logger.Warn("purging losing revisions on remote failed",
				slog.String("id", d.ID),
				slog.String("error", err.Error()),
			)
		}

		c.logger.Info("conflict resolved",
			slog.String("id", d.ID),
			slog.String("kept", keep.Rev),
			slog.Any("discarded", losers),
		)

		resolved++
	}

	c.opts.Metrics.resolved(resolved)

	return resolved, nil
}

// LatestWins picks the live leaf with the latest UpdatedAt and returns it
// with the revisions of the other live leaves. Ties fall back to the
// deterministic revision-tree winner among the tied leaves.
func LatestWins(leaves []*docstore.Document) (*docstore.Document, []string) {
	var live []*docstore.Document

	for _, l := range leaves {
		if !l.Deleted {
			live = append(live, l)
		}
	}

	if len(live) == 0 {
		return nil, nil
	}

	latest := live[0].UpdatedAt
	for _, l := range live[1:] {
		if l.UpdatedAt.After(latest) {
			latest = l.UpdatedAt
		}
	}

	var tied []*docstore.Document

	for _, l := range live {
		if l.UpdatedAt.Equal(latest) {
			tied = append(tied, l)
		}
	}

	keep := docstore.Winner(tied)

	var losers []string

	for _, l := range live {
		if l.Rev != keep.Rev {
			losers = append(losers, l.Rev)
		}
	}

	slices.Sort(losers)

	return keep, losers
}

// PurgeTombstones physically removes local documents whose every leaf is
// deleted and whose leaves the remote already holds. Returns the number of
// documents purged.
func (c *Coordinator) PurgeTombstones(ctx context.Context) (int, error) {
	b, err := c.bound()
	if err != nil {
		return 0, err
	}

	docs, err := b.local.AllDocs(ctx, docstore.AllDocsOptions{IncludeDeleted: true})
	if err != nil {
		return 0, fmt.Errorf("syncer: listing local documents: %w", err)
	}

	candidates := make(map[string][]string)

	for _, d := range docs {
		if !d.Deleted {
			continue
		}

		leaves, err := b.local.Leaves(ctx, d.ID)
		if err != nil {
			return 0, fmt.Errorf("syncer: reading leaves of %s: %w", d.ID, err)
		}

		candidates[d.ID] = docstore.LeafRevs(leaves)
	}

	if len(candidates) == 0 {
		return 0, nil
	}

	missing, err := b.remote.RevsDiff(ctx, candidates)
	if err != nil {
		return 0, fmt.Errorf("syncer: checking tombstones against remote: %w", err)
	}

	purged := 0

	for _, id := range sortedKeys(candidates) {
		if len(missing[id]) > 0 {
			continue
		}

		if err := b.local.Purge(ctx, id, candidates[id]); err != nil {
			return purged, fmt.Errorf("syncer: purging tombstone %s: %w", id, err)
		}

		purged++
	}

	if purged > 0 {
		c.logger.Info("converged tombstones purged", slog.Int("count", purged))
	}

	c.opts.Metrics.purged(purged)

	return purged, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}
