package syncer

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KossiPascal/health-map-project/internal/broadcast"
	"github.com/KossiPascal/health-map-project/internal/docstore"
	"github.com/KossiPascal/health-map-project/internal/storetest"
)

const owner = "u1"

type fakeNet struct {
	*broadcast.Hub[bool]
}

func newFakeNet(online bool) *fakeNet {
	return &fakeNet{Hub: broadcast.New(online)}
}

func (n *fakeNet) Online() bool { return n.Get() }

type transitions struct {
	mu   sync.Mutex
	seen []Status
}

func (tr *transitions) record(_, to Status) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.seen = append(tr.seen, to)
}

func (tr *transitions) list() []Status {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	return slices.Clone(tr.seen)
}

// follows reports whether want appears in the recorded transitions, in
// order, not necessarily adjacent.
func (tr *transitions) follows(want ...Status) bool {
	i := 0

	for _, s := range tr.list() {
		if i < len(want) && s == want[i] {
			i++
		}
	}

	return i == len(want)
}

func newCoordinator(t *testing.T, opts Options) (*Coordinator, *storetest.Recorder, *storetest.Recorder, *transitions) {
	t.Helper()

	if opts.PollInterval == 0 {
		opts.PollInterval = time.Hour
	}

	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = time.Millisecond
		opts.MaxBackoff = 2 * time.Millisecond
	}

	tr := &transitions{}
	opts.OnTransition = tr.record

	local := storetest.Wrap(storetest.NewLocal(t), "local")
	remote := storetest.Wrap(storetest.NewLocal(t), "remote")

	c := New(storetest.Logger(t), opts)
	c.Initialize(local, remote, Scope{Owner: owner})

	t.Cleanup(func() { _ = c.Destroy(context.Background()) })

	return c, local, remote, tr
}

func putDoc(t *testing.T, s docstore.Store, id string, fields map[string]any) docstore.PutResult {
	t.Helper()

	d := &docstore.Document{ID: id, Type: docstore.TypeCHW, Owner: owner}
	for k, v := range fields {
		require.NoError(t, d.SetField(k, v))
	}

	res, err := s.Put(context.Background(), d)
	require.NoError(t, err)

	return res
}

func waitStatus(t *testing.T, c *Coordinator, want Status) {
	t.Helper()

	require.Eventually(t, func() bool { return c.Status() == want }, 3*time.Second, 5*time.Millisecond,
		"status never reached %s (last %s)", want, c.Status())
}

func TestCoordinator_NotInitialized(t *testing.T) {
	c := New(storetest.Discard(), Options{})

	assert.ErrorIs(t, c.StartLiveSync(), ErrNotInitialized)
	assert.ErrorIs(t, c.ManualSync(context.Background()), ErrNotInitialized)
	assert.ErrorIs(t, c.StartAutoReplication(time.Minute, newFakeNet(true)), ErrNotInitialized)

	c.StopSync()
	c.StopAutoReplication()
	c.RequestSync()

	assert.Equal(t, StatusIdle, c.Status())
}

func TestCoordinator_StartLiveSyncIsIdempotent(t *testing.T) {
	c, local, remote, _ := newCoordinator(t, Options{})

	putDoc(t, remote.Unwrap(), "r1", nil)

	require.NoError(t, c.StartLiveSync())
	require.NoError(t, c.StartLiveSync())
	assert.True(t, c.Syncing())

	waitStatus(t, c, StatusPaused)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, remote.Count("Changes"), "a second session would read the remote feed again")
	assert.Equal(t, 1, local.Count("Changes"))

	_, err := local.Get(context.Background(), "r1")
	require.NoError(t, err)
}

func TestCoordinator_StopSyncReturnsToIdle(t *testing.T) {
	c, _, _, _ := newCoordinator(t, Options{})

	require.NoError(t, c.StartLiveSync())
	waitStatus(t, c, StatusPaused)

	c.StopSync()
	assert.False(t, c.Syncing())
	assert.Equal(t, StatusIdle, c.Status())

	c.StopSync()
	assert.Equal(t, StatusIdle, c.Status())
}

func TestCoordinator_ResetSyncStartsFreshSession(t *testing.T) {
	c, _, remote, _ := newCoordinator(t, Options{})

	require.NoError(t, c.StartLiveSync())
	waitStatus(t, c, StatusPaused)

	require.NoError(t, c.ResetSync())
	assert.True(t, c.Syncing())

	require.Eventually(t, func() bool { return remote.Count("Changes") == 2 }, 3*time.Second, 5*time.Millisecond,
		"the new session reads the remote feed again")
	waitStatus(t, c, StatusPaused)
}

func TestCoordinator_LiveStatusFollowsNetwork(t *testing.T) {
	c, _, remote, tr := newCoordinator(t, Options{})

	putDoc(t, remote.Unwrap(), "r1", nil)

	net := newFakeNet(false)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.FollowNetwork(ctx, net) }()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusIdle, c.Status())
	assert.Zero(t, remote.Count("Changes"))

	net.Set(true)

	require.Eventually(t, func() bool {
		return tr.follows(StatusActive, StatusChanged, StatusPaused)
	}, 3*time.Second, 5*time.Millisecond, "got %v", tr.list())

	net.Set(false)
	waitStatus(t, c, StatusIdle)
	assert.False(t, c.Syncing())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestCoordinator_LiveDeniedOnUnauthorized(t *testing.T) {
	c, _, remote, tr := newCoordinator(t, Options{})

	remote.FailOn("Changes", fmt.Errorf("couch: 401: %w", docstore.ErrUnauthorized))

	require.NoError(t, c.StartLiveSync())
	waitStatus(t, c, StatusDenied)

	require.Eventually(t, func() bool { return !c.Syncing() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, remote.Count("Changes"), "authorization failures are not retried")
	assert.True(t, tr.follows(StatusActive, StatusDenied))

	// The ended session no longer blocks a restart.
	remote.Heal()
	require.NoError(t, c.StartLiveSync())
	waitStatus(t, c, StatusPaused)
}

func TestCoordinator_LiveErrorAfterRetriesExhausted(t *testing.T) {
	c, _, remote, _ := newCoordinator(t, Options{MaxRetries: 2})

	remote.FailOn("Changes", fmt.Errorf("couch: 500: %w", docstore.ErrTransient))

	require.NoError(t, c.StartLiveSync())
	waitStatus(t, c, StatusError)

	require.Eventually(t, func() bool { return !c.Syncing() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, remote.Count("Changes"))
}

func TestCoordinator_LiveLocalWritePushes(t *testing.T) {
	c, local, remote, _ := newCoordinator(t, Options{})

	require.NoError(t, c.StartLiveSync())
	waitStatus(t, c, StatusPaused)

	putDoc(t, local, "l1", nil)

	require.Eventually(t, func() bool {
		_, err := remote.Unwrap().Get(context.Background(), "l1")
		return err == nil
	}, 3*time.Second, 5*time.Millisecond)
}

func TestCoordinator_ManualSyncRoundTrip(t *testing.T) {
	c, local, remote, _ := newCoordinator(t, Options{})
	ctx := context.Background()

	res := putDoc(t, local, "cs-1", map[string]any{"name": "USP Adakpamé"})

	require.NoError(t, c.ManualSync(ctx))
	assert.Equal(t, StatusPaused, c.Status())

	got, err := remote.Query(ctx, docstore.ViewByOwner, docstore.Key{owner})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cs-1", got[0].ID)
	assert.Equal(t, res.Rev, got[0].Rev)

	var name string
	ok, err := got[0].Field("name", &name)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "USP Adakpamé", name)
}

// makeConflict edits the same synced document on both sides.
func makeConflict(t *testing.T, c *Coordinator, local, remote docstore.Store, localAt, remoteAt time.Time) {
	t.Helper()

	ctx := context.Background()

	_, err := local.Put(ctx, &docstore.Document{
		ID: "a", Type: docstore.TypeCHW, Owner: owner,
		UpdatedAt: localAt.Add(-time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, c.ManualSync(ctx))

	r, err := remote.Get(ctx, "a")
	require.NoError(t, err)
	r.UpdatedAt = remoteAt
	require.NoError(t, r.SetField("side", "remote"))
	_, err = remote.Put(ctx, r)
	require.NoError(t, err)

	l, err := local.Get(ctx, "a")
	require.NoError(t, err)
	l.UpdatedAt = localAt
	require.NoError(t, l.SetField("side", "local"))
	_, err = local.Put(ctx, l)
	require.NoError(t, err)
}

func TestCoordinator_ManualSyncPushesBeforePull(t *testing.T) {
	c, local, remote, _ := newCoordinator(t, Options{})
	ctx := context.Background()

	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	makeConflict(t, c, local, remote, t1, t1.Add(time.Minute))

	remote.Reset()
	require.NoError(t, c.ManualSync(ctx))

	calls := remote.Calls()
	push := slices.Index(calls, "remote.PutRevisions")
	pull := slices.Index(calls, "remote.Changes")

	require.NotEqual(t, -1, push, "calls: %v", calls)
	require.NotEqual(t, -1, pull, "calls: %v", calls)
	assert.Less(t, push, pull, "remote must receive the local edit before the pull reads its feed")

	leaves, err := remote.Unwrap().Leaves(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, leaves, 2, "local edit kept as a conflicting revision, not overwritten")
}

func TestCoordinator_ResolveConflictsLatestWins(t *testing.T) {
	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(5 * time.Minute)

	tests := []struct {
		name     string
		localAt  time.Time
		remoteAt time.Time
		want     string
	}{
		{"remote is newer", t1, t2, "remote"},
		{"local is newer", t2, t1, "local"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, local, remote, _ := newCoordinator(t, Options{})
			ctx := context.Background()

			makeConflict(t, c, local, remote, tt.localAt, tt.remoteAt)
			require.NoError(t, c.ManualSync(ctx))

			conflicts, err := c.ListConflicts(ctx)
			require.NoError(t, err)
			require.Len(t, conflicts, 1)

			n, err := c.ResolveConflicts(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			leaves, err := local.Unwrap().Leaves(ctx, "a")
			require.NoError(t, err)
			require.Len(t, leaves, 1, "the losing revision is physically removed")

			var side string
			_, err = leaves[0].Field("side", &side)
			require.NoError(t, err)
			assert.Equal(t, tt.want, side)

			remoteLeaves, err := remote.Unwrap().Leaves(ctx, "a")
			require.NoError(t, err)
			assert.Len(t, remoteLeaves, 1)

			conflicts, err = c.ListConflicts(ctx)
			require.NoError(t, err)
			assert.Empty(t, conflicts)
		})
	}
}

func TestCoordinator_ResolveToleratesRemotePurgeFailure(t *testing.T) {
	c, local, remote, _ := newCoordinator(t, Options{})
	ctx := context.Background()

	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	makeConflict(t, c, local, remote, t1, t1.Add(time.Second))
	require.NoError(t, c.ManualSync(ctx))

	remote.FailOn("Purge", fmt.Errorf("couch: 403: %w", docstore.ErrForbidden))

	n, err := c.ResolveConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCoordinator_ReplicateSafelyResolvesAndPurges(t *testing.T) {
	c, local, remote, _ := newCoordinator(t, Options{ResolveConflicts: true, PurgeTombstones: true})
	ctx := context.Background()

	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	makeConflict(t, c, local, remote, t1, t1.Add(time.Minute))

	res := putDoc(t, local, "b", nil)
	require.NoError(t, c.ManualSync(ctx))

	_, err := local.Remove(ctx, &docstore.Document{ID: "b", Rev: res.Rev})
	require.NoError(t, err)

	require.NoError(t, c.ReplicateSafely(ctx))

	conflicts, err := c.ListConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	leaves, err := local.Unwrap().Leaves(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, leaves, "pushed tombstone is purged locally")
}

func TestCoordinator_ReplicateSafelyStopsOnSyncFailure(t *testing.T) {
	c, local, remote, _ := newCoordinator(t, Options{ResolveConflicts: true, PurgeTombstones: true})

	putDoc(t, local, "a", nil)
	remote.FailOn("RevsDiff", fmt.Errorf("couch: 500: %w", docstore.ErrTransient))

	require.Error(t, c.ReplicateSafely(context.Background()))
	assert.Equal(t, StatusError, c.Status())
	assert.Zero(t, local.Count("Purge"))
}

func TestLatestWins(t *testing.T) {
	t1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("tombstones are not candidates", func(t *testing.T) {
		keep, losers := LatestWins([]*docstore.Document{
			{Rev: "2-aa", UpdatedAt: t1},
			{Rev: "3-bb", UpdatedAt: t1.Add(time.Hour), Deleted: true},
		})
		require.NotNil(t, keep)
		assert.Equal(t, "2-aa", keep.Rev)
		assert.Empty(t, losers)
	})

	t.Run("ties fall back to the revision winner", func(t *testing.T) {
		keep, losers := LatestWins([]*docstore.Document{
			{Rev: "2-aa", UpdatedAt: t1},
			{Rev: "3-bb", UpdatedAt: t1},
			{Rev: "4-cc", UpdatedAt: t1.Add(-time.Hour)},
		})
		require.NotNil(t, keep)
		assert.Equal(t, "3-bb", keep.Rev)
		assert.Equal(t, []string{"2-aa", "4-cc"}, losers)
	})

	t.Run("only tombstones", func(t *testing.T) {
		keep, losers := LatestWins([]*docstore.Document{{Rev: "1-aa", Deleted: true}})
		assert.Nil(t, keep)
		assert.Nil(t, losers)
	})
}

func TestCoordinator_ManualSyncFailures(t *testing.T) {
	tests := []struct {
		name   string
		op     string
		err    error
		status Status
		wantIs error
	}{
		{"server error", "PutRevisions", fmt.Errorf("couch: 503: %w", docstore.ErrTransient), StatusError, docstore.ErrTransient},
		{"forbidden", "RevsDiff", fmt.Errorf("couch: 403: %w", docstore.ErrForbidden), StatusDenied, docstore.ErrForbidden},
		{"missing id is benign", "PutRevisions", fmt.Errorf("doc 3: %w", docstore.ErrMissingID), StatusPaused, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, local, remote, _ := newCoordinator(t, Options{})
			ctx := context.Background()

			putDoc(t, local, "l1", nil)
			remote.FailOn(tt.op, tt.err)

			err := c.ManualSync(ctx)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			} else {
				assert.NoError(t, err)
			}

			assert.Equal(t, tt.status, c.Status())

			_, err = local.Unwrap().Get(ctx, "l1")
			assert.NoError(t, err, "local data stays intact")
		})
	}
}

func TestCoordinator_CheckIfSyncNeeded(t *testing.T) {
	c, local, _, _ := newCoordinator(t, Options{})
	ctx := context.Background()

	putDoc(t, local, "l1", nil)

	needed, err := c.CheckIfSyncNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, needed)
	assert.Equal(t, StatusNeeded, c.Status())

	require.NoError(t, c.ManualSync(ctx))

	needed, err = c.CheckIfSyncNeeded(ctx)
	require.NoError(t, err)
	assert.False(t, needed)
	assert.Equal(t, StatusPaused, c.Status())
}

func TestCoordinator_PurgeTombstonesAfterConvergence(t *testing.T) {
	c, local, remote, _ := newCoordinator(t, Options{})
	ctx := context.Background()

	res := putDoc(t, local, "a", nil)
	require.NoError(t, c.ManualSync(ctx))

	_, err := local.Remove(ctx, &docstore.Document{ID: "a", Rev: res.Rev})
	require.NoError(t, err)

	n, err := c.PurgeTombstones(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "remote has not seen the deletion yet")

	require.NoError(t, c.ManualSync(ctx))

	n, err = c.PurgeTombstones(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	leaves, err := local.Unwrap().Leaves(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, leaves)

	remoteLeaves, err := remote.Unwrap().Leaves(ctx, "a")
	require.NoError(t, err)
	require.Len(t, remoteLeaves, 1)
	assert.True(t, remoteLeaves[0].Deleted)
}

func TestCoordinator_AutoReplicationFollowsNetwork(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, local, remote, _ := newCoordinator(t, Options{
		ResolveConflicts: true,
		PurgeTombstones:  true,
		Metrics:          NewMetrics(reg),
	})

	putDoc(t, local, "l1", nil)

	net := newFakeNet(false)
	require.NoError(t, c.StartAutoReplication(time.Hour, net))
	require.NoError(t, c.StartAutoReplication(time.Hour, net), "second start is a no-op")

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, remote.Count("PutRevisions"), "offline: nothing runs")

	net.Set(true)

	require.Eventually(t, func() bool {
		_, err := remote.Unwrap().Get(context.Background(), "l1")
		return err == nil
	}, 3*time.Second, 5*time.Millisecond)
	waitStatus(t, c, StatusPaused)

	net.Set(false)
	waitStatus(t, c, StatusIdle)

	assert.Equal(t, 1.0, metricValue(t, reg, "healthmap_sync_cycles_total", "result", resultOK))
	assert.Equal(t, 1.0, metricValue(t, reg, "healthmap_sync_docs_written_total", "direction", directionPush))
	assert.Equal(t, 1.0, metricValue(t, reg, "healthmap_sync_status", "status", string(StatusIdle)))
	assert.Equal(t, 0.0, metricValue(t, reg, "healthmap_sync_status", "status", string(StatusPaused)))

	c.StopAutoReplication()
	assert.Equal(t, StatusIdle, c.Status())
}

func TestCoordinator_RequestSyncWithoutSession(t *testing.T) {
	c, local, remote, _ := newCoordinator(t, Options{})

	putDoc(t, local, "l1", nil)
	c.RequestSync()

	require.Eventually(t, func() bool {
		_, err := remote.Unwrap().Get(context.Background(), "l1")
		return err == nil
	}, 3*time.Second, 5*time.Millisecond)
}

func TestCoordinator_DestroyDestroysLocalStore(t *testing.T) {
	local := storetest.NewLocal(t)
	remote := storetest.NewLocal(t)

	c := New(storetest.Discard(), Options{PollInterval: time.Hour})
	c.Initialize(local, remote, Scope{Admin: true})

	require.NoError(t, c.StartLiveSync())
	require.NoError(t, c.Destroy(context.Background()))

	assert.Equal(t, StatusIdle, c.Status())
	assert.False(t, c.Syncing())
	assert.ErrorIs(t, c.ManualSync(context.Background()), ErrNotInitialized)

	_, err := local.AllDocs(context.Background(), docstore.AllDocsOptions{})
	assert.Error(t, err, "local store is closed")
}

// metricValue reads one labelled counter or gauge sample from reg.
func metricValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}

		for _, m := range mf.GetMetric() {
			if !hasLabel(m, label, value) {
				continue
			}

			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}

			return m.GetGauge().GetValue()
		}
	}

	t.Fatalf("metric %s{%s=%q} not found", name, label, value)

	return 0
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}

	return false
}
