package docs

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KossiPascal/health-map-project/internal/docstore"
	"github.com/KossiPascal/health-map-project/internal/storetest"
)

var fixedNow = time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC)

type fakeNet struct {
	online atomic.Bool
}

func (n *fakeNet) Online() bool { return n.online.Load() }

type fakeTrigger struct {
	calls atomic.Int32
}

func (f *fakeTrigger) RequestSync() { f.calls.Add(1) }

type fixture struct {
	repo    *Repository
	local   *storetest.Recorder
	remote  *storetest.Recorder
	net     *fakeNet
	trigger *fakeTrigger
}

func newFixture(t *testing.T, user User, online bool) *fixture {
	t.Helper()

	f := &fixture{
		local:   storetest.Wrap(storetest.NewLocal(t), "local"),
		remote:  storetest.Wrap(storetest.NewLocal(t), "remote"),
		net:     &fakeNet{},
		trigger: &fakeTrigger{},
	}
	f.net.online.Store(online)

	f.repo = New(Config{
		Local:   f.local,
		Remote:  f.remote,
		User:    user,
		Network: f.net,
		Sync:    f.trigger,
		Logger:  storetest.Logger(t),
	})
	f.repo.now = func() time.Time { return fixedNow }

	n := 0
	f.repo.newID = func() string {
		n++
		return fmt.Sprintf("gen-%d", n)
	}

	return f
}

func seed(t *testing.T, s docstore.Store, d *docstore.Document) docstore.PutResult {
	t.Helper()

	res, err := s.Put(context.Background(), d)
	require.NoError(t, err)

	return res
}

func withField(t *testing.T, d *docstore.Document, k string, v any) *docstore.Document {
	t.Helper()
	require.NoError(t, d.SetField(k, v))

	return d
}

func fieldOf(t *testing.T, d *docstore.Document, k string) string {
	t.Helper()

	var s string
	_, err := d.Field(k, &s)
	require.NoError(t, err)

	return s
}

func ids(docs []*docstore.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}

	return out
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"chw", "fs", "all"} {
		k, err := ParseKind(s)
		require.NoError(t, err)
		assert.Equal(t, Kind(s), k)
	}

	_, err := ParseKind("patients")
	assert.ErrorIs(t, err, errUnknownKind)
}

func TestCreateOrUpdate_CreatesOwnedDocument(t *testing.T) {
	f := newFixture(t, User{ID: "u1"}, false)
	ctx := context.Background()

	doc := withField(t, &docstore.Document{Owner: "someone-else"}, "name", "ASC Kodjo")
	require.True(t, f.repo.CreateOrUpdate(ctx, doc, KindCHW))

	got, err := f.local.Get(ctx, "gen-1")
	require.NoError(t, err)
	assert.Equal(t, docstore.TypeCHW, got.Type)
	assert.Equal(t, "u1", got.Owner, "owner is always the creating user")
	assert.Equal(t, "u1", got.UpdatedBy)
	assert.True(t, fixedNow.Equal(got.CreatedAt))
	assert.True(t, fixedNow.Equal(got.UpdatedAt))
	assert.Equal(t, "ASC Kodjo", fieldOf(t, got, "name"))
}

func TestCreateOrUpdate_KeepsClientID(t *testing.T) {
	f := newFixture(t, User{ID: "u1"}, false)

	require.True(t, f.repo.CreateOrUpdate(context.Background(), &docstore.Document{ID: "fs-42"}, KindFS))

	got, err := f.local.Get(context.Background(), "fs-42")
	require.NoError(t, err)
	assert.Equal(t, docstore.TypeFS, got.Type)
}

func TestCreateOrUpdate_UpdatePreservesOwnerAndCreation(t *testing.T) {
	f := newFixture(t, User{ID: "admin", Admin: true}, false)
	ctx := context.Background()

	created := fixedNow.Add(-24 * time.Hour)
	seed(t, f.local, withField(t, &docstore.Document{
		ID: "c1", Type: docstore.TypeCHW, Owner: "u1", CreatedAt: created,
	}, "name", "old"))

	update := withField(t, &docstore.Document{ID: "c1", Owner: "admin", ParentID: "fs-9"}, "name", "new")
	require.True(t, f.repo.CreateOrUpdate(ctx, update, KindCHW))

	got, err := f.local.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.Owner)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Equal(t, "admin", got.UpdatedBy)
	assert.Equal(t, "fs-9", got.ParentID)
	assert.Equal(t, "new", fieldOf(t, got, "name"))
	assert.Equal(t, 2, docstore.Generation(got.Rev))
}

func TestCreateOrUpdate_NonOwnerIsRejected(t *testing.T) {
	f := newFixture(t, User{ID: "u1"}, false)
	ctx := context.Background()

	before := seed(t, f.local, &docstore.Document{ID: "c1", Type: docstore.TypeCHW, Owner: "u2"})

	assert.False(t, f.repo.CreateOrUpdate(ctx, withField(t, &docstore.Document{ID: "c1"}, "name", "hijack"), KindCHW))

	got, err := f.local.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, before.Rev, got.Rev, "local store must not be mutated")
	assert.Zero(t, f.local.Count("Put"))
}

func TestCreateOrUpdate_StaleRevisionFails(t *testing.T) {
	f := newFixture(t, User{ID: "u1"}, false)
	ctx := context.Background()

	first := seed(t, f.local, &docstore.Document{ID: "c1", Type: docstore.TypeCHW, Owner: "u1"})
	require.True(t, f.repo.CreateOrUpdate(ctx, &docstore.Document{ID: "c1", Rev: first.Rev}, KindCHW))

	assert.False(t, f.repo.CreateOrUpdate(ctx, &docstore.Document{ID: "c1", Rev: first.Rev}, KindCHW))
}

func TestCreateOrUpdate_Validation(t *testing.T) {
	f := newFixture(t, User{ID: "u1"}, false)
	ctx := context.Background()

	assert.False(t, f.repo.CreateOrUpdate(ctx, nil, KindCHW))
	assert.False(t, f.repo.CreateOrUpdate(ctx, &docstore.Document{}, KindAll))
	assert.False(t, f.repo.CreateOrUpdate(ctx, &docstore.Document{ID: "_local/x"}, KindFS))
	assert.Zero(t, f.local.Count("Put"))
}

func TestOfflineWritesNeverTouchRemote(t *testing.T) {
	f := newFixture(t, User{ID: "u1"}, false)
	ctx := context.Background()

	require.True(t, f.repo.CreateOrUpdate(ctx, &docstore.Document{ID: "c1"}, KindCHW))
	require.True(t, f.repo.CreateOrUpdate(ctx, &docstore.Document{ID: "c1"}, KindCHW))
	require.True(t, f.repo.Delete(ctx, &docstore.Document{ID: "c1"}))

	assert.Empty(t, f.remote.Calls())
	assert.Zero(t, f.trigger.calls.Load())
}

func TestOnlineWriteTriggersSync(t *testing.T) {
	f := newFixture(t, User{ID: "u1"}, true)

	require.True(t, f.repo.CreateOrUpdate(context.Background(), &docstore.Document{}, KindFS))
	assert.Equal(t, int32(1), f.trigger.calls.Load())
}

func TestGetAll_ScopesToOwnerAndExcludesTombstones(t *testing.T) {
	f := newFixture(t, User{ID: "u1"}, false)
	ctx := context.Background()

	seed(t, f.local, &docstore.Document{ID: "a", Type: docstore.TypeCHW, Owner: "u1"})
	seed(t, f.local, &docstore.Document{ID: "b", Type: docstore.TypeCHW, Owner: "u2"})
	seed(t, f.local, &docstore.Document{ID: "c", Type: docstore.TypeFS, Owner: "u1"})
	gone := seed(t, f.local, &docstore.Document{ID: "d", Type: docstore.TypeCHW, Owner: "u1", ParentID: "fs-1"})
	seed(t, f.local, &docstore.Document{ID: "e", Type: docstore.TypeCHW, Owner: "u1", ParentID: "fs-1"})

	require.True(t, f.repo.Delete(ctx, &docstore.Document{ID: "d", Rev: gone.Rev}))

	assert.Equal(t, []string{"a", "e"}, ids(f.repo.GetAll(ctx, KindCHW)))
	assert.Equal(t, []string{"c"}, ids(f.repo.GetAll(ctx, KindFS)))
	assert.Equal(t, []string{"a", "c", "e"}, ids(f.repo.GetAll(ctx, KindAll)))
	assert.Equal(t, []string{"e"}, ids(f.repo.GetByParent(ctx, "fs-1", KindCHW)))

	all, err := f.local.AllDocs(ctx, docstore.AllDocsOptions{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Contains(t, ids(all), "d", "the tombstone is still stored")
}

func TestGetAll_AdminSeesEveryOwner(t *testing.T) {
	f := newFixture(t, User{ID: "root", Admin: true}, false)

	seed(t, f.local, &docstore.Document{ID: "a", Type: docstore.TypeCHW, Owner: "u1"})
	seed(t, f.local, &docstore.Document{ID: "b", Type: docstore.TypeCHW, Owner: "u2"})

	assert.Equal(t, []string{"a", "b"}, ids(f.repo.GetAll(context.Background(), KindCHW)))
}

func TestGetAll_RemoteOverwritesLocal(t *testing.T) {
	f := newFixture(t, User{ID: "u1"}, true)
	ctx := context.Background()

	seed(t, f.local, withField(t, &docstore.Document{ID: "a", Type: docstore.TypeCHW, Owner: "u1"}, "v", "local"))
	seed(t, f.remote, withField(t, &docstore.Document{ID: "a", Type: docstore.TypeCHW, Owner: "u1"}, "v", "remote"))
	seed(t, f.remote, &docstore.Document{ID: "r", Type: docstore.TypeCHW, Owner: "u1"})
	seed(t, f.remote, &docstore.Document{ID: "x", Type: docstore.TypeCHW, Owner: "u2"})

	got := f.repo.GetAll(ctx, KindCHW)
	require.Equal(t, []string{"a", "r"}, ids(got))
	assert.Equal(t, "remote", fieldOf(t, got[0], "v"))
}

func TestGetAll_NonAdminAllIsLocalOnly(t *testing.T) {
	f := newFixture(t, User{ID: "u1"}, true)

	seed(t, f.local, &docstore.Document{ID: "a", Type: docstore.TypeFS, Owner: "u1"})

	assert.Equal(t, []string{"a"}, ids(f.repo.GetAll(context.Background(), KindAll)))
	assert.Zero(t, f.remote.Count("Query"))
}

func TestGetAll_RemoteFailureDegradesToLocal(t *testing.T) {
	for _, err := range []error{
		fmt.Errorf("couch: 404: %w", docstore.ErrViewNotFound),
		fmt.Errorf("couch: 502: %w", docstore.ErrTransient),
	} {
		t.Run(err.Error(), func(t *testing.T) {
			f := newFixture(t, User{ID: "u1"}, true)
			seed(t, f.local, &docstore.Document{ID: "a", Type: docstore.TypeCHW, Owner: "u1"})
			f.remote.FailOn("Query", err)

			assert.Equal(t, []string{"a"}, ids(f.repo.GetAll(context.Background(), KindCHW)))
		})
	}
}

func TestGetByParent_UsesOwnerScopedRemoteView(t *testing.T) {
	f := newFixture(t, User{ID: "u1"}, true)
	ctx := context.Background()

	seed(t, f.remote, &docstore.Document{ID: "mine", Type: docstore.TypeCHW, Owner: "u1", ParentID: "fs-1"})
	seed(t, f.remote, &docstore.Document{ID: "theirs", Type: docstore.TypeCHW, Owner: "u2", ParentID: "fs-1"})
	seed(t, f.remote, &docstore.Document{ID: "elsewhere", Type: docstore.TypeCHW, Owner: "u1", ParentID: "fs-2"})

	assert.Equal(t, []string{"mine"}, ids(f.repo.GetByParent(ctx, "fs-1", KindCHW)))
	assert.Empty(t, f.repo.GetByParent(ctx, "", KindCHW))
}

func TestLookup(t *testing.T) {
	ctx := context.Background()

	t.Run("local hit", func(t *testing.T) {
		f := newFixture(t, User{ID: "u1"}, true)
		seed(t, f.local, &docstore.Document{ID: "a", Owner: "u1"})

		res := f.repo.Lookup(ctx, "a")
		require.True(t, res.OK())
		assert.Equal(t, "a", res.Doc.ID)
		assert.Zero(t, f.remote.Count("Get"))
	})

	t.Run("not owner", func(t *testing.T) {
		f := newFixture(t, User{ID: "u1"}, false)
		seed(t, f.local, &docstore.Document{ID: "a", Owner: "u2"})

		assert.Equal(t, docstore.LookupUnauthorized, f.repo.Lookup(ctx, "a").Kind)
		assert.Nil(t, f.repo.GetOne(ctx, "a"))
	})

	t.Run("offline miss stays local", func(t *testing.T) {
		f := newFixture(t, User{ID: "u1"}, false)

		assert.Equal(t, docstore.LookupNotFound, f.repo.Lookup(ctx, "a").Kind)
		assert.Nil(t, f.repo.GetOne(ctx, "a"))
		assert.Empty(t, f.remote.Calls())
	})

	t.Run("online falls back to remote", func(t *testing.T) {
		f := newFixture(t, User{ID: "u1"}, true)
		seed(t, f.remote, &docstore.Document{ID: "a", Owner: "u1"})

		got := f.repo.GetOne(ctx, "a")
		require.NotNil(t, got)
		assert.Equal(t, "a", got.ID)
	})

	t.Run("remote outage", func(t *testing.T) {
		f := newFixture(t, User{ID: "u1"}, true)
		f.remote.FailOn("Get", fmt.Errorf("couch: 503: %w", docstore.ErrTransient))

		res := f.repo.Lookup(ctx, "a")
		assert.Equal(t, docstore.LookupTransient, res.Kind)
		assert.ErrorIs(t, res.Err, docstore.ErrTransient)
		assert.Nil(t, f.repo.GetOne(ctx, "a"))
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("non-owner", func(t *testing.T) {
		f := newFixture(t, User{ID: "u1"}, false)
		seed(t, f.local, &docstore.Document{ID: "a", Owner: "u2"})

		assert.False(t, f.repo.Delete(ctx, &docstore.Document{ID: "a"}))
		assert.Zero(t, f.local.Count("Remove"))
	})

	t.Run("missing", func(t *testing.T) {
		f := newFixture(t, User{ID: "u1"}, false)

		assert.False(t, f.repo.Delete(ctx, &docstore.Document{ID: "a"}))
		assert.False(t, f.repo.Delete(ctx, nil))
	})

	t.Run("online removes both", func(t *testing.T) {
		f := newFixture(t, User{ID: "u1"}, true)
		seed(t, f.local, &docstore.Document{ID: "a", Owner: "u1"})
		seed(t, f.remote, &docstore.Document{ID: "a", Owner: "u1"})

		require.True(t, f.repo.Delete(ctx, &docstore.Document{ID: "a"}))

		_, err := f.local.Get(ctx, "a")
		assert.ErrorIs(t, err, docstore.ErrNotFound)
		_, err = f.remote.Get(ctx, "a")
		assert.ErrorIs(t, err, docstore.ErrNotFound)
		assert.Equal(t, int32(1), f.trigger.calls.Load())
	})

	t.Run("remote only still succeeds", func(t *testing.T) {
		f := newFixture(t, User{ID: "u1"}, true)
		seed(t, f.remote, &docstore.Document{ID: "a", Owner: "u1"})

		assert.True(t, f.repo.Delete(ctx, &docstore.Document{ID: "a"}))
		assert.Zero(t, f.local.Count("Remove"))
	})

	t.Run("stale revision online changes nothing", func(t *testing.T) {
		f := newFixture(t, User{ID: "u1"}, true)
		seed(t, f.local, &docstore.Document{ID: "a", Owner: "u1"})
		seed(t, f.remote, &docstore.Document{ID: "a", Owner: "u1"})

		assert.False(t, f.repo.Delete(ctx, &docstore.Document{ID: "a", Rev: "1-deadbeefdeadbeef"}))

		_, err := f.local.Get(ctx, "a")
		require.NoError(t, err)
		_, err = f.remote.Get(ctx, "a")
		require.NoError(t, err)
		assert.Zero(t, f.remote.Count("Remove"))
		assert.Zero(t, f.trigger.calls.Load())
	})

	t.Run("newer remote edit survives", func(t *testing.T) {
		f := newFixture(t, User{ID: "u1"}, true)
		snapshot := seed(t, f.local, &docstore.Document{ID: "a", Owner: "u1"})
		seed(t, f.remote, &docstore.Document{ID: "a", Owner: "u1"})

		r, err := f.remote.Get(ctx, "a")
		require.NoError(t, err)
		seed(t, f.remote, withField(t, r, "name", "edited elsewhere"))

		assert.True(t, f.repo.Delete(ctx, &docstore.Document{ID: "a", Rev: snapshot.Rev}), "local removal succeeded")

		_, err = f.local.Get(ctx, "a")
		assert.ErrorIs(t, err, docstore.ErrNotFound)

		got, err := f.remote.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "edited elsewhere", fieldOf(t, got, "name"))
	})
}

func TestDeletedOfflineStaysHiddenOnline(t *testing.T) {
	f := newFixture(t, User{ID: "u1"}, false)
	ctx := context.Background()

	d := &docstore.Document{ID: "d1", Type: docstore.TypeCHW, Owner: "u1", ParentID: "fs-1"}
	res := seed(t, f.local, d.Clone())
	seed(t, f.remote, d.Clone())

	require.True(t, f.repo.Delete(ctx, &docstore.Document{ID: "d1", Rev: res.Rev}))

	f.net.online.Store(true)

	assert.Empty(t, f.repo.GetAll(ctx, KindCHW))
	assert.Empty(t, f.repo.GetByParent(ctx, "fs-1", KindCHW))
	assert.Nil(t, f.repo.GetOne(ctx, "d1"))
	assert.Equal(t, docstore.LookupNotFound, f.repo.Lookup(ctx, "d1").Kind)
	assert.Zero(t, f.remote.Count("Get"))
	assert.NotZero(t, f.remote.Count("Query"), "the remote views were still consulted")
}

func TestCreateOrUpdate_RecreateOverTombstone(t *testing.T) {
	ctx := context.Background()

	t.Run("keeps the original owner", func(t *testing.T) {
		f := newFixture(t, User{ID: "admin", Admin: true}, false)
		res := seed(t, f.local, &docstore.Document{ID: "c1", Type: docstore.TypeCHW, Owner: "u1"})
		_, err := f.local.Remove(ctx, &docstore.Document{ID: "c1", Rev: res.Rev})
		require.NoError(t, err)

		require.True(t, f.repo.CreateOrUpdate(ctx, &docstore.Document{ID: "c1"}, KindCHW))

		got, err := f.local.Get(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.Owner)
		assert.Equal(t, 3, docstore.Generation(got.Rev))
	})

	t.Run("non-owner is rejected", func(t *testing.T) {
		f := newFixture(t, User{ID: "u1"}, false)
		res := seed(t, f.local, &docstore.Document{ID: "c1", Type: docstore.TypeCHW, Owner: "u2"})
		_, err := f.local.Remove(ctx, &docstore.Document{ID: "c1", Rev: res.Rev})
		require.NoError(t, err)

		assert.False(t, f.repo.CreateOrUpdate(ctx, &docstore.Document{ID: "c1"}, KindCHW))

		_, err = f.local.Get(ctx, "c1")
		assert.ErrorIs(t, err, docstore.ErrNotFound)
	})
}
