// Package storetest provides store fixtures for tests: in-memory local
// stores and an endpoint wrapper that records call order and injects
// failures.
package storetest

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/KossiPascal/health-map-project/internal/docstore"
	"github.com/KossiPascal/health-map-project/internal/localdb"
)

// Logger returns a logger that writes through t.Log.
func Logger(t testing.TB) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct {
	t testing.TB
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewLocal opens an in-memory local store closed at test end.
func NewLocal(t testing.TB) *localdb.Store {
	t.Helper()

	s, err := localdb.NewStore(":memory:", Discard())
	if err != nil {
		t.Fatalf("opening in-memory store: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	return s
}

// Recorder wraps an endpoint, logging every call as "<name>.<Op>" and
// returning injected errors instead of calling through.
type Recorder struct {
	inner docstore.Endpoint
	name  string

	mu       sync.Mutex
	calls    []string
	failures map[string]error
}

// Wrap instruments ep under the given name.
func Wrap(ep docstore.Endpoint, name string) *Recorder {
	return &Recorder{inner: ep, name: name, failures: make(map[string]error)}
}

// FailOn makes every call to op return err until Heal is called.
func (r *Recorder) FailOn(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failures[op] = err
}

// Heal clears all injected failures.
func (r *Recorder) Heal() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.failures)
}

// Calls returns the recorded calls in order.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.calls)
}

// Count returns how many times op was called.
func (r *Recorder) Count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for _, c := range r.calls {
		if c == r.name+"."+op {
			n++
		}
	}

	return n
}

// Reset forgets recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = nil
}

func (r *Recorder) record(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, r.name+"."+op)

	return r.failures[op]
}

// Unwrap returns the wrapped endpoint.
func (r *Recorder) Unwrap() docstore.Endpoint {
	return r.inner
}

func (r *Recorder) Name() string {
	return r.name
}

// Notify forwards the wrapped store's write notifications, if it has any.
func (r *Recorder) Notify() <-chan struct{} {
	if n, ok := r.inner.(docstore.Notifier); ok {
		return n.Notify()
	}

	return nil
}

func (r *Recorder) Get(ctx context.Context, id string) (*docstore.Document, error) {
	if err := r.record("Get"); err != nil {
		return nil, err
	}

	return r.inner.Get(ctx, id)
}

func (r *Recorder) Put(ctx context.Context, doc *docstore.Document) (docstore.PutResult, error) {
	if err := r.record("Put"); err != nil {
		return docstore.PutResult{}, err
	}

	return r.inner.Put(ctx, doc)
}

func (r *Recorder) Remove(ctx context.Context, doc *docstore.Document) (docstore.PutResult, error) {
	if err := r.record("Remove"); err != nil {
		return docstore.PutResult{}, err
	}

	return r.inner.Remove(ctx, doc)
}

func (r *Recorder) AllDocs(ctx context.Context, opts docstore.AllDocsOptions) ([]*docstore.Document, error) {
	if err := r.record("AllDocs"); err != nil {
		return nil, err
	}

	return r.inner.AllDocs(ctx, opts)
}

func (r *Recorder) Query(ctx context.Context, view string, key docstore.Key) ([]*docstore.Document, error) {
	if err := r.record("Query"); err != nil {
		return nil, err
	}

	return r.inner.Query(ctx, view, key)
}

func (r *Recorder) Changes(ctx context.Context, opts docstore.ChangesOptions) (docstore.ChangesResult, error) {
	if err := r.record("Changes"); err != nil {
		return docstore.ChangesResult{}, err
	}

	return r.inner.Changes(ctx, opts)
}

func (r *Recorder) RevsDiff(ctx context.Context, revs map[string][]string) (map[string][]string, error) {
	if err := r.record("RevsDiff"); err != nil {
		return nil, err
	}

	return r.inner.RevsDiff(ctx, revs)
}

func (r *Recorder) GetRevisions(ctx context.Context, id string, revs []string) ([]*docstore.Document, error) {
	if err := r.record("GetRevisions"); err != nil {
		return nil, err
	}

	return r.inner.GetRevisions(ctx, id, revs)
}

func (r *Recorder) PutRevisions(ctx context.Context, docs []*docstore.Document) error {
	if err := r.record("PutRevisions"); err != nil {
		return err
	}

	return r.inner.PutRevisions(ctx, docs)
}

func (r *Recorder) GetCheckpoint(ctx context.Context, id string) (docstore.Checkpoint, error) {
	if err := r.record("GetCheckpoint"); err != nil {
		return docstore.Checkpoint{}, err
	}

	return r.inner.GetCheckpoint(ctx, id)
}

func (r *Recorder) PutCheckpoint(ctx context.Context, cp docstore.Checkpoint) error {
	if err := r.record("PutCheckpoint"); err != nil {
		return err
	}

	return r.inner.PutCheckpoint(ctx, cp)
}

func (r *Recorder) Leaves(ctx context.Context, id string) ([]*docstore.Document, error) {
	if err := r.record("Leaves"); err != nil {
		return nil, err
	}

	return r.inner.Leaves(ctx, id)
}

func (r *Recorder) Purge(ctx context.Context, id string, revs []string) error {
	if err := r.record("Purge"); err != nil {
		return err
	}

	return r.inner.Purge(ctx, id, revs)
}
