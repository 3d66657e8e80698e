package docstore

import (
	"context"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// PutResult is returned by every successful write.
type PutResult struct {
	OK  bool   `json:"ok"`
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

// AllDocsOptions controls AllDocs. Tombstones are excluded unless
// IncludeDeleted is set.
type AllDocsOptions struct {
	IncludeDeleted bool
}

// Store is the CRUD contract shared by the local and remote stores.
type Store interface {
	// Get returns the winning revision, with Conflicts populated.
	// Deleted documents report ErrNotFound.
	Get(ctx context.Context, id string) (*Document, error)

	// Put writes doc under optimistic concurrency (doc.Rev must name the
	// current leaf, or be empty for a new document).
	Put(ctx context.Context, doc *Document) (PutResult, error)

	// Remove writes a tombstone on top of doc.Rev.
	Remove(ctx context.Context, doc *Document) (PutResult, error)

	AllDocs(ctx context.Context, opts AllDocsOptions) ([]*Document, error)
	Query(ctx context.Context, view string, key Key) ([]*Document, error)
	Changes(ctx context.Context, opts ChangesOptions) (ChangesResult, error)
}

// Checkpoint records how far a replication has progressed.
type Checkpoint struct {
	ID      string `json:"_id"`
	Rev     string `json:"_rev,omitempty"`
	LastSeq string `json:"last_seq"`
}

// Replicable is the low-level contract the replicator drives: revision
// diffing, raw revision transfer, checkpoints, and purge.
type Replicable interface {
	// Name identifies the store in replication ids and logs.
	Name() string

	// RevsDiff returns, per document id, the revisions the store lacks.
	RevsDiff(ctx context.Context, revs map[string][]string) (map[string][]string, error)

	// GetRevisions returns the requested revisions (all leaves when revs is
	// empty) with their ancestry.
	GetRevisions(ctx context.Context, id string, revs []string) ([]*Document, error)

	// PutRevisions stores replicated revisions without creating new edits.
	PutRevisions(ctx context.Context, docs []*Document) error

	GetCheckpoint(ctx context.Context, id string) (Checkpoint, error)
	PutCheckpoint(ctx context.Context, cp Checkpoint) error

	// Leaves returns every leaf revision of a document, tombstones included.
	Leaves(ctx context.Context, id string) ([]*Document, error)

	// Purge physically removes the given leaf revisions.
	Purge(ctx context.Context, id string, revs []string) error
}

// Endpoint is a store that can take part in replication.
type Endpoint interface {
	Store
	Replicable
}

// Notifier is implemented by stores that signal local writes.
type Notifier interface {
	Notify() <-chan struct{}
}

// Destroyer is implemented by stores that can delete their backing storage.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// NormalizeOwner canonicalizes a user identity before comparison, so that
// the same name typed on two devices compares equal.
func NormalizeOwner(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// SameOwner reports whether two identities denote the same user.
func SameOwner(a, b string) bool {
	return NormalizeOwner(a) == NormalizeOwner(b)
}
