// Package docs is the document access layer used by the application: it
// applies ownership rules, writes to the local store first, reads from both
// stores when online, and converts every failure into a false or nil result
// plus a log line.
package docs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/KossiPascal/health-map-project/internal/docstore"
)

// Kind is the caller-facing document category.
type Kind string

// Document categories.
const (
	KindCHW Kind = "chw"
	KindFS  Kind = "fs"
	KindAll Kind = "all"
)

var errUnknownKind = errors.New("docs: unknown document kind")

// ParseKind validates a category name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindCHW, KindFS, KindAll:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q (want chw, fs or all)", errUnknownKind, s)
	}
}

// docTypes returns the stored type tags the kind covers.
func (k Kind) docTypes() []string {
	switch k {
	case KindCHW:
		return []string{docstore.TypeCHW}
	case KindFS:
		return []string{docstore.TypeFS}
	case KindAll:
		return []string{docstore.TypeCHW, docstore.TypeFS}
	default:
		return nil
	}
}

// User is the acting identity.
type User struct {
	ID    string
	Admin bool
}

// Connectivity reports whether the remote store should be contacted.
type Connectivity interface {
	Online() bool
}

// SyncTrigger requests a sync pass without waiting for it.
type SyncTrigger interface {
	RequestSync()
}

// Config wires a Repository. Remote, Network and Sync may be nil: the
// repository then works from the local store alone.
type Config struct {
	Local   docstore.Store
	Remote  docstore.Store
	User    User
	Network Connectivity
	Sync    SyncTrigger
	Logger  *slog.Logger
}

// Repository is the entity-level CRUD surface.
type Repository struct {
	local   docstore.Store
	remote  docstore.Store
	user    User
	network Connectivity
	trigger SyncTrigger
	logger  *slog.Logger

	now   func() time.Time
	newID func() string
}

// New creates a repository.
func New(cfg Config) *Repository {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Repository{
		local:   cfg.Local,
		remote:  cfg.Remote,
		user:    cfg.User,
		network: cfg.Network,
		trigger: cfg.Sync,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

func (r *Repository) online() bool {
	return r.remote != nil && r.network != nil && r.network.Online()
}

func (r *Repository) canAccess(d *docstore.Document) bool {
	return r.user.Admin || docstore.SameOwner(d.Owner, r.user.ID)
}

func (r *Repository) requestSync() {
	if r.trigger != nil && r.online() {
		r.trigger.RequestSync()
	}
}

// CreateOrUpdate writes doc to the local store as kind. An existing document
// keeps its owner and creation time and may only be changed by its owner or
// an administrator; a stale revision fails. A new document gets an id when
// it has none and is owned by the current user. Reports success.
func (r *Repository) CreateOrUpdate(ctx context.Context, doc *docstore.Document, kind Kind) bool {
	if err := validate(doc, kind); err != nil {
		r.logger.Warn("rejected document write", slog.String("error", err.Error()))
		return false
	}

	docType := kind.docTypes()[0]
	now := r.now()

	var existing *docstore.Document

	if doc.ID != "" {
		got, err := r.local.Get(ctx, doc.ID)

		switch {
		case err == nil:
			existing = got
		case errors.Is(err, docstore.ErrNotFound):
		default:
			r.logger.Error("reading document before write failed",
				slog.String("id", doc.ID),
				slog.String("error", err.Error()),
			)

			return false
		}
	}

	var next *docstore.Document

	if existing != nil {
		if !r.canAccess(existing) {
			r.logger.Warn("unauthorized update by non-owner",
				slog.String("user", r.user.ID),
				slog.String("id", existing.ID),
			)

			return false
		}

		if doc.Rev != "" && doc.Rev != existing.Rev {
			r.logger.Warn("stale revision rejected",
				slog.String("id", existing.ID),
				slog.String("rev", doc.Rev),
				slog.String("current", existing.Rev),
			)

			return false
		}

		next = existing.Clone()
		next.Conflicts = nil
		next.MergeFields(doc)

		if doc.ParentID != "" {
			next.ParentID = doc.ParentID
		}
	} else {
		next = doc.Clone()
		next.Rev = ""
		next.Owner = r.user.ID

		if tomb := r.localTombstone(ctx, doc.ID); tomb != nil {
			if !r.canAccess(tomb) {
				r.logger.Warn("unauthorized re-creation of deleted document",
					slog.String("user", r.user.ID),
					slog.String("id", doc.ID),
				)

				return false
			}

			next.Owner = tomb.Owner
		}

		if next.ID == "" {
			next.ID = r.newID()
		}

		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
	}

	next.Type = docType
	next.Deleted = false
	next.UpdatedAt = now
	next.UpdatedBy = r.user.ID

	res, err := r.local.Put(ctx, next)
	if err != nil {
		r.logger.Warn("document write failed",
			slog.String("id", next.ID),
			slog.String("error", err.Error()),
		)

		return false
	}

	r.logger.Info("document saved locally",
		slog.String("id", res.ID),
		slog.String("rev", res.Rev),
		slog.Bool("created", existing == nil),
	)

	r.requestSync()

	return res.OK
}

func validate(doc *docstore.Document, kind Kind) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", docstore.ErrInvalid)
	}

	if kind != KindCHW && kind != KindFS {
		return fmt.Errorf("%w: %w: %q", docstore.ErrInvalid, errUnknownKind, kind)
	}

	if len(doc.ID) > 0 && doc.ID[0] == '_' {
		return fmt.Errorf("%w: reserved id %q", docstore.ErrInvalid, doc.ID)
	}

	return nil
}

// Lookup reads one document, locally first and then remotely when online,
// and reports what happened.
func (r *Repository) Lookup(ctx context.Context, id string) docstore.Lookup {
	if id == "" {
		return docstore.NotFound()
	}

	res := r.lookupIn(ctx, r.local, id)
	if res.Kind != docstore.LookupNotFound || !r.online() {
		return res
	}

	// A local deletion hides the remote copy until the tombstone is pushed.
	if r.localTombstone(ctx, id) != nil {
		return res
	}

	return r.lookupIn(ctx, r.remote, id)
}

func (r *Repository) lookupIn(ctx context.Context, s docstore.Store, id string) docstore.Lookup {
	d, err := s.Get(ctx, id)

	switch docstore.Classify(err) {
	case docstore.ClassNone:
		if !r.canAccess(d) {
			return docstore.Unauthorized()
		}

		return docstore.Found(d)
	case docstore.ClassNotFound:
		return docstore.NotFound()
	case docstore.ClassUnauthorized:
		return docstore.Unauthorized()
	default:
		return docstore.TransientError(err)
	}
}

// GetOne returns the document or nil. Nil means either that the document
// does not exist or that the user may not see it.
func (r *Repository) GetOne(ctx context.Context, id string) *docstore.Document {
	res := r.Lookup(ctx, id)

	switch res.Kind {
	case docstore.LookupFound:
		return res.Doc
	case docstore.LookupNotFound:
		r.logger.Warn("document not found", slog.String("id", id))
	case docstore.LookupUnauthorized:
		r.logger.Warn("access denied to document", slog.String("user", r.user.ID), slog.String("id", id))
	default:
		r.logger.Warn("document lookup failed", slog.String("id", id), slog.String("error", res.Err.Error()))
	}

	return nil
}

// GetAll lists the live documents of kind the user may see. When online the
// remote index is merged in and its entries replace local ones with the
// same id. Non-administrators listing every kind get local results only.
func (r *Repository) GetAll(ctx context.Context, kind Kind) []*docstore.Document {
	types := kind.docTypes()
	if types == nil {
		r.logger.Warn("listing documents failed", slog.String("error", errUnknownKind.Error()))
		return nil
	}

	all, err := r.local.AllDocs(ctx, docstore.AllDocsOptions{IncludeDeleted: true})
	if err != nil {
		r.logger.Error("listing local documents failed", slog.String("error", err.Error()))
		return nil
	}

	merged := make(map[string]*docstore.Document)
	deleted := make(map[string]bool)

	for _, d := range all {
		if d.Deleted {
			deleted[d.ID] = true
			continue
		}

		if slices.Contains(types, d.Type) && r.canAccess(d) {
			merged[d.ID] = d
		}
	}

	if r.online() {
		switch {
		case !r.user.Admin && kind == KindAll:
			r.logger.Debug("remote listing of every kind is reserved to administrators")
		case r.user.Admin:
			for _, t := range types {
				r.mergeRemote(ctx, merged, deleted, docstore.ViewByType, docstore.Key{t})
			}
		default:
			for _, t := range types {
				r.mergeRemote(ctx, merged, deleted, docstore.ViewByTypeAndOwner, docstore.Key{t, r.user.ID})
			}
		}
	}

	return sortedValues(merged)
}

// GetByParent lists the live documents of kind attached to parentID.
func (r *Repository) GetByParent(ctx context.Context, parentID string, kind Kind) []*docstore.Document {
	types := kind.docTypes()
	if parentID == "" || types == nil {
		return nil
	}

	view := docstore.ViewByTypeAndParentAndOwner
	if r.user.Admin {
		view = docstore.ViewByTypeAndParent
	}

	key := func(t string) docstore.Key {
		if r.user.Admin {
			return docstore.Key{t, parentID}
		}

		return docstore.Key{t, parentID, r.user.ID}
	}

	merged := make(map[string]*docstore.Document)

	for _, t := range types {
		local, err := r.local.Query(ctx, view, key(t))
		if err != nil {
			r.logger.Error("querying local documents by parent failed",
				slog.String("parent", parentID),
				slog.String("error", err.Error()),
			)

			return nil
		}

		for _, d := range local {
			if !d.Deleted && r.canAccess(d) {
				merged[d.ID] = d
			}
		}
	}

	if r.online() {
		deleted := r.localTombstones(ctx)

		for _, t := range types {
			r.mergeRemote(ctx, merged, deleted, view, key(t))
		}
	}

	return sortedValues(merged)
}

// mergeRemote overlays remote view results onto merged, skipping documents
// deleted locally. Failures leave the local results in place.
func (r *Repository) mergeRemote(
	ctx context.Context, merged map[string]*docstore.Document, deleted map[string]bool, view string, key docstore.Key,
) {
	docs, err := r.remote.Query(ctx, view, key)
	if err != nil {
		if errors.Is(err, docstore.ErrViewNotFound) {
			r.logger.Warn("view not indexed on remote database", slog.String("view", view))
		} else {
			r.logger.Warn("remote query failed, using local results",
				slog.String("view", view),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	for _, d := range docs {
		if !d.Deleted && !deleted[d.ID] && r.canAccess(d) {
			merged[d.ID] = d
		}
	}
}

// localTombstones returns the ids whose local winning revision is deleted.
func (r *Repository) localTombstones(ctx context.Context) map[string]bool {
	all, err := r.local.AllDocs(ctx, docstore.AllDocsOptions{IncludeDeleted: true})
	if err != nil {
		r.logger.Warn("listing local deletions failed", slog.String("error", err.Error()))
		return nil
	}

	deleted := make(map[string]bool)

	for _, d := range all {
		if d.Deleted {
			deleted[d.ID] = true
		}
	}

	return deleted
}

type leafReader interface {
	Leaves(ctx context.Context, id string) ([]*docstore.Document, error)
}

// localTombstone returns the deleted winning revision of id, or nil when the
// local store holds no tombstone for it.
func (r *Repository) localTombstone(ctx context.Context, id string) *docstore.Document {
	lr, ok := r.local.(leafReader)
	if !ok || id == "" {
		return nil
	}

	leaves, err := lr.Leaves(ctx, id)
	if err != nil {
		return nil
	}

	if w := docstore.Winner(leaves); w != nil && w.Deleted {
		return w
	}

	return nil
}

func sortedValues(m map[string]*docstore.Document) []*docstore.Document {
	out := make([]*docstore.Document, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}

	slices.SortFunc(out, func(a, b *docstore.Document) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})

	return out
}

// Delete removes doc from the local store and, when online, from the remote
// store, both at the caller's revision. Only the owner or an administrator
// may delete. A stale revision fails without touching the remote. Reports
// whether either removal succeeded; the stores converge at the next sync.
func (r *Repository) Delete(ctx context.Context, doc *docstore.Document) bool {
	if doc == nil || doc.ID == "" {
		r.logger.Warn("delete rejected", slog.String("error", docstore.ErrMissingID.Error()))
		return false
	}

	existing, err := r.local.Get(ctx, doc.ID)
	inLocal := err == nil

	if !inLocal && r.online() {
		existing, err = r.remote.Get(ctx, doc.ID)
	}

	if err != nil {
		r.logger.Warn("document to delete not found",
			slog.String("id", doc.ID),
			slog.String("error", err.Error()),
		)

		return false
	}

	if !r.canAccess(existing) {
		r.logger.Warn("unauthorized delete by non-owner",
			slog.String("user", r.user.ID),
			slog.String("id", doc.ID),
		)

		return false
	}

	target := existing.Clone()
	if doc.Rev != "" {
		target.Rev = doc.Rev
	}

	localOK := false

	if inLocal {
		if _, err := r.local.Remove(ctx, target); err != nil {
			if errors.Is(err, docstore.ErrConflict) {
				r.logger.Warn("stale revision rejected",
					slog.String("id", doc.ID),
					slog.String("rev", target.Rev),
					slog.String("current", existing.Rev),
				)

				return false
			}

			r.logger.Warn("local deletion failed", slog.String("id", doc.ID), slog.String("error", err.Error()))
		} else {
			localOK = true

			r.logger.Info("document deleted locally", slog.String("id", doc.ID))
		}
	}

	remoteOK := false

	if r.online() {
		remoteOK = r.removeRemote(ctx, target)
		r.requestSync()
	}

	return localOK || remoteOK
}

// removeRemote tombstones target at its revision. A conflict means the
// remote moved on; replication settles which side wins.
func (r *Repository) removeRemote(ctx context.Context, target *docstore.Document) bool {
	if _, err := r.remote.Remove(ctx, target); err != nil {
		if errors.Is(err, docstore.ErrConflict) {
			r.logger.Info("remote copy changed since read, deletion left to sync",
				slog.String("id", target.ID),
				slog.String("rev", target.Rev),
			)
		} else {
			r.logger.Warn("remote deletion failed", slog.String("id", target.ID), slog.String("error", err.Error()))
		}

		return false
	}

	r.logger.Info("document deleted remotely", slog.String("id", target.ID))

	return true
}
