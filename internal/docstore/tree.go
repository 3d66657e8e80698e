package docstore

import (
	"fmt"
	"slices"
)

// Winner picks the deterministic winning leaf: live leaves beat tombstones,
// then the highest generation wins, then the greatest hash. Every replica
// applying this rule to the same leaves picks the same winner.
func Winner(leaves []*Document) *Document {
	var best *Document

	for _, l := range leaves {
		if best == nil || beats(l, best) {
			best = l
		}
	}

	return best
}

func beats(a, b *Document) bool {
	if a.Deleted != b.Deleted {
		return !a.Deleted
	}

	return compareRevs(a.Rev, b.Rev) > 0
}

// LiveConflicts returns the revisions of the live leaves other than winner,
// greatest first.
func LiveConflicts(leaves []*Document, winner *Document) []string {
	var revs []string

	for _, l := range leaves {
		if l.Deleted || (winner != nil && l.Rev == winner.Rev) {
			continue
		}

		revs = append(revs, l.Rev)
	}

	slices.SortFunc(revs, func(a, b string) int { return compareRevs(b, a) })

	return revs
}

// ApplyEdit applies a local edit under optimistic concurrency. doc.Rev names
// the leaf being edited. A missing revision is accepted only for a new
// document or on top of a tombstone; any other mismatch is ErrConflict.
// Returns the new leaf set and the stored leaf.
func ApplyEdit(leaves []*Document, doc *Document) ([]*Document, *Document, error) {
	if doc.ID == "" {
		return nil, nil, ErrMissingID
	}

	var base *Document

	winner := Winner(leaves)

	switch {
	case winner == nil && doc.Rev != "":
		return nil, nil, fmt.Errorf("%w: %s does not exist at %s", ErrConflict, doc.ID, doc.Rev)
	case winner == nil:
	case doc.Rev == "":
		if !winner.Deleted {
			return nil, nil, fmt.Errorf("%w: %s already exists", ErrConflict, doc.ID)
		}

		base = winner
	default:
		idx := slices.IndexFunc(leaves, func(l *Document) bool { return l.Rev == doc.Rev })
		if idx < 0 {
			return nil, nil, fmt.Errorf("%w: %s is not at %s", ErrConflict, doc.ID, doc.Rev)
		}

		base = leaves[idx]
	}

	prev := ""
	if base != nil {
		prev = base.Rev
	}

	rev, err := NextRev(prev, doc)
	if err != nil {
		return nil, nil, err
	}

	stored := doc.Clone()
	stored.Rev = rev
	stored.Conflicts = nil

	stored.Revisions, err = extendHistory(base, rev)
	if err != nil {
		return nil, nil, err
	}

	next := make([]*Document, 0, len(leaves)+1)
	for _, l := range leaves {
		if base == nil || l.Rev != base.Rev {
			next = append(next, l)
		}
	}

	next = append(next, stored)

	return next, stored, nil
}

// MergeRevision folds a replicated revision into the leaf set without
// creating a new edit. Known revisions are skipped, a leaf that is an
// ancestor of the incoming revision is replaced, anything else becomes a
// conflicting leaf. Reports whether the leaf set changed.
func MergeRevision(leaves []*Document, incoming *Document) ([]*Document, bool, error) {
	if incoming.ID == "" {
		return leaves, false, ErrMissingID
	}

	if _, _, err := ParseRev(incoming.Rev); err != nil {
		return leaves, false, err
	}

	for _, l := range leaves {
		if slices.Contains(History(l), incoming.Rev) {
			return leaves, false, nil
		}
	}

	stored := incoming.Clone()
	stored.Conflicts = nil

	if stored.Revisions == nil {
		h, err := extendHistory(nil, stored.Rev)
		if err != nil {
			return leaves, false, err
		}

		stored.Revisions = h
	}

	ancestry := History(stored)
	next := make([]*Document, 0, len(leaves)+1)

	for _, l := range leaves {
		if !slices.Contains(ancestry, l.Rev) {
			next = append(next, l)
		}
	}

	next = append(next, stored)

	return next, true, nil
}

// MissingRevisions returns the revisions in revs that no leaf knows about.
func MissingRevisions(leaves []*Document, revs []string) []string {
	var missing []string

	for _, r := range revs {
		known := false

		for _, l := range leaves {
			if slices.Contains(History(l), r) {
				known = true
				break
			}
		}

		if !known {
			missing = append(missing, r)
		}
	}

	return missing
}

// LeafRevs lists the revision of every leaf.
func LeafRevs(leaves []*Document) []string {
	revs := make([]string, 0, len(leaves))
	for _, l := range leaves {
		revs = append(revs, l.Rev)
	}

	return revs
}

// WithoutRevs drops the leaves whose revision is in revs.
func WithoutRevs(leaves []*Document, revs []string) []*Document {
	next := make([]*Document, 0, len(leaves))
	for _, l := range leaves {
		if !slices.Contains(revs, l.Rev) {
			next = append(next, l)
		}
	}

	return next
}

// Tombstone builds the deletion edit of base. The tombstone keeps the
// identity fields so owner filters and audits still see who owned it; the
// payload is dropped.
func Tombstone(base *Document) *Document {
	return &Document{
		ID:       base.ID,
		Rev:      base.Rev,
		Type:     base.Type,
		Owner:    base.Owner,
		ParentID: base.ParentID,
		Deleted:  true,
	}
}
