package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/KossiPascal/health-map-project/internal/docstore"
)

const (
	sqlSelectCheckpoint = `SELECT rev, body FROM local_docs WHERE doc_id = ?`

	sqlUpsertCheckpoint = `INSERT INTO local_docs (doc_id, rev, body) VALUES (?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET rev = excluded.rev, body = excluded.body`

	sqlStats = `SELECT
		(SELECT COUNT(*) FROM (SELECT doc_id FROM leaves GROUP BY doc_id HAVING MIN(deleted) = 0)),
		(SELECT COUNT(*) FROM (SELECT doc_id FROM leaves GROUP BY doc_id HAVING MIN(deleted) = 1)),
		(SELECT COUNT(*) FROM (SELECT doc_id FROM leaves WHERE deleted = 0 GROUP BY doc_id HAVING COUNT(*) > 1)),
		(SELECT COUNT(*) FROM local_docs),
		(SELECT COALESCE(MAX(seq), 0) FROM changes)`
)

// RevsDiff reports, per document, the revisions this store does not hold.
func (s *Store) RevsDiff(ctx context.Context, revs map[string][]string) (map[string][]string, error) {
	out := make(map[string][]string)

	for _, id := range sortedIDs(revs) {
		leaves, err := loadLeaves(ctx, s.db, id)
		if err != nil {
			return nil, err
		}

		if missing := docstore.MissingRevisions(leaves, revs[id]); len(missing) > 0 {
			out[id] = missing
		}
	}

	return out, nil
}

// GetRevisions returns the requested leaf revisions of id with ancestry.
// An empty revs selects every leaf. Revisions that are no longer leaves
// cannot be served and are skipped.
func (s *Store) GetRevisions(ctx context.Context, id string, revs []string) ([]*docstore.Document, error) {
	leaves, err := loadLeaves(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	if len(revs) == 0 {
		return leaves, nil
	}

	var out []*docstore.Document

	for _, l := range leaves {
		for _, r := range revs {
			if l.Rev == r {
				out = append(out, l)
				break
			}
		}
	}

	return out, nil
}

// PutRevisions merges replicated revisions without creating new edits.
// Documents without an id are skipped and reported once the batch is stored.
func (s *Store) PutRevisions(ctx context.Context, docs []*docstore.Document) error {
	var skipped int

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cache := make(map[string][]*docstore.Document)
		dirty := make(map[string]bool)

		for _, d := range docs {
			if d == nil || d.ID == "" {
				skipped++
				continue
			}

			if strings.HasPrefix(d.ID, docstore.LocalPrefix) {
				continue
			}

			leaves, ok := cache[d.ID]
			if !ok {
				var err error

				leaves, err = loadLeaves(ctx, tx, d.ID)
				if err != nil {
					return err
				}
			}

			next, changed, err := docstore.MergeRevision(leaves, d)
			if err != nil {
				return fmt.Errorf("localdb: merging %s@%s: %w", d.ID, d.Rev, err)
			}

			cache[d.ID] = next

			if changed {
				dirty[d.ID] = true
			}
		}

		for _, id := range sortedIDs(dirty) {
			if err := writeLeaves(ctx, tx, id, cache[id], true); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	if skipped > 0 {
		s.logger.Warn("skipped replicated documents without id", slog.Int("count", skipped))
		return fmt.Errorf("localdb: %d replicated documents: %w", skipped, docstore.ErrMissingID)
	}

	return nil
}

// GetCheckpoint reads a replication checkpoint. A missing checkpoint is a
// BookkeepingError wrapping ErrNotFound.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (docstore.Checkpoint, error) {
	var (
		rev  string
		body []byte
	)

	err := s.db.QueryRowContext(ctx, sqlSelectCheckpoint, id).Scan(&rev, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Checkpoint{}, &docstore.BookkeepingError{DocID: id, Err: docstore.ErrNotFound}
	}

	if err != nil {
		return docstore.Checkpoint{}, fmt.Errorf("localdb: reading checkpoint %s: %w", id, err)
	}

	var cp docstore.Checkpoint
	if err := json.Unmarshal(body, &cp); err != nil {
		return docstore.Checkpoint{}, fmt.Errorf("localdb: decoding checkpoint %s: %w", id, err)
	}

	cp.ID = id
	cp.Rev = rev

	return cp, nil
}

// PutCheckpoint stores a replication checkpoint. Checkpoints are
// last-writer-wins; the revision only counts writes.
func (s *Store) PutCheckpoint(ctx context.Context, cp docstore.Checkpoint) error {
	if !strings.HasPrefix(cp.ID, docstore.LocalPrefix) {
		return fmt.Errorf("%w: checkpoint id %q must start with %s", docstore.ErrInvalid, cp.ID, docstore.LocalPrefix)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var (
			prev string
			body []byte
		)

		err := tx.QueryRowContext(ctx, sqlSelectCheckpoint, cp.ID).Scan(&prev, &body)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("localdb: reading checkpoint %s: %w", cp.ID, err)
		}

		n := 0
		if prev != "" {
			_, _ = fmt.Sscanf(prev, "0-%d", &n)
		}

		cp.Rev = fmt.Sprintf("0-%d", n+1)

		data, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("localdb: encoding checkpoint %s: %w", cp.ID, err)
		}

		if _, err := tx.ExecContext(ctx, sqlUpsertCheckpoint, cp.ID, cp.Rev, data); err != nil {
			return fmt.Errorf("localdb: writing checkpoint %s: %w", cp.ID, err)
		}

		return nil
	})
}

// Leaves returns every leaf of id, tombstones included.
func (s *Store) Leaves(ctx context.Context, id string) ([]*docstore.Document, error) {
	return loadLeaves(ctx, s.db, id)
}

// Purge physically removes the given leaves. Purging never creates a
// revision; purging the last leaf removes the document entirely.
func (s *Store) Purge(ctx context.Context, id string, revs []string) error {
	if id == "" {
		return docstore.ErrMissingID
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		leaves, err := loadLeaves(ctx, tx, id)
		if err != nil {
			return err
		}

		next := docstore.WithoutRevs(leaves, revs)
		if len(next) == len(leaves) {
			return nil
		}

		return writeLeaves(ctx, tx, id, next, false)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("purged revisions", slog.String("id", id), slog.Any("revs", revs))

	return nil
}

// Stats summarizes the store contents.
type Stats struct {
	Documents   int   `json:"documents"`
	Deleted     int   `json:"deleted"`
	Conflicted  int   `json:"conflicted"`
	Checkpoints int   `json:"checkpoints"`
	UpdateSeq   int64 `json:"update_seq"`
}

// Stats counts live documents, tombstones and conflicted documents.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	err := s.db.QueryRowContext(ctx, sqlStats).Scan(
		&st.Documents, &st.Deleted, &st.Conflicted, &st.Checkpoints, &st.UpdateSeq)
	if err != nil {
		return Stats{}, fmt.Errorf("localdb: reading stats: %w", err)
	}

	return st, nil
}
