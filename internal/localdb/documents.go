package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/KossiPascal/health-map-project/internal/docstore"
)

const (
	sqlSelectLeaves = `SELECT body FROM leaves WHERE doc_id = ?`

	sqlSelectAllLeaves = `SELECT doc_id, body FROM leaves ORDER BY doc_id`

	sqlDeleteLeaves = `DELETE FROM leaves WHERE doc_id = ?`

	sqlInsertLeaf = `INSERT INTO leaves
		(doc_id, rev, generation, deleted, doc_type, owner, parent_id, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sqlDeleteChange = `DELETE FROM changes WHERE doc_id = ?`

	sqlInsertChange = `INSERT INTO changes (doc_id) VALUES (?)`

	sqlSelectChanges = `SELECT seq, doc_id FROM changes WHERE seq > ? ORDER BY seq LIMIT ?`

	sqlSelectLocal = `SELECT body FROM local_docs WHERE doc_id = ?`

	changesPageSize = 500
)

// Get returns the winning revision of id. Tombstoned documents report
// docstore.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*docstore.Document, error) {
	if strings.HasPrefix(id, docstore.LocalPrefix) {
		return s.getLocal(ctx, id)
	}

	leaves, err := loadLeaves(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	return winningView(id, leaves)
}

func winningView(id string, leaves []*docstore.Document) (*docstore.Document, error) {
	w := docstore.Winner(leaves)
	if w == nil || w.Deleted {
		return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, id)
	}

	out := w.Clone()
	out.Revisions = nil
	out.Conflicts = docstore.LiveConflicts(leaves, w)

	return out, nil
}

func (s *Store) getLocal(ctx context.Context, id string) (*docstore.Document, error) {
	var body []byte

	err := s.db.QueryRowContext(ctx, sqlSelectLocal, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("localdb: reading %s: %w", id, err)
	}

	return docstore.Decode(body)
}

// Put writes doc under optimistic concurrency and signals Notify.
func (s *Store) Put(ctx context.Context, doc *docstore.Document) (docstore.PutResult, error) {
	return s.edit(ctx, doc, func(_ []*docstore.Document) *docstore.Document { return doc })
}

// Remove writes a tombstone on top of doc.Rev. The tombstone keeps the
// owner of the revision it deletes so filtered feeds still route it.
func (s *Store) Remove(ctx context.Context, doc *docstore.Document) (docstore.PutResult, error) {
	return s.edit(ctx, doc, func(leaves []*docstore.Document) *docstore.Document {
		for _, l := range leaves {
			if l.Rev == doc.Rev {
				return docstore.Tombstone(l)
			}
		}

		return docstore.Tombstone(doc)
	})
}

func (s *Store) edit(
	ctx context.Context, doc *docstore.Document, build func([]*docstore.Document) *docstore.Document,
) (docstore.PutResult, error) {
	if doc == nil || doc.ID == "" {
		return docstore.PutResult{}, docstore.ErrMissingID
	}

	if strings.HasPrefix(doc.ID, docstore.LocalPrefix) {
		return docstore.PutResult{}, fmt.Errorf("%w: %s is reserved for checkpoints", docstore.ErrInvalid, doc.ID)
	}

	var stored *docstore.Document

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		leaves, err := loadLeaves(ctx, tx, doc.ID)
		if err != nil {
			return err
		}

		next, st, err := docstore.ApplyEdit(leaves, build(leaves))
		if err != nil {
			return err
		}

		stored = st

		return writeLeaves(ctx, tx, doc.ID, next, true)
	})
	if err != nil {
		return docstore.PutResult{}, err
	}

	s.logger.Debug("document written",
		slog.String("id", stored.ID),
		slog.String("rev", stored.Rev),
		slog.Bool("deleted", stored.Deleted),
	)
	s.signal()

	return docstore.PutResult{OK: true, ID: stored.ID, Rev: stored.Rev}, nil
}

// AllDocs returns the winning revision of every document, sorted by id.
func (s *Store) AllDocs(ctx context.Context, opts docstore.AllDocsOptions) ([]*docstore.Document, error) {
	rows, err := s.db.QueryContext(ctx, sqlSelectAllLeaves)
	if err != nil {
		return nil, fmt.Errorf("localdb: listing documents: %w", err)
	}
	defer rows.Close()

	grouped := make(map[string][]*docstore.Document)

	var order []string

	for rows.Next() {
		var (
			id   string
			body []byte
		)

		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("localdb: scanning leaf: %w", err)
		}

		d, err := docstore.Decode(body)
		if err != nil {
			return nil, fmt.Errorf("localdb: decoding %s: %w", id, err)
		}

		if _, seen := grouped[id]; !seen {
			order = append(order, id)
		}

		grouped[id] = append(grouped[id], d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localdb: iterating leaves: %w", err)
	}

	docs := make([]*docstore.Document, 0, len(order))

	for _, id := range order {
		leaves := grouped[id]
		w := docstore.Winner(leaves)

		if w.Deleted && !opts.IncludeDeleted {
			continue
		}

		out := w.Clone()
		out.Revisions = nil
		out.Conflicts = docstore.LiveConflicts(leaves, w)
		docs = append(docs, out)
	}

	return docs, nil
}

// Query returns the winning revisions indexed under key by the named view.
func (s *Store) Query(ctx context.Context, view string, key docstore.Key) ([]*docstore.Document, error) {
	v, err := docstore.LookupView(view)
	if err != nil {
		return nil, err
	}

	if len(key) != len(v.Fields) {
		return nil, fmt.Errorf("%w: view %s takes %d key parts, got %d",
			docstore.ErrInvalid, view, len(v.Fields), len(key))
	}

	query, args := candidateQuery(v, key)

	ids, err := s.scanIDs(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var docs []*docstore.Document

	for _, id := range ids {
		leaves, err := loadLeaves(ctx, s.db, id)
		if err != nil {
			return nil, err
		}

		w := docstore.Winner(leaves)
		if w == nil || !v.Matches(w, key) {
			continue
		}

		out := w.Clone()
		out.Revisions = nil
		out.Conflicts = docstore.LiveConflicts(leaves, w)
		docs = append(docs, out)
	}

	return docs, nil
}

// candidateQuery narrows the leaves table to documents that may match; the
// winner of each candidate is checked against the view afterwards.
func candidateQuery(v docstore.View, key docstore.Key) (string, []any) {
	var (
		where []string
		args  []any
	)

	placeholders := make([]string, len(v.Types))
	for i, t := range v.Types {
		placeholders[i] = "?"
		args = append(args, t)
	}

	where = append(where, "doc_type IN ("+strings.Join(placeholders, ", ")+")", "deleted = 0")

	for i, f := range v.Fields {
		switch f {
		case docstore.FieldType:
			where = append(where, "doc_type = ?")
			args = append(args, key[i])
		case docstore.FieldOwner:
			where = append(where, "owner = ?")
			args = append(args, docstore.NormalizeOwner(key[i]))
		case docstore.FieldParent:
			where = append(where, "parent_id = ?")
			args = append(args, key[i])
		}
	}

	return "SELECT DISTINCT doc_id FROM leaves WHERE " + strings.Join(where, " AND ") + " ORDER BY doc_id", args
}

func (s *Store) scanIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("localdb: querying view: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("localdb: scanning id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localdb: iterating ids: %w", err)
	}

	return ids, nil
}

// Changes returns the feed after opts.Since. Pages are read until Limit
// filtered entries are collected or the feed is exhausted; LastSeq advances
// past entries the filter drops so a caller never rescans them.
func (s *Store) Changes(ctx context.Context, opts docstore.ChangesOptions) (docstore.ChangesResult, error) {
	since, err := parseSeq(opts.Since)
	if err != nil {
		return docstore.ChangesResult{}, err
	}

	res := docstore.ChangesResult{LastSeq: strconv.FormatInt(since, 10)}

	for {
		page, err := s.changesPage(ctx, since)
		if err != nil {
			return docstore.ChangesResult{}, err
		}

		if len(page) == 0 {
			return res, nil
		}

		for _, e := range page {
			since = e.seq
			res.LastSeq = strconv.FormatInt(e.seq, 10)

			c, ok, err := s.changeFor(ctx, e)
			if err != nil {
				return docstore.ChangesResult{}, err
			}

			if ok && opts.Filter.Match(c) {
				res.Results = append(res.Results, c)
			}

			if opts.Limit > 0 && len(res.Results) >= opts.Limit {
				return res, nil
			}
		}
	}
}

type feedEntry struct {
	seq   int64
	docID string
}

func (s *Store) changesPage(ctx context.Context, since int64) ([]feedEntry, error) {
	rows, err := s.db.QueryContext(ctx, sqlSelectChanges, since, changesPageSize)
	if err != nil {
		return nil, fmt.Errorf("localdb: reading changes: %w", err)
	}
	defer rows.Close()

	var page []feedEntry

	for rows.Next() {
		var e feedEntry
		if err := rows.Scan(&e.seq, &e.docID); err != nil {
			return nil, fmt.Errorf("localdb: scanning change: %w", err)
		}

		page = append(page, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localdb: iterating changes: %w", err)
	}

	return page, nil
}

func (s *Store) changeFor(ctx context.Context, e feedEntry) (docstore.Change, bool, error) {
	leaves, err := loadLeaves(ctx, s.db, e.docID)
	if err != nil {
		return docstore.Change{}, false, err
	}

	w := docstore.Winner(leaves)
	if w == nil {
		return docstore.Change{}, false, nil
	}

	return docstore.Change{
		Seq:     strconv.FormatInt(e.seq, 10),
		ID:      e.docID,
		Revs:    docstore.LeafRevs(leaves),
		Deleted: w.Deleted,
		Owner:   w.Owner,
	}, true, nil
}

func parseSeq(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad sequence %q", docstore.ErrInvalid, s)
	}

	return n, nil
}

func loadLeaves(ctx context.Context, q querier, id string) ([]*docstore.Document, error) {
	rows, err := q.QueryContext(ctx, sqlSelectLeaves, id)
	if err != nil {
		return nil, fmt.Errorf("localdb: loading %s: %w", id, err)
	}
	defer rows.Close()

	var leaves []*docstore.Document

	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("localdb: scanning %s: %w", id, err)
		}

		d, err := docstore.Decode(body)
		if err != nil {
			return nil, fmt.Errorf("localdb: decoding %s: %w", id, err)
		}

		leaves = append(leaves, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localdb: iterating %s: %w", id, err)
	}

	return leaves, nil
}

// writeLeaves replaces the stored leaf set of id. When bump is set the
// document moves to the end of the change feed; an empty leaf set drops it
// from the feed entirely.
func writeLeaves(ctx context.Context, q querier, id string, leaves []*docstore.Document, bump bool) error {
	if _, err := q.ExecContext(ctx, sqlDeleteLeaves, id); err != nil {
		return fmt.Errorf("localdb: clearing leaves of %s: %w", id, err)
	}

	for _, l := range leaves {
		stored := l.Clone()
		stored.Conflicts = nil

		body, err := docstore.Encode(stored)
		if err != nil {
			return fmt.Errorf("localdb: encoding %s: %w", id, err)
		}

		_, err = q.ExecContext(ctx, sqlInsertLeaf,
			id, l.Rev, docstore.Generation(l.Rev), l.Deleted,
			l.Type, docstore.NormalizeOwner(l.Owner), l.ParentID, body)
		if err != nil {
			return fmt.Errorf("localdb: storing %s@%s: %w", id, l.Rev, err)
		}
	}

	if len(leaves) == 0 {
		if _, err := q.ExecContext(ctx, sqlDeleteChange, id); err != nil {
			return fmt.Errorf("localdb: dropping %s from feed: %w", id, err)
		}

		return nil
	}

	if !bump {
		return nil
	}

	if _, err := q.ExecContext(ctx, sqlDeleteChange, id); err != nil {
		return fmt.Errorf("localdb: moving %s in feed: %w", id, err)
	}

	if _, err := q.ExecContext(ctx, sqlInsertChange, id); err != nil {
		return fmt.Errorf("localdb: appending %s to feed: %w", id, err)
	}

	return nil
}

// sortedIDs returns the keys of m in ascending order.
func sortedIDs[T any](m map[string]T) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}
