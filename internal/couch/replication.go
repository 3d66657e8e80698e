package couch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	json "github.com/goccy/go-json"

	"github.com/KossiPascal/health-map-project/internal/docstore"
)

// RevsDiff asks the server which revisions it lacks.
func (c *Client) RevsDiff(ctx context.Context, revs map[string][]string) (map[string][]string, error) {
	if len(revs) == 0 {
		return map[string][]string{}, nil
	}

	var resp map[string]struct {
		Missing []string `json:"missing"`
	}

	if err := c.call(ctx, http.MethodPost, "_revs_diff", nil, revs, &resp); err != nil {
		return nil, err
	}

	out := make(map[string][]string, len(resp))

	for id, r := range resp {
		if len(r.Missing) > 0 {
			out[id] = r.Missing
		}
	}

	return out, nil
}

type openRevsEntry struct {
	OK      *docstore.Document `json:"ok"`
	Missing string             `json:"missing"`
}

// GetRevisions fetches specific revisions with ancestry (open_revs). An
// empty revs requests every leaf. An unknown document yields no revisions.
func (c *Client) GetRevisions(ctx context.Context, id string, revs []string) ([]*docstore.Document, error) {
	if id == "" {
		return nil, docstore.ErrMissingID
	}

	openRevs := "all"

	if len(revs) > 0 {
		data, err := json.Marshal(revs)
		if err != nil {
			return nil, fmt.Errorf("couch: encoding open_revs: %w", err)
		}

		openRevs = string(data)
	}

	q := url.Values{"revs": {"true"}, "open_revs": {openRevs}}

	var entries []openRevsEntry

	err := c.call(ctx, http.MethodGet, docPath(id), q, nil, &entries)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	docs := make([]*docstore.Document, 0, len(entries))

	for _, e := range entries {
		if e.OK != nil {
			docs = append(docs, e.OK)
		}
	}

	return docs, nil
}

type bulkResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// PutRevisions stores replicated revisions with new_edits=false. Documents
// without an id are never sent; their count is reported as ErrMissingID
// after the rest of the batch is stored.
func (c *Client) PutRevisions(ctx context.Context, docs []*docstore.Document) error {
	send := make([]*docstore.Document, 0, len(docs))
	skipped := 0

	for _, d := range docs {
		if d == nil || d.ID == "" {
			skipped++
			continue
		}

		body := d.Clone()
		body.Conflicts = nil
		send = append(send, body)
	}

	if len(send) > 0 {
		req := struct {
			Docs     []*docstore.Document `json:"docs"`
			NewEdits bool                 `json:"new_edits"`
		}{Docs: send, NewEdits: false}

		var results []bulkResult
		if err := c.call(ctx, http.MethodPost, "_bulk_docs", nil, req, &results); err != nil {
			return err
		}

		for _, r := range results {
			if r.Error == "" {
				continue
			}

			sentinel := docstore.ErrInvalid

			switch r.Error {
			case "forbidden":
				sentinel = docstore.ErrForbidden
			case "unauthorized":
				sentinel = docstore.ErrUnauthorized
			case "conflict":
				sentinel = docstore.ErrConflict
			}

			return &CouchError{
				StatusCode: http.StatusCreated,
				Method:     http.MethodPost,
				Path:       "_bulk_docs",
				Kind:       r.Error,
				Reason:     fmt.Sprintf("%s: %s", r.ID, r.Reason),
				Err:        sentinel,
			}
		}
	}

	if skipped > 0 {
		c.logger.Warn("refused to replicate documents without id", slog.Int("count", skipped))
		return fmt.Errorf("couch: %d documents: %w", skipped, docstore.ErrMissingID)
	}

	return nil
}

// GetCheckpoint reads a _local checkpoint document.
func (c *Client) GetCheckpoint(ctx context.Context, id string) (docstore.Checkpoint, error) {
	var cp docstore.Checkpoint

	err := c.call(ctx, http.MethodGet, docPath(id), nil, nil, &cp)
	if errors.Is(err, docstore.ErrNotFound) {
		return docstore.Checkpoint{}, &docstore.BookkeepingError{DocID: id, Err: err}
	}

	if err != nil {
		return docstore.Checkpoint{}, err
	}

	return cp, nil
}

// PutCheckpoint writes a _local checkpoint, taking over whatever revision
// the server holds.
func (c *Client) PutCheckpoint(ctx context.Context, cp docstore.Checkpoint) error {
	current, err := c.GetCheckpoint(ctx, cp.ID)

	switch {
	case err == nil:
		cp.Rev = current.Rev
	case docstore.Classify(err) == docstore.ClassBenign:
		cp.Rev = ""
	default:
		return err
	}

	var res docstore.PutResult
	if err := c.call(ctx, http.MethodPut, docPath(cp.ID), nil, cp, &res); err != nil {
		return &docstore.BookkeepingError{DocID: cp.ID, Err: err}
	}

	return nil
}

// Leaves returns every leaf revision, tombstones included.
func (c *Client) Leaves(ctx context.Context, id string) ([]*docstore.Document, error) {
	return c.GetRevisions(ctx, id, nil)
}

// Purge removes the given leaf revisions from the server.
func (c *Client) Purge(ctx context.Context, id string, revs []string) error {
	if id == "" {
		return docstore.ErrMissingID
	}

	var resp struct {
		Purged map[string][]string `json:"purged"`
	}

	if err := c.call(ctx, http.MethodPost, "_purge", nil, map[string][]string{id: revs}, &resp); err != nil {
		return err
	}

	c.logger.Debug("purged remote revisions", slog.String("id", id), slog.Any("revs", resp.Purged[id]))

	return nil
}
