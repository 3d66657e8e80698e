package couch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/KossiPascal/health-map-project/internal/docstore"
)

// Design documents installed by EnsureDesignDocs.
const (
	DesignMapClient = "_design/map-client"
	DesignFilters   = "_design/filters"
	FilterByOwner   = "filters/by_owner"
)

var _ docstore.Endpoint = (*Client)(nil)

// Get returns the winning revision of id with its conflicts.
func (c *Client) Get(ctx context.Context, id string) (*docstore.Document, error) {
	if id == "" {
		return nil, docstore.ErrMissingID
	}

	var d docstore.Document

	err := c.call(ctx, http.MethodGet, docPath(id), url.Values{"conflicts": {"true"}}, nil, &d)
	if err != nil {
		return nil, err
	}

	return &d, nil
}

// Put writes doc under optimistic concurrency.
func (c *Client) Put(ctx context.Context, doc *docstore.Document) (docstore.PutResult, error) {
	if doc == nil || doc.ID == "" {
		return docstore.PutResult{}, docstore.ErrMissingID
	}

	body := doc.Clone()
	body.Revisions = nil
	body.Conflicts = nil

	var res docstore.PutResult
	if err := c.call(ctx, http.MethodPut, docPath(doc.ID), nil, body, &res); err != nil {
		return docstore.PutResult{}, err
	}

	return res, nil
}

// Remove writes a tombstone on top of doc.Rev. The tombstone carries the
// identity fields so the owner filter still routes it.
func (c *Client) Remove(ctx context.Context, doc *docstore.Document) (docstore.PutResult, error) {
	if doc == nil || doc.ID == "" {
		return docstore.PutResult{}, docstore.ErrMissingID
	}

	return c.Put(ctx, docstore.Tombstone(doc))
}

type allDocsRow struct {
	ID    string             `json:"id"`
	Doc   *docstore.Document `json:"doc"`
	Error string             `json:"error"`
}

type allDocsResponse struct {
	Rows []allDocsRow `json:"rows"`
}

// AllDocs returns the winning revision of every non-design document.
// Tombstones come from the change feed when IncludeDeleted is set.
func (c *Client) AllDocs(ctx context.Context, opts docstore.AllDocsOptions) ([]*docstore.Document, error) {
	if opts.IncludeDeleted {
		return c.allDocsWithDeleted(ctx)
	}

	var resp allDocsResponse

	q := url.Values{"include_docs": {"true"}, "conflicts": {"true"}}
	if err := c.call(ctx, http.MethodGet, "_all_docs", q, nil, &resp); err != nil {
		return nil, err
	}

	docs := make([]*docstore.Document, 0, len(resp.Rows))

	for _, r := range resp.Rows {
		if r.Doc == nil || strings.HasPrefix(r.ID, "_design/") {
			continue
		}

		docs = append(docs, r.Doc)
	}

	return docs, nil
}

func (c *Client) allDocsWithDeleted(ctx context.Context) ([]*docstore.Document, error) {
	var resp struct {
		Results []struct {
			ID  string             `json:"id"`
			Doc *docstore.Document `json:"doc"`
		} `json:"results"`
	}

	q := url.Values{"include_docs": {"true"}, "conflicts": {"true"}}
	if err := c.call(ctx, http.MethodGet, "_changes", q, nil, &resp); err != nil {
		return nil, err
	}

	docs := make([]*docstore.Document, 0, len(resp.Results))

	for _, r := range resp.Results {
		if r.Doc == nil || strings.HasPrefix(r.ID, "_design/") {
			continue
		}

		docs = append(docs, r.Doc)
	}

	return docs, nil
}

// Query reads the named view of the map-client design document.
func (c *Client) Query(ctx context.Context, view string, key docstore.Key) ([]*docstore.Document, error) {
	v, err := docstore.LookupView(view)
	if err != nil {
		return nil, err
	}

	if len(key) != len(v.Fields) {
		return nil, fmt.Errorf("%w: view %s takes %d key parts, got %d",
			docstore.ErrInvalid, view, len(v.Fields), len(key))
	}

	parts := make([]string, len(key))
	for i, k := range key {
		parts[i] = k
		if v.Fields[i] == docstore.FieldOwner {
			parts[i] = docstore.NormalizeOwner(k)
		}
	}

	var keyJSON []byte
	if len(parts) == 1 {
		keyJSON, err = json.Marshal(parts[0])
	} else {
		keyJSON, err = json.Marshal(parts)
	}

	if err != nil {
		return nil, fmt.Errorf("couch: encoding view key: %w", err)
	}

	q := url.Values{
		"key":          {string(keyJSON)},
		"include_docs": {"true"},
		"conflicts":    {"true"},
	}

	var resp allDocsResponse
	if err := c.call(ctx, http.MethodGet, DesignMapClient+"/_view/"+view, q, nil, &resp); err != nil {
		return nil, err
	}

	docs := make([]*docstore.Document, 0, len(resp.Rows))

	for _, r := range resp.Rows {
		if r.Doc != nil {
			docs = append(docs, r.Doc)
		}
	}

	return docs, nil
}

type changesResponse struct {
	Results []struct {
		Seq     json.RawMessage `json:"seq"`
		ID      string          `json:"id"`
		Deleted bool            `json:"deleted"`
		Changes []struct {
			Rev string `json:"rev"`
		} `json:"changes"`
	} `json:"results"`
	LastSeq json.RawMessage `json:"last_seq"`
}

// Changes reads the change feed. A non-empty filter owner selects the
// by_owner design filter, which passes tombstones unconditionally. A 404
// (database or filter not yet installed) yields an empty feed.
func (c *Client) Changes(ctx context.Context, opts docstore.ChangesOptions) (docstore.ChangesResult, error) {
	q := url.Values{"style": {"all_docs"}}

	if opts.Since != "" {
		q.Set("since", opts.Since)
	}

	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	if opts.Filter.Owner != "" {
		q.Set("filter", FilterByOwner)
		q.Set("owner", docstore.NormalizeOwner(opts.Filter.Owner))
	}

	var resp changesResponse

	err := c.call(ctx, http.MethodGet, "_changes", q, nil, &resp)
	if errors.Is(err, docstore.ErrNotFound) {
		c.logger.Debug("change feed not found, treating as empty", slog.String("error", err.Error()))
		return docstore.ChangesResult{LastSeq: opts.Since}, nil
	}

	if err != nil {
		return docstore.ChangesResult{}, err
	}

	res := docstore.ChangesResult{
		Results: make([]docstore.Change, 0, len(resp.Results)),
		LastSeq: seqString(resp.LastSeq),
	}

	for _, r := range resp.Results {
		if strings.HasPrefix(r.ID, "_design/") {
			continue
		}

		ch := docstore.Change{Seq: seqString(r.Seq), ID: r.ID, Deleted: r.Deleted}
		for _, rv := range r.Changes {
			ch.Revs = append(ch.Revs, rv.Rev)
		}

		res.Results = append(res.Results, ch)
	}

	if res.LastSeq == "" {
		res.LastSeq = opts.Since
	}

	return res, nil
}

// seqString normalizes a sequence that CouchDB 1.x sends as a number and
// 2.x and later send as an opaque string.
func seqString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	return string(raw)
}
