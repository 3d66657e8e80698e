package couch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/KossiPascal/health-map-project/internal/docstore"
)

// DatabaseInfo is the subset of GET /{db} the client reports.
type DatabaseInfo struct {
	Name     string `json:"db_name"`
	DocCount int64  `json:"doc_count"`
	DelCount int64  `json:"doc_del_count"`
}

// Info returns document counts for the database.
func (c *Client) Info(ctx context.Context) (DatabaseInfo, error) {
	var info DatabaseInfo
	if err := c.call(ctx, http.MethodGet, "", nil, nil, &info); err != nil {
		return DatabaseInfo{}, err
	}

	return info, nil
}

// EnsureDatabase creates the database when it does not exist. A concurrent
// creation (412 file_exists) counts as success.
func (c *Client) EnsureDatabase(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodHead, "", nil, nil)
	if err == nil {
		resp.Body.Close()
		return nil
	}

	if !errors.Is(err, docstore.ErrNotFound) {
		return err
	}

	err = c.call(ctx, http.MethodPut, "", nil, nil, nil)
	if errors.Is(err, ErrPreconditionFailed) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("couch: creating database %s: %w", c.db, err)
	}

	c.logger.Info("created remote database", slog.String("db", c.db))

	return nil
}

type viewDef struct {
	Map string `json:"map"`
}

type designDoc struct {
	ID       string             `json:"_id"`
	Rev      string             `json:"_rev,omitempty"`
	Language string             `json:"language"`
	Views    map[string]viewDef `json:"views,omitempty"`
	Filters  map[string]string  `json:"filters,omitempty"`
}

// byOwnerFilter passes tombstones unconditionally so deletions reach every
// replica regardless of owner.
const byOwnerFilter = `function (doc, req) {
  if (doc._deleted) { return true; }
  if (!req.query.owner) { return true; }
  return doc.owner === req.query.owner;
}`

// EnsureDesignDocs installs the view and filter design documents. Views
// already defined on the server under other names are kept.
func (c *Client) EnsureDesignDocs(ctx context.Context) error {
	views := make(map[string]viewDef, len(docstore.Views))
	for name, v := range docstore.Views {
		views[name] = viewDef{Map: mapFunction(v)}
	}

	if err := c.upsertDesign(ctx, designDoc{ID: DesignMapClient, Language: "javascript", Views: views}); err != nil {
		return err
	}

	filters := map[string]string{"by_owner": byOwnerFilter}

	return c.upsertDesign(ctx, designDoc{ID: DesignFilters, Language: "javascript", Filters: filters})
}

func (c *Client) upsertDesign(ctx context.Context, want designDoc) error {
	var have designDoc

	err := c.call(ctx, http.MethodGet, docPath(want.ID), nil, nil, &have)

	switch {
	case errors.Is(err, docstore.ErrNotFound):
	case err != nil:
		return fmt.Errorf("couch: reading %s: %w", want.ID, err)
	default:
		want.Rev = have.Rev

		if want.Views == nil && len(have.Views) > 0 {
			want.Views = make(map[string]viewDef, len(have.Views))
		}

		if want.Filters == nil && len(have.Filters) > 0 {
			want.Filters = make(map[string]string, len(have.Filters))
		}

		for name, v := range have.Views {
			if _, ok := want.Views[name]; !ok {
				want.Views[name] = v
			}
		}

		for name, f := range have.Filters {
			if _, ok := want.Filters[name]; !ok {
				want.Filters[name] = f
			}
		}
	}

	if err := c.call(ctx, http.MethodPut, docPath(want.ID), nil, want, nil); err != nil {
		return fmt.Errorf("couch: writing %s: %w", want.ID, err)
	}

	c.logger.Debug("design document installed", slog.String("id", want.ID))

	return nil
}

// mapFunction renders the JavaScript map function of a view.
func mapFunction(v docstore.View) string {
	conds := make([]string, 0, len(v.Types))
	for _, t := range v.Types {
		conds = append(conds, fmt.Sprintf("doc.type === %q", t))
	}

	keys := make([]string, 0, len(v.Fields))
	guards := make([]string, 0, len(v.Fields))

	for _, f := range v.Fields {
		expr := "doc." + jsField(f)
		keys = append(keys, expr)
		guards = append(guards, expr)
	}

	key := keys[0]
	if len(keys) > 1 {
		key = "[" + strings.Join(keys, ", ") + "]"
	}

	return fmt.Sprintf("function (doc) {\n  if ((%s) && %s) { emit(%s, null); }\n}",
		strings.Join(conds, " || "), strings.Join(guards, " && "), key)
}

func jsField(field string) string {
	switch field {
	case docstore.FieldParent:
		return "healthCenterId"
	default:
		return field
	}
}
