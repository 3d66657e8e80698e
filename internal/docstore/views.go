package docstore

import (
	"fmt"
	"slices"
)

// Index names served by both stores. On the remote they live in the
// map-client design document.
const (
	ViewByOwner                 = "by_owner"
	ViewByType                  = "by_type"
	ViewByTypeAndOwner          = "by_type_and_owner"
	ViewByTypeAndParent         = "by_type_and_parent"
	ViewByTypeAndParentAndOwner = "by_type_and_parent_and_owner"
)

// Envelope fields a view can key on.
const (
	FieldType   = "type"
	FieldOwner  = "owner"
	FieldParent = "parent"
)

// Key is a view key. Single-field views use a one-element key.
type Key []string

// View describes an index: which document types it covers and which
// envelope fields make up its key, in order.
type View struct {
	Name   string
	Types  []string
	Fields []string
}

// Views is the index catalogue.
var Views = map[string]View{
	ViewByOwner:                 {Name: ViewByOwner, Types: []string{TypeCHW, TypeFS}, Fields: []string{FieldOwner}},
	ViewByType:                  {Name: ViewByType, Types: []string{TypeCHW, TypeFS}, Fields: []string{FieldType}},
	ViewByTypeAndOwner:          {Name: ViewByTypeAndOwner, Types: []string{TypeCHW, TypeFS}, Fields: []string{FieldType, FieldOwner}},
	ViewByTypeAndParent:         {Name: ViewByTypeAndParent, Types: []string{TypeCHW}, Fields: []string{FieldType, FieldParent}},
	ViewByTypeAndParentAndOwner: {Name: ViewByTypeAndParentAndOwner, Types: []string{TypeCHW}, Fields: []string{FieldType, FieldParent, FieldOwner}},
}

// LookupView returns the named view or ErrViewNotFound.
func LookupView(name string) (View, error) {
	v, ok := Views[name]
	if !ok {
		return View{}, fmt.Errorf("%w: %s", ErrViewNotFound, name)
	}

	return v, nil
}

// Emit computes the key the view emits for d, or false when d is not indexed.
func (v View) Emit(d *Document) (Key, bool) {
	if d.Deleted || !slices.Contains(v.Types, d.Type) {
		return nil, false
	}

	key := make(Key, 0, len(v.Fields))

	for _, f := range v.Fields {
		val := fieldValue(d, f)
		if val == "" {
			return nil, false
		}

		key = append(key, val)
	}

	return key, true
}

// Matches reports whether d is indexed under key.
func (v View) Matches(d *Document, key Key) bool {
	emitted, ok := v.Emit(d)
	if !ok || len(emitted) != len(key) {
		return false
	}

	for i := range key {
		if v.Fields[i] == FieldOwner {
			if !SameOwner(emitted[i], key[i]) {
				return false
			}

			continue
		}

		if emitted[i] != key[i] {
			return false
		}
	}

	return true
}

func fieldValue(d *Document, field string) string {
	switch field {
	case FieldType:
		return d.Type
	case FieldOwner:
		return d.Owner
	case FieldParent:
		return d.ParentID
	default:
		return ""
	}
}

// Filter scopes replication to what one user may see. Tombstones always
// pass so deletions converge everywhere; live documents pass when their
// owner matches. An empty Owner passes everything (administrators).
type Filter struct {
	Owner string
}

// Match applies the filter to a change.
func (f Filter) Match(c Change) bool {
	return c.Deleted || f.Owner == "" || SameOwner(c.Owner, f.Owner)
}

// Change is one entry of a change feed: the latest state of one document.
type Change struct {
	Seq     string
	ID      string
	Revs    []string
	Deleted bool
	Owner   string
}

// ChangesOptions selects a window of the change feed.
type ChangesOptions struct {
	Since  string
	Limit  int
	Filter Filter
}

// ChangesResult is one page of the change feed. LastSeq is the position to
// resume from, and may move past entries the filter dropped.
type ChangesResult struct {
	Results []Change
	LastSeq string
}
