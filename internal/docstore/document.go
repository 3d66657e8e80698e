// Package docstore defines the document model shared by the local and remote
// stores: the envelope carried by every record, revision bookkeeping, the
// revision-tree rules both stores apply, the store contracts consumed by the
// replication and access layers, and the error taxonomy callers branch on.
package docstore

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Envelope member names. Everything else in a JSON document is payload and
// is carried through untouched in Document.Fields.
const (
	keyID        = "_id"
	keyRev       = "_rev"
	keyDeleted   = "_deleted"
	keyRevisions = "_revisions"
	keyConflicts = "_conflicts"
	keyType      = "type"
	keyOwner     = "owner"
	keyParent    = "healthCenterId"
	keyCreatedAt = "createdAt"
	keyUpdatedAt = "updatedAt"
	keyUpdatedBy = "updatedBy"
)

// Document types stored by the field application.
const (
	TypeCHW = "chw-map"
	TypeFS  = "fs-map"
)

// LocalPrefix marks store-internal bookkeeping documents (replication
// checkpoints). They never appear in listings and are never replicated.
const LocalPrefix = "_local/"

// RevHistory is the ancestry of a revision: IDs[0] is the hash part of the
// revision at generation Start, IDs[1] the one at Start-1, and so on.
type RevHistory struct {
	Start int      `json:"start"`
	IDs   []string `json:"ids"`
}

// Document is the generic entity envelope. Domain payload (facility
// geometry, survey answers, ...) lives in Fields and is opaque to the sync
// core.
type Document struct {
	ID        string
	Rev       string
	Type      string
	Owner     string
	ParentID  string
	CreatedAt time.Time
	UpdatedAt time.Time
	UpdatedBy string
	Deleted   bool

	// Revisions is populated when a document travels between stores.
	Revisions *RevHistory

	// Conflicts lists the other live leaf revisions. Computed on read, never
	// persisted.
	Conflicts []string

	Fields map[string]json.RawMessage
}

// Clone returns a deep copy. Payload values are immutable byte slices and
// are shared.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}

	c := *d

	if d.Revisions != nil {
		h := RevHistory{Start: d.Revisions.Start, IDs: append([]string(nil), d.Revisions.IDs...)}
		c.Revisions = &h
	}

	c.Conflicts = append([]string(nil), d.Conflicts...)

	if d.Fields != nil {
		c.Fields = make(map[string]json.RawMessage, len(d.Fields))
		for k, v := range d.Fields {
			c.Fields[k] = v
		}
	}

	return &c
}

// Field decodes a payload member into v. Returns false if the member is absent.
func (d *Document) Field(name string, v any) (bool, error) {
	raw, ok := d.Fields[name]
	if !ok {
		return false, nil
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("docstore: decoding field %q: %w", name, err)
	}

	return true, nil
}

// SetField encodes v into the payload under name.
func (d *Document) SetField(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("docstore: encoding field %q: %w", name, err)
	}

	if d.Fields == nil {
		d.Fields = make(map[string]json.RawMessage)
	}

	d.Fields[name] = raw

	return nil
}

// MergeFields copies every payload member of src over d's payload.
func (d *Document) MergeFields(src *Document) {
	if src == nil || len(src.Fields) == 0 {
		return
	}

	if d.Fields == nil {
		d.Fields = make(map[string]json.RawMessage, len(src.Fields))
	}

	for k, v := range src.Fields {
		d.Fields[k] = v
	}
}

// MarshalJSON flattens the envelope and the payload into one JSON object.
func (d *Document) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(d.Fields)+11)
	for k, v := range d.Fields {
		m[k] = v
	}

	setString(m, keyID, d.ID)
	setString(m, keyRev, d.Rev)
	setString(m, keyType, d.Type)
	setString(m, keyOwner, d.Owner)
	setString(m, keyParent, d.ParentID)
	setString(m, keyUpdatedBy, d.UpdatedBy)
	setTime(m, keyCreatedAt, d.CreatedAt)
	setTime(m, keyUpdatedAt, d.UpdatedAt)

	if d.Deleted {
		m[keyDeleted] = true
	}

	if d.Revisions != nil {
		m[keyRevisions] = d.Revisions
	}

	if len(d.Conflicts) > 0 {
		m[keyConflicts] = d.Conflicts
	}

	return json.Marshal(m)
}

func setString(m map[string]any, key, v string) {
	if v != "" {
		m[key] = v
	}
}

func setTime(m map[string]any, key string, t time.Time) {
	if !t.IsZero() {
		m[key] = t.UTC().Format(time.RFC3339Nano)
	}
}

// UnmarshalJSON splits a JSON object into envelope and payload. Malformed
// timestamps are kept verbatim in the payload rather than rejected, since
// documents written by older clients may carry free-form dates.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("docstore: decoding document: %w", err)
	}

	*d = Document{}

	for k, v := range raw {
		var err error

		switch k {
		case keyID:
			err = json.Unmarshal(v, &d.ID)
		case keyRev:
			err = json.Unmarshal(v, &d.Rev)
		case keyType:
			err = unmarshalLenientString(v, &d.Type)
		case keyOwner:
			err = unmarshalLenientString(v, &d.Owner)
		case keyParent:
			err = unmarshalLenientString(v, &d.ParentID)
		case keyUpdatedBy:
			err = unmarshalLenientString(v, &d.UpdatedBy)
		case keyDeleted:
			err = json.Unmarshal(v, &d.Deleted)
		case keyRevisions:
			d.Revisions = &RevHistory{}
			err = json.Unmarshal(v, d.Revisions)
		case keyConflicts:
			err = json.Unmarshal(v, &d.Conflicts)
		case keyCreatedAt, keyUpdatedAt:
			if t, ok := parseTime(v); ok {
				if k == keyCreatedAt {
					d.CreatedAt = t
				} else {
					d.UpdatedAt = t
				}

				continue
			}

			d.setRaw(k, v)
		default:
			d.setRaw(k, v)
		}

		if err != nil {
			return fmt.Errorf("docstore: decoding %q: %w", k, err)
		}
	}

	return nil
}

func (d *Document) setRaw(k string, v json.RawMessage) {
	if d.Fields == nil {
		d.Fields = make(map[string]json.RawMessage)
	}

	d.Fields[k] = append(json.RawMessage(nil), v...)
}

// unmarshalLenientString accepts JSON null as the empty string.
func unmarshalLenientString(v json.RawMessage, dst *string) error {
	if string(v) == "null" {
		*dst = ""
		return nil
	}

	return json.Unmarshal(v, dst)
}

func parseTime(v json.RawMessage) (time.Time, bool) {
	var s string
	if err := json.Unmarshal(v, &s); err != nil || s == "" {
		return time.Time{}, false
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

// Encode marshals a document. Convenience wrapper used by the stores.
func Encode(d *Document) ([]byte, error) {
	return json.Marshal(d)
}

// Decode unmarshals a document.
func Decode(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}

	return &d, nil
}
