package docstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// MaxRevHistory bounds the ancestry kept per leaf, like CouchDB's revs_limit.
const MaxRevHistory = 1000

// ParseRev splits "N-hash" into its generation and hash.
func ParseRev(rev string) (int, string, error) {
	genStr, hash, ok := strings.Cut(rev, "-")
	if !ok || hash == "" {
		return 0, "", fmt.Errorf("%w: malformed revision %q", ErrInvalid, rev)
	}

	gen, err := strconv.Atoi(genStr)
	if err != nil || gen < 1 {
		return 0, "", fmt.Errorf("%w: malformed revision %q", ErrInvalid, rev)
	}

	return gen, hash, nil
}

// Generation returns the numeric prefix of rev, or 0 when rev is malformed.
func Generation(rev string) int {
	gen, _, err := ParseRev(rev)
	if err != nil {
		return 0
	}

	return gen
}

// NextRev computes the revision that follows prev for the given content.
// The digest covers the previous revision and the body without revision
// metadata, so identical edits on two replicas produce identical revisions.
func NextRev(prev string, d *Document) (string, error) {
	gen := 0
	if prev != "" {
		g, _, err := ParseRev(prev)
		if err != nil {
			return "", err
		}

		gen = g
	}

	body := d.Clone()
	body.Rev = ""
	body.Revisions = nil
	body.Conflicts = nil

	data, err := Encode(body)
	if err != nil {
		return "", fmt.Errorf("docstore: encoding body for revision: %w", err)
	}

	h := xxhash.New()
	_, _ = h.WriteString(prev)
	_, _ = h.Write(data)

	return fmt.Sprintf("%d-%016x", gen+1, h.Sum64()), nil
}

// Revs expands the history into full revision strings, newest first.
func (h *RevHistory) Revs() []string {
	if h == nil {
		return nil
	}

	revs := make([]string, 0, len(h.IDs))
	for i, id := range h.IDs {
		revs = append(revs, fmt.Sprintf("%d-%s", h.Start-i, id))
	}

	return revs
}

// History returns the ancestry of d including d.Rev itself, newest first.
func History(d *Document) []string {
	if d.Revisions != nil && len(d.Revisions.IDs) > 0 {
		return d.Revisions.Revs()
	}

	if d.Rev != "" {
		return []string{d.Rev}
	}

	return nil
}

// extendHistory prepends rev to the ancestry of base (nil for a new document).
func extendHistory(base *Document, rev string) (*RevHistory, error) {
	gen, hash, err := ParseRev(rev)
	if err != nil {
		return nil, err
	}

	ids := []string{hash}

	if base != nil {
		for _, r := range History(base) {
			_, h, err := ParseRev(r)
			if err != nil {
				return nil, err
			}

			ids = append(ids, h)
		}
	}

	if len(ids) > MaxRevHistory {
		ids = ids[:MaxRevHistory]
	}

	return &RevHistory{Start: gen, IDs: ids}, nil
}

// compareRevs orders revisions by generation, then by hash. Positive when a
// sorts after b.
func compareRevs(a, b string) int {
	ga, ha, errA := ParseRev(a)
	gb, hb, errB := ParseRev(b)

	switch {
	case errA != nil || errB != nil:
		return strings.Compare(a, b)
	case ga != gb:
		return ga - gb
	default:
		return strings.Compare(ha, hb)
	}
}
