// Package replicate moves document revisions between two stores. A
// replication reads the source change feed from the last checkpoint, asks
// the target which revisions it lacks, copies them with their ancestry, and
// records progress on the target so an interrupted run resumes where it
// stopped.
package replicate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/cespare/xxhash/v2"

	"github.com/KossiPascal/health-map-project/internal/docstore"
)

// DefaultBatchSize is the number of changes read per round trip.
const DefaultBatchSize = 100

// Options controls one replication.
type Options struct {
	Filter    docstore.Filter
	BatchSize int
	Logger    *slog.Logger
}

func (o Options) batchSize() int {
	if o.BatchSize <= 0 {
		return DefaultBatchSize
	}

	return o.BatchSize
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}

	return o.Logger
}

// Result summarizes a replication.
type Result struct {
	DocsRead    int    `json:"docs_read"`
	DocsWritten int    `json:"docs_written"`
	LastSeq     string `json:"last_seq"`
}

// ReplicationID names the checkpoint of a source, target and filter
// combination. Changing any of them starts a fresh replication.
func ReplicationID(src, dst docstore.Replicable, f docstore.Filter) string {
	h := xxhash.New()
	_, _ = h.WriteString(src.Name())
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(dst.Name())
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(docstore.NormalizeOwner(f.Owner))

	return fmt.Sprintf("%s%016x", docstore.LocalPrefix, h.Sum64())
}

// Replicate copies every revision of src the target lacks. Benign
// failures (a document without an id) do not stop the run; they are
// returned once every batch has been processed.
func Replicate(ctx context.Context, src, dst docstore.Endpoint, opts Options) (Result, error) {
	logger := opts.logger()
	repID := ReplicationID(src, dst, opts.Filter)

	since, err := readCheckpoint(ctx, dst, repID)
	if err != nil {
		return Result{}, err
	}

	res := Result{LastSeq: since}

	var benign []error

	for {
		page, err := src.Changes(ctx, docstore.ChangesOptions{
			Since:  since,
			Limit:  opts.batchSize(),
			Filter: opts.Filter,
		})
		if err != nil {
			return res, fmt.Errorf("replicate: reading changes of %s: %w", src.Name(), err)
		}

		res.DocsRead += len(page.Results)

		written, err := copyMissing(ctx, src, dst, page.Results)
		res.DocsWritten += written

		if err != nil {
			if docstore.Classify(err) != docstore.ClassBenign {
				return res, err
			}

			logger.Warn("replication skipped documents",
				slog.String("source", src.Name()),
				slog.String("error", err.Error()),
			)
			benign = append(benign, err)
		}

		if page.LastSeq != "" && page.LastSeq != since {
			if err := dst.PutCheckpoint(ctx, docstore.Checkpoint{ID: repID, LastSeq: page.LastSeq}); err != nil {
				return res, fmt.Errorf("replicate: saving checkpoint: %w", err)
			}

			since = page.LastSeq
			res.LastSeq = since
		}

		if len(page.Results) < opts.batchSize() {
			break
		}
	}

	if res.DocsWritten > 0 {
		logger.Info("replication complete",
			slog.String("source", src.Name()),
			slog.String("target", dst.Name()),
			slog.Int("docs_read", res.DocsRead),
			slog.Int("docs_written", res.DocsWritten),
		)
	}

	return res, errors.Join(benign...)
}

// Pending counts the revisions of src the target lacks, without writing.
func Pending(ctx context.Context, src, dst docstore.Endpoint, opts Options) (int, error) {
	since, err := readCheckpoint(ctx, dst, ReplicationID(src, dst, opts.Filter))
	if err != nil {
		return 0, err
	}

	pending := 0

	for {
		page, err := src.Changes(ctx, docstore.ChangesOptions{
			Since:  since,
			Limit:  opts.batchSize(),
			Filter: opts.Filter,
		})
		if err != nil {
			return 0, fmt.Errorf("replicate: reading changes of %s: %w", src.Name(), err)
		}

		missing, err := dst.RevsDiff(ctx, revsOf(page.Results))
		if err != nil {
			return 0, fmt.Errorf("replicate: diffing against %s: %w", dst.Name(), err)
		}

		for _, revs := range missing {
			pending += len(revs)
		}

		if len(page.Results) < opts.batchSize() || page.LastSeq == since {
			return pending, nil
		}

		since = page.LastSeq
	}
}

func readCheckpoint(ctx context.Context, dst docstore.Replicable, repID string) (string, error) {
	cp, err := dst.GetCheckpoint(ctx, repID)

	switch {
	case err == nil:
		return cp.LastSeq, nil
	case docstore.Classify(err) == docstore.ClassBenign:
		return "", nil
	default:
		return "", fmt.Errorf("replicate: reading checkpoint: %w", err)
	}
}

func revsOf(changes []docstore.Change) map[string][]string {
	revs := make(map[string][]string, len(changes))
	for _, c := range changes {
		revs[c.ID] = append(revs[c.ID], c.Revs...)
	}

	return revs
}

// copyMissing transfers the revisions of changes that dst lacks and
// returns how many documents were written.
func copyMissing(ctx context.Context, src, dst docstore.Endpoint, changes []docstore.Change) (int, error) {
	if len(changes) == 0 {
		return 0, nil
	}

	missing, err := dst.RevsDiff(ctx, revsOf(changes))
	if err != nil {
		return 0, fmt.Errorf("replicate: diffing against %s: %w", dst.Name(), err)
	}

	if len(missing) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(missing))
	for id := range missing {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	var docs []*docstore.Document

	for _, id := range ids {
		revs, err := src.GetRevisions(ctx, id, missing[id])
		if err != nil {
			return 0, fmt.Errorf("replicate: fetching %s from %s: %w", id, src.Name(), err)
		}

		docs = append(docs, revs...)
	}

	if len(docs) == 0 {
		return 0, nil
	}

	if err := dst.PutRevisions(ctx, docs); err != nil {
		if docstore.Classify(err) == docstore.ClassBenign {
			return len(ids), err
		}

		return 0, fmt.Errorf("replicate: writing to %s: %w", dst.Name(), err)
	}

	return len(ids), nil
}
