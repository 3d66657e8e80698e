package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/KossiPascal/health-map-project/internal/docs"
	"github.com/KossiPascal/health-map-project/internal/docstore"
)

// errNotSaved is returned when the access layer refused a write. The reason
// is in the log.
var errNotSaved = errors.New("document was not saved (run with --verbose for details)")

func newDocsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Read and edit health map documents",
		Long: `Read and edit community health worker (chw) and health facility (fs)
map documents.

Writes always land in the local database first. When the remote answers,
the change is pushed before the command exits; otherwise it waits for the
next sync.`,
	}

	cmd.AddCommand(newDocsLsCmd(), newDocsGetCmd(), newDocsPutCmd(), newDocsRmCmd())

	return cmd
}

func newDocsLsCmd() *cobra.Command {
	var (
		kind   string
		parent string
	)

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List documents of a kind, optionally under one health facility",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := docs.ParseKind(kind)
			if err != nil {
				return err
			}

			return withRepository(cmd, func(ctx context.Context, repo *docs.Repository) error {
				var list []*docstore.Document
				if parent != "" {
					list = repo.GetByParent(ctx, parent, k)
				} else {
					list = repo.GetAll(ctx, k)
				}

				return printDocs(cmd, list)
			})
		},
	}

	cmd.Flags().StringVar(&kind, "type", string(docs.KindAll), "document kind: chw, fs or all")
	cmd.Flags().StringVar(&parent, "parent", "", "only documents attached to this health facility id")

	return cmd
}

func newDocsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Print one document as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd, func(ctx context.Context, repo *docs.Repository) error {
				res := repo.Lookup(ctx, args[0])

				switch res.Kind {
				case docstore.LookupFound:
					return printJSON(cmd.OutOrStdout(), res.Doc)
				case docstore.LookupNotFound:
					return fmt.Errorf("document %s: %w", args[0], docstore.ErrNotFound)
				case docstore.LookupUnauthorized:
					return fmt.Errorf("document %s: %w", args[0], docstore.ErrUnauthorized)
				default:
					return fmt.Errorf("document %s: %w", args[0], res.Err)
				}
			})
		},
	}
}

func newDocsPutCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "put FILE",
		Short: "Create or update a document from a JSON file ('-' reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := docs.ParseKind(kind)
			if err != nil {
				return err
			}

			doc, err := readDocument(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			if doc.ID == "" {
				doc.ID = uuid.NewString()
			}

			return withRepository(cmd, func(ctx context.Context, repo *docs.Repository) error {
				if !repo.CreateOrUpdate(ctx, doc, k) {
					return errNotSaved
				}

				cc := mustCLIContext(ctx)
				cc.Statusf("Saved %s.\n", doc.ID)

				if cc.Flags.JSON {
					return printJSON(cmd.OutOrStdout(), map[string]string{"id": doc.ID})
				}

				fmt.Fprintln(cmd.OutOrStdout(), doc.ID)

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&kind, "type", "", "document kind: chw or fs")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func newDocsRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm ID",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd, func(ctx context.Context, repo *docs.Repository) error {
				if !repo.Delete(ctx, &docstore.Document{ID: args[0]}) {
					return fmt.Errorf("document %s was not deleted (run with --verbose for details)", args[0])
				}

				mustCLIContext(ctx).Statusf("Deleted %s.\n", args[0])

				return nil
			})
		},
	}
}

// withRepository opens the app, probes the remote once, runs fn against the
// access layer and pushes any write it made.
func withRepository(cmd *cobra.Command, fn func(ctx context.Context, repo *docs.Repository) error) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	online := a.checkOnline(ctx)
	repo, trigger := a.repository(online)

	if err := fn(ctx, repo); err != nil {
		return err
	}

	if err := a.flush(ctx, trigger, online); err != nil {
		cc.Logger.Warn("pushing changes failed, they stay queued locally", slog.String("error", err.Error()))
	}

	return nil
}

func readDocument(stdin io.Reader, path string) (*docstore.Document, error) {
	var (
		data []byte
		err  error
	)

	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}

	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}

	doc, err := docstore.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}

	return doc, nil
}

// docRow is the JSON schema for one entry of `docs ls --json`.
type docRow struct {
	ID        string    `json:"id"`
	Rev       string    `json:"rev"`
	Type      string    `json:"type"`
	Owner     string    `json:"owner"`
	Parent    string    `json:"healthCenterId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
	Conflicts int       `json:"conflicts,omitempty"`
}

func printDocs(cmd *cobra.Command, list []*docstore.Document) error {
	cc := mustCLIContext(cmd.Context())
	w := cmd.OutOrStdout()

	if cc.Flags.JSON {
		rows := make([]docRow, len(list))
		for i, d := range list {
			rows[i] = docRow{
				ID:        d.ID,
				Rev:       d.Rev,
				Type:      d.Type,
				Owner:     d.Owner,
				Parent:    d.ParentID,
				UpdatedAt: d.UpdatedAt,
				Conflicts: len(d.Conflicts),
			}
		}

		return printJSON(w, rows)
	}

	if len(list) == 0 {
		fmt.Fprintln(w, "No documents.")
		return nil
	}

	now := time.Now()
	rows := make([][]string, len(list))

	for i, d := range list {
		parent := d.ParentID
		if parent == "" {
			parent = "-"
		}

		rows[i] = []string{d.ID, d.Type, d.Owner, parent, formatTime(d.UpdatedAt, now)}
	}

	printTable(w, []string{"ID", "TYPE", "OWNER", "PARENT", "UPDATED"}, rows)

	return nil
}
