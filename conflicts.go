package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/KossiPascal/health-map-project/internal/docstore"
)

// conflictIDPrefixLen is the number of characters to show for the document
// ID in table output. 8 chars is sufficient for uniqueness in typical use.
const conflictIDPrefixLen = 8

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List documents with conflicting revisions",
		Long: `Display local documents that have more than one live revision.

Conflicts appear when the same document was edited on two devices before
either synced. Use 'healthmap resolve' to keep the most recent edit.`,
		RunE: runConflicts,
	}
}

// conflictJSON is the JSON-serializable representation of a conflict.
type conflictJSON struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Owner     string   `json:"owner"`
	Rev       string   `json:"rev"`
	Conflicts []string `json:"conflicts"`
	UpdatedAt string   `json:"updated_at"`
}

func runConflicts(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.requireRemote(); err != nil {
		return err
	}

	conflicts, err := a.coord.ListConflicts(ctx)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()

	if cc.Flags.JSON {
		return printConflictsJSON(w, conflicts)
	}

	if len(conflicts) == 0 {
		fmt.Fprintln(w, "No unresolved conflicts.")
		return nil
	}

	printConflictsTable(w, conflicts)

	return nil
}

func printConflictsJSON(w io.Writer, conflicts []*docstore.Document) error {
	items := make([]conflictJSON, len(conflicts))
	for i, d := range conflicts {
		items[i] = conflictJSON{
			ID:        d.ID,
			Type:      d.Type,
			Owner:     d.Owner,
			Rev:       d.Rev,
			Conflicts: d.Conflicts,
			UpdatedAt: d.UpdatedAt.UTC().Format(time.RFC3339),
		}
	}

	return printJSON(w, items)
}

func printConflictsTable(w io.Writer, conflicts []*docstore.Document) {
	headers := []string{"ID", "TYPE", "OWNER", "REVISIONS", "UPDATED"}
	rows := make([][]string, len(conflicts))
	now := time.Now()

	for i, d := range conflicts {
		rows[i] = []string{
			shortID(d.ID),
			d.Type,
			d.Owner,
			strings.Join(append([]string{d.Rev}, d.Conflicts...), ", "),
			formatTime(d.UpdatedAt, now),
		}
	}

	printTable(w, headers, rows)
}

func shortID(id string) string {
	if len(id) > conflictIDPrefixLen {
		return id[:conflictIDPrefixLen]
	}

	return id
}
