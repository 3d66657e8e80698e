package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KossiPascal/health-map-project/internal/syncer"
)

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve conflicts by keeping the most recent edit",
		Long: `Resolve every conflicted document with last-writer-wins.

For each document the revision with the latest updatedAt is kept and the
other live revisions are purged locally and on the remote. Use --dry-run to
see which revision would be kept.`,
		Args: cobra.NoArgs,
		RunE: runResolve,
	}

	cmd.Flags().Bool("dry-run", false, "preview resolution without executing")

	return cmd
}

// resolutionJSON describes one planned resolution for --dry-run --json.
type resolutionJSON struct {
	ID      string   `json:"id"`
	Keep    string   `json:"keep"`
	Discard []string `json:"discard"`
}

func runResolve(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	dryRun, err := cmd.Flags().GetBool("dry-run")
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.requireRemote(); err != nil {
		return err
	}

	if !dryRun {
		n, err := a.coord.ResolveConflicts(ctx)
		if err != nil {
			return err
		}

		cc.Statusf("Resolved %d conflicted document(s).\n", n)

		return nil
	}

	conflicts, err := a.coord.ListConflicts(ctx)
	if err != nil {
		return err
	}

	plan := make([]resolutionJSON, 0, len(conflicts))

	for _, d := range conflicts {
		leaves, err := a.local.Leaves(ctx, d.ID)
		if err != nil {
			return err
		}

		keep, losers := syncer.LatestWins(leaves)
		if keep == nil || len(losers) == 0 {
			continue
		}

		plan = append(plan, resolutionJSON{ID: d.ID, Keep: keep.Rev, Discard: losers})
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), plan)
	}

	printResolutionPlan(cmd.OutOrStdout(), plan)

	return nil
}

func printResolutionPlan(w io.Writer, plan []resolutionJSON) {
	if len(plan) == 0 {
		fmt.Fprintln(w, "No unresolved conflicts.")
		return
	}

	rows := make([][]string, len(plan))
	for i, p := range plan {
		rows[i] = []string{p.ID, p.Keep, strings.Join(p.Discard, ", ")}
	}

	printTable(w, []string{"ID", "KEEP", "DISCARD"}, rows)
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove deleted documents the remote already has",
		Long: `Physically remove local tombstones whose deletion has reached the remote.

Tombstones the remote does not hold yet are kept so the deletion still
replicates.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.requireRemote(); err != nil {
				return err
			}

			n, err := a.coord.PurgeTombstones(ctx)
			if err != nil {
				return err
			}

			if cc.Flags.JSON {
				return printJSON(cmd.OutOrStdout(), map[string]int{"purged": n})
			}

			cc.Statusf("Purged %d deleted document(s).\n", n)

			return nil
		},
	}
}
