package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/KossiPascal/health-map-project/internal/localdb"
)

// Session state constants for status reporting.
const (
	sessionStateValid   = "valid"
	sessionStateExpired = "expired"
)

// pendingUnknown is shown when the remote cannot be asked.
const pendingUnknown = "unknown"

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local database, session and sync state",
		Long: `Display what the local database holds and how far it is from the remote.

Counts live documents, tombstones awaiting purge and documents with
conflicting revisions. When the remote answers, also counts the local
revisions that have not been pushed yet.`,
		RunE: runStatus,
	}
}

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	User        string        `json:"user"`
	Admin       bool          `json:"isAdmin"`
	Session     string        `json:"session"`
	Database    string        `json:"database"`
	Remote      string        `json:"remote,omitempty"`
	Online      bool          `json:"online"`
	Mode        string        `json:"mode"`
	Stats       localdb.Stats `json:"stats"`
	PendingPush *int          `json:"pending_push"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.local.Stats(ctx)
	if err != nil {
		return err
	}

	out := statusOutput{
		User:     displayName(a.user),
		Admin:    a.user.Admin,
		Session:  sessionStateValid,
		Database: a.local.Path(),
		Mode:     a.cfg.Sync.Mode,
		Stats:    stats,
	}

	if a.user.Expired(time.Now()) {
		out.Session = sessionStateExpired
	}

	if a.remote != nil {
		out.Remote = a.remote.Name()
		out.Online = a.checkOnline(ctx)
	}

	if out.Online {
		n, err := a.pendingPush(ctx)
		if err != nil {
			cc.Logger.Warn("counting pending revisions failed", slog.String("error", err.Error()))
		} else {
			out.PendingPush = &n
		}
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), out)
	}

	printStatusText(cmd.OutOrStdout(), out)

	return nil
}

func printStatusText(w io.Writer, out statusOutput) {
	fmt.Fprintf(w, "User:      %s (%s, session %s)\n", out.User, roleName(out.Admin), out.Session)
	fmt.Fprintf(w, "Database:  %s\n", out.Database)

	remote := out.Remote
	if remote == "" {
		remote = "(not configured)"
	}

	connectivity := "offline"
	if out.Online {
		connectivity = "online"
	}

	fmt.Fprintf(w, "Remote:    %s [%s]\n", remote, connectivity)
	fmt.Fprintf(w, "Mode:      %s\n", out.Mode)
	fmt.Fprintln(w)

	pending := pendingUnknown
	if out.PendingPush != nil {
		pending = fmt.Sprintf("%d", *out.PendingPush)
	}

	printTable(w, []string{"DOCUMENTS", "DELETED", "CONFLICTED", "PENDING PUSH"}, [][]string{{
		fmt.Sprintf("%d", out.Stats.Documents),
		fmt.Sprintf("%d", out.Stats.Deleted),
		fmt.Sprintf("%d", out.Stats.Conflicted),
		pending,
	}})
}
