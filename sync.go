package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
)

// syncOutput is the JSON schema for `sync --json`.
type syncOutput struct {
	Status  string `json:"status"`
	Label   string `json:"label"`
	Online  bool   `json:"online"`
	Elapsed string `json:"elapsed"`
	Error   string `json:"error,omitempty"`
}

func newSyncCmd() *cobra.Command {
	var (
		watch bool
		check bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the local database with the remote",
		Long: `Run one push-then-pull cycle between the local database and the remote.

With --watch, keep running: follow network changes, replicate according to
sync.mode (live, periodic or manual), serve the local status API, and reload
the config file when it changes or on SIGHUP.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if watch {
				return runWatch(cmd.Context(), cc)
			}

			if check {
				return runSyncCheck(cmd, cc)
			}

			return runSyncOnce(cmd, cc)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and replicate continuously")
	cmd.Flags().BoolVar(&check, "check", false, "only report whether local changes await a push")
	cmd.Flags().String("mode", "", "sync mode for --watch: live, periodic or manual")

	cmd.MarkFlagsMutuallyExclusive("watch", "check")

	return cmd
}

func runSyncOnce(cmd *cobra.Command, cc *CLIContext) error {
	ctx := cmd.Context()

	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.requireRemote(); err != nil {
		return err
	}

	online := a.checkOnline(ctx)
	if !online {
		cc.Logger.Warn("remote did not answer the reachability probe, trying anyway",
			slog.String("probe_url", a.cfg.EffectiveProbeURL()))
	}

	start := time.Now()
	cc.Statusf("Synchronizing with %s...\n", a.remote.Name())

	syncErr := a.coord.ManualSync(ctx)
	st := a.coord.Status()

	cc.Logger.Info("sync finished",
		slog.String("status", st.String()),
		slog.Duration("elapsed", time.Since(start)),
	)

	if cc.Flags.JSON {
		out := syncOutput{
			Status:  st.String(),
			Label:   st.Label(),
			Online:  online,
			Elapsed: time.Since(start).Round(time.Millisecond).String(),
		}

		if syncErr != nil {
			out.Error = syncErr.Error()
		}

		if err := printJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}

		return syncErr
	}

	if syncErr != nil {
		return fmt.Errorf("sync failed (%s): %w", st.Label(), syncErr)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", st.Label())

	return nil
}

func runSyncCheck(cmd *cobra.Command, cc *CLIContext) error {
	ctx := cmd.Context()

	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.requireRemote(); err != nil {
		return err
	}

	needed, err := a.coord.CheckIfSyncNeeded(ctx)
	if err != nil {
		return err
	}

	st := a.coord.Status()

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"needed": needed,
			"status": st.String(),
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", st.Label())

	return nil
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the running sync --watch daemon to reload its config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			pidPath := cc.Holder.Config().PIDPath()

			if err := sendSIGHUP(pidPath); err != nil {
				return err
			}

			cc.Statusf("Reload signal sent.\n")

			return nil
		},
	}
}
