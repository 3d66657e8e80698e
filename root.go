package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/KossiPascal/health-map-project/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// skipConfigAnnotation marks commands that must run without a valid config
// (config show reports what it can).
const skipConfigAnnotation = "skipConfig"

// CLIFlags are the persistent flags shared by every command.
type CLIFlags struct {
	ConfigPath string
	RemoteURL  string
	DataDir    string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries what the root pre-run resolved into every command.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Config
	Holder *config.Holder
	Logger *slog.Logger

	closeLog func()
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("CLI context missing: command ran without root pre-run")
	}

	return cc
}

// newRootCmd builds the fully assembled root command.
func newRootCmd() *cobra.Command {
	var flags CLIFlags

	cmd := &cobra.Command{
		Use:     "healthmap",
		Short:   "Offline-first sync client for health map documents",
		Long:    "Keeps a local copy of community health worker and health facility map documents in sync with the shared database.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := loadCLIContext(cmd, flags)
			if err != nil {
				return err
			}

			cmd.SetContext(withCLIContext(cmd.Context(), cc))

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if cc, ok := cmd.Context().Value(cliContextKey{}).(*CLIContext); ok && cc.closeLog != nil {
				cc.closeLog()
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVar(&flags.RemoteURL, "remote", "", "remote database server url")
	pf.StringVar(&flags.DataDir, "data-dir", "", "directory for the local database and session")
	pf.BoolVar(&flags.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(
		newLoginCmd(),
		newLogoutCmd(),
		newWhoamiCmd(),
		newSyncCmd(),
		newReloadCmd(),
		newStatusCmd(),
		newDocsCmd(),
		newConflictsCmd(),
		newResolveCmd(),
		newPurgeCmd(),
		newConfigCmd(),
	)

	return cmd
}

// loadCLIContext resolves the configuration from the four-layer override
// chain and builds the logger.
func loadCLIContext(cmd *cobra.Command, flags CLIFlags) (*CLIContext, error) {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	if cmd.Flags().Changed("remote") {
		cli.RemoteURL = &flags.RemoteURL
	}

	if cmd.Flags().Changed("data-dir") {
		cli.DataDir = &flags.DataDir
	}

	if f := cmd.Flags().Lookup("mode"); f != nil && f.Changed {
		mode := f.Value.String()
		cli.SyncMode = &mode
	}

	env := config.ReadEnvOverrides()

	cfg, path, err := config.Resolve(env, cli)
	if err != nil {
		if cmd.Annotations[skipConfigAnnotation] == "" {
			return nil, fmt.Errorf("loading config: %w", err)
		}

		cfg = config.DefaultConfig()
	}

	logger, closeLog, err := buildLogger(&cfg.Logging, flags, os.Stderr)
	if err != nil {
		return nil, err
	}

	return &CLIContext{
		Flags:    flags,
		Cfg:      cfg,
		Holder:   config.NewHolder(cfg, path).WithOverrides(env, cli),
		Logger:   logger,
		closeLog: closeLog,
	}, nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
