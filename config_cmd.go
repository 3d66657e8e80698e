package main

import (
	"github.com/spf13/cobra"

	"github.com/KossiPascal/health-map-project/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "show",
		Short:       "Display effective configuration after all overrides",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Holder.Config()

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), cfg)
	}

	return config.RenderEffective(cfg, cc.Holder.Path(), cmd.OutOrStdout())
}
