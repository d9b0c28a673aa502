package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"jobrunner/internal/config"
	logx "jobrunner/pkg/logx"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate a config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(configPath(cmd), logx.Nop()).Parse()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ok: %s\n", configPath(cmd))
			fmt.Fprintf(out, "pool: min=%d max=%d idle=%s\n", cfg.Pool.MinWorkers, cfg.Pool.MaxWorkers, cfg.IdleTimeout())
			fmt.Fprintf(out, "resources: cpu=%d network=%d\n", cfg.Resources.CPU, cfg.Resources.Network)
			if cfg.Storage != nil && cfg.Storage.Driver != "" {
				fmt.Fprintf(out, "storage: %s %s\n", cfg.Storage.Driver, cfg.Storage.Path)
			}
			if cfg.Metrics.Enabled {
				fmt.Fprintf(out, "metrics: %s\n", cfg.Metrics.Addr)
			}
			return nil
		},
	}
}
