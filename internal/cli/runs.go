package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"jobrunner/internal/config"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
)

func newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Print recent run history from the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(configPath(cmd), logx.Nop()).Parse()
			if err != nil {
				return err
			}
			if cfg.Storage == nil {
				return errors.New("storage is not configured")
			}
			busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
			if err != nil {
				return err
			}
			st, err := storage.Open(storage.Config{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path, BusyTimeout: busy}, logx.Nop())
			if err != nil {
				return err
			}
			if st == nil {
				return storage.ErrDisabled
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			runs, err := st.RecentRuns(ctx, limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tKIND\tNAME\tWORKFLOW\tSTATUS\tDURATION\tERROR")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.Started.Format(time.RFC3339), r.Kind, r.Name, r.Workflow, r.Status, r.Duration, r.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records")
	return cmd
}
