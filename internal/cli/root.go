// Package cli holds the jobrunner command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "./jobrunner.yaml"

// NewRootCmd builds a fresh command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobrunner",
		Short:         "In-process job and workflow scheduler",
		Long:          `jobrunner hosts an elastic worker pool with CPU and network admission control, dependent work, workflows and recurring schedules.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to config (json or yaml)")
	root.AddCommand(newRunCmd(), newBenchCmd(), newValidateCmd(), newRunsCmd())
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}
