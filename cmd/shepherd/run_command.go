package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"shepherd/internal/daemonrun"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	var strict bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the configured pattern and move files through the pipeline",
		Long: "Run the pipeline in the foreground. The process exits after the watch " +
			"walltime elapses and every admitted file has been cleaned up, or on SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel: logLevel,
				Strict:   strict,
			})
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&strict, "strict", false, "Refuse to start when a preflight check fails")
	return cmd
}
