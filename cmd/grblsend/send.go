package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-grbl/grbl"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send commands read from stdin",
	Long: `Send commands read from stdin, one per line, waiting for each reply.

Special lines:
  %%HOME           run the homing macro; abort everything if it fails
  %%RESET          send a soft reset (Ctrl-X)
  %%STREAM <file>  stream a command file with per-line retry and recovery`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSession(cmd, flagPort, func(ctx context.Context, s *grbl.Session) error {
			return s.Feed(ctx, cmd.InOrStdin())
		})
	},
}
