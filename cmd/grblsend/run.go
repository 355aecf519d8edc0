package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-grbl/grbl"
)

var runCmd = &cobra.Command{
	Use:   "run PORT FILE",
	Short: "Run the homing macro, then stream FILE",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, path := args[0], args[1]

		// fail before touching the machine
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%w: %w", grbl.ErrInput, err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), ">> PORT:", port, " BAUD:", flagBaud)
		fmt.Fprintln(cmd.OutOrStdout(), ">> FILE:", path)

		return runSession(cmd, port, func(ctx context.Context, s *grbl.Session) error {
			defer s.CloseInput()

			if err := s.Enqueue(ctx, grbl.Command{Kind: grbl.CommandHomeMacro}); err != nil {
				return err
			}

			return s.Enqueue(ctx, grbl.StreamFile(path))
		})
	},
}
