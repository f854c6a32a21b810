/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:   "join <grid-id>",
	Short: "Join a grid",
	Long: `Join a grid: if it is already hosted, connect to the existing host; if
it has no active host, claim host status instead. Stays running until
interrupted, keeping the resulting Peer Connection and any auto-reconnection
loop alive.`,
	Args: cobra.ExactArgs(1),
	RunE: runJoin,
}

func init() {
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, args []string) error {
	gridID := args[0]

	a, err := bootstrap()
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := a.sessions.JoinGrid(ctx, gridID); err != nil {
		return fmt.Errorf("join_grid %s: %w", gridID, err)
	}

	a.logger.Info().Str("grid_id", gridID).Msg("joined grid")
	awaitSignal(ctx, a.logger)
	return nil
}
