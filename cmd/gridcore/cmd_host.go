/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var hostCmd = &cobra.Command{
	Use:   "host <grid-id>",
	Short: "Claim host status for a grid unconditionally",
	Long: `Claim host status for a grid, creating the self-host anchor connection and
starting the heartbeat loop, regardless of the grid's current session state.
Prefer "gridcore join" unless you specifically need to force a host claim.`,
	Args: cobra.ExactArgs(1),
	RunE: runHost,
}

func init() {
	rootCmd.AddCommand(hostCmd)
}

func runHost(cmd *cobra.Command, args []string) error {
	gridID := args[0]

	a, err := bootstrap()
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := a.sessions.EnsureSignaling(ctx); err != nil {
		return fmt.Errorf("ensure signaling: %w", err)
	}
	if err := a.sessions.ClaimGridHost(ctx, gridID); err != nil {
		return fmt.Errorf("claim_grid_host %s: %w", gridID, err)
	}

	a.logger.Info().Str("grid_id", gridID).Msg("hosting grid")
	awaitSignal(ctx, a.logger)
	return nil
}
