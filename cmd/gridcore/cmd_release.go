/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var releaseCmd = &cobra.Command{
	Use:   "release <grid-id>",
	Short: "Release this instance's host lease on a grid",
	Args:  cobra.ExactArgs(1),
	RunE:  runRelease,
}

func init() {
	rootCmd.AddCommand(releaseCmd)
}

func runRelease(cmd *cobra.Command, args []string) error {
	gridID := args[0]

	a, err := bootstrap()
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := a.sessions.ReleaseHost(ctx, gridID); err != nil {
		return fmt.Errorf("release_host %s: %w", gridID, err)
	}

	a.logger.Info().Str("grid_id", gridID).Msg("released host lease")
	return nil
}
