/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/friendsincode/gridcore/internal/config"
	"github.com/friendsincode/gridcore/internal/events"
	"github.com/friendsincode/gridcore/internal/logging"
	"github.com/friendsincode/gridcore/internal/tunnel"
)

var tunnelLocalPort int

var tunnelCmd = &cobra.Command{
	Use:   "tunnel <grid-share-id> <process-id>",
	Short: "Expose a local HTTP port through the tunnel server",
	Long: `Open a tunnel WebSocket to the tunnel server and proxy inbound HTTP
requests to a local port, reconnecting with exponential backoff on any
socket error. Stays running until interrupted.`,
	Args: cobra.ExactArgs(2),
	RunE: runTunnel,
}

func init() {
	tunnelCmd.Flags().IntVar(&tunnelLocalPort, "local-port", 0, "local HTTP port to expose (required)")
	tunnelCmd.MarkFlagRequired("local-port")
	rootCmd.AddCommand(tunnelCmd)
}

func runTunnel(cmd *cobra.Command, args []string) error {
	gridShareID, processID := args[0], args[1]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.TunnelServerURL == "" {
		return fmt.Errorf("GRIDCORE_TUNNEL_SERVER_URL must be set")
	}

	logger := logging.Setup(cfg.Environment)
	bus := events.NewBus()

	client := tunnel.New(cfg.TunnelServerURL, authToken, gridShareID, processID, tunnelLocalPort, bus, logger)

	ctx, cancel := signalContext()
	defer cancel()
	go client.Run(ctx)

	logger.Info().Str("grid_share_id", gridShareID).Str("process_id", processID).Int("local_port", tunnelLocalPort).Msg("tunnel starting")
	awaitSignal(ctx, logger)
	return nil
}
