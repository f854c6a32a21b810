/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	authToken  string
	selfUserID string
	enableDiag bool
)

var rootCmd = &cobra.Command{
	Use:   "gridcore",
	Short: "Grid session and connection fabric for the desktop collaboration client",
	Long: `gridcore hosts and joins collaboration grids: it claims host status,
negotiates WebRTC Peer Connections with other participants, multiplexes
terminal and HTTP transports over the data channel, and tunnels a local
HTTP port to the public internet.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("GRIDCORE_AUTH_TOKEN"), "bearer token for coordinator, signaling, and tunnel auth")
	rootCmd.PersistentFlags().StringVar(&selfUserID, "user-id", os.Getenv("GRIDCORE_USER_ID"), "this instance's user id")
	rootCmd.PersistentFlags().BoolVar(&enableDiag, "diag", true, "serve the local diagnostics HTTP surface")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, for the
// long-running subcommands (join, host, tunnel) that stay up after their
// initial setup call succeeds.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// awaitSignal blocks on ctx until it is cancelled (by signalContext's
// signal handling) and logs the shutdown.
func awaitSignal(ctx context.Context, logger zerolog.Logger) {
	<-ctx.Done()
	logger.Info().Msg("shutting down")
}
