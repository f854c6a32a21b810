/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"github.com/rs/zerolog"

	"github.com/friendsincode/gridcore/internal/config"
	"github.com/friendsincode/gridcore/internal/coordinator"
	"github.com/friendsincode/gridcore/internal/events"
	"github.com/friendsincode/gridcore/internal/gridsession"
	"github.com/friendsincode/gridcore/internal/iceconfig"
	"github.com/friendsincode/gridcore/internal/localdiag"
	"github.com/friendsincode/gridcore/internal/logging"
	"github.com/friendsincode/gridcore/internal/signaling"
	"github.com/friendsincode/gridcore/internal/transport"
)

// app bundles the subsystems every long-running subcommand needs.
type app struct {
	cfg        *config.Config
	bus        *events.Bus
	logger     zerolog.Logger
	coord      *coordinator.Client
	sessions   *gridsession.Manager
	diagServer *localdiag.Server
}

// tokenSource reads the bearer token set at the root command, matching
// the coordinator.TokenSource / signaling.TokenSource shape.
func tokenSource() (string, bool) {
	if authToken == "" {
		return "", false
	}
	return authToken, true
}

// bootstrap wires a Grid Session Manager, its Signaling Channel, and
// (unless disabled) the local diagnostics surface, the way every
// subcommand that touches a grid needs them.
func bootstrap() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.Setup(cfg.Environment)

	if authToken == "" {
		logger.Warn().Msg("no auth token provided; coordinator and signaling requests will be rejected")
	}

	bus := events.NewBus()
	coordClient := coordinator.NewClient(cfg.CoordinatorBaseURL, tokenSource, cfg.RequestTimeout, logger)
	iceResolver := iceconfig.NewResolver(coordClient, cfg.ICEConfigRefreshTTL, logger)

	sessions := gridsession.New(gridsession.Config{
		Coordinator:  coordClient,
		SignalingURL: cfg.CoordinatorWSURL,
		ICE:          iceResolver,
		Bus:          bus,
		Ports: transport.PortConfig{
			HTTPPortLow:  cfg.HTTPTransportPortLow,
			HTTPPortHigh: cfg.HTTPTransportPortHigh,
			TCPPortSpan:  cfg.TCPTransportPortSpan,
		},
		SelfUserID: selfUserID,
		Logger:     logger,
	})
	channel := signaling.New(tokenSource, cfg.SignalingPingInterval, sessions.Dispatch, logger)
	sessions.AttachSignaling(channel)

	a := &app{cfg: cfg, bus: bus, logger: logger, coord: coordClient, sessions: sessions}

	if enableDiag {
		a.diagServer = localdiag.New(cfg.DiagBind, sessions, logger)
		go func() {
			if err := a.diagServer.ListenAndServe(); err != nil {
				logger.Warn().Err(err).Msg("local diagnostics server stopped")
			}
		}()
	}

	return a, nil
}

// Close tears down everything bootstrap started.
func (a *app) Close() {
	if a.diagServer != nil {
		_ = a.diagServer.Close()
	}
	a.sessions.Close()
}
