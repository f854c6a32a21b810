/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package localdiag is the loopback-only HTTP surface a running gridcore
// client exposes for its own diagnostics: liveness, Prometheus metrics,
// and a snapshot of the grids this instance currently holds connections
// for. It listens on whatever address it is given (the default
// configuration binds 127.0.0.1); it does not check that the address is
// a loopback one.
package localdiag

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/friendsincode/gridcore/internal/gridsession"
	"github.com/friendsincode/gridcore/internal/telemetry"
	"github.com/friendsincode/gridcore/internal/version"
)

// Server is the loopback diagnostics HTTP server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	logger     zerolog.Logger
}

// New builds a diagnostics Server bound to addr (expected to be a
// loopback address, e.g. "127.0.0.1:7777").
func New(addr string, sessions *gridsession.Manager, logger zerolog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(telemetry.TracingMiddleware("gridcore-localdiag"))
	router.Use(telemetry.MetricsMiddleware)

	s := &Server{
		router: router,
		logger: logger.With().Str("component", "localdiag").Logger(),
	}

	router.Get("/healthz", s.handleHealthz)
	router.Handle("/metrics", telemetry.Handler())
	router.Get("/grids", s.handleGrids(sessions))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","version":%q}`, version.Version)
}

func (s *Server) handleGrids(sessions *gridsession.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := sessions.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot); err != nil {
			s.logger.Warn().Err(err).Msg("failed to encode grids snapshot")
		}
	}
}

// ListenAndServe blocks serving the diagnostics surface until the server
// is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("local diagnostics listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the diagnostics server down.
func (s *Server) Close() error {
	return s.httpServer.Close()
}
