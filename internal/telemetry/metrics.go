/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIActiveConnections tracks in-flight requests on the local diagnostics surface.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridcore_diag_active_connections",
		Help: "In-flight requests on the local diagnostics HTTP surface.",
	})

	// APIRequestDuration tracks local diagnostics request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "gridcore_diag_request_duration_seconds",
		Help: "Latency of local diagnostics HTTP requests.",
	}, []string{"method", "route", "status"})

	// APIRequestsTotal counts local diagnostics requests.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridcore_diag_requests_total",
		Help: "Total local diagnostics HTTP requests.",
	}, []string{"method", "route", "status"})

	// HostElectionStatus is 1 while this instance holds the host role for a grid, 0 otherwise.
	HostElectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridcore_host_election_status",
		Help: "Whether this instance currently holds host status for a grid (1) or not (0).",
	}, []string{"grid_id"})

	// HostElectionChanges counts host-role acquisitions and losses.
	HostElectionChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridcore_host_election_changes_total",
		Help: "Count of host-role transitions by grid and direction.",
	}, []string{"grid_id", "transition"})

	// PeerConnections tracks the number of live peer connections by connection type.
	PeerConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridcore_peer_connections",
		Help: "Live peer connections by connection_type.",
	}, []string{"connection_type"})

	// PeerBandwidthBytes counts bytes moved over peer connections by direction.
	PeerBandwidthBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridcore_peer_bandwidth_bytes_total",
		Help: "Bytes sent/received over peer connections.",
	}, []string{"grid_id", "direction"})

	// ReconnectionAttempts counts auto-reconnection attempts by outcome.
	ReconnectionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridcore_reconnection_attempts_total",
		Help: "Auto-reconnection attempts by grid and outcome.",
	}, []string{"grid_id", "outcome"})

	// ActiveTransports tracks currently active transports by kind.
	ActiveTransports = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridcore_active_transports",
		Help: "Currently active transports by kind.",
	}, []string{"kind"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
