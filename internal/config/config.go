/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package config covers process level configuration read from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	InstanceID  string

	// Coordinator REST + WebSocket endpoints.
	CoordinatorBaseURL string
	CoordinatorWSURL   string
	RequestTimeout      time.Duration

	// Signaling channel tuning.
	SignalingPingInterval time.Duration

	// Heartbeat / auto-reconnection tuning.
	HostHeartbeatInterval time.Duration
	ReconnectMaxAttempts  int
	ReconnectBaseDelay    time.Duration
	ReconnectMaxDelay     time.Duration

	// WebRTC / ICE configuration.
	ICEConfigRefreshTTL time.Duration
	TURNAuthRealm       string // "roguegrid9"; iceconfig does not read this field and uses its own constant for TURN usernames

	// Transport multiplexer port ranges.
	HTTPTransportPortLow  int
	HTTPTransportPortHigh int
	TCPTransportPortSpan  int // how far past the preferred base port to scan

	// Tunnel client.
	TunnelServerURL       string
	TunnelHeartbeatInterval time.Duration
	TunnelProxyTimeout      time.Duration
	TunnelReconnectBaseDelay time.Duration
	TunnelReconnectMaxDelay  time.Duration

	// Observability.
	MetricsBind       string
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Local diagnostics HTTP surface consumed by the desktop shell.
	DiagBind string

	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"GRIDCORE_ENV", "RLM_ENV"}, "development"),
		InstanceID:  getEnvAny([]string{"GRIDCORE_INSTANCE_ID"}, ""),

		CoordinatorBaseURL: getEnvAny([]string{"GRIDCORE_COORDINATOR_URL"}, "https://api.roguegrid9.example"),
		CoordinatorWSURL:   getEnvAny([]string{"GRIDCORE_COORDINATOR_WS_URL"}, "wss://api.roguegrid9.example/ws"),
		RequestTimeout:     time.Duration(getEnvIntAny([]string{"GRIDCORE_REQUEST_TIMEOUT_SECONDS"}, 30)) * time.Second,

		SignalingPingInterval: time.Duration(getEnvIntAny([]string{"GRIDCORE_SIGNALING_PING_SECONDS"}, 15)) * time.Second,

		HostHeartbeatInterval: time.Duration(getEnvIntAny([]string{"GRIDCORE_HEARTBEAT_SECONDS"}, 10)) * time.Second,
		ReconnectMaxAttempts:  getEnvIntAny([]string{"GRIDCORE_RECONNECT_MAX_ATTEMPTS"}, 5),
		ReconnectBaseDelay:    time.Duration(getEnvIntAny([]string{"GRIDCORE_RECONNECT_BASE_SECONDS"}, 1)) * time.Second,
		ReconnectMaxDelay:     time.Duration(getEnvIntAny([]string{"GRIDCORE_RECONNECT_MAX_SECONDS"}, 16)) * time.Second,

		ICEConfigRefreshTTL: time.Duration(getEnvIntAny([]string{"GRIDCORE_ICE_CONFIG_TTL_SECONDS"}, 300)) * time.Second,
		TURNAuthRealm:       getEnvAny([]string{"GRIDCORE_TURN_REALM"}, "roguegrid9"),

		HTTPTransportPortLow:  getEnvIntAny([]string{"GRIDCORE_HTTP_PORT_LOW"}, 3001),
		HTTPTransportPortHigh: getEnvIntAny([]string{"GRIDCORE_HTTP_PORT_HIGH"}, 4000),
		TCPTransportPortSpan:  getEnvIntAny([]string{"GRIDCORE_TCP_PORT_SPAN"}, 100),

		TunnelServerURL:          getEnvAny([]string{"GRIDCORE_TUNNEL_SERVER_URL"}, ""),
		TunnelHeartbeatInterval:  time.Duration(getEnvIntAny([]string{"GRIDCORE_TUNNEL_HEARTBEAT_SECONDS"}, 30)) * time.Second,
		TunnelProxyTimeout:       time.Duration(getEnvIntAny([]string{"GRIDCORE_TUNNEL_PROXY_TIMEOUT_SECONDS"}, 30)) * time.Second,
		TunnelReconnectBaseDelay: time.Duration(getEnvIntAny([]string{"GRIDCORE_TUNNEL_RECONNECT_BASE_SECONDS"}, 1)) * time.Second,
		TunnelReconnectMaxDelay:  time.Duration(getEnvIntAny([]string{"GRIDCORE_TUNNEL_RECONNECT_MAX_SECONDS"}, 60)) * time.Second,

		MetricsBind:       getEnvAny([]string{"GRIDCORE_METRICS_BIND"}, ""),
		TracingEnabled:    getEnvBoolAny([]string{"GRIDCORE_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"GRIDCORE_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"GRIDCORE_TRACING_SAMPLE_RATE"}, 1.0),

		DiagBind: getEnvAny([]string{"GRIDCORE_DIAG_BIND"}, "127.0.0.1:9000"),
	}

	if cfg.CoordinatorBaseURL == "" {
		return nil, fmt.Errorf("GRIDCORE_COORDINATOR_URL must be provided")
	}
	if cfg.HTTPTransportPortHigh <= cfg.HTTPTransportPortLow {
		return nil, fmt.Errorf("GRIDCORE_HTTP_PORT_HIGH must be greater than GRIDCORE_HTTP_PORT_LOW")
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		return nil, fmt.Errorf("GRIDCORE_RECONNECT_MAX_ATTEMPTS must be positive")
	}

	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"COORDINATOR_URL":  "use GRIDCORE_COORDINATOR_URL",
		"TRACING_ENABLED":  "use GRIDCORE_TRACING_ENABLED",
		"OTLP_ENDPOINT":    "use GRIDCORE_OTLP_ENDPOINT",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
