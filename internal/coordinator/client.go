/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// SessionState is the coordinator-authoritative grid lifecycle state.
type SessionState string

const (
	SessionInactive  SessionState = "inactive"
	SessionHosted    SessionState = "hosted"
	SessionOrphaned  SessionState = "orphaned"
	SessionRestoring SessionState = "restoring"
)

// GridSessionStatus mirrors the coordinator's `GET /grids/{id}/status` response.
type GridSessionStatus struct {
	GridID        string       `json:"grid_id"`
	SessionState  SessionState `json:"session_state"`
	CurrentHostID string       `json:"current_host_id,omitempty"`
	HostLastSeen  *time.Time   `json:"host_last_seen,omitempty"`
}

// TURNServerConfig is one TURN entry from `GET /turn-config`.
type TURNServerConfig struct {
	ID             string   `json:"id"`
	Region         string   `json:"region,omitempty"`
	URLs           []string `json:"urls"`
	Username       string   `json:"username,omitempty"`
	Credential     string   `json:"credential,omitempty"`
	CredentialType string   `json:"credentialType,omitempty"`
	AuthType       string   `json:"authType,omitempty"`
}

// STUNServerConfig is one STUN entry from `GET /turn-config`.
type STUNServerConfig struct {
	URLs []string `json:"urls"`
}

// ICEConfig is the `GET /turn-config[?grid_id=]` response shape.
type ICEConfig struct {
	TURNServers []TURNServerConfig `json:"turn_servers"`
	STUNServers []STUNServerConfig `json:"stun_servers"`
	TTL         int                `json:"ttl"`
	Version     string             `json:"version,omitempty"`
	UpdatedAt   string             `json:"updated_at,omitempty"`
}

// TurnUsageReport is the body of `POST /turn/usage`.
type TurnUsageReport struct {
	GridID          string  `json:"grid_id"`
	SessionID       string  `json:"session_id"`
	BytesUsed       uint64  `json:"bytes_used"`
	DurationSeconds float64 `json:"duration_seconds"`
	ConnectionType  string  `json:"connection_type"`
	TurnServer      string  `json:"turn_server,omitempty"`
}

// TokenSource returns the bearer token to attach to coordinator requests,
// and false if no session is currently authenticated.
type TokenSource func() (string, bool)

// Client is a thin REST client over the coordinator's grid, host-election,
// and ICE-configuration endpoints. It holds no grid state of its own —
// the coordinator is the single source of truth (spec §6).
type Client struct {
	baseURL    string
	tokenSrc   TokenSource
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient builds a coordinator REST client. timeout bounds every request.
func NewClient(baseURL string, tokenSrc TokenSource, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		tokenSrc: tokenSrc,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With().Str("component", "coordinator").Logger(),
	}
}

// GridStatus fetches a grid's session status.
func (c *Client) GridStatus(ctx context.Context, gridID string) (*GridSessionStatus, error) {
	var status GridSessionStatus
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/v1/grids/%s/status", gridID), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ClaimHost claims host status for a grid. Returns a *Error with
// KindConflict if another client already holds it, KindPermissionDenied
// if the caller lacks permission.
func (c *Client) ClaimHost(ctx context.Context, gridID string) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/v1/grids/%s/claim-host", gridID), nil, nil)
}

// ReleaseHost releases host status for a grid.
func (c *Client) ReleaseHost(ctx context.Context, gridID string) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/v1/grids/%s/release-host", gridID), nil, nil)
}

// Heartbeat renews the caller's host lease for a grid.
func (c *Client) Heartbeat(ctx context.Context, gridID string) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/v1/grids/%s/heartbeat", gridID), nil, nil)
}

// ICEServerConfig fetches ICE server configuration, optionally scoped to a
// grid. Pass an empty gridID for the unscoped variant.
func (c *Client) ICEServerConfig(ctx context.Context, gridID string) (*ICEConfig, error) {
	path := "/api/v1/turn-config"
	if gridID != "" {
		path += "?grid_id=" + gridID
	}
	var cfg ICEConfig
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReportTurnUsage posts a best-effort TURN relay bandwidth usage report.
func (c *Client) ReportTurnUsage(ctx context.Context, report TurnUsageReport) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/turn/usage", report, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return newError(KindUnavailable, 0, "encode request body", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	token, ok := c.tokenSrc()
	if !ok {
		return newError(KindAuthRequired, 0, "no active session token", nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return newError(KindUnavailable, 0, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newError(KindUnavailable, 0, "coordinator request failed", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if err := statusToError(resp.StatusCode, respBody); err != nil {
		c.logger.Warn().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("coordinator request rejected")
		return err
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return newError(KindUnavailable, resp.StatusCode, "decode response", err)
		}
	}
	return nil
}

func statusToError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	switch status {
	case http.StatusConflict:
		return newError(KindConflict, status, "grid already hosted by someone else", nil)
	case http.StatusForbidden:
		return newError(KindPermissionDenied, status, "permission denied", nil)
	case http.StatusUnauthorized:
		return newError(KindAuthRequired, status, "session token rejected", nil)
	case http.StatusNotFound:
		return newError(KindNotFound, status, "not found", nil)
	default:
		if status >= 500 {
			return newError(KindUnavailable, status, fmt.Sprintf("coordinator returned %d", status), nil)
		}
		return newError(KindUnavailable, status, fmt.Sprintf("unexpected status %d: %s", status, string(body)), nil)
	}
}
