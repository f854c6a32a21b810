/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package tunnel is the independent subsystem that exposes one local
// HTTP port to the public internet via the tunnel server: a WebSocket
// that proxies inbound HTTP requests to localhost and mirrors the
// responses back, with its own exponential-backoff reconnection
// separate from the grid session's.
package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/friendsincode/gridcore/internal/events"
)

const (
	proxyTimeout   = 30 * time.Second
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

// heartbeatInterval is a var, not a const, so tests can shorten it rather
// than waiting out a real 30s cadence.
var heartbeatInterval = 30 * time.Second

// message is the tunnel server's single wire envelope; not every field
// applies to every type (spec §6).
type message struct {
	Type        string            `json:"type"`
	TunnelID    string            `json:"tunnel_id,omitempty"`
	GridShareID string            `json:"grid_share_id,omitempty"`
	ProcessID   string            `json:"process_id,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
	Method      string            `json:"method,omitempty"`
	Path        string            `json:"path,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	StatusCode  int               `json:"status_code,omitempty"`
	Message     string            `json:"message,omitempty"`
}

// Client proxies one local HTTP port through the tunnel server.
type Client struct {
	serverURL   string
	authToken   string
	gridShareID string
	processID   string
	localPort   int

	httpClient *http.Client
	bus        *events.Bus
	logger     zerolog.Logger
}

// New builds a tunnel Client. It does nothing until Run is called.
func New(serverURL, authToken, gridShareID, processID string, localPort int, bus *events.Bus, logger zerolog.Logger) *Client {
	return &Client{
		serverURL:   serverURL,
		authToken:   authToken,
		gridShareID: gridShareID,
		processID:   processID,
		localPort:   localPort,
		httpClient:  &http.Client{Timeout: proxyTimeout},
		bus:         bus,
		logger:      logger.With().Str("component", "tunnel").Str("grid_share_id", gridShareID).Str("process_id", processID).Logger(),
	}
}

// Run connects and proxies until ctx is cancelled, reconnecting with
// exponential backoff (1s doubling, capped at 60s) on every socket error.
// The backoff is reset only after a connection that stayed up longer than
// one heartbeat interval; a connection that drops sooner keeps the grown
// delay. Unlike the grid session's fixed-attempt
// reconnection, the tunnel never gives up — MaxElapsedTime is left at
// zero so NextBackOff never returns backoff.Stop.
func (c *Client) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = maxBackoff
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		connectedAt := time.Now()
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn().Err(err).Msg("tunnel connection lost")
			if c.bus != nil {
				c.bus.Publish(events.EventTunnelError, events.Payload{"grid_share_id": c.gridShareID, "process_id": c.processID, "error": err.Error()})
			}
		}

		// A connection that survived past one heartbeat interval counts as
		// successful enough to reset backoff.
		if time.Since(connectedAt) > heartbeatInterval {
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (c *Client) url() string {
	return fmt.Sprintf("%s/api/v1/tunnel/%s/%s?token=%s", c.serverURL, c.gridShareID, c.processID, c.authToken)
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url(), nil)
	if err != nil {
		return fmt.Errorf("tunnel dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.heartbeatLoop(connCtx, conn)

	for {
		var msg message
		if err := wsjson.Read(connCtx, conn, &msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("tunnel read: %w", err)
		}

		switch msg.Type {
		case "connected":
			c.logger.Info().Str("tunnel_id", msg.TunnelID).Msg("tunnel connected")
			if c.bus != nil {
				c.bus.Publish(events.EventTunnelConnected, events.Payload{
					"tunnel_id": msg.TunnelID, "grid_share_id": msg.GridShareID, "process_id": msg.ProcessID,
				})
			}
		case "http_request":
			go c.handleHTTPRequest(connCtx, conn, msg)
		case "heartbeat_ack":
			// informational only.
		case "error":
			c.logger.Warn().Str("message", msg.Message).Msg("tunnel server reported an error")
		default:
			c.logger.Debug().Str("type", msg.Type).Msg("unhandled tunnel message")
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = wsjson.Write(ctx, conn, message{Type: "heartbeat"})
		}
	}
}

// handleHTTPRequest proxies one tunneled request to localhost and sends
// exactly one http_response back, or a synthetic 502 on local failure
// (spec §4.E, invariant 9).
func (c *Client) handleHTTPRequest(ctx context.Context, conn *websocket.Conn, req message) {
	resp, err := c.proxyLocally(ctx, req)
	if err != nil {
		c.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("local proxy failed")
		resp = message{
			Type:       "http_response",
			RequestID:  req.RequestID,
			StatusCode: http.StatusBadGateway,
			Headers:    map[string]string{"Content-Type": "text/plain"},
			Body:       []byte(fmt.Sprintf("tunnel: local proxy failed: %v", err)),
		}
	}
	if err := wsjson.Write(ctx, conn, resp); err != nil {
		c.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("failed to send http_response")
	}
}

func (c *Client) proxyLocally(ctx context.Context, req message) (message, error) {
	target := fmt.Sprintf("http://localhost:%d%s", c.localPort, req.Path)

	proxyCtx, cancel := context.WithTimeout(ctx, proxyTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(proxyCtx, req.Method, target, bytes.NewReader(req.Body))
	if err != nil {
		return message{}, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return message{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return message{}, err
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return message{
		Type:       "http_response",
		RequestID:  req.RequestID,
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}
