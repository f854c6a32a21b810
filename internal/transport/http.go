/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package transport

import (
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// httpTransport proxies a local HTTP client's raw bytes to the host's
// target port over the data channel and mirrors the response back.
// Unlike tcpTransport it carries no connection_id — it proxies one
// accepted connection at a time per transport, which matches the HTTP
// frame's wire shape (target_port + data only).
type httpTransport struct {
	id         string
	role       Role
	targetPort int
	ports      PortConfig
	logger     zerolog.Logger

	send SendFunc

	mu       sync.Mutex
	listener net.Listener
	current  net.Conn // the one active proxied connection, either side
	stopped  bool
}

func newHTTPTransport(id string, cfg Config, ports PortConfig, logger zerolog.Logger) *httpTransport {
	return &httpTransport{
		id:         id,
		role:       cfg.Role,
		targetPort: cfg.TargetPort,
		ports:      ports,
		logger:     logger.With().Str("transport_id", id).Str("kind", "http").Logger(),
	}
}

func (t *httpTransport) ID() string { return t.id }
func (t *httpTransport) Kind() Kind { return KindHTTP }

func (t *httpTransport) Start(send SendFunc) error {
	t.send = send
	if t.role == RoleHost {
		return nil
	}

	ln, err := listenFreePort(t.ports.HTTPPortLow, t.ports.HTTPPortHigh)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	go t.acceptLoop(ln)
	return nil
}

func (t *httpTransport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		t.mu.Lock()
		if t.current != nil {
			// Only one in-flight proxied connection per transport; reject
			// concurrent callers rather than interleave their bytes.
			t.mu.Unlock()
			conn.Close()
			continue
		}
		t.current = conn
		t.mu.Unlock()

		go t.readPump(conn)
	}
}

func (t *httpTransport) readPump(conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if sendErr := t.send(Frame{Type: FrameHTTPRequest, TransportID: t.id, TargetPort: t.targetPort, Data: payload}); sendErr != nil {
				t.logger.Debug().Err(sendErr).Msg("http_request send failed")
			}
		}
		if err != nil {
			t.clearCurrent(conn)
			return
		}
	}
}

func (t *httpTransport) clearCurrent(conn net.Conn) {
	t.mu.Lock()
	if t.current == conn {
		t.current = nil
	}
	t.mu.Unlock()
	conn.Close()
}

func (t *httpTransport) HandleFrame(f Frame) {
	switch f.Type {
	case FrameHTTPRequest:
		t.handleRequest(f)
	case FrameHTTPResponse:
		t.handleResponse(f)
	}
}

// handleRequest runs host-side: proxy bytes received from the guest to
// the real local target port, mirroring responses back as http_response
// frames (the path the original source left stubbed — see DESIGN.md).
func (t *httpTransport) handleRequest(f Frame) {
	if t.role != RoleHost {
		return
	}

	t.mu.Lock()
	conn := t.current
	t.mu.Unlock()

	if conn == nil {
		var err error
		conn, err = net.Dial("tcp", loopbackAddr(f.TargetPort))
		if err != nil {
			t.logger.Warn().Err(err).Int("target_port", f.TargetPort).Msg("http target refused connection")
			return
		}
		t.mu.Lock()
		t.current = conn
		t.mu.Unlock()
		go t.responsePump(conn)
	}

	if _, err := conn.Write(f.Data); err != nil {
		t.logger.Debug().Err(err).Msg("http proxy write failed")
		t.clearCurrent(conn)
	}
}

// responsePump runs host-side: read the target's raw HTTP response bytes
// and mirror them back to the guest as http_response frames.
func (t *httpTransport) responsePump(conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if sendErr := t.send(Frame{Type: FrameHTTPResponse, TransportID: t.id, TargetPort: t.targetPort, Data: payload}); sendErr != nil {
				t.logger.Debug().Err(sendErr).Msg("http_response send failed")
			}
		}
		if err != nil {
			t.clearCurrent(conn)
			return
		}
	}
}

// handleResponse runs guest-side: write the mirrored response bytes back
// to the local client that originated the request.
func (t *httpTransport) handleResponse(f Frame) {
	if t.role == RoleHost {
		return
	}

	t.mu.Lock()
	conn := t.current
	t.mu.Unlock()

	if conn == nil {
		t.logger.Debug().Msg("http_response with no active local connection dropped")
		return
	}
	if _, err := conn.Write(f.Data); err != nil {
		t.logger.Debug().Err(err).Msg("http response write failed")
		t.clearCurrent(conn)
	}
}

func (t *httpTransport) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	ln := t.listener
	conn := t.current
	t.current = nil
	t.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if conn != nil {
		conn.Close()
	}
}
