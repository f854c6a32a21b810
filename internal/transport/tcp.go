/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package transport

import (
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// tcpTransport carries a raw TCP byte stream over the data channel.
// Guest side: a local listener accepts clients, each assigned a fresh
// connection_id. Host side: connection_id'd outbound sockets to the real
// target port are created lazily on first frame.
type tcpTransport struct {
	id         string
	role       Role
	targetPort int
	protocol   string
	ports      PortConfig
	logger     zerolog.Logger

	send SendFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]net.Conn
	dropped  map[string]struct{}
	stopped  bool
}

func newTCPTransport(id string, cfg Config, ports PortConfig, logger zerolog.Logger) *tcpTransport {
	return &tcpTransport{
		id:         id,
		role:       cfg.Role,
		targetPort: cfg.TargetPort,
		protocol:   cfg.Protocol,
		ports:      ports,
		logger:     logger.With().Str("transport_id", id).Str("kind", "tcp").Logger(),
		conns:      make(map[string]net.Conn),
		dropped:    make(map[string]struct{}),
	}
}

func (t *tcpTransport) ID() string   { return t.id }
func (t *tcpTransport) Kind() Kind   { return KindTCP }

func (t *tcpTransport) Start(send SendFunc) error {
	t.send = send
	if t.role == RoleHost {
		// Host side has nothing to bind; outbound sockets are created
		// lazily per connection_id as tcp_data frames arrive.
		return nil
	}

	ln, err := listenNearBasePort(t.protocol, t.ports.TCPPortSpan)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	go t.acceptLoop(ln)
	return nil
}

func (t *tcpTransport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed by Stop
		}
		connID := uuid.NewString()

		t.mu.Lock()
		t.conns[connID] = conn
		t.mu.Unlock()

		go t.readPump(connID, conn)
	}
}

// readPump forwards bytes read from conn as tcp_data frames until EOF or
// error, then sends tcp_close and drops the connection.
func (t *tcpTransport) readPump(connID string, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if sendErr := t.send(Frame{
				Type: FrameTCPData, TransportID: t.id, ConnectionID: connID,
				TargetPort: t.targetPort, Protocol: t.protocol, Data: payload,
			}); sendErr != nil {
				t.logger.Debug().Err(sendErr).Str("connection_id", connID).Msg("tcp_data send failed")
			}
		}
		if err != nil {
			t.closeConn(connID)
			_ = t.send(Frame{Type: FrameTCPClose, TransportID: t.id, ConnectionID: connID, TargetPort: t.targetPort})
			return
		}
	}
}

func (t *tcpTransport) closeConn(connID string) {
	t.mu.Lock()
	conn, ok := t.conns[connID]
	delete(t.conns, connID)
	t.mu.Unlock()
	if ok {
		conn.Close()
	}
}

func (t *tcpTransport) HandleFrame(f Frame) {
	switch f.Type {
	case FrameTCPData:
		t.handleData(f)
	case FrameTCPClose:
		t.closeConn(f.ConnectionID)
	}
}

func (t *tcpTransport) handleData(f Frame) {
	t.mu.Lock()
	conn, ok := t.conns[f.ConnectionID]
	_, isDropped := t.dropped[f.ConnectionID]
	t.mu.Unlock()

	if isDropped {
		// Already refused once; every later frame for this id is ignored,
		// not retried (spec.md §4.B).
		t.logger.Debug().Str("connection_id", f.ConnectionID).Msg("tcp_data for dropped connection ignored")
		return
	}

	if !ok {
		if t.role != RoleHost {
			// Guest received data for an id it doesn't recognize — the
			// local client already disconnected. Drop and log.
			t.logger.Debug().Str("connection_id", f.ConnectionID).Msg("tcp_data for unknown connection dropped")
			return
		}

		var err error
		conn, err = net.Dial("tcp", loopbackAddr(f.TargetPort))
		if err != nil {
			t.logger.Warn().Err(err).Int("target_port", f.TargetPort).Msg("tcp target refused connection, dropping id")
			t.mu.Lock()
			t.dropped[f.ConnectionID] = struct{}{}
			t.mu.Unlock()
			return
		}

		t.mu.Lock()
		t.conns[f.ConnectionID] = conn
		t.mu.Unlock()

		go t.readPump(f.ConnectionID, conn)
	}

	if _, err := conn.Write(f.Data); err != nil {
		t.logger.Debug().Err(err).Str("connection_id", f.ConnectionID).Msg("tcp write failed")
		t.closeConn(f.ConnectionID)
	}
}

func (t *tcpTransport) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	ln := t.listener
	conns := t.conns
	t.conns = make(map[string]net.Conn)
	t.dropped = make(map[string]struct{})
	t.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
}

func loopbackAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}
