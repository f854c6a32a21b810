/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package transport

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/gridcore/internal/events"
	"github.com/friendsincode/gridcore/internal/telemetry"
)

// Role distinguishes which side of a Peer Connection a transport runs on.
// The two sides run materially different code for the same Kind — e.g. a
// Terminal transport's host side owns the actual shell process while its
// guest side only relays user keystrokes and re-emits output.
type Role int

const (
	RoleGuest Role = iota
	RoleHost
)

// SendFunc sends one frame over the owning Peer Connection's data channel.
type SendFunc func(Frame) error

// Config describes a transport to create, mirroring the Data Model's
// Transport entity. TransportID is always grid_id + "_" + process_id.
type Config struct {
	GridID     string
	ProcessID  string
	Kind       Kind
	TargetPort int    // HTTP, TCP
	Protocol   string // TCP: "minecraft", "terraria", or "" for the generic default
	Role       Role
}

func (c Config) transportID() string {
	return c.GridID + "_" + c.ProcessID
}

// Transport is one active tunnel kind multiplexed over a data channel.
type Transport interface {
	ID() string
	Kind() Kind
	Start(send SendFunc) error
	HandleFrame(f Frame)
	Stop()
}

// Manager owns every active transport for one Peer Connection. Configs
// added before the data channel opens queue until Open is called; configs
// added afterward activate immediately.
type Manager struct {
	gridID   string
	ports    PortConfig
	bus      *events.Bus
	logger   zerolog.Logger

	mu      sync.Mutex
	open    bool
	send    SendFunc
	pending []Config
	active  map[string]Transport
}

// PortConfig bounds the local ports transports may bind.
type PortConfig struct {
	HTTPPortLow  int
	HTTPPortHigh int
	TCPPortSpan  int
}

// NewManager creates a transport manager for one Peer Connection.
func NewManager(gridID string, ports PortConfig, bus *events.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		gridID: gridID,
		ports:  ports,
		bus:    bus,
		logger: logger.With().Str("component", "transport_manager").Str("grid_id", gridID).Logger(),
		active: make(map[string]Transport),
	}
}

// AddTransportConfig registers cfg. If the data channel is already open it
// is activated immediately; otherwise it queues until Open is called.
// Returns the transport_id.
func (m *Manager) AddTransportConfig(cfg Config) string {
	id := cfg.transportID()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open {
		m.startLocked(cfg)
	} else {
		m.pending = append(m.pending, cfg)
	}
	return id
}

// Open marks the data channel as open and activates every pending config.
// If no configs are pending, nothing is started; the manager is still
// marked open, so later configs activate immediately.
func (m *Manager) Open(send SendFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.open = true
	m.send = send

	pending := m.pending
	m.pending = nil
	for _, cfg := range pending {
		m.startLocked(cfg)
	}
}

func (m *Manager) startLocked(cfg Config) {
	id := cfg.transportID()
	if _, exists := m.active[id]; exists {
		return
	}

	var t Transport
	switch cfg.Kind {
	case KindHTTP:
		t = newHTTPTransport(id, cfg, m.ports, m.logger)
	case KindTCP:
		t = newTCPTransport(id, cfg, m.ports, m.logger)
	case KindTerminal:
		t = newTerminalTransport(id, cfg, m.bus, m.logger)
	default:
		m.logger.Error().Str("transport_id", id).Str("kind", string(cfg.Kind)).Msg("unknown transport kind")
		return
	}

	if err := t.Start(m.send); err != nil {
		m.logger.Error().Err(err).Str("transport_id", id).Msg("transport start failed")
		return
	}
	m.active[id] = t
	telemetry.ActiveTransports.WithLabelValues(string(t.Kind())).Inc()
}

// OnFrame dispatches an inbound frame to its owning transport.
func (m *Manager) OnFrame(f Frame) {
	m.mu.Lock()
	t, ok := m.active[f.TransportID]
	m.mu.Unlock()

	if !ok {
		m.logger.Warn().Str("transport_id", f.TransportID).Str("frame_type", string(f.Type)).Msg("frame for unknown transport dropped")
		return
	}
	t.HandleFrame(f)
}

// Stop stops and deregisters a transport, emitting transport_stopped.
func (m *Manager) Stop(transportID string) error {
	m.mu.Lock()
	t, ok := m.active[transportID]
	if ok {
		delete(m.active, transportID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("transport %s not found", transportID)
	}

	t.Stop()
	telemetry.ActiveTransports.WithLabelValues(string(t.Kind())).Dec()
	if m.bus != nil {
		m.bus.Publish(events.EventTransportStopped, events.Payload{"transport_id": transportID, "grid_id": m.gridID})
	}
	return nil
}

// StopAll stops every active transport. Invoked on process exit or Peer
// Connection close.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Stop(id)
	}
}
