/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package gridsession is the authoritative per-client owner of every
// active grid: the host-election state machine, the heartbeat that keeps
// a claimed host lease alive, WebRTC signal routing across however many
// Peer Connections a grid currently has, and the auto-reconnection loop
// that watches for a lost host.
package gridsession

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/friendsincode/gridcore/internal/coordinator"
	"github.com/friendsincode/gridcore/internal/events"
	"github.com/friendsincode/gridcore/internal/iceconfig"
	"github.com/friendsincode/gridcore/internal/peerconn"
	"github.com/friendsincode/gridcore/internal/signaling"
	"github.com/friendsincode/gridcore/internal/telemetry"
	"github.com/friendsincode/gridcore/internal/transport"
)

const heartbeatInterval = 10 * time.Second

// webrtcSignalEnvelope is the payload shape of an outbound/inbound
// `webrtc_signal` coordinator message (spec §6).
type webrtcSignalEnvelope struct {
	ToUserID   string          `json:"to_user_id"`
	GridID     string          `json:"grid_id"`
	SignalType string          `json:"signal_type"`
	SignalData json.RawMessage `json:"signal_data"`
}

type sessionEnvelope struct {
	GridID     string `json:"grid_id"`
	ToUserID   string `json:"to_user_id,omitempty"`
	FromUserID string `json:"from_user_id,omitempty"`
}

// Manager owns the connection map, the self-host transport anchors, the
// host heartbeat loops, and dispatches inbound signaling traffic.
type Manager struct {
	coordinator *coordinator.Client
	signaling   *signaling.Channel
	ice         *iceconfig.Resolver
	bus         *events.Bus
	ports       transport.PortConfig
	logger      zerolog.Logger
	selfUserID  string

	signalingURL string

	mu          sync.RWMutex
	conns       map[string]*peerconn.Conn
	guestOf     map[string]string // grid_id -> host_user_id, for connections we joined as guest
	heartbeats  map[string]context.CancelFunc

	reconnects *reconnectTracker
}

// Config wires a Manager's dependencies together. Signaling may be left
// nil and attached afterward via AttachSignaling — the channel's
// dispatcher needs a *Manager to call back into, so bootstrap code
// typically constructs the Manager first, builds the channel with
// manager.Dispatch as its dispatcher, then attaches it.
type Config struct {
	Coordinator  *coordinator.Client
	Signaling    *signaling.Channel
	SignalingURL string
	ICE          *iceconfig.Resolver
	Bus          *events.Bus
	Ports        transport.PortConfig
	SelfUserID   string
	Logger       zerolog.Logger
}

// New builds a Grid Session Manager and subscribes it to the events it
// reacts to (host_disconnected drives auto-reconnection; process_exited
// and process_stopped drive transport cleanup).
func New(cfg Config) *Manager {
	m := &Manager{
		coordinator:  cfg.Coordinator,
		signaling:    cfg.Signaling,
		signalingURL: cfg.SignalingURL,
		ice:          cfg.ICE,
		bus:          cfg.Bus,
		ports:        cfg.Ports,
		selfUserID:   cfg.SelfUserID,
		logger:       cfg.Logger.With().Str("component", "gridsession").Logger(),
		conns:        make(map[string]*peerconn.Conn),
		guestOf:      make(map[string]string),
		heartbeats:   make(map[string]context.CancelFunc),
	}
	m.reconnects = newReconnectTracker(m)

	if cfg.Bus != nil {
		go m.watch(cfg.Bus.Subscribe(events.EventHostDisconnected), m.onHostDisconnected)
		go m.watch(cfg.Bus.Subscribe(events.EventType("process_exited")), m.onProcessExited)
		go m.watch(cfg.Bus.Subscribe(events.EventType("process_stopped")), m.onProcessExited)
	}

	return m
}

func (m *Manager) watch(sub events.Subscriber, handle func(events.Payload)) {
	for payload := range sub {
		handle(payload)
	}
}

// --- connection map -------------------------------------------------------

func hostGuestKey(gridID, guestUserID string) string { return gridID + ":" + guestUserID }

func (m *Manager) insertConn(key string, c *peerconn.Conn) {
	m.mu.Lock()
	m.conns[key] = c
	m.mu.Unlock()
}

func (m *Manager) removeConn(key string) {
	m.mu.Lock()
	delete(m.conns, key)
	m.mu.Unlock()
}

// resolveForGrid finds the connection to use for a grid-scoped operation
// (like adding a transport config): an exact `grid_id` match first (the
// self-host anchor, or a guest's own entry), else the first key prefixed
// `grid_id:`.
func (m *Manager) resolveForGrid(gridID string) *peerconn.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.conns[gridID]; ok {
		return c
	}
	prefix := gridID + ":"
	for key, c := range m.conns {
		if strings.HasPrefix(key, prefix) {
			return c
		}
	}
	return nil
}

// resolveSignalTarget implements the WebRTC signal routing precedence
// from spec §4.D: most-specific key first, then any per-guest key for
// the grid, then the plain grid key.
func (m *Manager) resolveSignalTarget(gridID, toUserID string) *peerconn.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if toUserID != "" {
		if c, ok := m.conns[hostGuestKey(gridID, toUserID)]; ok {
			return c
		}
	}
	prefix := gridID + ":"
	for key, c := range m.conns {
		if strings.HasPrefix(key, prefix) {
			return c
		}
	}
	return m.conns[gridID]
}

// --- signaling lifecycle ---------------------------------------------------

// AttachSignaling wires a Signaling Channel built with this Manager's
// Dispatch method into the Manager, resolving the construction-order
// cycle described on Config.
func (m *Manager) AttachSignaling(ch *signaling.Channel) {
	m.mu.Lock()
	m.signaling = ch
	m.mu.Unlock()
}

// EnsureSignaling connects the Signaling Channel if it isn't already up.
func (m *Manager) EnsureSignaling(ctx context.Context) error {
	m.mu.RLock()
	ch := m.signaling
	m.mu.RUnlock()
	if ch.Connected() {
		return nil
	}
	return ch.Connect(ctx, m.signalingURL)
}

// Dispatch handles one inbound signaling.Message. Core kinds are
// interpreted here; everything else is re-emitted to the UI layer
// verbatim under its own wire type (spec §4.A).
func (m *Manager) Dispatch(msg signaling.Message) {
	switch msg.Type {
	case "session_invite":
		m.onSessionInvite(msg.Payload)
	case "session_accept":
		m.onSessionAccept(msg.Payload)
	case "webrtc_signal":
		m.onWebRTCSignal(msg.Payload)
	case "grid_host_changed":
		m.republish(events.EventGridHostChanged, msg.Payload)
	default:
		m.republish(events.EventType(msg.Type), msg.Payload)
	}
}

func (m *Manager) republish(t events.EventType, payload json.RawMessage) {
	if m.bus == nil {
		return
	}
	var decoded map[string]any
	_ = json.Unmarshal(payload, &decoded)
	m.bus.Publish(t, events.Payload(decoded))
}

// --- join / claim / connect -----------------------------------------------

// JoinGrid is the entry point described in spec §4.D: ensure signaling,
// fetch status, and dispatch on session_state.
func (m *Manager) JoinGrid(ctx context.Context, gridID string) error {
	if err := m.EnsureSignaling(ctx); err != nil {
		return err
	}

	status, err := m.coordinator.GridStatus(ctx, gridID)
	if err != nil {
		return err
	}

	switch status.SessionState {
	case coordinator.SessionHosted:
		return m.ConnectToGridHost(ctx, gridID, status.CurrentHostID)
	case coordinator.SessionInactive, coordinator.SessionOrphaned:
		return m.ClaimGridHost(ctx, gridID)
	case coordinator.SessionRestoring:
		return &coordinator.Error{Kind: coordinator.KindUnexpectedState, Message: "grid is being restored"}
	default:
		return &coordinator.Error{Kind: coordinator.KindUnexpectedState, Message: fmt.Sprintf("unexpected state %q", status.SessionState)}
	}
}

// ClaimGridHost claims host status, creates the self-host anchor
// connection, and starts the 10s heartbeat loop.
func (m *Manager) ClaimGridHost(ctx context.Context, gridID string) error {
	if err := m.coordinator.ClaimHost(ctx, gridID); err != nil {
		return err
	}

	anchor := peerconn.New(peerconn.Config{
		GridID:     gridID,
		SessionID:  uuid.NewString(),
		PeerUserID: "localhost",
		Role:       peerconn.RoleHost,
		Transports: transport.NewManager(gridID, m.ports, m.bus, m.logger),
		Bus:        m.bus,
		Logger:     m.logger,
	})
	m.insertConn(gridID, anchor)

	m.startHeartbeat(gridID)

	telemetry.HostElectionStatus.WithLabelValues(gridID).Set(1)
	telemetry.HostElectionChanges.WithLabelValues(gridID, "acquired").Inc()

	if m.bus != nil {
		m.bus.Publish(events.EventGridHostingStarted, events.Payload{"grid_id": gridID, "is_host": true})
	}
	return nil
}

func (m *Manager) startHeartbeat(gridID string) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.heartbeats[gridID] = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.coordinator.Heartbeat(context.Background(), gridID); err != nil {
					m.logger.Warn().Err(err).Str("grid_id", gridID).Msg("heartbeat failed")
				}
			}
		}
	}()
}

func (m *Manager) stopHeartbeat(gridID string) {
	m.mu.Lock()
	cancel, ok := m.heartbeats[gridID]
	delete(m.heartbeats, gridID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// ReleaseHost releases our host lease, stops the heartbeat loop, and tears
// down the self-host anchor connection (including any transports still
// registered on it) before removing it from the map.
func (m *Manager) ReleaseHost(ctx context.Context, gridID string) error {
	m.stopHeartbeat(gridID)

	m.mu.Lock()
	anchor := m.conns[gridID]
	m.mu.Unlock()
	if anchor != nil {
		_ = anchor.Close()
	}
	m.removeConn(gridID)

	telemetry.HostElectionStatus.WithLabelValues(gridID).Set(0)
	telemetry.HostElectionChanges.WithLabelValues(gridID, "released").Inc()

	return m.coordinator.ReleaseHost(ctx, gridID)
}

// ConnectToGridHost creates a guest Peer Connection, inserts it into the
// map, and sends a session_invite to the host — the guest does not
// initiate the WebRTC offer itself; it waits for the host's offer once
// the host accepts (spec §4.D, confirmed against original_source's
// accept_session_invite/new_guest split).
func (m *Manager) ConnectToGridHost(ctx context.Context, gridID, hostUserID string) error {
	iceServers := m.resolveICE(ctx, gridID)

	conn := m.newGuestConn(gridID, hostUserID, iceServers)
	m.insertConn(gridID, conn)

	m.mu.Lock()
	m.guestOf[gridID] = hostUserID
	m.mu.Unlock()

	payload, err := json.Marshal(sessionEnvelope{GridID: gridID, ToUserID: hostUserID, FromUserID: m.selfUserID})
	if err != nil {
		return err
	}
	if err := m.signaling.Send(signaling.Message{Type: "session_invite", Payload: payload}); err != nil {
		m.removeConn(gridID)
		return err
	}
	return nil
}

func (m *Manager) newGuestConn(gridID, hostUserID string, iceServers []webrtc.ICEServer) *peerconn.Conn {
	return peerconn.New(peerconn.Config{
		GridID:      gridID,
		SessionID:   uuid.NewString(),
		PeerUserID:  hostUserID,
		Role:        peerconn.RoleGuest,
		ICEServers:  iceServers,
		SignalSend:  m.signalSenderFor(gridID, hostUserID),
		Transports:  transport.NewManager(gridID, m.ports, m.bus, m.logger),
		Bus:         m.bus,
		Coordinator: m.coordinator,
		Logger:      m.logger,
	})
}

func (m *Manager) resolveICE(ctx context.Context, gridID string) []webrtc.ICEServer {
	if m.ice == nil {
		return nil
	}
	return m.ice.Resolve(ctx, gridID)
}

// signalSenderFor builds a peerconn.SignalSender that wraps the given
// signal in a webrtc_signal envelope addressed to peerUserID.
func (m *Manager) signalSenderFor(gridID, peerUserID string) peerconn.SignalSender {
	return func(ctx context.Context, signalType string, payload json.RawMessage) error {
		envelope := webrtcSignalEnvelope{
			ToUserID:   peerUserID,
			GridID:     gridID,
			SignalType: signalType,
			SignalData: payload,
		}
		encoded, err := json.Marshal(envelope)
		if err != nil {
			return err
		}
		return m.signaling.Send(signaling.Message{Type: "webrtc_signal", Payload: encoded})
	}
}

// --- inbound signaling handlers --------------------------------------------

func (m *Manager) onSessionInvite(raw json.RawMessage) {
	var env sessionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.logger.Warn().Err(err).Msg("malformed session_invite dropped")
		return
	}

	ctx := context.Background()
	iceServers := m.resolveICE(ctx, env.GridID)

	conn := peerconn.New(peerconn.Config{
		GridID:      env.GridID,
		SessionID:   uuid.NewString(),
		PeerUserID:  env.FromUserID,
		Role:        peerconn.RoleHost,
		ICEServers:  iceServers,
		SignalSend:  m.signalSenderFor(env.GridID, env.FromUserID),
		Transports:  transport.NewManager(env.GridID, m.ports, m.bus, m.logger),
		Bus:         m.bus,
		Coordinator: m.coordinator,
		Logger:      m.logger,
	})

	// Invariant 2: insert before the outbound session_accept, so a fast
	// answer/candidate reply always finds a live connection in the map.
	m.insertConn(hostGuestKey(env.GridID, env.FromUserID), conn)

	acceptPayload, err := json.Marshal(sessionEnvelope{GridID: env.GridID, ToUserID: env.FromUserID, FromUserID: m.selfUserID})
	if err != nil {
		m.logger.Warn().Err(err).Msg("encode session_accept failed")
		return
	}
	if err := m.signaling.Send(signaling.Message{Type: "session_accept", Payload: acceptPayload}); err != nil {
		m.logger.Warn().Err(err).Msg("send session_accept failed")
		return
	}

	if err := conn.StartConnection(ctx, iceServers); err != nil {
		m.logger.Warn().Err(err).Str("grid_id", env.GridID).Msg("start_connection failed")
	}
}

func (m *Manager) onSessionAccept(raw json.RawMessage) {
	var env sessionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.logger.Warn().Err(err).Msg("malformed session_accept dropped")
		return
	}
	m.logger.Debug().Str("grid_id", env.GridID).Str("from_user_id", env.FromUserID).Msg("session accepted, awaiting offer")
}

func (m *Manager) onWebRTCSignal(raw json.RawMessage) {
	var env webrtcSignalEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.logger.Warn().Err(err).Msg("malformed webrtc_signal dropped")
		return
	}

	conn := m.resolveSignalTarget(env.GridID, env.ToUserID)
	if conn == nil {
		m.logger.Warn().Str("grid_id", env.GridID).Msg("webrtc_signal for unknown connection dropped")
		return
	}

	iceServers := m.resolveICE(context.Background(), env.GridID)
	if err := conn.HandleSignal(context.Background(), env.SignalType, env.SignalData, iceServers); err != nil {
		m.logger.Warn().Err(err).Str("grid_id", env.GridID).Str("signal_type", env.SignalType).Msg("handle_signal failed")
	}
}

// --- transport configuration -----------------------------------------------

// AddTransportConfig registers a transport on whichever connection
// currently owns gridID (spec §4.B, looked up the same way §4.D resolves
// a grid-scoped operation: exact key, then any per-guest key).
func (m *Manager) AddTransportConfig(gridID string, cfg transport.Config) (string, error) {
	conn := m.resolveForGrid(gridID)
	if conn == nil {
		return "", fmt.Errorf("no active connection for grid %s", gridID)
	}
	return conn.Transports().AddTransportConfig(cfg), nil
}

// --- cleanup ----------------------------------------------------------------

func (m *Manager) onProcessExited(payload events.Payload) {
	gridID, _ := payload["grid_id"].(string)
	if gridID == "" {
		return
	}
	m.stopAllTransportsForGrid(gridID)
}

func (m *Manager) stopAllTransportsForGrid(gridID string) {
	m.mu.RLock()
	matches := make([]*peerconn.Conn, 0, 1)
	if c, ok := m.conns[gridID]; ok {
		matches = append(matches, c)
	}
	prefix := gridID + ":"
	for key, c := range m.conns {
		if strings.HasPrefix(key, prefix) {
			matches = append(matches, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range matches {
		c.Transports().StopAll()
	}
}

// ConnSnapshot is a point-in-time view of one connection, for the local
// diagnostics surface.
type ConnSnapshot struct {
	Key            string `json:"key"`
	GridID         string `json:"grid_id"`
	PeerUserID     string `json:"peer_user_id"`
	Role           string `json:"role"`
	State          string `json:"state"`
	ConnectionType string `json:"connection_type"`
}

// Snapshot lists every connection this Manager currently owns.
func (m *Manager) Snapshot() []ConnSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ConnSnapshot, 0, len(m.conns))
	for key, c := range m.conns {
		out = append(out, ConnSnapshot{
			Key:            key,
			GridID:         c.GridID(),
			PeerUserID:     c.PeerUserID(),
			Role:           string(c.Role()),
			State:          string(c.State()),
			ConnectionType: string(c.ConnectionType()),
		})
	}
	return out
}

// Close tears down every owned connection, heartbeat, and reconnection
// loop, and disconnects the Signaling Channel.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, cancel := range m.heartbeats {
		cancel()
	}
	m.heartbeats = make(map[string]context.CancelFunc)
	conns := make([]*peerconn.Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*peerconn.Conn)
	m.mu.Unlock()

	m.reconnects.cancelAll()

	for _, c := range conns {
		_ = c.Close()
	}
	if m.signaling != nil {
		m.signaling.Disconnect()
	}
}
