/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package peerconn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/friendsincode/gridcore/internal/coordinator"
	"github.com/friendsincode/gridcore/internal/events"
	"github.com/friendsincode/gridcore/internal/telemetry"
	"github.com/friendsincode/gridcore/internal/transport"
)

// Role labels which side of a Peer Connection this instance plays — the
// host sends the WebRTC offer, the guest answers it.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// State is the Peer Connection's lifecycle, per spec §4.C's state table.
type State string

const (
	StateInviting     State = "inviting"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// DisconnectReason labels the host_disconnected event's reason code.
type DisconnectReason string

const (
	ReasonPeerDisconnected  DisconnectReason = "peer_disconnected"
	ReasonConnectionFailed  DisconnectReason = "connection_failed"
	ReasonConnectionClosed  DisconnectReason = "connection_closed"
)

// SignalSender delivers a webrtc_signal envelope to the remote peer via
// the Signaling Channel. signalType is "offer", "answer", or "candidate".
type SignalSender func(ctx context.Context, signalType string, payload json.RawMessage) error

// Config describes one Peer Connection to create.
type Config struct {
	GridID       string
	SessionID    string
	PeerUserID   string
	Role         Role
	ICEServers   []webrtc.ICEServer
	SignalSend   SignalSender
	Transports   *transport.Manager
	Bus          *events.Bus
	Coordinator  *coordinator.Client
	Logger       zerolog.Logger
	bandwidthMin uint64 // override point for tests; 0 uses the spec default (1024)
}

// Conn owns one WebRTC peer connection: ICE negotiation, the data
// channel, ICE candidate classification, and bandwidth accounting.
type Conn struct {
	gridID     string
	sessionID  string
	peerUserID string
	role       Role

	signalSend  SignalSender
	transports  *transport.Manager
	bus         *events.Bus
	coordinator *coordinator.Client
	logger      zerolog.Logger

	bandwidthMin uint64
	createdAt    time.Time

	mu             sync.Mutex
	state          State
	connectionType ConnectionType
	pc             *webrtc.PeerConnection
	dc             *webrtc.DataChannel
	bytesSent      uint64
	bytesReceived  uint64
	sessionStart   time.Time
	closed         bool
	metricLabel    string // connection_type label gridcore_peer_connections was counted under
}

// New creates a Peer Connection in its initial state (Inviting for the
// host, Connecting for the guest) without yet touching WebRTC.
func New(cfg Config) *Conn {
	initial := StateConnecting
	if cfg.Role == RoleHost {
		initial = StateInviting
	}

	bandwidthMin := cfg.bandwidthMin
	if bandwidthMin == 0 {
		bandwidthMin = 1024
	}

	return &Conn{
		gridID:       cfg.GridID,
		sessionID:    cfg.SessionID,
		peerUserID:   cfg.PeerUserID,
		role:         cfg.Role,
		signalSend:   cfg.SignalSend,
		transports:   cfg.Transports,
		bus:          cfg.Bus,
		coordinator:  cfg.Coordinator,
		bandwidthMin: bandwidthMin,
		createdAt:    time.Now(),
		state:        initial,
		connectionType: ConnectionUnknown,
		logger:       cfg.Logger.With().Str("component", "peerconn").Str("grid_id", cfg.GridID).Str("peer_user_id", cfg.PeerUserID).Logger(),
	}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) ConnectionType() ConnectionType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionType
}

// Transports returns the transport.Manager backing this connection, so a
// caller (the Grid Session Manager) can register transport configs
// against it directly.
func (c *Conn) Transports() *transport.Manager {
	return c.transports
}

// GridID, PeerUserID, and Role expose this connection's identity for
// diagnostics surfaces; none of them change over the connection's
// lifetime so no locking is needed.
func (c *Conn) GridID() string      { return c.gridID }
func (c *Conn) PeerUserID() string  { return c.peerUserID }
func (c *Conn) Role() Role          { return c.role }

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// newAPI builds a pion API whose media engine carries the default codecs.
// No interceptors are registered; ICE servers are supplied afterwards in
// the peer connection's Configuration.
func newAPI() *webrtc.API {
	m := &webrtc.MediaEngine{}
	_ = m.RegisterDefaultCodecs()
	return webrtc.NewAPI(webrtc.WithMediaEngine(m))
}

func (c *Conn) ensurePeerConnection(iceServers []webrtc.ICEServer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pc != nil {
		return nil
	}

	pc, err := newAPI().NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	c.pc = pc
	c.installHandlersLocked()
	return nil
}

func (c *Conn) installHandlersLocked() {
	pc := c.pc

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.observeCandidate(cand.Typ.String())
		payload, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		_ = c.signalSend(context.Background(), "candidate", payload)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.onConnected()
		case webrtc.PeerConnectionStateDisconnected:
			c.transitionAndEmit(StateDisconnected, ReasonPeerDisconnected)
		case webrtc.PeerConnectionStateFailed:
			c.transitionAndEmit(StateFailed, ReasonConnectionFailed)
		case webrtc.PeerConnectionStateClosed:
			c.transitionAndEmit(StateFailed, ReasonConnectionClosed)
		}
	})

	if c.role == RoleGuest {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			c.attachDataChannel(dc)
		})
	}
}

func (c *Conn) observeCandidate(typ string) {
	observed := classifyCandidateType(typ)
	c.mu.Lock()
	// The classification in effect when the connection reached Connected
	// is final; candidates trickling in afterwards do not change it.
	if c.sessionStart.IsZero() {
		c.connectionType = mergeClassification(c.connectionType, observed)
	}
	c.mu.Unlock()
}

func (c *Conn) onConnected() {
	c.mu.Lock()
	c.state = StateConnected
	c.sessionStart = time.Now()
	c.metricLabel = string(c.connectionType)
	c.mu.Unlock()

	telemetry.PeerConnections.WithLabelValues(c.metricLabel).Inc()

	if c.transports != nil {
		c.transports.Open(c.sendFrame)
	}
	if c.bus != nil {
		c.bus.Publish(events.EventP2PConnectionEstablished, events.Payload{
			"grid_id": c.gridID, "peer_user_id": c.peerUserID,
		})
	}
}

func (c *Conn) transitionAndEmit(s State, reason DisconnectReason) {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting || c.state == StateInviting {
		c.state = s
	}
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(events.EventHostDisconnected, events.Payload{
			"grid_id": c.gridID, "peer_user_id": c.peerUserID, "reason": string(reason),
		})
	}
}

// StartConnection begins the host-side handshake: create the data
// channel, create the offer, set it locally, and send it via signaling.
func (c *Conn) StartConnection(ctx context.Context, iceServers []webrtc.ICEServer) error {
	if err := c.ensurePeerConnection(iceServers); err != nil {
		return err
	}

	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()

	dc, err := pc.CreateDataChannel("grid", nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	c.attachDataChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	c.setState(StateConnecting)

	payload, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		return err
	}
	return c.signalSend(ctx, "offer", payload)
}

func (c *Conn) attachDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		c.bytesReceived += uint64(len(msg.Data))
		c.mu.Unlock()

		frame, err := transport.DecodeFrame(msg.Data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("malformed data-channel frame dropped")
			return
		}
		if c.transports != nil {
			c.transports.OnFrame(frame)
		}
	})
}

// sendFrame is the transport.Manager's SendFunc: encode and write over
// the data channel, counting bytes sent.
func (c *Conn) sendFrame(f transport.Frame) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil {
		return fmt.Errorf("data channel closed")
	}

	encoded, err := transport.EncodeFrame(f)
	if err != nil {
		return err
	}
	if err := dc.Send(encoded); err != nil {
		return err
	}

	c.mu.Lock()
	c.bytesSent += uint64(len(encoded))
	c.mu.Unlock()
	return nil
}

// HandleSignal dispatches an inbound webrtc_signal to this connection.
func (c *Conn) HandleSignal(ctx context.Context, signalType string, payload json.RawMessage, iceServers []webrtc.ICEServer) error {
	switch signalType {
	case "offer":
		return c.handleOffer(ctx, payload, iceServers)
	case "answer":
		return c.handleAnswer(payload)
	case "candidate":
		return c.handleCandidate(payload)
	default:
		return fmt.Errorf("unknown signal type %q", signalType)
	}
}

func (c *Conn) handleOffer(ctx context.Context, payload json.RawMessage, iceServers []webrtc.ICEServer) error {
	if err := c.ensurePeerConnection(iceServers); err != nil {
		return err
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}

	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()

	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	c.setState(StateConnecting)

	answerPayload, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		return err
	}
	return c.signalSend(ctx, "answer", answerPayload)
}

func (c *Conn) handleAnswer(payload json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}

	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("peer connection not initialized")
	}
	return pc.SetRemoteDescription(answer)
}

func (c *Conn) handleCandidate(payload json.RawMessage) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &cand); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("peer connection not initialized")
	}
	if err := pc.AddICECandidate(cand); err != nil {
		return err
	}
	if cand.Candidate != "" {
		c.observeCandidate(extractTyp(cand.Candidate))
	}
	return nil
}

// extractTyp pulls the " typ <token>" field out of an ICE candidate
// attribute line, per RFC 5245's candidate-attribute grammar.
func extractTyp(candidate string) string {
	const marker = " typ "
	idx := indexOf(candidate, marker)
	if idx < 0 {
		return ""
	}
	rest := candidate[idx+len(marker):]
	end := len(rest)
	for i, r := range rest {
		if r == ' ' {
			end = i
			break
		}
	}
	return rest[:end]
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// Close tears down the connection in the spec's §4.C order: transports,
// media (no-op — media capture is out of scope), data channel, peer
// connection, then a best-effort TURN usage report.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	dc := c.dc
	pc := c.pc
	connType := c.connectionType
	bytesSent := c.bytesSent
	bytesReceived := c.bytesReceived
	sessionStart := c.sessionStart
	wasCounted := c.metricLabel != ""
	metricLabel := c.metricLabel
	c.state = StateDisconnected
	c.mu.Unlock()

	if c.transports != nil {
		c.transports.StopAll()
	}
	if dc != nil {
		_ = dc.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}

	if wasCounted {
		telemetry.PeerConnections.WithLabelValues(metricLabel).Dec()
	}
	if bytesSent > 0 {
		telemetry.PeerBandwidthBytes.WithLabelValues(c.gridID, "sent").Add(float64(bytesSent))
	}
	if bytesReceived > 0 {
		telemetry.PeerBandwidthBytes.WithLabelValues(c.gridID, "received").Add(float64(bytesReceived))
	}

	c.reportBandwidth(connType, bytesSent, bytesReceived, sessionStart)
	return nil
}

// reportBandwidth posts a best-effort TURN usage report when the
// connection closed while classified as a relay and moved non-trivial
// bytes (spec §4.C).
func (c *Conn) reportBandwidth(connType ConnectionType, bytesSent, bytesReceived uint64, sessionStart time.Time) {
	total := bytesSent + bytesReceived
	if connType != ConnectionTURNRelay || total <= c.bandwidthMin || c.coordinator == nil {
		return
	}

	duration := time.Since(sessionStart).Seconds()
	if sessionStart.IsZero() {
		duration = 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.coordinator.ReportTurnUsage(ctx, coordinator.TurnUsageReport{
		GridID:          c.gridID,
		SessionID:       c.sessionID,
		BytesUsed:       total,
		DurationSeconds: duration,
		ConnectionType:  string(ConnectionTURNRelay),
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("turn usage report failed")
	}
}
