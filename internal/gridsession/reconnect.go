/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package gridsession

import (
	"context"
	"sync"
	"time"

	"github.com/friendsincode/gridcore/internal/events"
	"github.com/friendsincode/gridcore/internal/telemetry"
)

// backoffSchedule is the fixed 1,2,4,8,16s sequence from spec §4.D,
// confirmed verbatim against original_source's attempt_reconnection.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// reconnectState is a ReconnectionState entry: its mere presence in the
// tracker's map means a reconnection loop for that grid is in flight.
type reconnectState struct {
	cancel chan struct{}
}

// reconnectTracker guards the single "am I already reconnecting?"
// critical section spec §5 requires: the check and the insert happen
// under the same lock.
type reconnectTracker struct {
	m      *Manager
	mu     sync.Mutex
	states map[string]*reconnectState
}

func newReconnectTracker(m *Manager) *reconnectTracker {
	return &reconnectTracker{m: m, states: make(map[string]*reconnectState)}
}

// start begins a reconnection loop for gridID unless one is already
// running (invariant 7: at most one concurrent loop per grid).
func (t *reconnectTracker) start(gridID, hostUserID string) {
	t.mu.Lock()
	if _, exists := t.states[gridID]; exists {
		t.mu.Unlock()
		return
	}
	state := &reconnectState{cancel: make(chan struct{})}
	t.states[gridID] = state
	t.mu.Unlock()

	go t.run(gridID, hostUserID, state)
}

func (t *reconnectTracker) active(gridID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.states[gridID]
	return ok
}

func (t *reconnectTracker) remove(gridID string) {
	t.mu.Lock()
	delete(t.states, gridID)
	t.mu.Unlock()
}

func (t *reconnectTracker) run(gridID, hostUserID string, state *reconnectState) {
	for attempt := 1; attempt <= len(backoffSchedule); attempt++ {
		if !t.active(gridID) {
			return
		}

		delay := backoffSchedule[attempt-1]
		if t.m.bus != nil {
			t.m.bus.Publish(events.EventP2PReconnecting, events.Payload{
				"grid_id": gridID, "attempt": attempt, "max_attempts": len(backoffSchedule),
				"delay_seconds": int(delay.Seconds()),
			})
		}

		select {
		case <-time.After(delay):
		case <-state.cancel:
		}

		if !t.active(gridID) {
			return
		}

		// Old connection is removed from the map before reconnecting
		// (spec §4.D step between sleeps).
		t.m.removeConn(gridID)

		if err := t.m.ConnectToGridHost(context.Background(), gridID, hostUserID); err != nil {
			t.m.logger.Warn().Err(err).Str("grid_id", gridID).Int("attempt", attempt).Msg("reconnection attempt failed")
			telemetry.ReconnectionAttempts.WithLabelValues(gridID, "failure").Inc()
			continue
		}

		telemetry.ReconnectionAttempts.WithLabelValues(gridID, "success").Inc()
		t.remove(gridID)
		if t.m.bus != nil {
			t.m.bus.Publish(events.EventP2PReconnected, events.Payload{"grid_id": gridID, "attempt": attempt})
		}
		return
	}

	telemetry.ReconnectionAttempts.WithLabelValues(gridID, "exhausted").Inc()
	t.remove(gridID)
	if t.m.bus != nil {
		t.m.bus.Publish(events.EventP2PReconnectionFailed, events.Payload{"grid_id": gridID, "max_attempts": len(backoffSchedule)})
	}
}

// cancel ends a grid's reconnection loop at its next checkpoint, e.g. on
// an explicit disconnect_from_process call.
func (t *reconnectTracker) cancel(gridID string) {
	t.mu.Lock()
	state, ok := t.states[gridID]
	if ok {
		delete(t.states, gridID)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	close(state.cancel)
	if t.m.bus != nil {
		t.m.bus.Publish(events.EventP2PReconnectionCanceled, events.Payload{"grid_id": gridID})
	}
}

func (t *reconnectTracker) cancelAll() {
	t.mu.Lock()
	states := t.states
	t.states = make(map[string]*reconnectState)
	t.mu.Unlock()

	for _, s := range states {
		close(s.cancel)
	}
}

// onHostDisconnected starts auto-reconnection only when the lost
// connection was one we held as a guest (a host losing a guest does not
// reconnect — the guest will rejoin if it wants to).
func (m *Manager) onHostDisconnected(payload events.Payload) {
	gridID, _ := payload["grid_id"].(string)
	peerUserID, _ := payload["peer_user_id"].(string)
	if gridID == "" {
		return
	}

	m.mu.RLock()
	hostUserID, isGuest := m.guestOf[gridID]
	m.mu.RUnlock()

	if !isGuest || hostUserID != peerUserID {
		return
	}
	m.reconnects.start(gridID, hostUserID)
}

// CancelReconnection stops an in-flight reconnection loop for gridID, if
// any (the explicit disconnect_from_process path).
func (m *Manager) CancelReconnection(gridID string) {
	m.reconnects.cancel(gridID)
}
