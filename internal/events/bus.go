/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package events is the one-way notification channel from the core to the
// UI layer. No component here ever receives a reply on this channel — it
// is purely upward communication, matching the "no back-pointers" rule for
// the ownership graph described in the grid session design notes.
package events

import "sync"

// EventType enumerates event categories the core emits to its listeners.
// Non-core signaling kinds received verbatim from the coordinator (e.g.
// text_message_*, typing_indicator) are re-emitted under their own wire
// name without a dedicated constant — EventType is just a string, so
// Publish(EventType(msg.Type), ...) works for those too.
type EventType string

const (
	// Host election / grid lifecycle.
	EventGridHostingStarted EventType = "grid_hosting_started"
	EventGridHostChanged    EventType = "grid_host_changed"

	// Peer connection lifecycle.
	EventP2PConnectionEstablished EventType = "p2p_connection_established"
	EventHostDisconnected         EventType = "host_disconnected"

	// Auto-reconnection.
	EventP2PReconnecting         EventType = "p2p_reconnecting"
	EventP2PReconnected          EventType = "p2p_reconnected"
	EventP2PReconnectionFailed   EventType = "p2p_reconnection_failed"
	EventP2PReconnectionCanceled EventType = "p2p_reconnection_cancelled"

	// Transport multiplexer.
	EventTransportStopped    EventType = "transport_stopped"
	EventP2PTerminalOutput   EventType = "p2p_terminal_output"
	EventP2PProcessOutput    EventType = "process_output"

	// Tunnel client.
	EventTunnelConnected EventType = "tunnel_connected"
	EventTunnelError     EventType = "tunnel_error"
)

// Payload is a generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub, one-way from publisher to
// subscriber. It never blocks a publisher: a subscriber too slow to drain
// its channel simply misses events rather than stalling the core.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 16)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers of eventType. Non-blocking.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}
