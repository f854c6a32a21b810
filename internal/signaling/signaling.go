/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package signaling is the long-lived authenticated duplex link to the
// coordinator's WebSocket endpoint: typed JSON envelopes in and out, a
// fixed-interval ping loop, and no automatic reconnection at this layer —
// the Grid Session Manager decides when a connection needs to exist.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrAuthRequired means connect was called with no active session token.
var ErrAuthRequired = errors.New("signaling: auth required")

// ErrSignalingClosed means send was attempted with no active link.
var ErrSignalingClosed = errors.New("signaling: not connected")

// Message is the wire envelope: a type discriminator plus opaque payload.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Dispatcher receives every inbound message in arrival order.
type Dispatcher func(Message)

// TokenSource returns the bearer token for the connection URL, and false
// if no session is authenticated.
type TokenSource func() (string, bool)

// Channel is the signaling WebSocket client.
type Channel struct {
	tokenSrc   TokenSource
	dispatcher Dispatcher
	pingEvery  time.Duration
	logger     zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
	outbound  *outboundQueue
	wg        sync.WaitGroup
}

// outboundQueue is an unbounded FIFO queue guarded by a mutex + condition
// variable: a slow writer must never cause Send to drop a message (spec.md
// §4.A, grounded on original_source's `mpsc::unbounded_channel`). The
// backing slice grows to whatever Send asks of it.
type outboundQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Message
	closed bool
}

func newOutboundQueue() *outboundQueue {
	q := &outboundQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *outboundQueue) push(msg Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until a message is available or the queue is closed, in
// which case it returns false.
func (q *outboundQueue) pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Message{}, false
	}
	msg := q.items[0]
	q.items[0] = Message{}
	q.items = q.items[1:]
	return msg, true
}

// close wakes any blocked pop and makes every subsequent pop return false.
func (q *outboundQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// New creates a signaling channel. dispatcher is invoked for every
// message read from the socket, including pass-through kinds the core
// doesn't interpret itself (spec §4.A).
func New(tokenSrc TokenSource, pingEvery time.Duration, dispatcher Dispatcher, logger zerolog.Logger) *Channel {
	if pingEvery <= 0 {
		pingEvery = 15 * time.Second
	}
	return &Channel{
		tokenSrc:   tokenSrc,
		dispatcher: dispatcher,
		pingEvery:  pingEvery,
		logger:     logger.With().Str("component", "signaling").Logger(),
	}
}

// Connected reports whether the link is currently up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect establishes the link. Fails with ErrAuthRequired if no token is
// available. On success it spawns the reader, writer, and ping loop and
// returns immediately; message arrival and disconnection happen async.
func (c *Channel) Connect(ctx context.Context, url string) error {
	token, ok := c.tokenSrc()
	if !ok {
		return ErrAuthRequired
	}

	conn, _, err := websocket.Dial(ctx, url+"?token="+token, nil)
	if err != nil {
		return fmt.Errorf("signaling dial: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.cancel = cancel
	c.outbound = newOutboundQueue()
	c.mu.Unlock()

	c.wg.Add(4)
	go c.readLoop(runCtx, conn)
	go c.writeLoop(runCtx, conn)
	go c.pingLoop(runCtx)
	go c.closeQueueOnDone(runCtx, c.outbound)

	return nil
}

// Send enqueues message for delivery, preserving FIFO order. The queue is
// unbounded, so Send never fails because of backpressure — only because
// there is no link at all. Fails with ErrSignalingClosed if the link is
// absent.
func (c *Channel) Send(msg Message) error {
	c.mu.Lock()
	outbound := c.outbound
	connected := c.connected
	c.mu.Unlock()

	if !connected || outbound == nil {
		return ErrSignalingClosed
	}

	outbound.push(msg)
	return nil
}

func (c *Channel) closeQueueOnDone(ctx context.Context, q *outboundQueue) {
	defer c.wg.Done()
	<-ctx.Done()
	q.close()
}

// Disconnect drops the queue and socket.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.connected = false
	c.conn = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	c.wg.Wait()
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	defer c.markDisconnected()

	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug().Err(err).Msg("signaling read error")
			return
		}
		if msg.Type == "pong" {
			continue
		}
		if c.dispatcher != nil {
			c.dispatcher(msg)
		}
	}
}

func (c *Channel) writeLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	c.mu.Lock()
	outbound := c.outbound
	c.mu.Unlock()

	for {
		msg, ok := outbound.pop()
		if !ok {
			return
		}
		if err := wsjson.Write(ctx, conn, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug().Err(err).Msg("signaling write error")
			c.markDisconnected()
			return
		}
	}
}

func (c *Channel) pingLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A missing pong is not itself a kill signal — only a socket
			// error from the read/write loops ends the connection.
			_ = c.Send(Message{Type: "ping"})
		}
	}
}

func (c *Channel) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}
