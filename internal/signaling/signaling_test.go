package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func echoServer(t *testing.T, onMessage func(Message)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			var msg Message
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			if onMessage != nil {
				onMessage(msg)
			}
			if msg.Type == "ping" {
				continue
			}
			if err := wsjson.Write(ctx, conn, Message{Type: "echo", Payload: msg.Payload}); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + server.URL[len("http"):]
}

func TestConnectFailsWithoutToken(t *testing.T) {
	server := echoServer(t, nil)
	defer server.Close()

	ch := New(func() (string, bool) { return "", false }, time.Second, nil, zerolog.Nop())
	if err := ch.Connect(context.Background(), wsURL(server)); err != ErrAuthRequired {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
}

func TestSendFailsWhenNotConnected(t *testing.T) {
	ch := New(func() (string, bool) { return "tok", true }, time.Second, nil, zerolog.Nop())
	if err := ch.Send(Message{Type: "hello"}); err != ErrSignalingClosed {
		t.Fatalf("expected ErrSignalingClosed, got %v", err)
	}
}

func TestConnectSendReceiveRoundTrip(t *testing.T) {
	var mu sync.Mutex
	received := make([]Message, 0)

	ch := New(func() (string, bool) { return "tok", true }, time.Hour, func(m Message) {
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
	}, zerolog.Nop())

	server := echoServer(t, nil)
	defer server.Close()

	if err := ch.Connect(context.Background(), wsURL(server)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Disconnect()

	if !ch.Connected() {
		t.Fatal("expected connected after successful dial")
	}

	payload, _ := json.Marshal(map[string]string{"hi": "there"})
	if err := ch.Send(Message{Type: "session_invite", Payload: payload}); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for echoed message")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	got := received[0]
	mu.Unlock()
	if got.Type != "echo" {
		t.Fatalf("expected echo, got %q", got.Type)
	}
}

func TestPreservesFIFOOrderUnderBurst(t *testing.T) {
	var mu sync.Mutex
	var payloads []string

	ch := New(func() (string, bool) { return "tok", true }, time.Hour, func(m Message) {
		mu.Lock()
		payloads = append(payloads, string(m.Payload))
		mu.Unlock()
	}, zerolog.Nop())

	server := echoServer(t, nil)
	defer server.Close()

	if err := ch.Connect(context.Background(), wsURL(server)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Disconnect()

	// n exceeds the old bounded channel's capacity (256) so a regression
	// to a capped queue would surface here as a dropped Send, not just a
	// timing artifact.
	const n = 2000
	for i := 0; i < n; i++ {
		payload, _ := json.Marshal(i)
		if err := ch.Send(Message{Type: "text_message_sent", Payload: payload}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		got := len(payloads)
		mu.Unlock()
		if got == n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out, got %d/%d echoes", got, n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range payloads {
		want, _ := json.Marshal(i)
		if got != string(want) {
			t.Fatalf("echo %d out of order: got payload %s, want %s", i, got, want)
		}
	}
}

func TestPingLoopSendsPingsOnInterval(t *testing.T) {
	pings := make(chan struct{}, 4)
	server := echoServer(t, func(m Message) {
		if m.Type == "ping" {
			pings <- struct{}{}
		}
	})
	defer server.Close()

	ch := New(func() (string, bool) { return "tok", true }, 30*time.Millisecond, nil, zerolog.Nop())
	if err := ch.Connect(context.Background(), wsURL(server)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Disconnect()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a ping")
	}
}

func TestDisconnectMarksNotConnected(t *testing.T) {
	server := echoServer(t, nil)
	defer server.Close()

	ch := New(func() (string, bool) { return "tok", true }, time.Hour, nil, zerolog.Nop())
	if err := ch.Connect(context.Background(), wsURL(server)); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ch.Disconnect()

	if ch.Connected() {
		t.Fatal("expected not connected after Disconnect")
	}
	if err := ch.Send(Message{Type: "ping"}); err != ErrSignalingClosed {
		t.Fatalf("expected ErrSignalingClosed after disconnect, got %v", err)
	}
}
