package tunnel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/friendsincode/gridcore/internal/events"
)

// fakeTunnelServer stands in for the tunnel server: it accepts one
// WebSocket, sends a "connected" envelope, and lets the test script
// further messages at it and assert on replies.
type fakeTunnelServer struct {
	server *httptest.Server
	connMu sync.Mutex
	conn   *websocket.Conn
	ready  chan struct{}
}

func newFakeTunnelServer(t *testing.T) *fakeTunnelServer {
	f := &fakeTunnelServer{ready: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tunnel/share1/proc1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		f.connMu.Lock()
		f.conn = conn
		f.connMu.Unlock()
		close(f.ready)

		ctx := r.Context()
		_ = wsjson.Write(ctx, conn, message{Type: "connected", TunnelID: "T1", GridShareID: "share1", ProcessID: "proc1"})
		<-ctx.Done()
	})
	f.server = httptest.NewServer(mux)
	return f
}

func (f *fakeTunnelServer) wsURL() string { return "ws" + f.server.URL[len("http"):] }

func (f *fakeTunnelServer) send(ctx context.Context, msg message) error {
	f.connMu.Lock()
	conn := f.conn
	f.connMu.Unlock()
	return wsjson.Write(ctx, conn, msg)
}

func (f *fakeTunnelServer) read(ctx context.Context) (message, error) {
	f.connMu.Lock()
	conn := f.conn
	f.connMu.Unlock()
	var msg message
	err := wsjson.Read(ctx, conn, &msg)
	return msg, err
}

func TestConnectedEventIsPublished(t *testing.T) {
	fake := newFakeTunnelServer(t)
	defer fake.server.Close()

	bus := events.NewBus()
	connected := bus.Subscribe(events.EventTunnelConnected)

	client := New(fake.wsURL(), "tok", "share1", "proc1", 0, bus, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case payload := <-connected:
		if payload["tunnel_id"] != "T1" {
			t.Fatalf("expected tunnel_id T1, got %v", payload["tunnel_id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tunnel_connected")
	}
}

func TestHTTPRequestIsProxiedToLocalPort(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hello" {
			t.Errorf("expected path /hello, got %s", r.URL.Path)
		}
		w.Header().Set("X-Echo", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("world"))
	}))
	defer local.Close()

	localPort := portFromURL(t, local.URL)

	fake := newFakeTunnelServer(t)
	defer fake.server.Close()

	bus := events.NewBus()
	client := New(fake.wsURL(), "tok", "share1", "proc1", localPort, bus, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	<-fake.ready

	if err := fake.send(ctx, message{Type: "http_request", RequestID: "r1", Method: "GET", Path: "/hello"}); err != nil {
		t.Fatalf("send http_request: %v", err)
	}

	resp, err := fake.read(ctx)
	if err != nil {
		t.Fatalf("read http_response: %v", err)
	}
	if resp.Type != "http_response" || resp.RequestID != "r1" {
		t.Fatalf("unexpected response envelope: %+v", resp)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if string(resp.Body) != "world" {
		t.Fatalf("expected body 'world', got %q", resp.Body)
	}
	if resp.Headers["X-Echo"] != "yes" {
		t.Fatalf("expected X-Echo header to round-trip, got %v", resp.Headers)
	}
}

func TestHTTPRequestAgainstDeadLocalPortReturns502(t *testing.T) {
	fake := newFakeTunnelServer(t)
	defer fake.server.Close()

	bus := events.NewBus()
	// Port 1 is reserved and nothing will be listening on it locally.
	client := New(fake.wsURL(), "tok", "share1", "proc1", 1, bus, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	<-fake.ready

	if err := fake.send(ctx, message{Type: "http_request", RequestID: "r2", Method: "GET", Path: "/"}); err != nil {
		t.Fatalf("send http_request: %v", err)
	}

	resp, err := fake.read(ctx)
	if err != nil {
		t.Fatalf("read http_response: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if resp.RequestID != "r2" {
		t.Fatalf("expected request_id r2 to round-trip, got %q", resp.RequestID)
	}
}

func TestHeartbeatIsSentOnInterval(t *testing.T) {
	fake := newFakeTunnelServer(t)
	defer fake.server.Close()

	bus := events.NewBus()
	client := New(fake.wsURL(), "tok", "share1", "proc1", 0, bus, zerolog.Nop())

	orig := heartbeatInterval
	heartbeatInterval = 20 * time.Millisecond
	defer func() { heartbeatInterval = orig }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	<-fake.ready

	// The server only ever receives client-originated messages on this
	// conn, so the first inbound message here is a heartbeat.
	readCtx, readCancel := context.WithTimeout(ctx, 2*time.Second)
	defer readCancel()
	msg, err := fake.read(readCtx)
	if err != nil {
		t.Fatalf("read heartbeat: %v", err)
	}
	if msg.Type != "heartbeat" {
		t.Fatalf("expected heartbeat, got %q", msg.Type)
	}
}

func portFromURL(t *testing.T, u string) int {
	t.Helper()
	parsed, err := url.Parse(u)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", u, err)
	}
	port, err := strconv.Atoi(parsed.Port())
	if err != nil {
		t.Fatalf("failed to parse port from %q: %v", u, err)
	}
	return port
}
