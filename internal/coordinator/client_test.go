package coordinator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := NewClient(srv.URL, func() (string, bool) { return "tok", true }, 5*time.Second, zerolog.Nop())
	return c, srv.Close
}

func TestGridStatus(t *testing.T) {
	c, closeSrv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/grids/G/status" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Fatalf("missing bearer token")
		}
		json.NewEncoder(w).Encode(GridSessionStatus{GridID: "G", SessionState: SessionHosted, CurrentHostID: "H"})
	})
	defer closeSrv()

	status, err := c.GridStatus(t.Context(), "G")
	if err != nil {
		t.Fatalf("grid status: %v", err)
	}
	if status.SessionState != SessionHosted || status.CurrentHostID != "H" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestClaimHostConflict(t *testing.T) {
	c, closeSrv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	defer closeSrv()

	err := c.ClaimHost(t.Context(), "G")
	if !IsKind(err, KindConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestClaimHostPermissionDenied(t *testing.T) {
	c, closeSrv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	defer closeSrv()

	err := c.ClaimHost(t.Context(), "G")
	if !IsKind(err, KindPermissionDenied) {
		t.Fatalf("expected permission denied error, got %v", err)
	}
}

func TestNoTokenIsAuthRequired(t *testing.T) {
	c := NewClient("https://example.invalid", func() (string, bool) { return "", false }, time.Second, zerolog.Nop())
	_, err := c.GridStatus(t.Context(), "G")
	if !IsKind(err, KindAuthRequired) {
		t.Fatalf("expected auth required error, got %v", err)
	}
}

func TestICEServerConfigScoped(t *testing.T) {
	c, closeSrv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grid_id") != "G" {
			t.Fatalf("expected grid_id query param, got %q", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(ICEConfig{TTL: 300, STUNServers: []STUNServerConfig{{URLs: []string{"stun:stun.example:3478"}}}})
	})
	defer closeSrv()

	cfg, err := c.ICEServerConfig(t.Context(), "G")
	if err != nil {
		t.Fatalf("ice config: %v", err)
	}
	if cfg.TTL != 300 || len(cfg.STUNServers) != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestReportTurnUsage(t *testing.T) {
	var received TurnUsageReport
	c, closeSrv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	})
	defer closeSrv()

	err := c.ReportTurnUsage(t.Context(), TurnUsageReport{
		GridID: "G", SessionID: "S", BytesUsed: 12000, DurationSeconds: 30, ConnectionType: "turn_relay",
	})
	if err != nil {
		t.Fatalf("report turn usage: %v", err)
	}
	if received.BytesUsed != 12000 {
		t.Fatalf("unexpected report: %+v", received)
	}
}

func TestCoordinatorUnavailableOn5xx(t *testing.T) {
	c, closeSrv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer closeSrv()

	err := c.Heartbeat(t.Context(), "G")
	if !IsKind(err, KindUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}
