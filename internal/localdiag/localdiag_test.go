package localdiag

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/friendsincode/gridcore/internal/events"
	"github.com/friendsincode/gridcore/internal/gridsession"
)

func TestHealthzReportsVersion(t *testing.T) {
	sessions := gridsession.New(gridsession.Config{Bus: events.NewBus(), Logger: zerolog.Nop()})
	defer sessions.Close()

	s := New("127.0.0.1:0", sessions, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
}

func TestGridsReturnsEmptySnapshotInitially(t *testing.T) {
	sessions := gridsession.New(gridsession.Config{Bus: events.NewBus(), Logger: zerolog.Nop()})
	defer sessions.Close()

	s := New("127.0.0.1:0", sessions, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/grids", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snapshot []gridsession.ConnSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(snapshot) != 0 {
		t.Fatalf("expected empty snapshot, got %d entries", len(snapshot))
	}
}

func TestMetricsEndpointIsReachable(t *testing.T) {
	sessions := gridsession.New(gridsession.Config{Bus: events.NewBus(), Logger: zerolog.Nop()})
	defer sessions.Close()

	s := New("127.0.0.1:0", sessions, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
