package gridsession

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/gridcore/internal/events"
	"github.com/friendsincode/gridcore/internal/signaling"
)

// newUnreachableManager builds a Manager whose ConnectToGridHost always
// fails fast (the Signaling Channel exists but is never connected), so
// reconnection attempts exhaust deterministically without real network
// I/O or real WebRTC negotiation.
func newUnreachableManager(t *testing.T) *Manager {
	t.Helper()
	bus := events.NewBus()
	mgr := New(Config{
		Bus:        bus,
		SelfUserID: "U1",
		Logger:     zerolog.Nop(),
	})
	ch := signaling.New(alwaysToken, time.Hour, mgr.Dispatch, zerolog.Nop())
	mgr.AttachSignaling(ch)
	return mgr
}

func TestBackoffDoublesBetweenAttempts(t *testing.T) {
	orig := backoffSchedule
	backoffSchedule = []time.Duration{15 * time.Millisecond, 30 * time.Millisecond, 60 * time.Millisecond}
	defer func() { backoffSchedule = orig }()

	mgr := newUnreachableManager(t)
	defer mgr.Close()

	reconnecting := mgr.bus.Subscribe(events.EventP2PReconnecting)
	failed := mgr.bus.Subscribe(events.EventP2PReconnectionFailed)

	mgr.reconnects.start("G", "H")

	var times []time.Time
	for i := 0; i < len(backoffSchedule); i++ {
		select {
		case <-reconnecting:
			times = append(times, time.Now())
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for reconnecting event %d", i+1)
		}
	}

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for p2p_reconnection_failed")
	}

	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		// Invariant 8: the k-th attempt occurs no earlier than the
		// (k-1)-th attempt's own backoff sleep after it.
		if gap < backoffSchedule[i-1] {
			t.Fatalf("attempt %d fired too early: gap=%v want>=%v", i+1, gap, backoffSchedule[i-1])
		}
	}
}

func TestReconnectionUniquePerGrid(t *testing.T) {
	orig := backoffSchedule
	backoffSchedule = []time.Duration{50 * time.Millisecond}
	defer func() { backoffSchedule = orig }()

	mgr := newUnreachableManager(t)
	defer mgr.Close()

	mgr.reconnects.start("G", "H")
	mgr.reconnects.start("G", "H") // should be a no-op, not a second loop

	mgr.reconnects.mu.Lock()
	n := len(mgr.reconnects.states)
	mgr.reconnects.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one in-flight reconnection state, got %d", n)
	}
}

func TestCancelReconnectionEndsLoopAndEmitsCancelled(t *testing.T) {
	orig := backoffSchedule
	backoffSchedule = []time.Duration{200 * time.Millisecond, 200 * time.Millisecond}
	defer func() { backoffSchedule = orig }()

	mgr := newUnreachableManager(t)
	defer mgr.Close()

	cancelled := mgr.bus.Subscribe(events.EventP2PReconnectionCanceled)
	failed := mgr.bus.Subscribe(events.EventP2PReconnectionFailed)

	mgr.reconnects.start("G", "H")
	time.Sleep(10 * time.Millisecond)
	mgr.CancelReconnection("G")

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for p2p_reconnection_cancelled")
	}

	select {
	case <-failed:
		t.Fatal("did not expect p2p_reconnection_failed after explicit cancellation")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestOnHostDisconnectedIgnoresHostSideLosses(t *testing.T) {
	mgr := newUnreachableManager(t)
	defer mgr.Close()

	// We are not a guest of "G" (guestOf has no entry), so a
	// host_disconnected for it must not start a reconnection loop — this
	// models the host side losing one of its guests.
	mgr.onHostDisconnected(events.Payload{"grid_id": "G", "peer_user_id": "some-guest"})

	if mgr.reconnects.active("G") {
		t.Fatal("did not expect a reconnection loop for a grid we are not a guest of")
	}
}
