package peerconn

import "testing"

func TestClassifyCandidateType(t *testing.T) {
	cases := map[string]ConnectionType{
		"host":   ConnectionDirect,
		"srflx":  ConnectionSTUNAssisted,
		"relay":  ConnectionTURNRelay,
		"prflx":  ConnectionUnknown,
		"":       ConnectionUnknown,
	}
	for typ, want := range cases {
		if got := classifyCandidateType(typ); got != want {
			t.Errorf("classifyCandidateType(%q) = %q, want %q", typ, got, want)
		}
	}
}

func TestMergeClassificationRelayOverridesHost(t *testing.T) {
	got := mergeClassification(ConnectionDirect, ConnectionTURNRelay)
	if got != ConnectionTURNRelay {
		t.Fatalf("expected relay to override direct, got %q", got)
	}
}

func TestMergeClassificationHostDoesNotOverrideRelay(t *testing.T) {
	got := mergeClassification(ConnectionTURNRelay, ConnectionDirect)
	if got != ConnectionTURNRelay {
		t.Fatalf("expected relay to stick, got %q", got)
	}
}

func TestMergeClassificationSTUNOverridesUnknown(t *testing.T) {
	got := mergeClassification(ConnectionUnknown, ConnectionSTUNAssisted)
	if got != ConnectionSTUNAssisted {
		t.Fatalf("expected stun_assisted to override unknown, got %q", got)
	}
}

func TestEveryClassificationReachableFromConnected(t *testing.T) {
	// Invariant 5: on reaching Connected, connection_type must never be
	// unknown in practice — every real ICE candidate typ is one of the
	// three recognized substrings.
	for _, typ := range []string{"host", "srflx", "relay"} {
		if classifyCandidateType(typ) == ConnectionUnknown {
			t.Fatalf("typ %q unexpectedly classified as unknown", typ)
		}
	}
}
