/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package peerconn wraps one WebRTC peer connection: ICE negotiation and
// candidate classification, data-channel lifecycle, bandwidth accounting,
// and TURN relay usage reporting.
package peerconn

import "strings"

// ConnectionType is the connectivity class a Peer Connection settles on,
// derived from the `typ` token of the ICE candidate in effect when the
// underlying connection reaches Connected.
type ConnectionType string

const (
	ConnectionUnknown      ConnectionType = "unknown"
	ConnectionDirect       ConnectionType = "direct_p2p"
	ConnectionSTUNAssisted ConnectionType = "stun_assisted"
	ConnectionTURNRelay    ConnectionType = "turn_relay"
)

// classifyCandidateType derives a ConnectionType from an ICE candidate's
// `typ` token by substring match (spec §4.C): host → direct_p2p, srflx →
// stun_assisted, relay → turn_relay, anything else → unknown.
func classifyCandidateType(typ string) ConnectionType {
	switch {
	case strings.Contains(typ, "relay"):
		return ConnectionTURNRelay
	case strings.Contains(typ, "srflx"):
		return ConnectionSTUNAssisted
	case strings.Contains(typ, "host"):
		return ConnectionDirect
	default:
		return ConnectionUnknown
	}
}

// rank orders classifications so a later-detected relay candidate always
// overrides an earlier host/srflx one — a relay candidate means the
// connectivity check ultimately succeeded via TURN (spec §4.C tie-break).
func (c ConnectionType) rank() int {
	switch c {
	case ConnectionTURNRelay:
		return 3
	case ConnectionSTUNAssisted:
		return 2
	case ConnectionDirect:
		return 1
	default:
		return 0
	}
}

// mergeClassification folds a newly observed candidate classification into
// the running one, preferring the higher-ranked (more "final") class.
func mergeClassification(current, observed ConnectionType) ConnectionType {
	if observed.rank() > current.rank() {
		return observed
	}
	return current
}
