/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package coordinator is a REST client for the coordinator's grid, host
// election, and ICE configuration endpoints. The coordinator itself —
// its CRUD surface, auth issuance, and storage — is out of scope; this
// package only speaks the subset of its API the core consumes.
package coordinator

import "fmt"

// Kind distinguishes the coordinator error taxonomy surfaced to callers.
type Kind string

const (
	// KindAuthRequired means no active session/token was available when one was needed.
	KindAuthRequired Kind = "auth_required"
	// KindUnavailable means the REST call failed transport-level or returned 5xx.
	KindUnavailable Kind = "coordinator_unavailable"
	// KindConflict is a 409 — e.g. a grid already hosted by someone else.
	KindConflict Kind = "conflict"
	// KindPermissionDenied is a 403.
	KindPermissionDenied Kind = "permission_denied"
	// KindUnexpectedState means the grid's status isn't one the caller can proceed from.
	KindUnexpectedState Kind = "grid_in_unexpected_state"
	// KindNotFound means the referenced grid, session, or share doesn't exist.
	KindNotFound Kind = "not_found"
)

// Error is the coordinator client's error taxonomy. Kind is stable and
// intended for callers to switch on; Message is a short, actionable
// string suitable for direct UI display.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, status int, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, StatusCode: status, Err: err}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var cErr *Error
	if err == nil {
		return false
	}
	if e, ok := err.(*Error); ok {
		cErr = e
	} else {
		return false
	}
	return cErr.Kind == kind
}

// UserMessage maps an error kind to a short, actionable UI string.
func UserMessage(err error) string {
	e, ok := err.(*Error)
	if !ok {
		return "Something went wrong. Try again."
	}
	switch e.Kind {
	case KindAuthRequired:
		return "You need to sign in again."
	case KindUnavailable:
		return "Couldn't reach the coordinator. Check your connection and try again."
	case KindConflict:
		return "Grid is already hosted by someone else."
	case KindPermissionDenied:
		return "You don't have permission to do that."
	case KindUnexpectedState:
		return "Grid is being restored. Try again shortly."
	case KindNotFound:
		return "That grid or session no longer exists."
	default:
		return e.Message
	}
}
