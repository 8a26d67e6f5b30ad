package chatsync

import "errors"

var (
	// ErrIdentityUnavailable means the viewer identity could not be resolved.
	// Read paths fail closed: empty result, cursors untouched, no writes issued.
	ErrIdentityUnavailable = errors.New("chatsync: viewer identity unavailable")

	// ErrNotInitialized means the operation needs a cursor that has not been
	// populated yet (e.g., older-history before any catchup). Distinct from a
	// transport failure so callers can tell "nothing known yet" from "store down".
	ErrNotInitialized = errors.New("chatsync: cursor not initialized")

	// ErrTransport wraps document-store read/write failures. Cursors are never
	// moved on a failed read, so retrying the same operation is always safe.
	ErrTransport = errors.New("chatsync: transport failure")

	// ErrLiveActive means a live subscription is already running for the session.
	ErrLiveActive = errors.New("chatsync: live subscription already active")
)
