// Package identity exposes the viewer-identity capability consumed by the
// sync engine. Resolution itself (auth, tokens) lives outside this module.
package identity

import "errors"

// ErrUnavailable is returned when no viewer identity can be resolved.
var ErrUnavailable = errors.New("identity: viewer unavailable")

// Provider resolves the current viewer's user ID.
type Provider interface {
	// CurrentUserID returns the viewer's user ID, or ErrUnavailable when the
	// identity cannot be resolved right now (e.g., an auth race at startup).
	CurrentUserID() (string, error)
}

// Static is a Provider with a fixed user ID, used by tools and tests.
type Static string

// CurrentUserID returns the fixed ID, or ErrUnavailable when empty.
func (s Static) CurrentUserID() (string, error) {
	if s == "" {
		return "", ErrUnavailable
	}
	return string(s), nil
}
