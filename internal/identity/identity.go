// Package identity supplies the active user session to the sync layer.
//
// The real provider is the client application's auth stack; this package
// only defines the contract plus a static implementation for the CLI and
// for tests.
package identity

import (
	"context"
	"errors"
)

// ErrNoSession indicates there is no authenticated session.
var ErrNoSession = errors.New("identity: no active session")

// Session describes the authenticated user.
type Session struct {
	OwnerID       string
	Token         string
	Authenticated bool
}

// Provider yields the current session.
type Provider interface {
	// Current returns the active session, or ErrNoSession when the user
	// is signed out or the session expired.
	Current(ctx context.Context) (Session, error)
}

// Static is a Provider with a fixed session, used by the CLI (owner and
// token come from config) and by tests.
type Static struct {
	Session Session
}

// Current implements Provider.
func (s *Static) Current(context.Context) (Session, error) {
	if !s.Session.Authenticated || s.Session.OwnerID == "" {
		return Session{}, ErrNoSession
	}
	return s.Session, nil
}
