// Package server enforces credential checks at connect time and on every
// inbound application frame through the auth gate.
package server

import (
	"fmt"
	"log/slog"

	"github.com/charlago/charla/internal/auth"
	"github.com/charlago/charla/internal/secure"
)

// TokenVerifier validates a bearer credential and returns the identity it
// was issued for.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// Gate validates credentials for the connection lifecycle: once when a
// client connects, and again for every inbound frame so a revoked or
// expired credential cannot keep a long-lived connection alive.
type Gate struct {
	verifier TokenVerifier
	logger   *slog.Logger
}

// NewGate creates a Gate backed by the given verifier.
func NewGate(verifier TokenVerifier, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{verifier: verifier, logger: logger}
}

// AuthenticateConnect validates the connect-time credential and derives the
// session's initial channel key. A missing, malformed, or expired token
// fails with ErrAuthRejected and no session is created.
func (g *Gate) AuthenticateConnect(token string) (auth.Identity, []byte, error) {
	if token == "" {
		return auth.Identity{}, nil, fmt.Errorf("%w: no credential supplied", ErrAuthRejected)
	}

	identity, err := g.verifier.Verify(token)
	if err != nil {
		g.logger.Warn("connect credential rejected", "error", err)
		return auth.Identity{}, nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}

	return identity, secure.DeriveKey(token), nil
}

// Reauthenticate re-validates a session against an inbound frame. A frame
// carrying a fresh token rotates the session's credential and channel key on
// successful verification; a frame without one re-verifies the stored token,
// which catches server-side revocation or expiry mid-connection. Any failure
// returns ErrAuthRejected and the caller must force a logout.
func (g *Gate) Reauthenticate(sess *Session, frameToken string) error {
	if frameToken != "" {
		identity, err := g.verifier.Verify(frameToken)
		if err != nil {
			g.logger.Warn("frame credential rejected",
				"user", sess.Username(), "error", err)
			return fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		if identity.ID != sess.IdentityID() {
			g.logger.Warn("frame credential for different identity",
				"user", sess.Username(), "claimed", identity.Username)
			return fmt.Errorf("%w: credential identity mismatch", ErrAuthRejected)
		}

		stored, _ := sess.credential()
		if frameToken != stored {
			sess.rotateCredential(frameToken, secure.DeriveKey(frameToken))
			g.logger.Debug("session credential rotated", "user", sess.Username())
		}
		return nil
	}

	stored, _ := sess.credential()
	if _, err := g.verifier.Verify(stored); err != nil {
		g.logger.Warn("stored credential no longer valid",
			"user", sess.Username(), "error", err)
		return fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}
	return nil
}
