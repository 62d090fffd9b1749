// Package session defines the session validator consumed by the gateway and
// its production JWT implementation.
package session

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidToken is returned when a session token fails verification.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrTokenExpired is returned when a session token has expired.
	ErrTokenExpired = errors.New("session token expired")
	// ErrSessionRevoked is returned when the backing store no longer holds
	// the session record.
	ErrSessionRevoked = errors.New("session revoked")
)

// Session is the verified identity behind a connection. Every connection
// references exactly one live session.
type Session struct {
	ID        string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	Channels  []string  `json:"channels"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CanSubscribe reports whether the session's permission set covers the
// channel. Entries are exact channel names or prefixes ending in "*",
// e.g. "guide" or "pillar:*".
func (s *Session) CanSubscribe(channel string) bool {
	for _, pattern := range s.Channels {
		if pattern == "*" || pattern == channel {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// Validator turns an opaque token into a verified session. The gateway only
// depends on this interface; permission policy lives behind it.
type Validator interface {
	Validate(ctx context.Context, token string) (*Session, error)
}
