package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Store checks whether a session record is still live. A nil Store disables
// revocation checks (token expiry alone bounds the session).
type Store interface {
	IsLive(ctx context.Context, sessionID string) (bool, error)
}

// JWTValidator verifies HMAC-signed session tokens. Claims carry the user
// ("sub"), session id ("sid"), tenant ("tid"), and permitted channel
// patterns ("channels").
type JWTValidator struct {
	secret []byte
	store  Store
	log    *zap.Logger
}

// NewJWTValidator creates a validator with the given signing secret. store
// may be nil.
func NewJWTValidator(secret string, store Store, log *zap.Logger) *JWTValidator {
	return &JWTValidator{
		secret: []byte(secret),
		store:  store,
		log:    log.With(zap.String("module", "session")),
	}
}

// Validate parses and verifies the token, then checks the session record is
// still live when a store is configured.
func (v *JWTValidator) Validate(ctx context.Context, token string) (*Session, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	sess := &Session{
		ID:        toString(claims["sid"]),
		UserID:    toString(claims["sub"]),
		TenantID:  toString(claims["tid"]),
		Channels:  toStringSlice(claims["channels"]),
		IssuedAt:  toTime(claims["iat"]),
		ExpiresAt: toTime(claims["exp"]),
	}
	if sess.ID == "" || sess.UserID == "" || sess.TenantID == "" {
		return nil, fmt.Errorf("%w: missing sid, sub, or tid claim", ErrInvalidToken)
	}

	if v.store != nil {
		live, err := v.store.IsLive(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("session store lookup: %w", err)
		}
		if !live {
			v.log.Warn("rejected revoked session",
				zap.String("session_id", sess.ID),
				zap.String("user_id", sess.UserID))
			return nil, ErrSessionRevoked
		}
	}
	return sess, nil
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toStringSlice(v interface{}) []string {
	switch arr := v.(type) {
	case []string:
		return arr
	case []interface{}:
		res := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := item.(string); ok {
				res = append(res, s)
			}
		}
		return res
	}
	return nil
}

func toTime(v interface{}) time.Time {
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0)
	case int64:
		return time.Unix(t, 0)
	}
	return time.Time{}
}
