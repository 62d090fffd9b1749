package session

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCanSubscribe(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		channel  string
		want     bool
	}{
		{"exact match", []string{"orders.created"}, "orders.created", true},
		{"exact mismatch", []string{"orders.created"}, "orders.deleted", false},
		{"wildcard all", []string{"*"}, "anything.at.all", true},
		{"prefix wildcard", []string{"orders.*"}, "orders.created", true},
		{"prefix wildcard mismatch", []string{"orders.*"}, "billing.created", false},
		{"prefix wildcard bare prefix", []string{"orders.*"}, "orders.", true},
		{"no patterns", nil, "orders.created", false},
		{"second pattern matches", []string{"billing.*", "orders.*"}, "orders.created", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{Channels: tt.patterns}
			assert.Equal(t, tt.want, s.CanSubscribe(tt.channel))
		})
	}
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

type fakeStore struct {
	live map[string]bool
	err  error
}

func (f *fakeStore) IsLive(_ context.Context, sessionID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.live[sessionID], nil
}

func TestJWTValidator(t *testing.T) {
	const secret = "test-secret"
	now := time.Now()

	validClaims := jwt.MapClaims{
		"sub":      "user-1",
		"sid":      "sess-1",
		"tid":      "tenant-a",
		"channels": []string{"orders.*"},
		"iat":      now.Unix(),
		"exp":      now.Add(time.Hour).Unix(),
	}

	t.Run("valid token", func(t *testing.T) {
		v := NewJWTValidator(secret, nil, zap.NewNop())
		sess, err := v.Validate(context.Background(), signToken(t, secret, validClaims))
		require.NoError(t, err)
		assert.Equal(t, "sess-1", sess.ID)
		assert.Equal(t, "user-1", sess.UserID)
		assert.Equal(t, "tenant-a", sess.TenantID)
		assert.Equal(t, []string{"orders.*"}, sess.Channels)
	})

	t.Run("wrong secret", func(t *testing.T) {
		v := NewJWTValidator(secret, nil, zap.NewNop())
		_, err := v.Validate(context.Background(), signToken(t, "other-secret", validClaims))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired token", func(t *testing.T) {
		claims := jwt.MapClaims{
			"sub": "user-1",
			"sid": "sess-1",
			"tid": "tenant-a",
			"exp": now.Add(-time.Hour).Unix(),
		}
		v := NewJWTValidator(secret, nil, zap.NewNop())
		_, err := v.Validate(context.Background(), signToken(t, secret, claims))
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("missing tenant claim", func(t *testing.T) {
		claims := jwt.MapClaims{
			"sub": "user-1",
			"sid": "sess-1",
			"exp": now.Add(time.Hour).Unix(),
		}
		v := NewJWTValidator(secret, nil, zap.NewNop())
		_, err := v.Validate(context.Background(), signToken(t, secret, claims))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage token", func(t *testing.T) {
		v := NewJWTValidator(secret, nil, zap.NewNop())
		_, err := v.Validate(context.Background(), "not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("revoked session", func(t *testing.T) {
		store := &fakeStore{live: map[string]bool{}}
		v := NewJWTValidator(secret, store, zap.NewNop())
		_, err := v.Validate(context.Background(), signToken(t, secret, validClaims))
		assert.ErrorIs(t, err, ErrSessionRevoked)
	})

	t.Run("live session passes store check", func(t *testing.T) {
		store := &fakeStore{live: map[string]bool{"sess-1": true}}
		v := NewJWTValidator(secret, store, zap.NewNop())
		sess, err := v.Validate(context.Background(), signToken(t, secret, validClaims))
		require.NoError(t, err)
		assert.Equal(t, "sess-1", sess.ID)
	})
}
