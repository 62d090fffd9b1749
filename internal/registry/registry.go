// Package registry is the shared source of truth for which gateway
// instance owns which connection. All state lives in a TTL-capable shared
// store so horizontally-scaled gateways and restarts never lose routing
// information; no component may cache a registry entry as authoritative
// beyond one heartbeat interval.
package registry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConnectionNotFound is returned when a connection record does not
	// exist or has expired.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrRegistryUnavailable means the backing store cannot be reached.
	// Callers must fail fast; falling back to in-process state is
	// forbidden because it silently breaks horizontal scaling.
	ErrRegistryUnavailable = errors.New("registry unavailable")
	// ErrTenantMismatch is returned on a cross-tenant registry read.
	ErrTenantMismatch = errors.New("connection belongs to a different tenant")
)

// Connection is the persisted record for one live socket.
type Connection struct {
	ID            string    `json:"connection_id"`
	SessionID     string    `json:"session_id"`
	TenantID      string    `json:"tenant_id"`
	UserID        string    `json:"user_id"`
	InstanceID    string    `json:"gateway_instance_id"`
	Channels      []string  `json:"channels"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
}

// Subscribed reports whether the connection is subscribed to channel.
func (c *Connection) Subscribed(channel string) bool {
	for _, ch := range c.Channels {
		if ch == channel {
			return true
		}
	}
	return false
}

// Subscriber is the routing tuple the fanout layer needs.
type Subscriber struct {
	ConnectionID string
	InstanceID   string
	TenantID     string
}

// Registry is the store-backed connection directory. Records expire
// automatically if not refreshed within the TTL, so a crashed instance's
// entries are garbage-collected without a clean shutdown.
type Registry interface {
	// Register upserts the connection record and refreshes its TTL.
	Register(ctx context.Context, conn *Connection) error
	// Get returns the record or ErrConnectionNotFound.
	Get(ctx context.Context, connectionID string) (*Connection, error)
	// GetForTenant is Get plus a mandatory tenant check; a mismatch is
	// ErrTenantMismatch, never silently allowed.
	GetForTenant(ctx context.Context, connectionID, tenantID string) (*Connection, error)
	// Touch refreshes the TTL and last_heartbeat timestamp.
	Touch(ctx context.Context, connectionID string) error
	// Remove deletes the record. Idempotent.
	Remove(ctx context.Context, connectionID string) error
	// ListByInstance returns all live connections owned by an instance.
	ListByInstance(ctx context.Context, instanceID string) ([]*Connection, error)
	// ListSubscribers returns the routing tuples for a channel's current
	// subscribers.
	ListSubscribers(ctx context.Context, channel string) ([]Subscriber, error)
	// ListStale returns connections whose last_heartbeat is older than
	// maxAge. Used by the eviction sweep.
	ListStale(ctx context.Context, maxAge time.Duration) ([]*Connection, error)
	// Subscribe adds the connection to a channel.
	Subscribe(ctx context.Context, connectionID, channel string) error
	// Unsubscribe removes the connection from a channel. Idempotent.
	Unsubscribe(ctx context.Context, connectionID, channel string) error
}
