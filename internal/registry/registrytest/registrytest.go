// Package registrytest provides an in-process registry.Registry for tests.
// It mirrors the store semantics (TTL expiry, idempotent remove, tenant
// checks) without a running Redis and is never wired in production
// composition.
package registrytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/switchyard-io/switchyard/internal/registry"
)

type Registry struct {
	mu    sync.Mutex
	ttl   time.Duration
	conns map[string]*registry.Connection
	// now is swappable so tests can drive TTL expiry.
	now func() time.Time
}

var _ registry.Registry = (*Registry)(nil)

func New(ttl time.Duration) *Registry {
	return &Registry{
		ttl:   ttl,
		conns: make(map[string]*registry.Connection),
		now:   time.Now,
	}
}

// SetClock replaces the time source.
func (m *Registry) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Registry) Register(_ context.Context, conn *registry.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *conn
	cp.Channels = append([]string(nil), conn.Channels...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now().UTC()
	}
	cp.LastHeartbeat = m.now().UTC()
	m.conns[conn.ID] = &cp
	return nil
}

func (m *Registry) Get(_ context.Context, connectionID string) (*registry.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(connectionID)
}

func (m *Registry) GetForTenant(ctx context.Context, connectionID, tenantID string) (*registry.Connection, error) {
	conn, err := m.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.TenantID != tenantID {
		return nil, fmt.Errorf("%w: connection %s", registry.ErrTenantMismatch, connectionID)
	}
	return conn, nil
}

func (m *Registry) Touch(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.live(connectionID)
	if err != nil {
		return err
	}
	conn.LastHeartbeat = m.now().UTC()
	return nil
}

func (m *Registry) Remove(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, connectionID)
	return nil
}

func (m *Registry) ListByInstance(_ context.Context, instanceID string) ([]*registry.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*registry.Connection
	for id, conn := range m.conns {
		if conn.InstanceID != instanceID {
			continue
		}
		if live, err := m.live(id); err == nil {
			cp := *live
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Registry) ListSubscribers(_ context.Context, channel string) ([]registry.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var subs []registry.Subscriber
	for id, conn := range m.conns {
		if !conn.Subscribed(channel) {
			continue
		}
		if _, err := m.live(id); err != nil {
			continue
		}
		subs = append(subs, registry.Subscriber{
			ConnectionID: conn.ID,
			InstanceID:   conn.InstanceID,
			TenantID:     conn.TenantID,
		})
	}
	return subs, nil
}

func (m *Registry) ListStale(_ context.Context, maxAge time.Duration) ([]*registry.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	var stale []*registry.Connection
	for id, conn := range m.conns {
		if _, err := m.live(id); err != nil {
			continue
		}
		if conn.LastHeartbeat.Before(cutoff) {
			cp := *conn
			stale = append(stale, &cp)
		}
	}
	return stale, nil
}

func (m *Registry) Subscribe(_ context.Context, connectionID, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.live(connectionID)
	if err != nil {
		return err
	}
	if !conn.Subscribed(channel) {
		conn.Channels = append(conn.Channels, channel)
	}
	return nil
}

func (m *Registry) Unsubscribe(_ context.Context, connectionID, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connectionID]
	if !ok {
		return nil
	}
	filtered := conn.Channels[:0]
	for _, ch := range conn.Channels {
		if ch != channel {
			filtered = append(filtered, ch)
		}
	}
	conn.Channels = filtered
	return nil
}

// live returns the record if its heartbeat is within the TTL, expiring it
// otherwise. Callers hold the lock.
func (m *Registry) live(connectionID string) (*registry.Connection, error) {
	conn, ok := m.conns[connectionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrConnectionNotFound, connectionID)
	}
	if m.ttl > 0 && m.now().Sub(conn.LastHeartbeat) > m.ttl {
		delete(m.conns, connectionID)
		return nil, fmt.Errorf("%w: %s", registry.ErrConnectionNotFound, connectionID)
	}
	return conn, nil
}
