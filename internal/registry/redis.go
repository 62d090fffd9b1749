package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	cb "github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/switchyard-io/switchyard/pkg/json"
	"github.com/switchyard-io/switchyard/pkg/metrics"
	"github.com/switchyard-io/switchyard/pkg/redis"
)

// Connection hash fields. The record is a Redis hash so heartbeats and
// subscription changes are independent single-key writes that never
// rewrite each other's fields: "data" holds the immutable identity
// document, "hb" the last heartbeat, and one "ch:{channel}" field per
// subscription.
const (
	fieldData      = "data"
	fieldHeartbeat = "hb"
	channelPrefix  = "ch:"
)

// touchScript refreshes the heartbeat and TTL only while the record still
// exists, so a heartbeat racing a Remove cannot resurrect the key.
var touchScript = goredis.NewScript(`
if redis.call("HEXISTS", KEYS[1], "data") == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "hb", ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

// subscribeScript adds a channel field under the same existence guard.
var subscribeScript = goredis.NewScript(`
if redis.call("HEXISTS", KEYS[1], "data") == 0 then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], "1")
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

// RedisRegistry implements Registry on Redis. The connection hash's TTL is
// the liveness authority; the per-instance and per-channel sets are
// advisory indexes whose stale members are filtered on read and pruned
// lazily. All mutations are single atomic commands or guarded scripts, so
// correctness does not depend on any in-process lock.
type RedisRegistry struct {
	client  *redis.Client
	keys    *redis.KeyBuilder
	ttl     time.Duration
	breaker *cb.CircuitBreaker
	log     *zap.Logger
}

// NewRedisRegistry creates a registry with the given record TTL. A circuit
// breaker guards every store operation so sustained Redis failures surface
// as ErrRegistryUnavailable instead of piling up timeouts.
func NewRedisRegistry(client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisRegistry {
	log = log.With(zap.String("module", "registry"))
	settings := cb.Settings{
		Name:        "ConnectionRegistry",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to cb.State) {
			log.Warn("registry circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if to == cb.StateOpen {
				metrics.RegistryBreakerOpen.Set(1)
			} else {
				metrics.RegistryBreakerOpen.Set(0)
			}
		},
	}
	return &RedisRegistry{
		client:  client,
		keys:    redis.NewKeyBuilder(redis.ContextRegistry),
		ttl:     ttl,
		breaker: cb.NewCircuitBreaker(settings),
		log:     log,
	}
}

func (r *RedisRegistry) connKey(id string) string     { return r.keys.Build("conn", id) }
func (r *RedisRegistry) instanceKey(id string) string { return r.keys.Build("instance", id) }
func (r *RedisRegistry) channelKey(ch string) string  { return r.keys.Build("chan", ch) }

// execute runs a store operation through the breaker. ErrConnectionNotFound
// and ErrTenantMismatch are application outcomes, not store failures, so
// they never count against the breaker.
func (r *RedisRegistry) execute(op string, fn func() error) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		err := fn()
		if errors.Is(err, ErrConnectionNotFound) || errors.Is(err, ErrTenantMismatch) {
			return err, nil
		}
		return nil, err
	})
	if err != nil {
		metrics.RegistryErrors.Inc()
		if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
			return fmt.Errorf("%w: %s: circuit open", ErrRegistryUnavailable, op)
		}
		return fmt.Errorf("%w: %s: %v", ErrRegistryUnavailable, op, err)
	}
	return nil
}

// executeResult is execute for operations whose application-level outcome
// (not found, tenant mismatch) must reach the caller.
func (r *RedisRegistry) executeResult(op string, fn func() error) error {
	var outcome error
	err := r.execute(op, func() error {
		outcome = fn()
		return outcome
	})
	if err != nil {
		return err
	}
	return outcome
}

func (r *RedisRegistry) Register(ctx context.Context, conn *Connection) error {
	now := time.Now().UTC()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.LastHeartbeat = now

	doc := *conn
	// Channels and heartbeat live in their own hash fields; the document
	// carries only the immutable identity.
	doc.Channels = nil
	doc.LastHeartbeat = time.Time{}
	data, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal connection %s: %w", conn.ID, err)
	}

	return r.execute("register", func() error {
		fields := []interface{}{fieldData, data, fieldHeartbeat, encodeHeartbeat(now)}
		for _, ch := range conn.Channels {
			fields = append(fields, channelPrefix+ch, "1")
		}
		pipe := r.client.Pipeline()
		pipe.HSet(ctx, r.connKey(conn.ID), fields...)
		pipe.PExpire(ctx, r.connKey(conn.ID), r.ttl)
		pipe.SAdd(ctx, r.instanceKey(conn.InstanceID), conn.ID)
		for _, ch := range conn.Channels {
			pipe.SAdd(ctx, r.channelKey(ch), conn.ID)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (r *RedisRegistry) Get(ctx context.Context, connectionID string) (*Connection, error) {
	var conn *Connection
	err := r.executeResult("get", func() error {
		c, err := r.fetch(ctx, connectionID)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (r *RedisRegistry) GetForTenant(ctx context.Context, connectionID, tenantID string) (*Connection, error) {
	conn, err := r.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.TenantID != tenantID {
		metrics.TenantViolations.Inc()
		r.log.Warn("cross-tenant registry read refused",
			zap.String("connection_id", connectionID),
			zap.String("requested_tenant", tenantID),
			zap.String("owner_tenant", conn.TenantID))
		return nil, fmt.Errorf("%w: connection %s", ErrTenantMismatch, connectionID)
	}
	return conn, nil
}

// Touch refreshes the heartbeat field and the record TTL in one atomic
// script. It never rewrites the document or the channel fields, so a
// heartbeat cannot clobber a concurrent subscription change.
func (r *RedisRegistry) Touch(ctx context.Context, connectionID string) error {
	return r.executeResult("touch", func() error {
		args := []interface{}{encodeHeartbeat(time.Now().UTC()), r.ttl.Milliseconds()}
		n, err := touchScript.Run(ctx, r.client.Client, []string{r.connKey(connectionID)}, args...).Int()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
		}
		return nil
	})
}

func (r *RedisRegistry) Remove(ctx context.Context, connectionID string) error {
	return r.execute("remove", func() error {
		conn, err := r.fetch(ctx, connectionID)
		if errors.Is(err, ErrConnectionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		pipe := r.client.Pipeline()
		pipe.Del(ctx, r.connKey(connectionID))
		pipe.SRem(ctx, r.instanceKey(conn.InstanceID), connectionID)
		for _, ch := range conn.Channels {
			pipe.SRem(ctx, r.channelKey(ch), connectionID)
		}
		_, err = pipe.Exec(ctx)
		return err
	})
}

func (r *RedisRegistry) ListByInstance(ctx context.Context, instanceID string) ([]*Connection, error) {
	var conns []*Connection
	err := r.execute("list_by_instance", func() error {
		ids, err := r.client.SMembers(ctx, r.instanceKey(instanceID)).Result()
		if err != nil {
			return err
		}
		conns = conns[:0]
		for _, id := range ids {
			conn, err := r.fetch(ctx, id)
			if errors.Is(err, ErrConnectionNotFound) {
				// Expired record still indexed; prune lazily.
				r.client.SRem(ctx, r.instanceKey(instanceID), id)
				continue
			}
			if err != nil {
				return err
			}
			conns = append(conns, conn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conns, nil
}

func (r *RedisRegistry) ListSubscribers(ctx context.Context, channel string) ([]Subscriber, error) {
	var subs []Subscriber
	err := r.execute("list_subscribers", func() error {
		ids, err := r.client.SMembers(ctx, r.channelKey(channel)).Result()
		if err != nil {
			return err
		}
		subs = subs[:0]
		for _, id := range ids {
			conn, err := r.fetch(ctx, id)
			if errors.Is(err, ErrConnectionNotFound) {
				r.client.SRem(ctx, r.channelKey(channel), id)
				continue
			}
			if err != nil {
				return err
			}
			if !conn.Subscribed(channel) {
				// Index drifted from the authoritative record.
				r.client.SRem(ctx, r.channelKey(channel), id)
				continue
			}
			subs = append(subs, Subscriber{
				ConnectionID: conn.ID,
				InstanceID:   conn.InstanceID,
				TenantID:     conn.TenantID,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *RedisRegistry) ListStale(ctx context.Context, maxAge time.Duration) ([]*Connection, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	var stale []*Connection
	err := r.execute("list_stale", func() error {
		stale = stale[:0]
		iter := r.client.Scan(ctx, 0, r.keys.BuildPattern("conn"), 100).Iterator()
		for iter.Next(ctx) {
			conn, err := r.fetchKey(ctx, iter.Val())
			if errors.Is(err, ErrConnectionNotFound) {
				continue
			}
			if err != nil {
				r.log.Warn("skipping unreadable connection record",
					zap.String("key", iter.Val()),
					zap.Error(err))
				continue
			}
			if conn.LastHeartbeat.Before(cutoff) {
				stale = append(stale, conn)
			}
		}
		return iter.Err()
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

// Subscribe adds the channel field under the record-exists guard and
// indexes the membership. Both writes are individually atomic; the index
// is advisory and repaired on read.
func (r *RedisRegistry) Subscribe(ctx context.Context, connectionID, channel string) error {
	return r.executeResult("subscribe", func() error {
		args := []interface{}{channelPrefix + channel, r.ttl.Milliseconds()}
		n, err := subscribeScript.Run(ctx, r.client.Client, []string{r.connKey(connectionID)}, args...).Int()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
		}
		return r.client.SAdd(ctx, r.channelKey(channel), connectionID).Err()
	})
}

// Unsubscribe is a plain field delete; removing a field from a missing
// record is a no-op, keeping the operation idempotent.
func (r *RedisRegistry) Unsubscribe(ctx context.Context, connectionID, channel string) error {
	return r.execute("unsubscribe", func() error {
		pipe := r.client.Pipeline()
		pipe.HDel(ctx, r.connKey(connectionID), channelPrefix+channel)
		pipe.SRem(ctx, r.channelKey(channel), connectionID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (r *RedisRegistry) fetch(ctx context.Context, connectionID string) (*Connection, error) {
	return r.fetchKey(ctx, r.connKey(connectionID))
}

// fetchKey reassembles a Connection from its hash: identity document,
// heartbeat field, and one field per subscribed channel.
func (r *RedisRegistry) fetchKey(ctx context.Context, key string) (*Connection, error) {
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	data, ok := fields[fieldData]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, key)
	}

	var conn Connection
	if err := json.Unmarshal([]byte(data), &conn); err != nil {
		return nil, fmt.Errorf("unmarshal connection %s: %w", key, err)
	}
	if hb, ok := fields[fieldHeartbeat]; ok {
		if ts, err := decodeHeartbeat(hb); err == nil {
			conn.LastHeartbeat = ts
		}
	}
	conn.Channels = conn.Channels[:0]
	for field := range fields {
		if ch, ok := strings.CutPrefix(field, channelPrefix); ok {
			conn.Channels = append(conn.Channels, ch)
		}
	}
	return &conn, nil
}

// Healthy reports store reachability for health checks.
func (r *RedisRegistry) Healthy(ctx context.Context) error {
	if r.breaker.State() == cb.StateOpen {
		return ErrRegistryUnavailable
	}
	return r.client.IsAvailable(ctx)
}

func encodeHeartbeat(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func decodeHeartbeat(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid heartbeat %q: %w", s, err)
	}
	return time.Unix(0, n).UTC(), nil
}
