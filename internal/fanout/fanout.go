// Package fanout delivers published messages to every subscribed
// connection across all gateway instances. Local subscribers get direct
// delivery; remote ones are reached over a shared pub/sub transport keyed
// by gateway instance id. Delivery is at-most-once and best-effort; there
// is no persistence or replay.
package fanout

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/switchyard-io/switchyard/internal/registry"
	"github.com/switchyard-io/switchyard/pkg/json"
	"github.com/switchyard-io/switchyard/pkg/metrics"
	"github.com/switchyard-io/switchyard/pkg/redis"
)

const (
	// KindMessage is an ordinary channel message for a subscriber.
	KindMessage = "message"
	// KindEvict instructs the owning instance to force-close a connection.
	KindEvict = "evict"
)

// Envelope is the unit carried over the instance transport.
type Envelope struct {
	Kind          string          `json:"kind"`
	Channel       string          `json:"channel,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	TenantID      string          `json:"tenant_id"`
	ConnectionID  string          `json:"connection_id,omitempty"`
	PublisherID   string          `json:"publisher_id,omitempty"`
	PublishedAt   time.Time       `json:"published_at"`
}

// Sink is the local delivery target, implemented by the gateway instance.
// Deliver must verify the envelope's tenant against the connection's
// tenant before writing anything to the socket.
type Sink interface {
	Deliver(ctx context.Context, connectionID string, env *Envelope)
	Evict(ctx context.Context, connectionID, reason string)
}

// Publisher is the interface business code uses to push server-initiated
// events.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload json.RawMessage, correlationID, tenantID string) error
}

// Manager routes published messages between gateway instances.
type Manager struct {
	client     *redis.Client
	keys       *redis.KeyBuilder
	registry   registry.Registry
	instanceID string
	sink       Sink
	log        *zap.Logger
}

func NewManager(client *redis.Client, reg registry.Registry, instanceID string, sink Sink, log *zap.Logger) *Manager {
	return &Manager{
		client:     client,
		keys:       redis.NewKeyBuilder(redis.ContextFanout),
		registry:   reg,
		instanceID: instanceID,
		sink:       sink,
		log:        log.With(zap.String("module", "fanout")),
	}
}

func (m *Manager) instanceChannel(instanceID string) string {
	return m.keys.Build("instance", instanceID)
}

// Publish delivers payload to every current subscriber of channel. Local
// subscribers go straight to the sink; remote ones are forwarded on the
// owning instance's transport channel. A subscriber joining after this
// call never receives the message, and a registry lookup racing a
// subscribe may miss; both are accepted properties of at-most-once
// fanout.
func (m *Manager) Publish(ctx context.Context, channel string, payload json.RawMessage, correlationID, tenantID string) error {
	subs, err := m.registry.ListSubscribers(ctx, channel)
	if err != nil {
		return err
	}

	env := &Envelope{
		Kind:          KindMessage,
		Channel:       channel,
		Payload:       payload,
		CorrelationID: correlationID,
		TenantID:      tenantID,
		PublisherID:   m.instanceID,
		PublishedAt:   time.Now().UTC(),
	}
	metrics.PublishedMessages.Inc()

	// One envelope per remote instance, not per remote connection; the
	// receiving instance fans out to its own subscribers.
	remote := make(map[string]bool)
	for _, sub := range subs {
		if sub.InstanceID == m.instanceID {
			m.sink.Deliver(ctx, sub.ConnectionID, env)
			continue
		}
		remote[sub.InstanceID] = true
	}

	if len(remote) == 0 {
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	for instanceID := range remote {
		if err := m.client.Publish(ctx, m.instanceChannel(instanceID), data).Err(); err != nil {
			m.log.Error("remote fanout publish failed",
				zap.String("instance_id", instanceID),
				zap.String("channel", channel),
				zap.Error(err))
		}
	}
	return nil
}

// EvictRemote asks the instance owning connectionID to force-close it.
func (m *Manager) EvictRemote(ctx context.Context, instanceID, connectionID, reason string) error {
	payload, err := json.Marshal(reason)
	if err != nil {
		return err
	}
	env := &Envelope{
		Kind:         KindEvict,
		ConnectionID: connectionID,
		Payload:      payload,
		PublisherID:  m.instanceID,
		PublishedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return m.client.Publish(ctx, m.instanceChannel(instanceID), data).Err()
}

// Run consumes this instance's transport channel until ctx is cancelled,
// reconnecting with exponential backoff after transport errors.
func (m *Manager) Run(ctx context.Context) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(0),
	), ctx)

	return backoff.Retry(func() error {
		if err := m.consume(ctx); err != nil {
			m.log.Warn("fanout subscriber loop ended, reconnecting", zap.Error(err))
			return err
		}
		return nil
	}, policy)
}

func (m *Manager) consume(ctx context.Context) error {
	pubsub := m.client.Subscribe(ctx, m.instanceChannel(m.instanceID))
	defer pubsub.Close()

	m.log.Info("fanout subscriber started",
		zap.String("instance_id", m.instanceID))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("fanout transport channel closed")
			}
			m.dispatch(ctx, []byte(msg.Payload))
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.log.Error("malformed fanout envelope", zap.Error(err))
		return
	}

	switch env.Kind {
	case KindEvict:
		var reason string
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &reason); err != nil {
				reason = string(env.Payload)
			}
		}
		m.sink.Evict(ctx, env.ConnectionID, reason)
	case KindMessage:
		subs, err := m.registry.ListSubscribers(ctx, env.Channel)
		if err != nil {
			m.log.Error("subscriber lookup failed",
				zap.String("channel", env.Channel),
				zap.Error(err))
			return
		}
		for _, sub := range subs {
			if sub.InstanceID != m.instanceID {
				continue
			}
			m.sink.Deliver(ctx, sub.ConnectionID, &env)
		}
	default:
		m.log.Warn("unknown fanout envelope kind", zap.String("kind", env.Kind))
	}
}
