package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/switchyard-io/switchyard/internal/registry"
	"github.com/switchyard-io/switchyard/internal/registry/registrytest"
	"github.com/switchyard-io/switchyard/pkg/json"
)

type recordingSink struct {
	mu        sync.Mutex
	delivered map[string][]*Envelope
	evicted   map[string]string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		delivered: make(map[string][]*Envelope),
		evicted:   make(map[string]string),
	}
}

func (s *recordingSink) Deliver(_ context.Context, connectionID string, env *Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered[connectionID] = append(s.delivered[connectionID], env)
}

func (s *recordingSink) Evict(_ context.Context, connectionID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted[connectionID] = reason
}

func newTestManager(t *testing.T, instanceID string) (*Manager, *registrytest.Registry, *recordingSink) {
	t.Helper()
	reg := registrytest.New(time.Minute)
	sink := newRecordingSink()
	// nil transport client: these tests only exercise local delivery and
	// dispatch, which never touch the transport.
	m := NewManager(nil, reg, instanceID, sink, zap.NewNop())
	return m, reg, sink
}

func TestPublishDeliversToLocalSubscribers(t *testing.T) {
	ctx := context.Background()
	m, reg, sink := newTestManager(t, "g1")

	require.NoError(t, reg.Register(ctx, &registry.Connection{
		ID: "c1", TenantID: "t1", InstanceID: "g1", Channels: []string{"guide"},
	}))
	require.NoError(t, reg.Register(ctx, &registry.Connection{
		ID: "c2", TenantID: "t1", InstanceID: "g1", Channels: []string{"other"},
	}))

	payload := json.RawMessage(`{"text":"hello"}`)
	require.NoError(t, m.Publish(ctx, "guide", payload, "corr-1", "t1"))

	require.Len(t, sink.delivered["c1"], 1)
	env := sink.delivered["c1"][0]
	assert.Equal(t, KindMessage, env.Kind)
	assert.Equal(t, "guide", env.Channel)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.Equal(t, "t1", env.TenantID)
	assert.Equal(t, "g1", env.PublisherID)
	assert.JSONEq(t, `{"text":"hello"}`, string(env.Payload))

	assert.Empty(t, sink.delivered["c2"])
}

func TestPublishNoReplayForLateSubscriber(t *testing.T) {
	ctx := context.Background()
	m, reg, sink := newTestManager(t, "g1")

	require.NoError(t, m.Publish(ctx, "guide", json.RawMessage(`{}`), "corr-1", "t1"))

	require.NoError(t, reg.Register(ctx, &registry.Connection{
		ID: "late", TenantID: "t1", InstanceID: "g1", Channels: []string{"guide"},
	}))
	assert.Empty(t, sink.delivered["late"])
}

func TestDispatchMessageFansOutToLocalOnly(t *testing.T) {
	ctx := context.Background()
	m, reg, sink := newTestManager(t, "g2")

	require.NoError(t, reg.Register(ctx, &registry.Connection{
		ID: "local", TenantID: "t1", InstanceID: "g2", Channels: []string{"guide"},
	}))
	require.NoError(t, reg.Register(ctx, &registry.Connection{
		ID: "remote", TenantID: "t1", InstanceID: "g9", Channels: []string{"guide"},
	}))

	env := Envelope{
		Kind:          KindMessage,
		Channel:       "guide",
		Payload:       json.RawMessage(`{"n":1}`),
		CorrelationID: "corr-2",
		TenantID:      "t1",
		PublisherID:   "g1",
		PublishedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	m.dispatch(ctx, data)

	assert.Len(t, sink.delivered["local"], 1)
	assert.Empty(t, sink.delivered["remote"])
}

func TestDispatchEvict(t *testing.T) {
	ctx := context.Background()
	m, _, sink := newTestManager(t, "g1")

	env := Envelope{
		Kind:         KindEvict,
		ConnectionID: "c1",
		Payload:      json.RawMessage(`"stale heartbeat"`),
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	m.dispatch(ctx, data)
	assert.Equal(t, "stale heartbeat", sink.evicted["c1"])
}

func TestDispatchIgnoresMalformedEnvelope(t *testing.T) {
	m, _, sink := newTestManager(t, "g1")
	m.dispatch(context.Background(), []byte("{not json"))
	assert.Empty(t, sink.delivered)
	assert.Empty(t, sink.evicted)
}

func TestDispatchIgnoresUnknownKind(t *testing.T) {
	m, _, sink := newTestManager(t, "g1")
	m.dispatch(context.Background(), []byte(`{"kind":"mystery"}`))
	assert.Empty(t, sink.delivered)
	assert.Empty(t, sink.evicted)
}

func TestPublishPerPublisherOrdering(t *testing.T) {
	ctx := context.Background()
	m, reg, sink := newTestManager(t, "g1")

	require.NoError(t, reg.Register(ctx, &registry.Connection{
		ID: "c1", TenantID: "t1", InstanceID: "g1", Channels: []string{"guide"},
	}))

	for i := 0; i < 5; i++ {
		payload, err := json.Marshal(map[string]int{"seq": i})
		require.NoError(t, err)
		require.NoError(t, m.Publish(ctx, "guide", payload, "", "t1"))
	}

	require.Len(t, sink.delivered["c1"], 5)
	for i, env := range sink.delivered["c1"] {
		var body struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(env.Payload, &body))
		assert.Equal(t, i, body.Seq)
	}
}
