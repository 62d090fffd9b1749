package evictor

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
)

type fakeCloser struct {
	mu      sync.Mutex
	evicted map[string]string
}

func newFakeCloser() *fakeCloser {
	return &fakeCloser{evicted: make(map[string]string)}
}

func (f *fakeCloser) Evict(_ context.Context, connectionID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted[connectionID] = reason
}

type fakeRemote struct {
	mu    sync.Mutex
	calls map[string]string // connectionID -> instanceID
	err   error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{calls: make(map[string]string)}
}

func (f *fakeRemote) EvictRemote(_ context.Context, instanceID, connectionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[connectionID] = instanceID
	return f.err
}

func TestSweepEvictsOnlyStaleConnections(t *testing.T) {
	ctx := context.Background()
	reg := registrytest.New(time.Hour)

	now := time.Now()
	reg.SetClock(func() time.Time { return now })
	require.NoError(t, reg.Register(ctx, &registry.Connection{ID: "stale-local", InstanceID: "g1"}))
	require.NoError(t, reg.Register(ctx, &registry.Connection{ID: "stale-remote", InstanceID: "g2"}))

	now = now.Add(10 * time.Minute)
	require.NoError(t, reg.Register(ctx, &registry.Connection{ID: "fresh", InstanceID: "g1"}))

	local := newFakeCloser()
	remote := newFakeRemote()
	e := New(reg, local, remote, "g1", 5*time.Minute, time.Minute, zap.NewNop())

	e.Sweep(ctx)

	assert.Contains(t, local.evicted, "stale-local")
	assert.NotContains(t, local.evicted, "fresh")
	assert.Equal(t, "g2", remote.calls["stale-remote"])

	// Stale entries are removed; the fresh one survives.
	_, err := reg.Get(ctx, "stale-local")
	assert.ErrorIs(t, err, registry.ErrConnectionNotFound)
	_, err = reg.Get(ctx, "stale-remote")
	assert.ErrorIs(t, err, registry.ErrConnectionNotFound)
	_, err = reg.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func TestSweepNoStaleIsNoOp(t *testing.T) {
	ctx := context.Background()
	reg := registrytest.New(time.Hour)
	require.NoError(t, reg.Register(ctx, &registry.Connection{ID: "fresh", InstanceID: "g1"}))

	local := newFakeCloser()
	e := New(reg, local, newFakeRemote(), "g1", 5*time.Minute, time.Minute, zap.NewNop())
	e.Sweep(ctx)

	assert.Empty(t, local.evicted)
}

func TestStartSchedulesSweep(t *testing.T) {
	ctx := context.Background()
	reg := registrytest.New(time.Hour)

	now := time.Now()
	reg.SetClock(func() time.Time { return now })
	require.NoError(t, reg.Register(ctx, &registry.Connection{ID: "stale", InstanceID: "g1"}))
	now = now.Add(10 * time.Minute)

	local := newFakeCloser()
	e := New(reg, local, newFakeRemote(), "g1", 5*time.Minute, time.Second, zap.NewNop())
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	require.Eventually(t, func() bool {
		local.mu.Lock()
		defer local.mu.Unlock()
		_, ok := local.evicted["stale"]
		return ok
	}, 5*time.Second, 50*time.Millisecond)
}
