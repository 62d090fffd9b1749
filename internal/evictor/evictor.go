// Package evictor bounds resource usage from abandoned connections: a
// periodic sweep removes registry entries whose heartbeats stopped and
// force-closes the associated sockets.
package evictor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/switchyard-io/switchyard/internal/fanout"
	"github.com/switchyard-io/switchyard/internal/registry"
	"github.com/switchyard-io/switchyard/pkg/metrics"
)

// Closer evicts connections: local ones directly, remote ones via a
// control message to the owning instance. Implemented by the gateway
// (local) and the fanout manager (remote).
type Closer interface {
	Evict(ctx context.Context, connectionID, reason string)
}

// RemoteCloser reaches connections owned by other instances.
type RemoteCloser interface {
	EvictRemote(ctx context.Context, instanceID, connectionID, reason string) error
}

// Evictor runs the periodic staleness sweep.
type Evictor struct {
	registry    registry.Registry
	local       Closer
	remote      RemoteCloser
	instanceID  string
	idleTimeout time.Duration
	interval    time.Duration
	cron        *cron.Cron
	log         *zap.Logger
}

func New(reg registry.Registry, local Closer, remote RemoteCloser, instanceID string, idleTimeout, interval time.Duration, log *zap.Logger) *Evictor {
	return &Evictor{
		registry:    reg,
		local:       local,
		remote:      remote,
		instanceID:  instanceID,
		idleTimeout: idleTimeout,
		interval:    interval,
		log:         log.With(zap.String("module", "evictor")),
	}
}

// Start schedules the sweep and returns immediately. Stop with Stop.
func (e *Evictor) Start(ctx context.Context) error {
	e.cron = cron.New()
	spec := fmt.Sprintf("@every %s", e.interval)
	_, err := e.cron.AddFunc(spec, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, e.interval)
		defer cancel()
		e.Sweep(sweepCtx)
	})
	if err != nil {
		return fmt.Errorf("schedule eviction sweep: %w", err)
	}
	e.cron.Start()
	e.log.Info("eviction sweep scheduled",
		zap.Duration("interval", e.interval),
		zap.Duration("idle_timeout", e.idleTimeout))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (e *Evictor) Stop() {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
}

// Sweep evicts every connection whose last heartbeat is older than the
// idle timeout. Each eviction is metered and logged with its connection
// id; nothing is dropped silently.
func (e *Evictor) Sweep(ctx context.Context) {
	stale, err := e.registry.ListStale(ctx, e.idleTimeout)
	if err != nil {
		e.log.Error("stale connection scan failed", zap.Error(err))
		return
	}
	if len(stale) == 0 {
		return
	}

	evicted := make([]string, 0, len(stale))
	for _, conn := range stale {
		reason := fmt.Sprintf("idle for more than %s", e.idleTimeout)
		if conn.InstanceID == e.instanceID {
			e.local.Evict(ctx, conn.ID, reason)
		} else if err := e.remote.EvictRemote(ctx, conn.InstanceID, conn.ID, reason); err != nil {
			e.log.Warn("remote eviction notify failed",
				zap.String("connection_id", conn.ID),
				zap.String("instance_id", conn.InstanceID),
				zap.Error(err))
		}
		if err := e.registry.Remove(ctx, conn.ID); err != nil {
			e.log.Warn("stale entry removal failed",
				zap.String("connection_id", conn.ID),
				zap.Error(err))
			continue
		}
		metrics.Evictions.Inc()
		evicted = append(evicted, conn.ID)
	}

	if len(evicted) > 0 {
		e.log.Info("evicted stale connections",
			zap.Int("count", len(evicted)),
			zap.Strings("connection_ids", evicted))
	}
}

var _ RemoteCloser = (*fanout.Manager)(nil)
