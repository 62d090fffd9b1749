// Command gateway runs the switchyard process: realm control plane,
// websocket ingress, channel fanout, and the eviction sweep, all sharing
// one Redis-backed connection registry.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/switchyard-io/switchyard/internal/config"
	"github.com/switchyard-io/switchyard/internal/evictor"
	"github.com/switchyard-io/switchyard/internal/fanout"
	"github.com/switchyard-io/switchyard/internal/gateway"
	"github.com/switchyard-io/switchyard/internal/realm"
	"github.com/switchyard-io/switchyard/internal/registry"
	"github.com/switchyard-io/switchyard/internal/session"
	"github.com/switchyard-io/switchyard/pkg/health"
	"github.com/switchyard-io/switchyard/pkg/json"
	"github.com/switchyard-io/switchyard/pkg/logger"
	"github.com/switchyard-io/switchyard/pkg/metrics"
	"github.com/switchyard-io/switchyard/pkg/redis"
)

const shutdownGrace = 15 * time.Second

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return err
	}

	log, err := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := redis.NewClient(redis.Config{
		Host:         cfg.RedisHost,
		Port:         cfg.RedisPort,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
		MaxRetries:   cfg.RedisMaxRetries,
	}, log)
	if err != nil {
		log.Error("redis connection failed", zap.Error(err))
		return err
	}
	defer func() { _ = redisClient.Close() }()

	reg := registry.NewRedisRegistry(redisClient, cfg.RegistryTTL, log)

	sessionStore := session.NewRedisStore(redisClient)
	validator := session.NewJWTValidator(cfg.JWTSecret, sessionStore, log)

	gw := gateway.New(gateway.Options{
		InstanceID:        cfg.InstanceID,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleTimeout:       cfg.IdleTimeout,
		QueueSize:         cfg.OutboundQueueSize,
		OverflowThreshold: cfg.OverflowThreshold,
		AllowedOrigins:    cfg.AllowedOrigins,
	}, validator, reg, nil, log)

	fm := fanout.NewManager(redisClient, reg, cfg.InstanceID, gw, log)
	gw.SetPublisher(fm)

	ev := evictor.New(reg, gw, fm, cfg.InstanceID, cfg.IdleTimeout, cfg.EvictionInterval, log)

	controller := realm.NewController(log)
	if cfg.RealmCatalogPath != "" {
		catalog, err := realm.LoadCatalog(cfg.RealmCatalogPath)
		if err != nil {
			log.Error("realm catalog rejected", zap.Error(err))
			return err
		}
		if err := realm.Boot(ctx, controller, catalog, realm.BootOptions{
			Timeout:    cfg.BootTimeout,
			MaxRetries: cfg.BootMaxRetries,
		}, log); err != nil {
			log.Error("realm boot failed", zap.Error(err))
			return err
		}
	}

	checker := health.NewChecker()
	checker.Register(health.CheckFunc{CheckName: "registry", Fn: reg.Healthy})
	checker.Register(health.CheckFunc{CheckName: "gateway", Fn: func(context.Context) error {
		if !gw.Accepting() {
			return errors.New("not accepting connections")
		}
		return nil
	}})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWS)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", checker.Handler())
	mux.HandleFunc("/realms", realmsHandler(controller))

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := ev.Start(ctx); err != nil {
		log.Error("evictor start failed", zap.Error(err))
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening",
			zap.String("addr", server.Addr),
			zap.String("instance_id", cfg.InstanceID))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return fm.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		ev.Stop()
		if err := gw.Shutdown(shutdownCtx); err != nil {
			log.Warn("gateway shutdown incomplete", zap.Error(err))
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("process exited with error", zap.Error(err))
		return err
	}
	log.Info("process exited cleanly")
	return nil
}

// realmsHandler exposes read-only realm states for operators.
func realmsHandler(controller *realm.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(controller.Snapshot()); err != nil {
			http.Error(w, "encode failure", http.StatusInternalServerError)
		}
	}
}
