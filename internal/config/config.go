// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config carries every tunable the gateway process reads at startup.
// Heartbeat and idle timings are deliberately configuration, not constants:
// deployments disagree on them and the eviction math depends on the pair.
type Config struct {
	AppEnv   string
	AppName  string
	LogLevel string

	HTTPPort       string
	AllowedOrigins []string

	RedisHost         string
	RedisPort         string
	RedisPassword     string
	RedisDB           int
	RedisPoolSize     int
	RedisMinIdleConns int
	RedisMaxRetries   int

	JWTSecret string

	// InstanceID identifies this gateway process in the shared registry and
	// on the fanout transport. Generated when not pinned by the environment.
	InstanceID string

	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	RegistryTTL       time.Duration
	EvictionInterval  time.Duration

	OutboundQueueSize int
	OverflowThreshold int

	RealmCatalogPath string
	BootTimeout      time.Duration
	BootMaxRetries   uint64
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:           envOr("APP_ENV", "development"),
		AppName:          envOr("APP_NAME", "switchyard"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		HTTPPort:         envOr("HTTP_PORT", "8090"),
		RedisHost:        os.Getenv("REDIS_HOST"),
		RedisPort:        envOr("REDIS_PORT", "6379"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		InstanceID:       os.Getenv("GATEWAY_INSTANCE_ID"),
		RealmCatalogPath: os.Getenv("REALM_CATALOG_PATH"),
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = strings.Split(origins, ",")
	} else {
		cfg.AllowedOrigins = []string{"*"}
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = "gw-" + uuid.NewString()
	}

	var err error
	if cfg.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RedisPoolSize, err = envInt("REDIS_POOL_SIZE", 10); err != nil {
		return nil, err
	}
	if cfg.RedisMinIdleConns, err = envInt("REDIS_MIN_IDLE_CONNS", 2); err != nil {
		return nil, err
	}
	if cfg.RedisMaxRetries, err = envInt("REDIS_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.OutboundQueueSize, err = envInt("OUTBOUND_QUEUE_SIZE", 64); err != nil {
		return nil, err
	}
	if cfg.OverflowThreshold, err = envInt("OVERFLOW_THRESHOLD", 8); err != nil {
		return nil, err
	}

	if cfg.HeartbeatInterval, err = envDuration("HEARTBEAT_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout, err = envDuration("IDLE_TIMEOUT", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RegistryTTL, err = envDuration("REGISTRY_TTL", 3*cfg.HeartbeatInterval); err != nil {
		return nil, err
	}
	if cfg.EvictionInterval, err = envDuration("EVICTION_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.BootTimeout, err = envDuration("BOOT_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}

	retries, err := envInt("BOOT_MAX_RETRIES", 5)
	if err != nil {
		return nil, err
	}
	if retries < 0 {
		return nil, fmt.Errorf("BOOT_MAX_RETRIES must not be negative")
	}
	cfg.BootMaxRetries = uint64(retries)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RedisHost == "" {
		return fmt.Errorf("missing required environment variable REDIS_HOST")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("missing required environment variable JWT_SECRET")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	// A shorter idle timeout evicts healthy connections on transient jitter.
	if c.IdleTimeout < 3*c.HeartbeatInterval {
		return fmt.Errorf("IDLE_TIMEOUT %s must be at least 3x HEARTBEAT_INTERVAL %s",
			c.IdleTimeout, c.HeartbeatInterval)
	}
	if c.RegistryTTL < 2*c.HeartbeatInterval {
		return fmt.Errorf("REGISTRY_TTL %s must be at least 2x HEARTBEAT_INTERVAL %s",
			c.RegistryTTL, c.HeartbeatInterval)
	}
	if c.EvictionInterval <= 0 {
		return fmt.Errorf("EVICTION_INTERVAL must be positive")
	}
	// Sweeping slower than the idle timeout lets stale records linger for a
	// full extra interval past their deadline.
	if c.EvictionInterval > c.IdleTimeout {
		return fmt.Errorf("EVICTION_INTERVAL %s must not exceed IDLE_TIMEOUT %s",
			c.EvictionInterval, c.IdleTimeout)
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("OUTBOUND_QUEUE_SIZE must be positive")
	}
	if c.OverflowThreshold <= 0 {
		return fmt.Errorf("OVERFLOW_THRESHOLD must be positive")
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
