// Package gateway terminates websocket connections, authenticates them,
// and bridges them to the channel fanout layer. It is the single ingress:
// one upgrade-capable endpoint taking the session token as a query
// parameter.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/switchyard-io/switchyard/internal/fanout"
	"github.com/switchyard-io/switchyard/internal/registry"
	"github.com/switchyard-io/switchyard/internal/session"
	"github.com/switchyard-io/switchyard/pkg/json"
	"github.com/switchyard-io/switchyard/pkg/metrics"
)

// Close code sent when session validation fails at handshake.
const CloseAuthFailure = 4401

const maxFrameSize = 1 << 20 // 1 MiB

// Options carries the per-connection tunables from configuration.
type Options struct {
	InstanceID        string
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	QueueSize         int
	OverflowThreshold int
	AllowedOrigins    []string
}

// Gateway owns this instance's live sockets. It implements fanout.Sink so
// the fanout layer can deliver to and evict local connections.
type Gateway struct {
	instanceID        string
	heartbeatInterval time.Duration
	idleTimeout       time.Duration
	queueSize         int
	overflowThreshold int

	upgrader  websocket.Upgrader
	validator session.Validator
	registry  registry.Registry
	publisher fanout.Publisher
	log       *zap.Logger

	mu      sync.RWMutex
	clients map[string]*client

	accepting atomic.Bool
	failOnce  sync.Once
}

func New(opts Options, validator session.Validator, reg registry.Registry, publisher fanout.Publisher, log *zap.Logger) *Gateway {
	g := &Gateway{
		instanceID:        opts.InstanceID,
		heartbeatInterval: opts.HeartbeatInterval,
		idleTimeout:       opts.IdleTimeout,
		queueSize:         opts.QueueSize,
		overflowThreshold: opts.OverflowThreshold,
		validator:         validator,
		registry:          reg,
		publisher:         publisher,
		log:               log.With(zap.String("module", "gateway"), zap.String("instance_id", opts.InstanceID)),
		clients:           make(map[string]*client),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	g.accepting.Store(true)
	return g
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// HandleWS is the /ws handler. The connection moves
// CONNECTING→AUTHENTICATING→OPEN; validation failure closes with
// CloseAuthFailure and never reaches OPEN.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !g.accepting.Load() {
		metrics.ConnectionsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		http.Error(w, "not accepting connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	token := r.URL.Query().Get("token")
	sess, err := g.validator.Validate(r.Context(), token)
	if err != nil {
		metrics.AuthFailures.Inc()
		metrics.ConnectionsTotal.WithLabelValues(metrics.OutcomeAuthFailed).Inc()
		g.log.Warn("session validation failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		msg := websocket.FormatCloseMessage(CloseAuthFailure, "authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	c := newClient(uuid.NewString(), sess, conn, g, g.log)
	c.setState(StateAuthenticating)

	record := &registry.Connection{
		ID:         c.id,
		SessionID:  sess.ID,
		TenantID:   sess.TenantID,
		UserID:     sess.UserID,
		InstanceID: g.instanceID,
	}
	if err := g.registry.Register(r.Context(), record); err != nil {
		metrics.ConnectionsTotal.WithLabelValues(metrics.OutcomeUnavailable).Inc()
		g.log.Error("connection registration failed", zap.Error(err))
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "registry unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		g.failRegistry()
		return
	}

	g.mu.Lock()
	g.clients[c.id] = c
	g.mu.Unlock()

	c.setState(StateOpen)
	metrics.ActiveConnections.Inc()
	metrics.ConnectionsTotal.WithLabelValues(metrics.OutcomeOpened).Inc()
	c.log.Info("connection open",
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.UserID))

	ctx := context.WithoutCancel(r.Context())
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Deliver implements fanout.Sink. The tenant check here is mandatory and
// independent of any downstream isolation: a mismatch is refused, metered,
// and never downgraded to allow.
func (g *Gateway) Deliver(_ context.Context, connectionID string, env *fanout.Envelope) {
	g.mu.RLock()
	c, ok := g.clients[connectionID]
	g.mu.RUnlock()
	if !ok {
		return
	}

	if env.TenantID != c.sess.TenantID {
		metrics.TenantViolations.Inc()
		g.log.Warn("tenant isolation violation refused",
			zap.String("connection_id", connectionID),
			zap.String("connection_tenant", c.sess.TenantID),
			zap.String("message_tenant", env.TenantID),
			zap.String("channel", env.Channel))
		return
	}

	data, err := json.Marshal(Frame{
		Channel:       env.Channel,
		Intent:        IntentMessage,
		Payload:       env.Payload,
		CorrelationID: env.CorrelationID,
	})
	if err != nil {
		g.log.Error("outbound frame encode failed", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// Evict implements fanout.Sink: force-close a local connection.
func (g *Gateway) Evict(_ context.Context, connectionID, reason string) {
	g.mu.RLock()
	c, ok := g.clients[connectionID]
	g.mu.RUnlock()
	if !ok {
		return
	}
	g.log.Info("evicting connection",
		zap.String("connection_id", connectionID),
		zap.String("reason", reason))
	c.close(websocket.CloseGoingAway, reason)
}

// SetPublisher wires the fanout publisher after construction. The gateway
// and the fanout manager reference each other, so one side binds late
// during composition, before traffic starts.
func (g *Gateway) SetPublisher(p fanout.Publisher) { g.publisher = p }

// InstanceID returns this gateway's registry instance id.
func (g *Gateway) InstanceID() string { return g.instanceID }

// Accepting reports whether new connections are admitted.
func (g *Gateway) Accepting() bool { return g.accepting.Load() }

func (g *Gateway) dropClient(c *client) {
	g.mu.Lock()
	delete(g.clients, c.id)
	g.mu.Unlock()
}

// failRegistry applies the registry-unavailable policy once: stop
// accepting and actively close existing connections. Serving from
// in-process state would silently break horizontal scaling, so there is
// no degraded mode.
func (g *Gateway) failRegistry() {
	g.failOnce.Do(func() {
		g.accepting.Store(false)
		g.log.Error("registry unavailable: refusing new connections and shedding existing ones")

		g.mu.RLock()
		clients := make([]*client, 0, len(g.clients))
		for _, c := range g.clients {
			clients = append(clients, c)
		}
		g.mu.RUnlock()

		for _, c := range clients {
			c.close(websocket.CloseTryAgainLater, "registry unavailable")
		}
	})
}

// Shutdown closes every local connection and removes its registry entry.
// Used at instance shutdown so peers do not route to a dead instance for
// a full TTL.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.accepting.Store(false)

	conns, err := g.registry.ListByInstance(ctx, g.instanceID)
	if err != nil {
		g.log.Warn("listing own connections at shutdown failed", zap.Error(err))
	}

	g.mu.RLock()
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.RUnlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "instance shutting down")
	}
	// Remove any registry entries whose sockets were already gone.
	for _, conn := range conns {
		if err := g.registry.Remove(ctx, conn.ID); err != nil {
			g.log.Warn("shutdown deregistration failed",
				zap.String("connection_id", conn.ID),
				zap.Error(err))
		}
	}
	g.log.Info("gateway shut down", zap.Int("connections_closed", len(clients)))
	return nil
}
