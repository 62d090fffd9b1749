// Package metrics exposes the Prometheus collectors for the gateway,
// registry, fanout, and eviction paths.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveConnections tracks the number of live WebSocket connections on
	// this gateway instance.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_active_connections",
		Help: "Number of live WebSocket connections on this instance",
	})

	// ConnectionsTotal counts connection attempts by outcome.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_connections_total",
		Help: "Connection attempts by outcome",
	}, []string{"outcome"})

	// DeliveredFrames counts fanout frames written to client sockets.
	DeliveredFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_delivered_frames_total",
		Help: "Fanout frames delivered to subscribed connections",
	})

	// DroppedFrames counts frames dropped under backpressure.
	DroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_dropped_frames_total",
		Help: "Fanout frames dropped because a connection's outbound queue was full",
	})

	// PublishedMessages counts messages accepted by the fanout manager.
	PublishedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_published_messages_total",
		Help: "Messages published through the fanout manager",
	})

	// Evictions counts connections removed by the eviction sweeper.
	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_evictions_total",
		Help: "Stale connections evicted from the registry",
	})

	// TenantViolations counts refused cross-tenant operations.
	TenantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_tenant_isolation_violations_total",
		Help: "Operations refused because message and connection tenants differed",
	})

	// MalformedFrames counts inbound frames rejected by the wire codec.
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_malformed_frames_total",
		Help: "Inbound frames rejected as malformed",
	})

	// AuthFailures counts handshakes closed for invalid session tokens.
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_auth_failures_total",
		Help: "Handshakes rejected by the session validator",
	})

	// RegistryErrors counts failed registry operations.
	RegistryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_registry_errors_total",
		Help: "Connection registry operations that failed",
	})

	// RegistryBreakerOpen is 1 while the registry circuit breaker is open.
	RegistryBreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_registry_breaker_open",
		Help: "1 while the registry circuit breaker is open, 0 otherwise",
	})

	// RealmState reports each realm's lifecycle state as a numeric code.
	RealmState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "switchyard_realm_state",
		Help: "Realm lifecycle state (0 unregistered, 1 registered, 2 initialized, 3 active, 4 suspended)",
	}, []string{"realm"})
)

// Connection outcome label values.
const (
	OutcomeOpened      = "opened"
	OutcomeAuthFailed  = "auth_failed"
	OutcomeRejected    = "rejected"
	OutcomeUnavailable = "registry_unavailable"
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
