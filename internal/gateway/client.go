package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/switchyard-io/switchyard/internal/registry"
	"github.com/switchyard-io/switchyard/internal/session"
	"github.com/switchyard-io/switchyard/pkg/json"
	"github.com/switchyard-io/switchyard/pkg/metrics"
)

// ConnState is a connection's lifecycle position.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const writeWait = 10 * time.Second

// client is the in-process handle for one live socket. Routing state lives
// in the registry; this handle only carries what the pumps need.
type client struct {
	id   string
	sess *session.Session
	conn *websocket.Conn
	gw   *Gateway
	log  *zap.Logger

	send     chan []byte
	state    atomic.Int32
	overflow atomic.Int32

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(id string, sess *session.Session, conn *websocket.Conn, gw *Gateway, log *zap.Logger) *client {
	c := &client{
		id:   id,
		sess: sess,
		conn: conn,
		gw:   gw,
		log: log.With(
			zap.String("connection_id", id),
			zap.String("tenant_id", sess.TenantID),
		),
		send: make(chan []byte, gw.queueSize),
		done: make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *client) setState(s ConnState) { c.state.Store(int32(s)) }
func (c *client) getState() ConnState  { return ConnState(c.state.Load()) }

// enqueue places an outbound frame on the bounded send queue. On a full
// queue the frame is dropped and counted; a streak of drops past the
// overflow threshold marks the connection unhealthy and force-closes it.
func (c *client) enqueue(data []byte) {
	if c.getState() != StateOpen {
		return
	}
	select {
	case c.send <- data:
		c.overflow.Store(0)
	default:
		metrics.DroppedFrames.Inc()
		streak := c.overflow.Add(1)
		c.log.Warn("outbound frame dropped",
			zap.Int32("overflow_streak", streak))
		if int(streak) >= c.gw.overflowThreshold {
			c.log.Warn("overflow threshold exceeded, closing connection")
			c.close(websocket.ClosePolicyViolation, "outbound queue overflow")
		}
	}
}

// readPump owns the socket's read side. Per-connection inbound order is
// preserved end-to-end because all frames pass through this single loop.
func (c *client) readPump(ctx context.Context) {
	defer c.close(websocket.CloseNormalClosure, "read loop ended")

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.gw.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.gw.idleTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("socket read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.gw.idleTimeout))
		c.handleFrame(ctx, data)
	}
}

func (c *client) handleFrame(ctx context.Context, data []byte) {
	frame, err := decodeFrame(data)
	if err != nil {
		metrics.MalformedFrames.Inc()
		c.enqueue(errorFrame(ErrKindMalformed, err.Error(), correlationOf(data)))
		return
	}

	switch frame.Intent {
	case IntentPing:
		c.handlePing(ctx, frame)
	case IntentSubscribe:
		c.handleSubscribe(ctx, frame)
	case IntentUnsubscribe:
		c.handleUnsubscribe(ctx, frame)
	case IntentPublish:
		c.handlePublish(ctx, frame)
	}
}

func (c *client) handlePing(ctx context.Context, frame *Frame) {
	if err := c.gw.registry.Touch(ctx, c.id); err != nil {
		c.failOnRegistry(err)
		return
	}
	pong, err := json.Marshal(Frame{Intent: IntentPong, CorrelationID: frame.CorrelationID})
	if err != nil {
		return
	}
	c.enqueue(pong)
}

func (c *client) handleSubscribe(ctx context.Context, frame *Frame) {
	if !c.sess.CanSubscribe(frame.Channel) {
		c.enqueue(errorFrame(ErrKindPermissionDenied,
			"channel not permitted for this session", frame.CorrelationID))
		return
	}
	if err := c.gw.registry.Subscribe(ctx, c.id, frame.Channel); err != nil {
		c.failOnRegistry(err)
		return
	}
	c.log.Debug("subscribed", zap.String("channel", frame.Channel))
}

func (c *client) handleUnsubscribe(ctx context.Context, frame *Frame) {
	if err := c.gw.registry.Unsubscribe(ctx, c.id, frame.Channel); err != nil {
		c.failOnRegistry(err)
	}
}

func (c *client) handlePublish(ctx context.Context, frame *Frame) {
	if !c.sess.CanSubscribe(frame.Channel) {
		c.enqueue(errorFrame(ErrKindPermissionDenied,
			"channel not permitted for this session", frame.CorrelationID))
		return
	}
	// Tag every publish with the connection's tenant for delivery-time
	// isolation checks downstream.
	err := c.gw.publisher.Publish(ctx, frame.Channel, frame.Payload, frame.CorrelationID, c.sess.TenantID)
	if err != nil {
		if errors.Is(err, registry.ErrRegistryUnavailable) {
			c.failOnRegistry(err)
			return
		}
		c.log.Error("publish failed",
			zap.String("channel", frame.Channel),
			zap.Error(err))
		c.enqueue(errorFrame(ErrKindUnavailable, "publish failed", frame.CorrelationID))
	}
}

// failOnRegistry applies the fail-fast policy: if the registry is
// unavailable the whole gateway stops accepting and sheds connections
// rather than serving from stale local state.
func (c *client) failOnRegistry(err error) {
	if errors.Is(err, registry.ErrRegistryUnavailable) {
		c.log.Error("registry unavailable, shedding connection", zap.Error(err))
		c.gw.failRegistry()
		return
	}
	if errors.Is(err, registry.ErrConnectionNotFound) {
		// Our own record expired or was evicted; the socket is a zombie.
		c.close(websocket.CloseGoingAway, "registry record gone")
		return
	}
	c.log.Error("registry operation failed", zap.Error(err))
}

// writePump owns the socket's write side and the heartbeat ticker. The
// ticker refreshes the registry TTL and sends a transport ping.
func (c *client) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.gw.heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.close(websocket.CloseNormalClosure, "write loop ended")
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("socket write failed", zap.Error(err))
				return
			}
			metrics.DeliveredFrames.Inc()
		case <-ticker.C:
			if err := c.gw.registry.Touch(ctx, c.id); err != nil {
				c.failOnRegistry(err)
				if errors.Is(err, registry.ErrRegistryUnavailable) ||
					errors.Is(err, registry.ErrConnectionNotFound) {
					return
				}
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close transitions OPEN→CLOSING→CLOSED exactly once: best-effort close
// frame, socket teardown, registry deregistration. It can run on any
// goroutine (read pump, fanout delivery, evictor) concurrently with the
// write pump, so the close frame goes out via WriteControl, the one write
// path gorilla permits alongside another writer.
func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		close(c.done)

		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()

		c.gw.dropClient(c)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.gw.registry.Remove(ctx, c.id); err != nil {
			c.log.Warn("registry deregistration failed", zap.Error(err))
		}

		c.setState(StateClosed)
		metrics.ActiveConnections.Dec()
		c.log.Info("connection closed",
			zap.Int("code", code),
			zap.String("reason", reason))
	})
}

// correlationOf best-effort extracts correlation_id from a malformed
// frame so the error frame can reference it.
func correlationOf(data []byte) string {
	var probe struct {
		CorrelationID string `json:"correlation_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.CorrelationID
}
