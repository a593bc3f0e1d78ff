// Package hub fans lock events and cursor presence out to WebSocket clients.
//
// Delivery is fire-and-forget: per-connection order is preserved by each
// connection's writer goroutine, but nothing is retried and a client that
// cannot keep up is evicted rather than allowed to stall the rest.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/planlock/planlock/core/identity"
	"github.com/planlock/planlock/core/infra/logging"
	"github.com/planlock/planlock/core/infra/metrics"
	"github.com/planlock/planlock/core/protocol/wire"
)

const component = "notification-hub"

const (
	// sendBuffer bounds queued outbound messages per connection before the
	// client is considered slow.
	sendBuffer = 100
	// eventBuffer bounds pending broadcasts before new ones are dropped.
	eventBuffer = 256
	// maxInboundBytes caps a single inbound frame.
	maxInboundBytes = 8 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced by the gateway middleware in front of the
	// upgrade, not here.
	CheckOrigin: func(*http.Request) bool { return true },
}

type envelope struct {
	data    []byte
	exclude *conn
}

type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	mu        sync.Mutex
	principal *identity.Principal
}

func (c *conn) identity() *identity.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

func (c *conn) setIdentity(p *identity.Principal) {
	c.mu.Lock()
	c.principal = p
	c.mu.Unlock()
}

// rateKey groups connections of the same authenticated user into one rate
// window; unauthenticated connections are limited individually.
func (c *conn) rateKey() string {
	if p := c.identity(); p != nil {
		return "user:" + p.ID
	}
	return "conn:" + c.id
}

// Hub is the connection registry and broadcast pump.
type Hub struct {
	verifier identity.Verifier
	metrics  metrics.HubMetrics
	limits   *Limiter

	mu    sync.RWMutex
	conns map[*conn]struct{}

	events    chan envelope
	done      chan struct{}
	closeOnce sync.Once
}

// Option tweaks hub construction.
type Option func(*Hub)

// WithMetrics installs hub metrics.
func WithMetrics(m metrics.HubMetrics) Option {
	return func(h *Hub) {
		if m != nil {
			h.metrics = m
		}
	}
}

// WithRateLimit overrides the default 20 messages per 1s window.
func WithRateLimit(max int, window time.Duration) Option {
	return func(h *Hub) {
		h.limits = NewLimiter(max, window)
	}
}

// New builds a Hub and starts its broadcast pump. The verifier may be nil,
// in which case every message token is rejected.
func New(verifier identity.Verifier, opts ...Option) *Hub {
	h := &Hub{
		verifier: verifier,
		metrics:  metrics.Noop{},
		limits:   NewLimiter(20, time.Second),
		conns:    make(map[*conn]struct{}),
		events:   make(chan envelope, eventBuffer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.run()
	return h
}

// Close stops the broadcast pump and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for c := range h.conns {
			delete(h.conns, c)
			close(c.send)
			_ = c.ws.Close()
		}
		h.mu.Unlock()
		h.metrics.SetConnections(0)
	})
}

// Broadcast queues a message for every connection. It never blocks; when the
// pump is saturated the message is dropped and counted.
func (h *Hub) Broadcast(msg wire.Message) {
	h.enqueue(msg, nil)
}

func (h *Hub) enqueue(msg wire.Message, exclude *conn) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(component, "encode broadcast failed", "type", string(msg.Type), "error", err)
		return
	}
	select {
	case h.events <- envelope{data: data, exclude: exclude}:
	case <-h.done:
	default:
		h.metrics.IncDropped()
		logging.Error(component, "broadcast queue full, dropping", "type", string(msg.Type))
	}
}

// run is the single fan-out loop. Slow clients are collected during the
// read-locked pass and evicted afterwards under the write lock, the only
// place eviction happens besides connection teardown.
func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			return
		case evt := <-h.events:
			var slow []*conn
			h.mu.RLock()
			for c := range h.conns {
				if c == evt.exclude {
					continue
				}
				select {
				case c.send <- evt.data:
					h.metrics.IncDelivered()
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()

			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					if _, ok := h.conns[c]; ok {
						delete(h.conns, c)
						close(c.send)
					}
				}
				count := len(h.conns)
				h.mu.Unlock()
				h.metrics.SetConnections(count)
				for _, c := range slow {
					h.metrics.IncDropped()
					if err := c.ws.Close(); err != nil {
						logging.Error(component, "slow client close failed", "conn", c.id, "error", err)
					}
					logging.Info(component, "evicted slow client", "conn", c.id)
				}
			}
		}
	}
}

// ServeHTTP upgrades the request and runs the connection until the peer
// departs or is evicted.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(component, "ws upgrade failed", "error", err)
		return
	}

	c := &conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBuffer),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	count := len(h.conns)
	h.mu.Unlock()
	h.metrics.SetConnections(count)
	logging.Info(component, "client connected", "conn", c.id, "remote", r.RemoteAddr)

	go h.writeLoop(c)

	if msg, err := wire.NewMessage(wire.EventConnected, "", wire.ConnectedPayload{ConnectionID: c.id}); err == nil {
		h.sendTo(c, msg)
	}

	h.readLoop(r.Context(), c)

	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
	}
	count = len(h.conns)
	h.mu.Unlock()
	h.metrics.SetConnections(count)
	h.limits.Forget("conn:" + c.id)
	_ = ws.Close()
	logging.Info(component, "client disconnected", "conn", c.id)
}

func (h *Hub) writeLoop(c *conn) {
	for data := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	c.ws.SetReadLimit(maxInboundBytes)
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.metrics.IncRejected("malformed")
			h.sendTo(c, wire.ErrorMessage("Invalid message format"))
			continue
		}
		h.handleInbound(ctx, c, msg)
	}
}

// handleInbound is the inbound pipeline: identity, rate limit, payload
// validation, dispatch. Every rejection answers the sender with an ERROR and
// drops the message; nothing inbound ever terminates the connection.
func (h *Hub) handleInbound(ctx context.Context, c *conn, msg wire.Message) {
	if msg.Token != "" && c.identity() == nil {
		if h.verifier == nil {
			h.metrics.IncRejected("auth")
			h.sendTo(c, wire.ErrorMessage("Invalid token"))
			return
		}
		p, err := h.verifier.VerifyToken(ctx, msg.Token)
		if err != nil {
			h.metrics.IncRejected("auth")
			h.sendTo(c, wire.ErrorMessage("Invalid token"))
			return
		}
		c.setIdentity(p)
	}

	if !h.limits.Allow(c.rateKey()) {
		h.metrics.IncRejected("rate_limit")
		h.sendTo(c, wire.ErrorMessage("Rate limit exceeded"))
		return
	}

	switch msg.Type {
	case wire.EventCursorMove:
		pos, err := sanitizeCursor(msg.Data)
		if err != nil {
			h.metrics.IncRejected("payload")
			h.sendTo(c, wire.ErrorMessage("Invalid cursor payload"))
			return
		}
		out, err := wire.NewMessage(wire.EventCursorMove, pos.EntityID, pos)
		if err != nil {
			logging.Error(component, "encode cursor failed", "conn", c.id, "error", err)
			return
		}
		// The sender already knows where its cursor is.
		h.enqueue(out, c)
	case wire.EventLockAcquired, wire.EventLockReleased, wire.EventConnected, wire.EventError:
		// Lock events originate server-side only; a client claiming one is
		// either buggy or hostile.
		h.metrics.IncRejected("type")
		h.sendTo(c, wire.ErrorMessage("Unsupported message type"))
	default:
		h.metrics.IncRejected("type")
		h.sendTo(c, wire.ErrorMessage("Unknown message type"))
	}
}

// sendTo queues a message for one connection, dropping it when the
// connection's buffer is full. Panics from racing a concurrent close of the
// send channel are absorbed; the connection is on its way out anyway.
func (h *Hub) sendTo(c *conn, msg wire.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(component, "encode message failed", "conn", c.id, "error", err)
		return
	}
	defer func() { _ = recover() }()
	select {
	case c.send <- data:
	default:
		h.metrics.IncDropped()
	}
}

// Connections reports the live connection count. Test and health-check hook.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
