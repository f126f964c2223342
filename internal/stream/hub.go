package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hiveboard/hiveboard/internal/auth"
	"github.com/hiveboard/hiveboard/internal/event"
	"github.com/hiveboard/hiveboard/internal/query"
	"github.com/hiveboard/hiveboard/internal/storage"
)

// Close codes beyond the RFC set.
const (
	CloseAuthFailed = 4001
	CloseOverLimit  = 4002
)

// Connection limits and keep-alive cadence.
const (
	maxConnsPerKey = 5
	outboxSize     = 256
	pingInterval   = 30 * time.Second
	maxMissedPings = 3
	writeTimeout   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Dashboards connect from arbitrary origins; the token query parameter
	// carries authentication.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// conn is one subscriber socket. The outbox decouples broadcast from the
// socket write: a full outbox disconnects the consumer instead of blocking
// ingest.
type conn struct {
	tenantID string
	keyID    string
	ws       *websocket.Conn

	mu       sync.Mutex
	channels map[string]struct{}
	filter   Filter

	outbox chan []byte
	done   chan struct{}
	once   sync.Once

	missedPings int
}

func (c *conn) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub is the per-tenant connection registry.
type Hub struct {
	backend storage.Backend
	logger  *zap.Logger

	mu      sync.RWMutex
	conns   map[string]map[*conn]struct{} // tenant -> connections
	perKey  map[string]int                // key_id -> live connection count
	tracker *Tracker
}

func NewHub(backend storage.Backend, logger *zap.Logger) *Hub {
	h := &Hub{
		backend: backend,
		logger:  logger.Named("stream"),
		conns:   map[string]map[*conn]struct{}{},
		perKey:  map[string]int{},
	}
	h.tracker = NewTracker(h)
	return h
}

// Tracker returns the status tracker feeding this hub.
func (h *Hub) Tracker() *Tracker { return h.tracker }

// ConnectionCount reports live connections, for metrics.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}

// HandleWS authenticates ?token=, upgrades, and runs the connection until
// either side closes. Auth failures close with 4001, the per-key connection
// cap with 4002.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	var key storage.APIKey
	authed := false
	if auth.LooksLikeAPIKey(token) {
		if k, err := h.backend.AuthenticateKey(r.Context(), auth.HashKey(token)); err == nil {
			key = k
			authed = true
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	if !authed {
		h.closeWith(ws, CloseAuthFailed, "authentication failed")
		return
	}

	c := &conn{
		tenantID: key.TenantID,
		keyID:    key.KeyID,
		ws:       ws,
		channels: map[string]struct{}{},
		outbox:   make(chan []byte, outboxSize),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	if h.perKey[key.KeyID] >= maxConnsPerKey {
		h.mu.Unlock()
		h.closeWith(ws, CloseOverLimit, "connection limit reached")
		return
	}
	set, ok := h.conns[key.TenantID]
	if !ok {
		set = map[*conn]struct{}{}
		h.conns[key.TenantID] = set
	}
	set[c] = struct{}{}
	h.perKey[key.KeyID]++
	h.mu.Unlock()

	h.logger.Info("subscriber connected",
		zap.String("tenant_id", key.TenantID),
		zap.String("key_id", key.KeyID))

	go h.writeLoop(c)
	h.readLoop(c)
	h.drop(c)
}

func (h *Hub) closeWith(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	_ = ws.Close()
}

func (h *Hub) drop(c *conn) {
	c.close()
	_ = c.ws.Close()

	h.mu.Lock()
	set := h.conns[c.tenantID]
	if _, ok := set[c]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.tenantID)
		}
		h.perKey[c.keyID]--
		if h.perKey[c.keyID] <= 0 {
			delete(h.perKey, c.keyID)
		}
	}
	h.mu.Unlock()

	h.logger.Info("subscriber disconnected", zap.String("tenant_id", c.tenantID))
}

// readLoop consumes client messages until error or close. Any inbound
// message counts as liveness.
func (h *Hub) readLoop(c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.mu.Lock()
		c.missedPings = 0
		c.mu.Unlock()

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("invalid client message", zap.String("tenant_id", c.tenantID), zap.Error(err))
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			c.channels = map[string]struct{}{}
			for _, ch := range msg.Channels {
				if ch == ChannelEvents || ch == ChannelAgents {
					c.channels[ch] = struct{}{}
				}
			}
			c.filter = msg.Filters
			c.mu.Unlock()
			h.send(c, serverAck{Type: "subscribed"})
		case "unsubscribe":
			c.mu.Lock()
			for _, ch := range msg.Channels {
				delete(c.channels, ch)
			}
			c.mu.Unlock()
			h.send(c, serverAck{Type: "unsubscribed"})
		case "ping":
			h.send(c, serverAck{Type: "pong", ServerTime: time.Now().UTC()})
		case "pong":
			// Liveness already recorded above.
		}
	}
}

// writeLoop drains the outbox and drives the server-side ping cadence.
func (h *Hub) writeLoop(c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbox:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			c.missedPings++
			missed := c.missedPings
			c.mu.Unlock()
			if missed > maxMissedPings {
				c.close()
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(serverAck{Type: "ping"}); err != nil {
				c.close()
				return
			}
		}
	}
}

// send marshals and enqueues one message; a full outbox disconnects.
func (h *Hub) send(c *conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.outbox <- data:
	default:
		h.logger.Warn("outbox overflow, disconnecting", zap.String("tenant_id", c.tenantID))
		c.close()
	}
}

// BroadcastEvents fans accepted events out to matching event subscribers.
// Called by ingest after commit; never blocks.
func (h *Hub) BroadcastEvents(tenantID string, events []event.Event) {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns[tenantID]))
	for c := range h.conns[tenantID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for i := range events {
		ev := &events[i]
		for _, c := range conns {
			if !c.subscribed(ChannelEvents) {
				continue
			}
			c.mu.Lock()
			match := c.filter.MatchEvent(ev)
			c.mu.Unlock()
			if !match {
				continue
			}
			h.send(c, EventMessage{Type: MsgEventNew, Event: *ev})
		}
	}
}

// BroadcastStatus fans one status transition out to agent subscribers. The
// stuck transition additionally emits agent.stuck.
func (h *Hub) BroadcastStatus(tenantID string, change StatusChange) {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns[tenantID]))
	for c := range h.conns[tenantID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if !c.subscribed(ChannelAgents) {
			continue
		}
		c.mu.Lock()
		match := c.filter.MatchAgent(change.AgentID)
		c.mu.Unlock()
		if !match {
			continue
		}
		h.send(c, StatusMessage{Type: MsgAgentStatusChanged, StatusChange: change})
		if change.NewStatus == query.StatusStuck {
			h.send(c, StatusMessage{Type: MsgAgentStuck, StatusChange: change})
		}
	}
}
