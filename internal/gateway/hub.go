package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/mathrush/internal/arbiter"
	"github.com/victornm/mathrush/internal/domain"
	"github.com/victornm/mathrush/internal/round"
	"github.com/victornm/mathrush/internal/store"
	"github.com/victornm/mathrush/internal/telemetry"
)

const headerSessionID = "X-Session-Id"

type Sessions interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
	Touch(ctx context.Context, id string) error
}

type Quiz interface {
	Snapshot(ctx context.Context) (*round.Snapshot, error)
	Leaderboard(ctx context.Context) (*domain.Leaderboard, error)
	Submit(ctx context.Context, req arbiter.SubmitRequest) (*domain.SubmitResult, error)
}

type Config struct {
	Redis    redis.UniversalClient
	Prefix   string
	Sessions Sessions
	Quiz     Quiz
	// Timeout bounds each store call made by the hub.
	Timeout        time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	CheckOrigin    func(r *http.Request) bool
}

func (c *Config) setDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.ReadTimeout {
		c.PingInterval = c.ReadTimeout * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// Hub holds this instance's participant connections. Everything that must reach
// participants goes through a Redis channel, so a broadcast published on any
// instance is delivered by every instance to its own connections.
type Hub struct {
	redis    redis.UniversalClient
	keys     store.Keys
	sessions Sessions
	quiz     Quiz
	upgrader websocket.Upgrader
	config   Config

	readyOnce sync.Once
	ready     chan struct{}

	mu        sync.RWMutex
	conns     map[*Conn]struct{}
	bySession map[string]map[*Conn]struct{}
}

func NewHub(c Config) *Hub {
	c.setDefaults()

	return &Hub{
		redis:    c.Redis,
		keys:     store.Keys{Prefix: c.Prefix},
		sessions: c.Sessions,
		quiz:     c.Quiz,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     c.CheckOrigin,
		},
		config:    c,
		ready:     make(chan struct{}),
		conns:     make(map[*Conn]struct{}),
		bySession: make(map[string]map[*Conn]struct{}),
	}
}

// Run relays the shared event channel to local connections until ctx is done,
// then closes every local connection.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.redis.Subscribe(ctx, h.keys.Events())
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("gateway: subscribe %s: %w", h.keys.Events(), err)
	}
	h.readyOnce.Do(func() { close(h.ready) })

	slog.InfoContext(ctx, "gateway: started", "channel", h.keys.Events())

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			slog.InfoContext(ctx, "gateway: stopped")
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			h.deliver(ctx, m.Payload)
		}
	}
}

// Ready is closed once Run is subscribed.
func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

// Broadcast sends an event to every participant on every instance.
func (h *Hub) Broadcast(ctx context.Context, event string, data any) error {
	return h.publish(ctx, envelope{Event: event}, data)
}

// Unicast sends an event to the connections of one session, wherever they are.
// It is dropped when the session is not connected.
func (h *Hub) Unicast(ctx context.Context, sessionID, event string, data any) error {
	return h.publish(ctx, envelope{SessionID: sessionID, Event: event}, data)
}

// Evict tells the connections of a session why they are being closed, then closes them.
func (h *Hub) Evict(ctx context.Context, sessionID string, reason Error) error {
	return h.publish(ctx, envelope{SessionID: sessionID, Event: EventError, Close: true}, reason)
}

// ServeWS upgrades the request. The session id comes from the sessionId query
// parameter or the X-Session-Id header and must name a live session.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = r.Header.Get(headerSessionID)
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.ErrorContext(r.Context(), "gateway: upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))

	if _, err := h.sessions.Get(ctx, sessionID); err != nil {
		cancel()
		h.reject(ctx, ws, sessionID, err)
		return
	}

	c := &Conn{
		id:        uuid.NewString(),
		sessionID: sessionID,
		ws:        ws,
		send:      make(chan []byte, h.config.SendBuffer),
		hub:       h,
		ctx:       ctx,
		cancel:    cancel,
	}

	h.register(c)
	go c.writePump()

	h.snapshot(ctx, c)
	h.join(ctx, c)

	go c.readPump()
}

func (h *Hub) reject(ctx context.Context, ws *websocket.Conn, sessionID string, err error) {
	payload := NewError(err)
	if sessionID == "" {
		payload.Message = "Session required"
	}

	slog.InfoContext(ctx, "gateway: connection rejected", "session_id", sessionID, "reason", payload.Error)

	data, _ := json.Marshal(payload)
	deadline := time.Now().Add(h.config.WriteTimeout)

	_ = ws.SetWriteDeadline(deadline)
	_ = ws.WriteJSON(Message{Event: EventError, Data: data})
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, payload.Error), deadline)
	_ = ws.Close()
}

func (h *Hub) snapshot(ctx context.Context, c *Conn) {
	s, err := h.quiz.Snapshot(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "gateway: snapshot failed", "session_id", c.sessionID, "error", err)
		h.send(c, EventError, NewError(err))
		return
	}

	h.send(c, EventQuestionCurrent, NewQuestion(*s.Question))
	h.send(c, EventLeaderboardChanged, NewLeaderboard(*s.Leaderboard))
}

func (h *Hub) join(ctx context.Context, c *Conn) {
	bctx, cancel := store.Bound(ctx, h.config.Timeout)
	defer cancel()

	var count *redis.IntCmd
	_, err := h.redis.TxPipelined(bctx, func(p redis.Pipeliner) error {
		p.HSet(bctx, h.keys.Presence(), c.id, c.sessionID)
		count = p.HLen(bctx, h.keys.Presence())
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "gateway: record presence failed", "connection_id", c.id, "error", err)
		return
	}

	slog.InfoContext(ctx, "gateway: connected", "connection_id", c.id, "session_id", c.sessionID)
	h.broadcastPresence(ctx, count.Val())
}

// leave releases everything held for c. It is the only disconnect path.
func (h *Hub) leave(c *Conn) {
	c.leave.Do(func() {
		h.unregister(c)
		c.cancel()

		ctx, cancel := store.Bound(context.Background(), h.config.Timeout)
		defer cancel()

		var count *redis.IntCmd
		_, err := h.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HDel(ctx, h.keys.Presence(), c.id)
			count = p.HLen(ctx, h.keys.Presence())
			return nil
		})
		if err != nil {
			slog.ErrorContext(ctx, "gateway: release presence failed", "connection_id", c.id, "error", err)
			return
		}

		slog.InfoContext(ctx, "gateway: disconnected", "connection_id", c.id, "session_id", c.sessionID)
		h.broadcastPresence(ctx, count.Val())
	})
}

func (h *Hub) broadcastPresence(ctx context.Context, n int64) {
	if err := h.Broadcast(ctx, EventPresenceCount, Presence{Count: n}); err != nil {
		slog.ErrorContext(ctx, "gateway: broadcast presence failed", "error", err)
	}
}

func (h *Hub) publish(ctx context.Context, env envelope, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("gateway: marshal %s: %w", env.Event, err)
	}
	env.Data = b

	msg, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("gateway: marshal envelope %s: %w", env.Event, err)
	}

	ctx, cancel := store.Bound(ctx, h.config.Timeout)
	defer cancel()

	return store.Failed("publish "+env.Event, h.redis.Publish(ctx, h.keys.Events(), msg).Err())
}

func (h *Hub) deliver(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		slog.ErrorContext(ctx, "gateway: bad envelope", "error", err)
		return
	}

	frame, err := json.Marshal(Message{Event: env.Event, Data: env.Data})
	if err != nil {
		slog.ErrorContext(ctx, "gateway: marshal frame", "event", env.Event, "error", err)
		return
	}

	var targets, slow []*Conn

	h.mu.RLock()
	if env.SessionID == "" {
		for c := range h.conns {
			targets = append(targets, c)
		}
	} else {
		for c := range h.bySession[env.SessionID] {
			targets = append(targets, c)
		}
	}
	for _, c := range targets {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.drop(c)
	}

	if env.Close {
		for _, c := range targets {
			// Closing the send buffer lets the writer flush the frame before it hangs up.
			h.unregister(c)
		}
	}

	slog.DebugContext(ctx, "gateway: delivered", "event", env.Event, "connections", len(targets))
}

// send queues an event for one local connection.
func (h *Hub) send(c *Conn, event string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		slog.Error("gateway: marshal event", "event", event, "error", err)
		return
	}

	frame, err := json.Marshal(Message{Event: event, Data: b})
	if err != nil {
		slog.Error("gateway: marshal frame", "event", event, "error", err)
		return
	}

	full := false

	h.mu.RLock()
	if _, ok := h.conns[c]; ok {
		select {
		case c.send <- frame:
		default:
			full = true
		}
	}
	h.mu.RUnlock()

	if full {
		h.drop(c)
	}
}

func (h *Hub) drop(c *Conn) {
	slog.Warn("gateway: send buffer full, closing connection", "connection_id", c.id, "session_id", c.sessionID)
	telemetry.GatewayDropped.Inc()
	h.unregister(c)
	_ = c.ws.Close()
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c] = struct{}{}
	if h.bySession[c.sessionID] == nil {
		h.bySession[c.sessionID] = make(map[*Conn]struct{})
	}
	h.bySession[c.sessionID][c] = struct{}{}

	telemetry.Connections.Inc()
}

// unregister closes the send buffer exactly once. Sends happen under the read
// lock after a membership check, so nothing sends on a closed buffer.
func (h *Hub) unregister(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; !ok {
		return false
	}

	delete(h.conns, c)
	if byID := h.bySession[c.sessionID]; byID != nil {
		delete(byID, c)
		if len(byID) == 0 {
			delete(h.bySession, c.sessionID)
		}
	}
	close(c.send)

	telemetry.Connections.Dec()
	return true
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.unregister(c)
	}
}
