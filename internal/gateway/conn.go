package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/victornm/mathrush/internal/arbiter"
	"github.com/victornm/mathrush/internal/errors"
)

// Conn is one participant connection. It owns one reader and one writer goroutine.
type Conn struct {
	id        string
	sessionID string
	ws        *websocket.Conn
	send      chan []byte
	hub       *Hub

	// ctx is cancelled when the connection leaves.
	ctx    context.Context
	cancel context.CancelFunc
	leave  sync.Once
}

func (c *Conn) writePump() {
	cfg := c.hub.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("gateway: write failed", "connection_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("gateway: ping failed", "connection_id", c.id, "error", err)
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	cfg := c.hub.config
	defer func() {
		c.hub.leave(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.Warn("gateway: unexpected close", "connection_id", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			c.hub.send(c, EventError, Error{Error: errInvalidPayload, Message: "Invalid payload"})
			continue
		}

		c.handle(m)
	}
}

func (c *Conn) handle(m Message) {
	ctx := c.ctx

	if err := c.hub.sessions.Touch(ctx, c.sessionID); err != nil {
		slog.WarnContext(ctx, "gateway: touch session failed", "session_id", c.sessionID, "error", err)
	}

	switch m.Event {
	case EventJoin:
		c.hub.snapshot(ctx, c)

	case EventSubmitAnswer:
		c.submit(ctx, m.Data)

	case EventGetLeaderboard:
		l, err := c.hub.quiz.Leaderboard(ctx)
		if err != nil {
			c.hub.send(c, EventError, NewError(err))
			return
		}
		c.hub.send(c, EventLeaderboardChanged, NewLeaderboard(*l))

	case EventPing:
		c.hub.send(c, EventPong, Pong{Timestamp: pingTimestamp(m.Data)})

	default:
		c.hub.send(c, EventError, Error{Error: errUnknownEvent, Message: "Unknown event " + m.Event})
	}
}

func (c *Conn) submit(ctx context.Context, data json.RawMessage) {
	var p submitAnswer
	if err := json.Unmarshal(data, &p); err != nil || p.QuestionID == "" || len(p.Answer) == 0 {
		c.hub.send(c, EventError, Error{Error: errInvalidPayload, Message: "Invalid payload"})
		return
	}

	res, err := c.hub.quiz.Submit(ctx, arbiter.SubmitRequest{
		SessionID:  c.sessionID,
		QuestionID: p.QuestionID,
		Answer:     AnswerText(p.Answer),
	})
	if err != nil {
		slog.ErrorContext(ctx, "gateway: submit failed", "session_id", c.sessionID, "error", err)
		e := NewError(err)
		c.hub.send(c, EventAnswerResult, AnswerResult{
			Error:      e.Error,
			Message:    e.Message,
			HTTPStatus: errors.Convert(err).HTTPStatusCode(),
		})
		return
	}

	c.hub.send(c, EventAnswerResult, NewAnswerResult(*res))
}

// pingTimestamp accepts {"timestamp": n} or a bare number.
func pingTimestamp(data json.RawMessage) int64 {
	var p ping
	if err := json.Unmarshal(data, &p); err == nil {
		return p.Timestamp
	}

	var ts int64
	_ = json.Unmarshal(data, &ts)
	return ts
}
