package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"github.com/victornm/mathrush/internal/arbiter"
	"github.com/victornm/mathrush/internal/domain"
	"github.com/victornm/mathrush/internal/errors"
	"github.com/victornm/mathrush/internal/event"
	"github.com/victornm/mathrush/internal/gateway"
	"github.com/victornm/mathrush/internal/leaderboard"
	"github.com/victornm/mathrush/internal/question"
	"github.com/victornm/mathrush/internal/round"
	"github.com/victornm/mathrush/internal/session"
)

type Config struct {
	Router      gin.IRouter
	EventBus    *event.Bus
	Session     *session.Service
	Question    *question.Service
	Leaderboard *leaderboard.Service
	Round       *round.Service
	Gateway     Gateway
	Clock       clockwork.Clock
}

// Gateway is the real-time side of the API.
type Gateway interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Broadcast(ctx context.Context, event string, data any) error
	Evict(ctx context.Context, sessionID string, reason gateway.Error) error
}

type API struct {
	ss *session.Service
	qs *question.Service
	ls *leaderboard.Service
	rs *round.Service
	gw Gateway

	clock   clockwork.Clock
	started time.Time
}

func New(c Config) *API {
	a := &API{
		ss:    c.Session,
		qs:    c.Question,
		ls:    c.Leaderboard,
		rs:    c.Round,
		gw:    c.Gateway,
		clock: c.Clock,
	}

	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}
	a.started = a.clock.Now()

	// HTTP APIs
	r := c.Router.Group("/api")
	r.POST("/session", a.CreateSession)
	r.GET("/session/:id", a.GetSession)
	r.DELETE("/session/:id", a.DeleteSession)
	r.GET("/session/:id/rank", a.GetRank)
	r.GET("/question/current", a.GetCurrentQuestion)
	r.GET("/leaderboard", a.GetLeaderboard)
	r.POST("/answer", a.SubmitAnswer)
	r.GET("/health", a.Health)

	c.Router.GET("/ws", gin.WrapF(a.gw.ServeWS))

	// Register event handlers
	c.EventBus.Subscribe(domain.EventNameRoundWon, func(ctx context.Context, e event.Event) error {
		return a.PublishRoundWon(ctx, e.(domain.EventRoundWon))
	})
	c.EventBus.Subscribe(domain.EventNameQuestionChanged, func(ctx context.Context, e event.Event) error {
		return a.PublishQuestionChanged(ctx, e.(domain.EventQuestionChanged))
	})
	c.EventBus.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
		return a.PublishSessionEnded(ctx, e.(domain.EventSessionEnded))
	})

	return a
}

type (
	CreateSessionRequest struct {
		Username *string `json:"username"`
	}

	CreateSessionResponse struct {
		SessionID string `json:"sessionId"`
		Username  string `json:"username"`
	}

	SessionResponse struct {
		Username  string `json:"username"`
		Score     int64  `json:"score"`
		CreatedAt int64  `json:"createdAt"`
	}

	RankResponse struct {
		Score int64 `json:"score"`
		Rank  int64 `json:"rank"`
	}

	SubmitAnswerRequest struct {
		SessionID  string          `json:"sessionId"`
		QuestionID string          `json:"questionId"`
		Answer     json.RawMessage `json:"answer"`
	}

	HealthResponse struct {
		Status         string `json:"status"`
		StoreConnected bool   `json:"storeConnected"`
		UptimeSeconds  int64  `json:"uptimeSeconds"`
	}

	ErrorResponse struct {
		Error   string `json:"error"`
		Message string `json:"message,omitempty"`
	}
)

func (a *API) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   string(errors.ReasonInvalidUsername),
			Message: "Username required",
		})
		return
	}

	ss, err := a.ss.Create(c.Request.Context(), *req.Username)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, CreateSessionResponse{
		SessionID: ss.SessionID,
		Username:  ss.Username,
	})
}

func (a *API) GetSession(c *gin.Context) {
	ss, err := a.ss.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, SessionResponse{
		Username:  ss.Username,
		Score:     ss.Score,
		CreatedAt: ss.CreatedAt.UnixMilli(),
	})
}

func (a *API) DeleteSession(c *gin.Context) {
	ok, err := a.ss.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   string(errors.ReasonSessionInvalid),
			Message: "Session not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *API) GetRank(c *gin.Context) {
	r, err := a.ls.RankOf(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, RankResponse{Score: r.Score, Rank: r.Rank})
}

// GetCurrentQuestion answers null while no question is active.
func (a *API) GetCurrentQuestion(c *gin.Context) {
	q, err := a.qs.Current(c.Request.Context())
	if errors.IsCode(err, errors.CodeNotFound) {
		c.JSON(http.StatusOK, nil)
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gateway.NewQuestion(*q))
}

func (a *API) GetLeaderboard(c *gin.Context) {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil {
		limit = leaderboard.DefaultLimit
	}

	l, err := a.ls.TopN(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gateway.NewLeaderboard(*l))
}

// SubmitAnswer is the HTTP twin of the submit-answer event. The status is the
// result's hint, so a lost race is a 409 rather than a failure of the call.
func (a *API) SubmitAnswer(c *gin.Context) {
	var req SubmitAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "INVALID_PAYLOAD", Message: "Invalid payload"})
		return
	}

	ctx := c.Request.Context()
	if err := a.ss.Touch(ctx, req.SessionID); err != nil {
		slog.WarnContext(ctx, "api: touch session failed", "session_id", req.SessionID, "error", err)
	}

	res, err := a.rs.Submit(ctx, arbiter.SubmitRequest{
		SessionID:  req.SessionID,
		QuestionID: req.QuestionID,
		Answer:     gateway.AnswerText(req.Answer),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(res.HTTPStatus, gateway.NewAnswerResult(*res))
}

func (a *API) Health(c *gin.Context) {
	connected := a.ss.Ping(c.Request.Context()) == nil

	status := "ok"
	if !connected {
		status = "degraded"
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:         status,
		StoreConnected: connected,
		UptimeSeconds:  int64(a.clock.Since(a.started) / time.Second),
	})
}

func writeError(c *gin.Context, err error) {
	e := errors.Convert(err)
	resp := ErrorResponse{Error: e.Kind(), Message: e.Message}

	switch e.Code {
	case errors.CodeInternal:
		slog.ErrorContext(c.Request.Context(), "api: request failed", "path", c.FullPath(), "error", err)
		resp.Message = "internal error"
	case errors.CodeUnavailable:
		slog.ErrorContext(c.Request.Context(), "api: store unavailable", "path", c.FullPath(), "error", err)
	}

	c.JSON(e.HTTPStatusCode(), resp)
}
