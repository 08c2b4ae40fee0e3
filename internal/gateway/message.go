package gateway

import (
	"encoding/json"

	"github.com/victornm/mathrush/internal/domain"
	"github.com/victornm/mathrush/internal/errors"
)

// Inbound events.
const (
	EventJoin           = "join"
	EventSubmitAnswer   = "submit-answer"
	EventGetLeaderboard = "get-leaderboard"
	EventPing           = "ping"
)

// Outbound events.
const (
	EventQuestionCurrent    = "question-current"
	EventQuestionChanged    = "question-changed"
	EventLeaderboardChanged = "leaderboard-changed"
	EventAnswerResult       = "answer-result"
	EventWinnerAnnounced    = "winner-announced"
	EventPresenceCount      = "presence-count"
	EventPong               = "pong"
	EventError              = "error"
)

// Error kinds owned by the gateway. Quiz failures use their reason instead.
const (
	errInvalidPayload = "INVALID_PAYLOAD"
	errUnknownEvent   = "UNKNOWN_EVENT"
)

// Message is the frame exchanged in both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// envelope travels over Redis pub/sub between instances. An empty SessionID
// addresses every connection.
type envelope struct {
	SessionID string          `json:"sessionId,omitempty"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	// Close disconnects the addressed connections after delivery.
	Close bool `json:"close,omitempty"`
}

type (
	Question struct {
		ID          string `json:"id"`
		ProblemText string `json:"problemText"`
		Difficulty  string `json:"difficulty"`
		CreatedAt   int64  `json:"createdAt"`
	}

	LeaderboardEntry struct {
		SessionID string `json:"sessionId"`
		Username  string `json:"username"`
		Score     int64  `json:"score"`
	}

	AnswerResult struct {
		Success    bool   `json:"success"`
		IsWinner   bool   `json:"isWinner"`
		NewScore   int64  `json:"newScore,omitempty"`
		Error      string `json:"error,omitempty"`
		Message    string `json:"message,omitempty"`
		HTTPStatus int    `json:"httpStatus,omitempty"`
		WinnerID   string `json:"winnerId,omitempty"`
	}

	Winner struct {
		Username  string `json:"username"`
		SessionID string `json:"sessionId"`
		NewScore  int64  `json:"newScore"`
	}

	Presence struct {
		Count int64 `json:"count"`
	}

	Pong struct {
		Timestamp int64 `json:"timestamp"`
	}

	Error struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
)

type (
	submitAnswer struct {
		QuestionID string          `json:"questionId"`
		Answer     json.RawMessage `json:"answer"`
	}

	ping struct {
		Timestamp int64 `json:"timestamp"`
	}
)

func NewQuestion(q domain.PublicQuestion) Question {
	return Question{
		ID:          q.QuestionID,
		ProblemText: q.ProblemText,
		Difficulty:  string(q.Difficulty),
		CreatedAt:   q.CreatedAt.UnixMilli(),
	}
}

func NewLeaderboard(l domain.Leaderboard) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(l.Entries))
	for _, e := range l.Entries {
		entries = append(entries, LeaderboardEntry{
			SessionID: e.SessionID,
			Username:  e.Username,
			Score:     e.Score,
		})
	}
	return entries
}

func NewAnswerResult(r domain.SubmitResult) AnswerResult {
	if r.IsWinner {
		return AnswerResult{Success: true, IsWinner: true, NewScore: r.NewScore}
	}

	return AnswerResult{
		Error:      string(r.Reason),
		Message:    r.Message,
		HTTPStatus: r.HTTPStatus,
		WinnerID:   r.WinnerID,
	}
}

// NewError renders err for a client. Errors without a reason are not described.
func NewError(err error) Error {
	e := errors.Convert(err)
	if e.Reason == "" {
		return Error{Error: e.Kind(), Message: "internal error"}
	}
	return Error{Error: string(e.Reason), Message: e.Message}
}

// AnswerText accepts a JSON number or string. Anything else comes back as its
// raw text and fails answer parsing downstream.
func AnswerText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
