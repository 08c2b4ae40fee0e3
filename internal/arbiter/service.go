package arbiter

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/victornm/mathrush/internal/domain"
	"github.com/victornm/mathrush/internal/errors"
	"github.com/victornm/mathrush/internal/leaderboard"
	"github.com/victornm/mathrush/internal/question"
	"github.com/victornm/mathrush/internal/session"
	"github.com/victornm/mathrush/internal/store"
	"github.com/victornm/mathrush/internal/telemetry"
)

const (
	DefaultPoints     = 10
	DefaultWinnerTTL  = 5 * time.Minute
	DefaultAttemptTTL = time.Minute

	outcomeWinner = "WINNER"

	// Answers are small numbers. Anything outside these bounds is rejected before
	// comparison, which rescales both sides to a common exponent.
	maxAnswerExponent = 20
	maxAnswerDigits   = 40
)

type Config struct {
	Redis       redis.UniversalClient
	Prefix      string
	Session     *session.Service
	Question    *question.Service
	Leaderboard *leaderboard.Service
	Points      int64
	WinnerTTL   time.Duration
	AttemptTTL  time.Duration
	Timeout     time.Duration
}

// Service decides the outcome of answer submissions. The winner of a question is
// whoever's SET NX reaches Redis first; nothing here relies on local locking.
type Service struct {
	redis      redis.UniversalClient
	keys       store.Keys
	session    *session.Service
	question   *question.Service
	lb         *leaderboard.Service
	points     int64
	winnerTTL  time.Duration
	attemptTTL time.Duration
	timeout    time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		redis:      c.Redis,
		keys:       store.Keys{Prefix: c.Prefix},
		session:    c.Session,
		question:   c.Question,
		lb:         c.Leaderboard,
		points:     c.Points,
		winnerTTL:  c.WinnerTTL,
		attemptTTL: c.AttemptTTL,
		timeout:    c.Timeout,
	}

	if s.points <= 0 {
		s.points = DefaultPoints
	}
	if s.winnerTTL <= 0 {
		s.winnerTTL = DefaultWinnerTTL
	}
	if s.attemptTTL <= 0 {
		s.attemptTTL = DefaultAttemptTTL
	}

	return s
}

type SubmitRequest struct {
	SessionID  string
	QuestionID string
	Answer     string
}

// Submit arbitrates one answer. Every quiz outcome, including losing the race,
// is a result. An error is returned only when the store could not be reached,
// in which case nothing about the outcome is known.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*domain.SubmitResult, error) {
	res, err := s.submit(ctx, req)
	if err != nil {
		telemetry.Submissions.WithLabelValues(string(errors.ReasonStoreUnavailable)).Inc()
		return nil, err
	}

	outcome := string(res.Reason)
	if res.IsWinner {
		outcome = outcomeWinner
	}
	telemetry.Submissions.WithLabelValues(outcome).Inc()

	return res, nil
}

func (s *Service) submit(ctx context.Context, req SubmitRequest) (*domain.SubmitResult, error) {
	answer, ok := ParseAnswer(req.Answer)
	if !ok {
		return reject(errors.ReasonInvalidAnswer, "Answer must be a number", ""), nil
	}

	if _, err := s.session.Get(ctx, req.SessionID); err != nil {
		if errors.Is(err, errors.ReasonSessionInvalid) {
			return reject(errors.ReasonSessionInvalid, "Session is invalid or expired", ""), nil
		}
		return nil, err
	}

	q, err := s.question.Active(ctx)
	if err != nil && !errors.IsCode(err, errors.CodeNotFound) {
		return nil, err
	}
	if q == nil || q.QuestionID != req.QuestionID {
		slog.DebugContext(ctx, "arbiter: stale submission",
			"session_id", req.SessionID,
			"question_id", req.QuestionID,
		)
		return reject(errors.ReasonQuestionChanged, "Question has changed", ""), nil
	}

	key, err := decimal.NewFromString(q.AnswerKey)
	if err != nil {
		return nil, errors.Internal(err)
	}

	if !answer.Equal(key) {
		s.recordAttempt(ctx, q.QuestionID, req.SessionID)
		return reject(errors.ReasonWrongAnswer, "Wrong answer", ""), nil
	}

	won, err := s.claim(ctx, q.QuestionID, req.SessionID)
	if err != nil {
		return nil, err
	}

	if !won {
		winner, err := s.winner(ctx, q.QuestionID)
		if err != nil {
			return nil, err
		}
		s.recordAttempt(ctx, q.QuestionID, req.SessionID)
		return reject(errors.ReasonTooLate, "Someone else answered first", winner), nil
	}

	score, err := s.lb.Credit(ctx, req.SessionID, s.points)
	if errors.Is(err, errors.ReasonSessionInvalid) {
		// Deleted after the session check; the claim stands and nobody is credited.
		slog.WarnContext(ctx, "arbiter: winner left before credit",
			"session_id", req.SessionID,
			"question_id", q.QuestionID,
		)
		return reject(errors.ReasonSessionInvalid, "Session is invalid or expired", ""), nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "arbiter: credit winner failed",
			"session_id", req.SessionID,
			"question_id", q.QuestionID,
			"error", err,
		)
		return nil, err
	}
	s.recordAttempt(ctx, q.QuestionID, req.SessionID)

	slog.InfoContext(ctx, "arbiter: question won",
		"session_id", req.SessionID,
		"question_id", q.QuestionID,
		"score", score,
	)

	return &domain.SubmitResult{
		IsWinner:   true,
		NewScore:   score,
		HTTPStatus: http.StatusOK,
	}, nil
}

// ParseAnswer accepts finite decimal numbers of bounded size, surrounding spaces ignored.
func ParseAnswer(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}

	if e := d.Exponent(); e < -maxAnswerExponent || e > maxAnswerExponent {
		return decimal.Zero, false
	}
	if d.NumDigits() > maxAnswerDigits {
		return decimal.Zero, false
	}

	return d, true
}

// claim is the single race resolution point.
func (s *Service) claim(ctx context.Context, questionID, sessionID string) (bool, error) {
	ctx, cancel := store.Bound(ctx, s.timeout)
	defer cancel()

	ok, err := s.redis.SetNX(ctx, s.keys.Winner(questionID), sessionID, s.winnerTTL).Result()
	if err != nil {
		return false, store.Failed("claim winner", err)
	}

	return ok, nil
}

func (s *Service) winner(ctx context.Context, questionID string) (string, error) {
	ctx, cancel := store.Bound(ctx, s.timeout)
	defer cancel()

	id, err := s.redis.Get(ctx, s.keys.Winner(questionID)).Result()
	if store.IsNil(err) {
		return "", nil
	}
	if err != nil {
		return "", store.Failed("get winner", err)
	}

	return id, nil
}

// ClaimAge reports how long ago questionID was won; won is false while it is open.
// A claim without expiry counts as old as the winner TTL.
func (s *Service) ClaimAge(ctx context.Context, questionID string) (age time.Duration, won bool, err error) {
	ctx, cancel := store.Bound(ctx, s.timeout)
	defer cancel()

	ttl, err := s.redis.PTTL(ctx, s.keys.Winner(questionID)).Result()
	if err != nil {
		return 0, false, store.Failed("get winner ttl", err)
	}

	switch {
	case ttl == -2:
		return 0, false, nil
	case ttl < 0:
		return s.winnerTTL, true, nil
	default:
		return s.winnerTTL - ttl, true, nil
	}
}

// recordAttempt is advisory, so a failure is logged and otherwise ignored.
func (s *Service) recordAttempt(ctx context.Context, questionID, sessionID string) {
	bctx, cancel := store.Bound(ctx, s.timeout)
	defer cancel()

	key := s.keys.Attempts(questionID, sessionID)
	_, err := s.redis.TxPipelined(bctx, func(p redis.Pipeliner) error {
		p.Incr(bctx, key)
		p.Expire(bctx, key, s.attemptTTL)
		return nil
	})
	if err != nil {
		slog.WarnContext(ctx, "arbiter: record attempt failed",
			"session_id", sessionID,
			"question_id", questionID,
			"error", err,
		)
	}
}

var hints = map[errors.Reason]int{
	errors.ReasonInvalidAnswer:   http.StatusBadRequest,
	errors.ReasonSessionInvalid:  http.StatusUnauthorized,
	errors.ReasonQuestionChanged: http.StatusConflict,
	errors.ReasonWrongAnswer:     http.StatusOK,
	errors.ReasonTooLate:         http.StatusConflict,
}

func reject(r errors.Reason, msg, winnerID string) *domain.SubmitResult {
	return &domain.SubmitResult{
		Reason:     r,
		Message:    msg,
		HTTPStatus: hints[r],
		WinnerID:   winnerID,
	}
}
