package round

import (
	"context"
	"log/slog"
	"time"

	"github.com/victornm/mathrush/internal/arbiter"
	"github.com/victornm/mathrush/internal/domain"
	"github.com/victornm/mathrush/internal/errors"
	"github.com/victornm/mathrush/internal/event"
	"github.com/victornm/mathrush/internal/leaderboard"
	"github.com/victornm/mathrush/internal/question"
	"github.com/victornm/mathrush/internal/session"
	"github.com/victornm/mathrush/internal/telemetry"
)

type Config struct {
	EventBus        *event.Bus
	Session         *session.Service
	Question        *question.Service
	Leaderboard     *leaderboard.Service
	Arbiter         *arbiter.Service
	Difficulty      domain.Difficulty
	LeaderboardSize int
	// RetireAfter is how long a won question may stay active before anyone
	// else replaces it. The winner normally rotates it well within that time.
	RetireAfter time.Duration
}

const DefaultRetireAfter = 3 * time.Second

// Service drives rounds: it submits answers to the arbiter and, after a win,
// moves the quiz to the next question and announces the result.
type Service struct {
	eb         *event.Bus
	session    *session.Service
	question   *question.Service
	lb         *leaderboard.Service
	arbiter    *arbiter.Service
	difficulty domain.Difficulty
	size       int
	retire     time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		eb:         c.EventBus,
		session:    c.Session,
		question:   c.Question,
		lb:         c.Leaderboard,
		arbiter:    c.Arbiter,
		difficulty: c.Difficulty,
		size:       c.LeaderboardSize,
		retire:     c.RetireAfter,
	}

	if s.difficulty == "" {
		s.difficulty = domain.DifficultyEasy
	}
	if s.size <= 0 {
		s.size = leaderboard.DefaultLimit
	}
	if s.retire <= 0 {
		s.retire = DefaultRetireAfter
	}

	return s
}

// Snapshot is the state a participant needs to (re)join.
type Snapshot struct {
	Question    *domain.PublicQuestion
	Leaderboard *domain.Leaderboard
}

// Submit arbitrates the answer. A win is never undone by a failure to rotate
// or to read the leaderboard afterwards; those are logged and the round event
// carries whatever could be read.
func (s *Service) Submit(ctx context.Context, req arbiter.SubmitRequest) (*domain.SubmitResult, error) {
	res, err := s.arbiter.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	if !res.IsWinner {
		if res.Reason == errors.ReasonTooLate {
			if _, err := s.retireStale(ctx, req.QuestionID); err != nil {
				slog.ErrorContext(ctx, "round: retire won question failed", "question_id", req.QuestionID, "error", err)
			}
		}
		return res, nil
	}

	e := domain.EventRoundWon{
		QuestionID:     req.QuestionID,
		WinnerID:       req.SessionID,
		WinnerUsername: leaderboard.UnknownParticipant,
		NewScore:       res.NewScore,
	}

	next, rotated, err := s.question.Advance(ctx, req.QuestionID, s.difficulty)
	if err != nil {
		slog.ErrorContext(ctx, "round: rotate question failed",
			"question_id", req.QuestionID,
			"error", err,
		)
	} else {
		pq := next.Public()
		e.Next = &pq
	}
	if rotated {
		telemetry.Rounds.Inc()
	}

	if l, err := s.lb.TopN(ctx, s.size); err != nil {
		slog.ErrorContext(ctx, "round: read leaderboard failed", "error", err)
	} else {
		e.Leaderboard = *l
	}

	if names, err := s.session.Usernames(ctx, []string{req.SessionID}); err != nil {
		slog.ErrorContext(ctx, "round: read winner name failed", "session_id", req.SessionID, "error", err)
	} else if name, ok := names[req.SessionID]; ok {
		e.WinnerUsername = name
	}

	s.eb.Publish(ctx, e)

	return res, nil
}

// Snapshot returns the current question and the leaderboard. A question is created
// when none is active and replaced when it was already won.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	q, err := s.ensure(ctx)
	if err != nil {
		return nil, err
	}

	l, err := s.lb.TopN(ctx, s.size)
	if err != nil {
		return nil, err
	}

	pq := q.Public()
	return &Snapshot{Question: &pq, Leaderboard: l}, nil
}

// Leaderboard returns the configured top of the leaderboard.
func (s *Service) Leaderboard(ctx context.Context) (*domain.Leaderboard, error) {
	return s.lb.TopN(ctx, s.size)
}

// Bootstrap makes sure a question is active before traffic is accepted.
func (s *Service) Bootstrap(ctx context.Context) error {
	q, err := s.ensure(ctx)
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "round: ready", "question_id", q.QuestionID)
	return nil
}

func (s *Service) ensure(ctx context.Context) (*domain.Question, error) {
	q, created, err := s.question.Ensure(ctx, s.difficulty)
	if err != nil {
		return nil, err
	}

	if created {
		s.eb.Publish(ctx, domain.EventQuestionChanged{Question: q.Public()})
		return q, nil
	}

	next, err := s.retireStale(ctx, q.QuestionID)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return q, nil
	}

	return next, nil
}

// retireStale replaces questionID when it was won long enough ago that its winner
// evidently failed to rotate it. It returns nil when the question is left alone.
func (s *Service) retireStale(ctx context.Context, questionID string) (*domain.Question, error) {
	age, won, err := s.arbiter.ClaimAge(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if !won || age < s.retire {
		return nil, nil
	}

	next, rotated, err := s.question.Advance(ctx, questionID, s.difficulty)
	if err != nil {
		return nil, err
	}

	if rotated {
		telemetry.Rounds.Inc()
		slog.WarnContext(ctx, "round: retired won question", "question_id", questionID, "next_id", next.QuestionID)
		s.eb.Publish(ctx, domain.EventQuestionChanged{Question: next.Public()})
	}

	return next, nil
}
