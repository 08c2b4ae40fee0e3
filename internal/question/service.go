package question

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/mathrush/internal/domain"
	"github.com/victornm/mathrush/internal/errors"
	"github.com/victornm/mathrush/internal/store"
)

const (
	fieldID         = "id"
	fieldProblem    = "problem"
	fieldAnswer     = "answer"
	fieldDifficulty = "difficulty"
	fieldCreatedAt  = "createdAt"
)

type Config struct {
	Redis     redis.UniversalClient
	Prefix    string
	Generator *Generator
	Timeout   time.Duration
	Clock     clockwork.Clock
}

// Service owns the single active question. The record is always replaced as a
// whole inside one transaction, so no reader observes a half written question.
type Service struct {
	redis   redis.UniversalClient
	keys    store.Keys
	gen     *Generator
	timeout time.Duration
	clock   clockwork.Clock
}

func NewService(c Config) *Service {
	s := &Service{
		redis:   c.Redis,
		keys:    store.Keys{Prefix: c.Prefix},
		gen:     c.Generator,
		timeout: c.Timeout,
		clock:   c.Clock,
	}

	if s.gen == nil {
		s.gen = NewGenerator(nil)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}

	return s
}

// Rotate unconditionally replaces the active question.
func (s *Service) Rotate(ctx context.Context, d domain.Difficulty) (*domain.Question, error) {
	q, err := s.newQuestion(d)
	if err != nil {
		return nil, err
	}

	bctx, cancel := store.Bound(ctx, s.timeout)
	defer cancel()

	if _, err := s.redis.TxPipelined(bctx, func(p redis.Pipeliner) error {
		s.write(bctx, p, q)
		return nil
	}); err != nil {
		return nil, store.Failed("rotate question", err)
	}

	slog.InfoContext(ctx, "question: rotated", "question_id", q.QuestionID, "difficulty", q.Difficulty)

	return q, nil
}

// Advance replaces the active question only while it is still fromID (or absent).
// When another instance already moved on, the current question is returned with rotated=false.
func (s *Service) Advance(ctx context.Context, fromID string, d domain.Difficulty) (q *domain.Question, rotated bool, err error) {
	return s.replaceIf(ctx, d, func(cur *domain.Question) bool {
		return cur == nil || cur.QuestionID == fromID
	})
}

// Ensure creates a question when none is active.
func (s *Service) Ensure(ctx context.Context, d domain.Difficulty) (q *domain.Question, created bool, err error) {
	return s.replaceIf(ctx, d, func(cur *domain.Question) bool {
		return cur == nil
	})
}

// Current returns the public projection of the active question, or NotFound.
func (s *Service) Current(ctx context.Context) (*domain.PublicQuestion, error) {
	q, err := s.Active(ctx)
	if err != nil {
		return nil, err
	}

	pq := q.Public()
	return &pq, nil
}

// Active returns the active question including its answer key, or NotFound.
func (s *Service) Active(ctx context.Context) (*domain.Question, error) {
	ctx, cancel := store.Bound(ctx, s.timeout)
	defer cancel()

	data, err := s.redis.HGetAll(ctx, s.keys.CurrentQuestion()).Result()
	if err != nil {
		return nil, store.Failed("get current question", err)
	}

	q, err := parseQuestion(data)
	if err != nil {
		return nil, err
	}

	if q == nil {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("no active question"))
	}

	return q, nil
}

func (s *Service) replaceIf(ctx context.Context, d domain.Difficulty, cond func(cur *domain.Question) bool) (*domain.Question, bool, error) {
	next, err := s.newQuestion(d)
	if err != nil {
		return nil, false, err
	}

	bctx, cancel := store.Bound(ctx, s.timeout)
	defer cancel()

	var (
		key      = s.keys.CurrentQuestion()
		result   *domain.Question
		replaced bool
	)

	err = s.redis.Watch(bctx, func(tx *redis.Tx) error {
		data, err := tx.HGetAll(bctx, key).Result()
		if err != nil {
			return err
		}

		cur, err := parseQuestion(data)
		if err != nil {
			return err
		}

		if !cond(cur) {
			result = cur
			return nil
		}

		if _, err := tx.TxPipelined(bctx, func(p redis.Pipeliner) error {
			s.write(bctx, p, next)
			return nil
		}); err != nil {
			return err
		}

		result, replaced = next, true
		return nil
	}, key)

	if stderrors.Is(err, redis.TxFailedErr) {
		// Another instance replaced it between our read and write.
		q, err := s.Active(ctx)
		return q, false, err
	}

	var qerr *errors.Error
	if stderrors.As(err, &qerr) {
		return nil, false, err
	}

	if err != nil {
		return nil, false, store.Failed("replace question", err)
	}

	if replaced {
		slog.InfoContext(ctx, "question: rotated", "question_id", next.QuestionID, "difficulty", next.Difficulty)
	}

	return result, replaced, nil
}

func (s *Service) newQuestion(d domain.Difficulty) (*domain.Question, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate question ID: %w", err)
	}

	if d == "" {
		d = domain.DifficultyEasy
	}

	p := s.gen.Generate(d)

	return &domain.Question{
		QuestionID:  id.String(),
		ProblemText: p.Text,
		AnswerKey:   p.answerKey(),
		Difficulty:  d,
		CreatedAt:   time.UnixMilli(s.clock.Now().UnixMilli()),
	}, nil
}

func (s *Service) write(ctx context.Context, p redis.Pipeliner, q *domain.Question) {
	key := s.keys.CurrentQuestion()
	p.Del(ctx, key)
	p.HSet(ctx, key, map[string]any{
		fieldID:         q.QuestionID,
		fieldProblem:    q.ProblemText,
		fieldAnswer:     q.AnswerKey,
		fieldDifficulty: string(q.Difficulty),
		fieldCreatedAt:  q.CreatedAt.UnixMilli(),
	})
}

// parseQuestion returns nil for an empty hash.
func parseQuestion(data map[string]string) (*domain.Question, error) {
	if len(data) == 0 || data[fieldID] == "" {
		return nil, nil
	}

	createdAt, err := strconv.ParseInt(data[fieldCreatedAt], 10, 64)
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("question %s: createdAt: %w", data[fieldID], err))
	}

	return &domain.Question{
		QuestionID:  data[fieldID],
		ProblemText: data[fieldProblem],
		AnswerKey:   data[fieldAnswer],
		Difficulty:  domain.Difficulty(data[fieldDifficulty]),
		CreatedAt:   time.UnixMilli(createdAt),
	}, nil
}
