package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/mathrush/internal/domain"
	"github.com/victornm/mathrush/internal/errors"
	"github.com/victornm/mathrush/internal/session"
	"github.com/victornm/mathrush/internal/store"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100

	// UnknownParticipant is shown for entries whose session is gone.
	UnknownParticipant = "Unknown participant"
)

// creditScript adds points to the ledger and mirrors them on the session hash.
// A gone session is not credited, so a concurrent delete never leaves a ledger
// entry behind. The ZINCRBY reply is the authoritative total.
//
// KEYS: leaderboard, session
// ARGV: points, session id
var creditScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
	return false
end
redis.call('HINCRBY', KEYS[2], 'score', ARGV[1])
return redis.call('ZINCRBY', KEYS[1], ARGV[1], ARGV[2])
`)

type Config struct {
	Redis   redis.UniversalClient
	Prefix  string
	Session *session.Service
	Timeout time.Duration
}

// Service is the ranked score ledger keyed by session id.
type Service struct {
	redis   redis.UniversalClient
	keys    store.Keys
	session *session.Service
	timeout time.Duration
}

func NewService(c Config) *Service {
	return &Service{
		redis:   c.Redis,
		keys:    store.Keys{Prefix: c.Prefix},
		session: c.Session,
		timeout: c.Timeout,
	}
}

// TopN returns the n best entries by descending score. Equal scores keep Redis'
// member order, which for a reverse range is descending session id.
func (s *Service) TopN(ctx context.Context, n int) (*domain.Leaderboard, error) {
	n = clamp(n)

	bctx, cancel := store.Bound(ctx, s.timeout)
	defer cancel()

	res, err := s.redis.ZRevRangeWithScores(bctx, s.keys.Leaderboard(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, store.Failed("get leaderboard", err)
	}

	ids := make([]string, 0, len(res))
	for _, z := range res {
		ids = append(ids, z.Member.(string))
	}

	names, err := s.session.Usernames(ctx, ids)
	if err != nil {
		return nil, err
	}

	l := &domain.Leaderboard{Entries: make([]domain.LeaderboardEntry, 0, len(res))}
	for i, z := range res {
		name, ok := names[ids[i]]
		if !ok {
			name = UnknownParticipant
		}

		l.Entries = append(l.Entries, domain.LeaderboardEntry{
			SessionID: ids[i],
			Username:  name,
			Score:     int64(z.Score),
		})
	}

	return l, nil
}

// RankOf returns the 1-based rank of a session, or NotFound when it has never scored.
func (s *Service) RankOf(ctx context.Context, sessionID string) (*domain.Rank, error) {
	ctx, cancel := store.Bound(ctx, s.timeout)
	defer cancel()

	var (
		score *redis.FloatCmd
		rank  *redis.IntCmd
	)

	_, err := s.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		score = p.ZScore(ctx, s.keys.Leaderboard(), sessionID)
		rank = p.ZRevRank(ctx, s.keys.Leaderboard(), sessionID)
		return nil
	})
	if err != nil && !store.IsNil(err) {
		return nil, store.Failed("get rank", err)
	}

	if store.IsNil(score.Err()) || store.IsNil(rank.Err()) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("no rank for session: %s", sessionID))
	}

	return &domain.Rank{
		SessionID: sessionID,
		Score:     int64(score.Val()),
		Rank:      rank.Val() + 1,
	}, nil
}

// Credit atomically adds points to a session and returns its new total. A session
// that no longer exists is not credited and yields SESSION_INVALID.
func (s *Service) Credit(ctx context.Context, sessionID string, points int64) (int64, error) {
	ctx, cancel := store.Bound(ctx, s.timeout)
	defer cancel()

	total, err := creditScript.Run(ctx, s.redis,
		[]string{s.keys.Leaderboard(), s.keys.Session(sessionID)},
		points, sessionID,
	).Float64()
	if store.IsNil(err) {
		return 0, errors.New(errors.CodeNotFound,
			errors.WithReason(errors.ReasonSessionInvalid),
			errors.WithMessagef("session %s is gone", sessionID),
		)
	}
	if err != nil {
		return 0, store.Failed(fmt.Sprintf("credit %s", sessionID), err)
	}

	return int64(total), nil
}

func clamp(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	default:
		return n
	}
}
