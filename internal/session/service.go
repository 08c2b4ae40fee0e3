package session

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/mathrush/internal/domain"
	"github.com/victornm/mathrush/internal/errors"
	"github.com/victornm/mathrush/internal/event"
	"github.com/victornm/mathrush/internal/store"
)

const (
	defaultTTL     = 24 * time.Hour
	sessionIDLen   = 36
	maxUsernameLen = 20
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9 ]+$`)

type Config struct {
	Redis    redis.UniversalClient
	Prefix   string
	EventBus *event.Bus
	TTL      time.Duration
	Timeout  time.Duration
	Clock    clockwork.Clock
}

// Service is the identity store. Username uniqueness and session lifetime are
// decided by atomic scripts in Redis, so any number of instances may share it.
type Service struct {
	redis   redis.UniversalClient
	keys    store.Keys
	eb      *event.Bus
	ttl     time.Duration
	timeout time.Duration
	clock   clockwork.Clock
}

func NewService(c Config) *Service {
	s := &Service{
		redis:   c.Redis,
		keys:    store.Keys{Prefix: c.Prefix},
		eb:      c.EventBus,
		ttl:     c.TTL,
		timeout: c.Timeout,
		clock:   c.Clock,
	}

	if s.ttl <= 0 {
		s.ttl = defaultTTL
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}

	return s
}

// ValidateUsername reports whether the trimmed name is 1-20 letters, digits or spaces.
func ValidateUsername(username string) bool {
	trimmed := strings.TrimSpace(username)
	if trimmed == "" || len(trimmed) > maxUsernameLen {
		return false
	}
	return usernamePattern.MatchString(trimmed)
}

// NormalizeUsername is the form used for uniqueness, never for display.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// ValidateSessionID accepts only canonical 36 character UUIDs.
func ValidateSessionID(id string) bool {
	if len(id) != sessionIDLen {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// Create registers a participant. The display name keeps its casing but is trimmed.
func (s *Service) Create(ctx context.Context, username string) (*domain.Session, error) {
	if !ValidateUsername(username) {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithReason(errors.ReasonInvalidUsername),
			errors.WithMessagef("Invalid username"),
		)
	}

	var (
		display    = strings.TrimSpace(username)
		normalized = NormalizeUsername(username)
		id         = uuid.NewString()
		now        = s.clock.Now()
	)

	ctx, cancel := store.Bound(ctx, s.timeout)
	defer cancel()

	ok, err := createScript.Run(ctx, s.redis,
		[]string{s.keys.UsernameIndex(), s.keys.Session(id), s.keys.Leaderboard()},
		normalized, id, s.keys.SessionPrefix(), display, now.UnixMilli(), int64(s.ttl/time.Second),
	).Bool()
	if err != nil {
		return nil, store.Failed("create session", err)
	}

	if !ok {
		return nil, errors.New(errors.CodeAlreadyExists,
			errors.WithReason(errors.ReasonUsernameTaken),
			errors.WithMessagef("Username already taken"),
		)
	}

	slog.InfoContext(ctx, "session: created", "session_id", id, "username", display)

	return &domain.Session{
		SessionID:  id,
		Username:   display,
		CreatedAt:  now.Truncate(time.Millisecond),
		LastActive: now.Truncate(time.Millisecond),
	}, nil
}

// Get returns the live session or a NotFound error. Malformed ids never reach the store.
func (s *Service) Get(ctx context.Context, id string) (*domain.Session, error) {
	if !ValidateSessionID(id) {
		return nil, notFound(id)
	}

	ctx, cancel := store.Bound(ctx, s.timeout)
	defer cancel()

	data, err := s.redis.HGetAll(ctx, s.keys.Session(id)).Result()
	if err != nil {
		return nil, store.Failed("get session", err)
	}

	if len(data) == 0 || data["username"] == "" {
		return nil, notFound(id)
	}

	return parseSession(id, data)
}

// Usernames resolves display names for live sessions in one round-trip.
// Sessions that are gone are absent from the result.
func (s *Service) Usernames(ctx context.Context, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}

	ctx, cancel := store.Bound(ctx, s.timeout)
	defer cancel()

	cmds := make([]*redis.StringCmd, len(ids))
	_, err := s.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGet(ctx, s.keys.Session(id), "username")
		}
		return nil
	})
	if err != nil && !store.IsNil(err) {
		return nil, store.Failed("get usernames", err)
	}

	for i, cmd := range cmds {
		if name, err := cmd.Result(); err == nil && name != "" {
			names[ids[i]] = name
		}
	}

	return names, nil
}

// Delete removes the session, frees its username and drops its leaderboard entry.
// It reports false when there was nothing to delete.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	if !ValidateSessionID(id) {
		return false, nil
	}

	bctx, cancel := store.Bound(ctx, s.timeout)
	defer cancel()

	ok, err := deleteScript.Run(bctx, s.redis,
		[]string{s.keys.Session(id), s.keys.UsernameIndex(), s.keys.Leaderboard()},
		id,
	).Bool()
	if err != nil {
		return false, store.Failed("delete session", err)
	}

	if ok {
		slog.InfoContext(ctx, "session: deleted", "session_id", id)
		if s.eb != nil {
			s.eb.Publish(ctx, domain.EventSessionEnded{SessionID: id})
		}
	}

	return ok, nil
}

// Touch refreshes last activity and the TTL. Absent sessions are left absent.
func (s *Service) Touch(ctx context.Context, id string) error {
	if !ValidateSessionID(id) {
		return nil
	}

	ctx, cancel := store.Bound(ctx, s.timeout)
	defer cancel()

	err := touchScript.Run(ctx, s.redis,
		[]string{s.keys.Session(id)},
		s.clock.Now().UnixMilli(), int64(s.ttl/time.Second),
	).Err()
	if err != nil {
		return store.Failed("touch session", err)
	}

	return nil
}

// Ping checks the store connection.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := store.Bound(ctx, s.timeout)
	defer cancel()

	return s.redis.Ping(ctx).Err()
}

func parseSession(id string, data map[string]string) (*domain.Session, error) {
	ss := &domain.Session{
		SessionID: id,
		Username:  data["username"],
	}

	var err error
	if ss.Score, err = parseInt(data["score"]); err != nil {
		return nil, errors.Internal(fmt.Errorf("session %s: score: %w", id, err))
	}

	createdAt, err := parseInt(data["createdAt"])
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("session %s: createdAt: %w", id, err))
	}
	ss.CreatedAt = time.UnixMilli(createdAt)

	lastActive, err := parseInt(data["lastActive"])
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("session %s: lastActive: %w", id, err))
	}
	ss.LastActive = time.UnixMilli(lastActive)

	return ss, nil
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func notFound(id string) error {
	return errors.New(errors.CodeNotFound,
		errors.WithReason(errors.ReasonSessionInvalid),
		errors.WithMessagef("session not found: %s", id),
	)
}
