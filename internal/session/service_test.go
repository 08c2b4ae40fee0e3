package session_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/mathrush/internal/domain"
	"github.com/victornm/mathrush/internal/errors"
	"github.com/victornm/mathrush/internal/event"
	"github.com/victornm/mathrush/internal/session"
)

const prefix = "test:"

func TestService_Create(t *testing.T) {
	s, _ := makeService(t)

	ss, err := s.Create(context.Background(), "  Alice ")
	require.NoError(t, err)
	assert.Equal(t, "Alice", ss.Username)
	assert.True(t, session.ValidateSessionID(ss.SessionID))

	got, err := s.Get(context.Background(), ss.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Username)
	assert.Equal(t, int64(0), got.Score)
	assert.Equal(t, ss.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())
}

func TestService_Create_InvalidUsername(t *testing.T) {
	tests := map[string]string{
		"empty":               "",
		"only spaces":         "    ",
		"too long":            strings.Repeat("a", 21),
		"punctuation":         "bob!",
		"non ascii letters":   "Zoë",
		"underscore":          "a_b",
		"newline inside name": "a\nb",
	}

	for name, username := range tests {
		t.Run(name, func(t *testing.T) {
			s, _ := makeService(t)

			_, err := s.Create(context.Background(), username)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ReasonInvalidUsername))
		})
	}
}

func TestService_Create_BoundaryUsernames(t *testing.T) {
	s, _ := makeService(t)

	for _, u := range []string{"a", strings.Repeat("b", 20), "Player 1", strings.Repeat("c", 20) + "  "} {
		_, err := s.Create(context.Background(), u)
		assert.NoError(t, err, "username %q should be accepted", u)
	}
}

func TestService_Create_UsernameTaken(t *testing.T) {
	tests := map[string]struct {
		first, second string
	}{
		"same name":                {first: "Alice", second: "Alice"},
		"different case":           {first: "Alice", second: "alice"},
		"trailing space":           {first: "Alice", second: "alice "},
		"leading space upper case": {first: "bob", second: "  BOB"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s, _ := makeService(t)

			_, err := s.Create(context.Background(), tt.first)
			require.NoError(t, err)

			_, err = s.Create(context.Background(), tt.second)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ReasonUsernameTaken))
			assert.True(t, errors.IsCode(err, errors.CodeAlreadyExists))
		})
	}
}

func TestService_Create_ConcurrentSameName(t *testing.T) {
	s, _ := makeService(t)

	const n = 20
	var (
		eg      errgroup.Group
		created atomic.Int32
		taken   atomic.Int32
	)

	for i := 0; i < n; i++ {
		name := "Racer"
		if i%2 == 0 {
			name = " racer"
		}
		eg.Go(func() error {
			_, err := s.Create(context.Background(), name)
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, errors.ReasonUsernameTaken):
				taken.Add(1)
			default:
				return err
			}
			return nil
		})
	}

	require.NoError(t, eg.Wait())
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(n-1), taken.Load())
}

func TestService_Delete(t *testing.T) {
	s, mr := makeService(t)
	ctx := context.Background()

	ss, err := s.Create(ctx, "Alice")
	require.NoError(t, err)
	_, err = mr.ZAdd(prefix+"leaderboard", 10, ss.SessionID)
	require.NoError(t, err)

	ok, err := s.Delete(ctx, ss.SessionID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Get(ctx, ss.SessionID)
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
	assert.False(t, mr.Exists(prefix+"session:"+ss.SessionID))
	members, _ := mr.ZMembers(prefix + "leaderboard")
	assert.NotContains(t, members, ss.SessionID)

	// The name is free again.
	_, err = s.Create(ctx, "ALICE")
	require.NoError(t, err)

	ok, err = s.Delete(ctx, ss.SessionID)
	require.NoError(t, err)
	assert.False(t, ok, "second delete should report nothing deleted")

	ok, err = s.Delete(ctx, "not-a-session")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_Delete_PublishesSessionEnded(t *testing.T) {
	var (
		mu       sync.Mutex
		received []domain.EventSessionEnded
	)

	eb := event.NewBus()
	eb.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
		mu.Lock()
		received = append(received, e.(domain.EventSessionEnded))
		mu.Unlock()
		return nil
	})

	s, _ := makeService(t, withEventBus(eb))

	ss, err := s.Create(context.Background(), "Alice")
	require.NoError(t, err)
	_, err = s.Delete(context.Background(), ss.SessionID)
	require.NoError(t, err)

	eb.Stop()
	require.Equal(t, []domain.EventSessionEnded{{SessionID: ss.SessionID}}, received)
}

func TestService_ExpiredHolderReleasesName(t *testing.T) {
	s, mr := makeService(t)
	ctx := context.Background()

	old, err := s.Create(ctx, "Alice")
	require.NoError(t, err)
	_, err = mr.ZAdd(prefix+"leaderboard", 30, old.SessionID)
	require.NoError(t, err)

	mr.FastForward(24*time.Hour + time.Second)

	_, err = s.Get(ctx, old.SessionID)
	require.True(t, errors.IsCode(err, errors.CodeNotFound))

	ss, err := s.Create(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", ss.Username)

	members, _ := mr.ZMembers(prefix + "leaderboard")
	assert.NotContains(t, members, old.SessionID, "stale holder should leave the leaderboard")
}

func TestService_Touch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, mr := makeService(t, withClock(clock))
	ctx := context.Background()

	ss, err := s.Create(ctx, "Alice")
	require.NoError(t, err)

	mr.FastForward(23 * time.Hour)
	clock.Advance(23 * time.Hour)

	require.NoError(t, s.Touch(ctx, ss.SessionID))
	require.NoError(t, s.Touch(ctx, ss.SessionID), "touch should be idempotent")

	mr.FastForward(23 * time.Hour)

	got, err := s.Get(ctx, ss.SessionID)
	require.NoError(t, err, "touched session should outlive its original TTL")
	assert.Equal(t, clock.Now().UnixMilli(), got.LastActive.UnixMilli())
}

func TestService_Touch_AbsentSession(t *testing.T) {
	s, mr := makeService(t)

	id := "7d444840-9dc0-11d1-b245-5ffdce74fad2"
	require.NoError(t, s.Touch(context.Background(), id))
	assert.False(t, mr.Exists(prefix+"session:"+id), "touch must not recreate a session")
}

func TestService_Get_InvalidIDSkipsStore(t *testing.T) {
	s, mr := makeService(t)
	mr.Close()

	for _, id := range []string{"", "abc", "7d444840-9dc0-11d1-b245-5ffdce74fad2-extra", "{7d444840-9dc0-11d1-b245-5ffdce74fad2}"} {
		_, err := s.Get(context.Background(), id)
		assert.True(t, errors.Is(err, errors.ReasonSessionInvalid), "id %q", id)
	}
}

func TestService_StoreUnavailable(t *testing.T) {
	s, mr := makeService(t)
	mr.Close()

	_, err := s.Create(context.Background(), "Alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ReasonStoreUnavailable))

	_, err = s.Get(context.Background(), "7d444840-9dc0-11d1-b245-5ffdce74fad2")
	assert.True(t, errors.Is(err, errors.ReasonStoreUnavailable))

	assert.Error(t, s.Ping(context.Background()))
}

func makeService(t *testing.T, opts ...options) (*session.Service, *miniredis.Miniredis) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	mr := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      []string{mr.Addr()},
		MaxRetries: -1,
	})
	t.Cleanup(func() { rc.Close() })
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	c := session.Config{
		Redis:   rc,
		Prefix:  prefix,
		Timeout: 500 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(&c)
	}

	return session.NewService(c), mr
}

type options func(c *session.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *session.Config) {
		c.EventBus = eb
	}
}

func withClock(clock clockwork.Clock) options {
	return func(c *session.Config) {
		c.Clock = clock
	}
}
