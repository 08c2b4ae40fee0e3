package store_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/mathrush/internal/errors"
	"github.com/victornm/mathrush/internal/store"
)

func TestKeys(t *testing.T) {
	k := store.Keys{Prefix: "mathrush:"}

	assert.Equal(t, "mathrush:session:abc", k.Session("abc"))
	assert.Equal(t, "mathrush:username-index", k.UsernameIndex())
	assert.Equal(t, "mathrush:current-question", k.CurrentQuestion())
	assert.Equal(t, "mathrush:leaderboard", k.Leaderboard())
	assert.Equal(t, "mathrush:question:q1:winner", k.Winner("q1"))
	assert.Equal(t, "mathrush:question:q1:attempts:abc", k.Attempts("q1", "abc"))
	assert.Equal(t, "mathrush:presence", k.Presence())
	assert.Equal(t, "mathrush:events", k.Events())
}

func TestFailed(t *testing.T) {
	require.NoError(t, store.Failed("get", nil))

	err := store.Failed("get session", context.DeadlineExceeded)
	assert.True(t, errors.Is(err, errors.ReasonStoreUnavailable))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsNil(t *testing.T) {
	assert.True(t, store.IsNil(redis.Nil))
	assert.True(t, store.IsNil(fmt.Errorf("hget: %w", redis.Nil)))
	assert.False(t, store.IsNil(stderrors.New("connection refused")))
}

func TestBound(t *testing.T) {
	ctx, cancel := store.Bound(context.Background(), 0)
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(store.DefaultTimeout), deadline, time.Second)
}
