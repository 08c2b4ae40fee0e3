// Package store holds the shared Redis key layout and the call discipline used
// by every component touching it: each call is bounded by a timeout and any
// failure other than a missing key surfaces as STORE_UNAVAILABLE.
package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/mathrush/internal/errors"
)

const DefaultTimeout = 2 * time.Second

// Keys builds the logical key space under a common prefix.
type Keys struct {
	Prefix string
}

func (k Keys) Session(id string) string {
	return k.Prefix + "session:" + id
}

// SessionPrefix is used by scripts which derive a session key from an index value.
func (k Keys) SessionPrefix() string {
	return k.Prefix + "session:"
}

func (k Keys) UsernameIndex() string {
	return k.Prefix + "username-index"
}

func (k Keys) CurrentQuestion() string {
	return k.Prefix + "current-question"
}

func (k Keys) Leaderboard() string {
	return k.Prefix + "leaderboard"
}

func (k Keys) Winner(questionID string) string {
	return fmt.Sprintf("%squestion:%s:winner", k.Prefix, questionID)
}

func (k Keys) Attempts(questionID, sessionID string) string {
	return fmt.Sprintf("%squestion:%s:attempts:%s", k.Prefix, questionID, sessionID)
}

func (k Keys) Presence() string {
	return k.Prefix + "presence"
}

func (k Keys) Events() string {
	return k.Prefix + "events"
}

// Bound derives a context carrying the per-call store deadline.
func Bound(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}

// Failed converts a store error into STORE_UNAVAILABLE. redis.Nil is not a failure and must be handled by the caller first.
func Failed(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Unavailable(fmt.Errorf("%s: %w", op, err))
}

// IsNil reports a missing key.
func IsNil(err error) bool {
	return stderrors.Is(err, redis.Nil)
}
