package api

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/victornm/mathrush/internal/domain"
	"github.com/victornm/mathrush/internal/errors"
	"github.com/victornm/mathrush/internal/gateway"
)

// PublishRoundWon announces a win. The three broadcasts are published one
// after another so every participant sees them in this order.
func (a *API) PublishRoundWon(ctx context.Context, e domain.EventRoundWon) error {
	if err := a.gw.Broadcast(ctx, gateway.EventWinnerAnnounced, gateway.Winner{
		Username:  e.WinnerUsername,
		SessionID: e.WinnerID,
		NewScore:  e.NewScore,
	}); err != nil {
		return fmt.Errorf("pubsub: %s: %w", gateway.EventWinnerAnnounced, err)
	}

	if e.Next != nil {
		if err := a.gw.Broadcast(ctx, gateway.EventQuestionChanged, gateway.NewQuestion(*e.Next)); err != nil {
			return fmt.Errorf("pubsub: %s: %w", gateway.EventQuestionChanged, err)
		}
	}

	if err := a.gw.Broadcast(ctx, gateway.EventLeaderboardChanged, gateway.NewLeaderboard(e.Leaderboard)); err != nil {
		return fmt.Errorf("pubsub: %s: %w", gateway.EventLeaderboardChanged, err)
	}

	return nil
}

func (a *API) PublishQuestionChanged(ctx context.Context, e domain.EventQuestionChanged) error {
	if err := a.gw.Broadcast(ctx, gateway.EventQuestionChanged, gateway.NewQuestion(e.Question)); err != nil {
		return fmt.Errorf("pubsub: %s: %w", gateway.EventQuestionChanged, err)
	}

	return nil
}

// PublishSessionEnded disconnects the ended session everywhere and refreshes
// the leaderboard, which no longer lists it.
func (a *API) PublishSessionEnded(ctx context.Context, e domain.EventSessionEnded) error {
	evictErr := a.gw.Evict(ctx, e.SessionID, gateway.Error{
		Error:   string(errors.ReasonSessionInvalid),
		Message: "Session ended",
	})
	if evictErr != nil {
		evictErr = fmt.Errorf("pubsub: evict %s: %w", e.SessionID, evictErr)
	}

	l, err := a.rs.Leaderboard(ctx)
	if err != nil {
		return stderrors.Join(evictErr, err)
	}

	if err := a.gw.Broadcast(ctx, gateway.EventLeaderboardChanged, gateway.NewLeaderboard(*l)); err != nil {
		return stderrors.Join(evictErr, fmt.Errorf("pubsub: %s: %w", gateway.EventLeaderboardChanged, err))
	}

	return evictErr
}
