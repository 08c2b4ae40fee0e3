package domain

const (
	EventNameSessionEnded    = "session.ended"
	EventNameRoundWon        = "round.won"
	EventNameQuestionChanged = "question.changed"
)

type EventSessionEnded struct {
	SessionID string
}

func (EventSessionEnded) Name() string { return EventNameSessionEnded }

// EventRoundWon carries everything the three post-win broadcasts need,
// so a single handler can emit them in order.
type EventRoundWon struct {
	QuestionID     string
	WinnerID       string
	WinnerUsername string
	NewScore       int64
	// Next is nil when the rotation failed.
	Next        *PublicQuestion
	Leaderboard Leaderboard
}

func (EventRoundWon) Name() string { return EventNameRoundWon }

type EventQuestionChanged struct {
	Question PublicQuestion
}

func (EventQuestionChanged) Name() string { return EventNameQuestionChanged }
