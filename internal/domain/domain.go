package domain

import (
	"fmt"
	"time"

	"github.com/victornm/mathrush/internal/errors"
)

// Session represents a participant. It lives until explicit leave or TTL expiry.
type Session struct {
	SessionID  string
	Username   string
	Score      int64
	CreatedAt  time.Time
	LastActive time.Time
}

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

func ParseDifficulty(s string) (Difficulty, error) {
	switch d := Difficulty(s); d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return d, nil
	default:
		return "", fmt.Errorf("unknown difficulty %q", s)
	}
}

// Question is the active question including its answer key.
// It is never mutated, a rotation replaces it as a whole.
type Question struct {
	QuestionID  string
	ProblemText string
	AnswerKey   string
	Difficulty  Difficulty
	CreatedAt   time.Time
}

// Public strips the answer key.
func (q Question) Public() PublicQuestion {
	return PublicQuestion{
		QuestionID:  q.QuestionID,
		ProblemText: q.ProblemText,
		Difficulty:  q.Difficulty,
		CreatedAt:   q.CreatedAt,
	}
}

// PublicQuestion is what participants see.
type PublicQuestion struct {
	QuestionID  string
	ProblemText string
	Difficulty  Difficulty
	CreatedAt   time.Time
}

// Leaderboard is sorted by score in descending order.
type Leaderboard struct {
	Entries []LeaderboardEntry
}

type LeaderboardEntry struct {
	SessionID string
	Username  string
	Score     int64
}

type Rank struct {
	SessionID string
	Score     int64
	Rank      int64
}

// SubmitResult is the outcome of an answer submission. Race and validation
// outcomes are results, only infrastructure failures are returned as errors.
type SubmitResult struct {
	IsWinner   bool
	NewScore   int64
	Reason     errors.Reason
	Message    string
	HTTPStatus int
	WinnerID   string
}
