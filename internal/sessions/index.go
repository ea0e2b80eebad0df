// Package sessions keeps a small index of chat sessions created through the
// gateway: who owns them, their titles and when they were last used. The
// conversation state itself lives in the agent runtime.
package sessions

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session is not indexed.
var ErrNotFound = errors.New("session not found")

// DefaultListLimit caps ListByUser when no limit is given.
const DefaultListLimit = 50

// Record is one indexed session.
type Record struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	Role       string    `json:"role"`
	Title      string    `json:"title,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastTurnAt time.Time `json:"last_turn_at"`
	Turns      int       `json:"turns"`
}

// Index stores session records.
type Index interface {
	// Record inserts a session. Recording an already indexed id is a no-op.
	Record(ctx context.Context, rec Record) error
	// Touch bumps the turn counter and last turn time.
	Touch(ctx context.Context, sessionID string, at time.Time) error
	// Get returns one record or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*Record, error)
	// ListByUser returns a user's sessions, most recently used first.
	ListByUser(ctx context.Context, userID string, limit int) ([]Record, error)
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
