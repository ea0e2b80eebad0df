package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryIndex is an in-memory Index for tests and local runs.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: map[string]*Record{}}
}

func (m *MemoryIndex) Record(ctx context.Context, rec Record) error {
	if rec.SessionID == "" {
		return errors.New("session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.SessionID]; ok {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.LastTurnAt.IsZero() {
		rec.LastTurnAt = rec.CreatedAt
	}
	clone := rec
	m.records[rec.SessionID] = &clone
	return nil
}

func (m *MemoryIndex) Touch(ctx context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	rec.LastTurnAt = at
	rec.Turns++
	return nil
}

func (m *MemoryIndex) Get(ctx context.Context, sessionID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	clone := *rec
	return &clone, nil
}

func (m *MemoryIndex) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	m.mu.RLock()
	var out []Record
	for _, rec := range m.records {
		if rec.UserID == userID {
			out = append(out, *rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastTurnAt.Equal(out[j].LastTurnAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].LastTurnAt.After(out[j].LastTurnAt)
	})
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryIndex) Close() error {
	return nil
}
