package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	role         TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	last_turn_at INTEGER NOT NULL,
	turns        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions (user_id, last_turn_at DESC);
`

// SQLIndex is an Index on database/sql. NewSQLIndex opens SQLite through
// modernc.org/sqlite.
type SQLIndex struct {
	db *sql.DB
}

// NewSQLIndex opens (creating if needed) a SQLite database at dsn.
func NewSQLIndex(ctx context.Context, dsn string) (*SQLIndex, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	idx := &SQLIndex{db: db}
	if err := idx.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// NewSQLIndexFromDB wraps an open database. Call Init to create the schema.
func NewSQLIndexFromDB(db *sql.DB) *SQLIndex {
	return &SQLIndex{db: db}
}

// Init creates the schema if it does not exist.
func (s *SQLIndex) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLIndex) Record(ctx context.Context, rec Record) error {
	if rec.SessionID == "" {
		return errors.New("session id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.LastTurnAt.IsZero() {
		rec.LastTurnAt = rec.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, user_id, role, title, created_at, last_turn_at, turns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		rec.SessionID, rec.UserID, rec.Role, rec.Title,
		rec.CreatedAt.UnixMilli(), rec.LastTurnAt.UnixMilli(), rec.Turns,
	)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

func (s *SQLIndex) Touch(ctx context.Context, sessionID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET last_turn_at = ?, turns = turns + 1 WHERE id = ?`,
		at.UnixMilli(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

func (s *SQLIndex) Get(ctx context.Context, sessionID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, role, title, created_at, last_turn_at, turns
		FROM chat_sessions WHERE id = ?`, sessionID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return rec, nil
}

func (s *SQLIndex) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, role, title, created_at, last_turn_at, turns
		FROM chat_sessions WHERE user_id = ?
		ORDER BY last_turn_at DESC, id ASC
		LIMIT ?`, userID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

func (s *SQLIndex) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var created, lastTurn int64
	if err := row.Scan(&rec.SessionID, &rec.UserID, &rec.Role, &rec.Title, &created, &lastTurn, &rec.Turns); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(created)
	rec.LastTurnAt = time.UnixMilli(lastTurn)
	return &rec, nil
}
