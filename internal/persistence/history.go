package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// HistoryRecord summarizes one session, live or stopped.
type HistoryRecord struct {
	SessionID    string     `json:"session_id"`
	Profile      string     `json:"profile"`
	Status       string     `json:"status"`
	Reason       string     `json:"reason,omitempty"`
	MessageCount int        `json:"message_count"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
}

// RecordCreated inserts the row for a freshly started session.
func (s *Store) RecordCreated(ctx context.Context, sessionID, profile, status string, createdAt time.Time) error {
	now := time.Now().UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_history (session_id, profile, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				profile=excluded.profile,
				status=excluded.status,
				updated_at=excluded.updated_at;
		`, sessionID, profile, status, createdAt.UTC(), now)
		if err != nil {
			return fmt.Errorf("upsert session history: %w", err)
		}
		return nil
	})
}

// RecordStatus updates the status column. Unknown sessions get a row with an
// empty profile so that out-of-order events are not lost.
func (s *Store) RecordStatus(ctx context.Context, sessionID, status string) error {
	now := time.Now().UTC()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_history (session_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				status=excluded.status,
				updated_at=excluded.updated_at;
		`, sessionID, status, now, now)
		if err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		return nil
	})
}

// RecordStopped writes the final counters of a stopped session.
func (s *Store) RecordStopped(ctx context.Context, rec HistoryRecord) error {
	now := time.Now().UTC()
	created := rec.CreatedAt.UTC()
	if rec.CreatedAt.IsZero() {
		created = now
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_history (
				session_id, profile, status, reason, message_count,
				input_tokens, output_tokens, created_at, updated_at, stopped_at
			)
			VALUES (?, ?, 'stopped', ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				profile=CASE WHEN excluded.profile = '' THEN session_history.profile ELSE excluded.profile END,
				status='stopped',
				reason=excluded.reason,
				message_count=excluded.message_count,
				input_tokens=excluded.input_tokens,
				output_tokens=excluded.output_tokens,
				updated_at=excluded.updated_at,
				stopped_at=excluded.stopped_at;
		`, rec.SessionID, rec.Profile, rec.Reason, rec.MessageCount,
			rec.InputTokens, rec.OutputTokens, created, now, now)
		if err != nil {
			return fmt.Errorf("record session stop: %w", err)
		}
		return nil
	})
}

// ListHistory returns the most recently updated sessions first.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]HistoryRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, profile, status, reason, message_count,
			input_tokens, output_tokens, created_at, updated_at, stopped_at
		FROM session_history
		ORDER BY updated_at DESC, session_id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query session history: %w", err)
	}
	defer rows.Close()

	out := []HistoryRecord{}
	for rows.Next() {
		var rec HistoryRecord
		var stopped sql.NullTime
		if err := rows.Scan(&rec.SessionID, &rec.Profile, &rec.Status, &rec.Reason, &rec.MessageCount,
			&rec.InputTokens, &rec.OutputTokens, &rec.CreatedAt, &rec.UpdatedAt, &stopped); err != nil {
			return nil, fmt.Errorf("scan session history: %w", err)
		}
		if stopped.Valid {
			t := stopped.Time
			rec.StoppedAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session history rows: %w", err)
	}
	return out, nil
}

// GetHistory returns one session's record, or sql.ErrNoRows.
func (s *Store) GetHistory(ctx context.Context, sessionID string) (HistoryRecord, error) {
	var rec HistoryRecord
	var stopped sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, profile, status, reason, message_count,
			input_tokens, output_tokens, created_at, updated_at, stopped_at
		FROM session_history WHERE session_id = ?;
	`, sessionID).Scan(&rec.SessionID, &rec.Profile, &rec.Status, &rec.Reason, &rec.MessageCount,
		&rec.InputTokens, &rec.OutputTokens, &rec.CreatedAt, &rec.UpdatedAt, &stopped)
	if err != nil {
		return rec, err
	}
	if stopped.Valid {
		t := stopped.Time
		rec.StoppedAt = &t
	}
	return rec, nil
}
