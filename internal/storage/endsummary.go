package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EndSummaryStore persists the bounded ring of per-session action summaries
// the "end" tool appends to (§3 "EndSummary"), following the same
// create-table-if-absent / per-session query shape as HistoryStore.
type EndSummaryStore struct {
	db *sql.DB
}

// NewEndSummaryStore creates the backing table if absent and returns a store.
func NewEndSummaryStore(ctx context.Context, db *sql.DB) (*EndSummaryStore, error) {
	const ddl = `CREATE TABLE IF NOT EXISTS end_summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_kind TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		summary TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create end_summaries table: %w", err)
	}
	return &EndSummaryStore{db: db}, nil
}

// Append records summary for a session and trims the stored ring to max,
// deleting anything older than the newest max rows for that session.
func (s *EndSummaryStore) Append(ctx context.Context, kind ChatKind, chatID, summary string, max int) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO end_summaries (chat_kind, chat_id, summary, created_at) VALUES (?, ?, ?, ?)`,
		string(kind), chatID, summary, time.Now().UTC()); err != nil {
		return fmt.Errorf("append end summary: %w", err)
	}

	if max <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM end_summaries WHERE chat_kind = ? AND chat_id = ? AND id NOT IN (
			SELECT id FROM end_summaries WHERE chat_kind = ? AND chat_id = ? ORDER BY id DESC LIMIT ?
		)`, string(kind), chatID, string(kind), chatID, max)
	if err != nil {
		return fmt.Errorf("trim end summaries: %w", err)
	}
	return nil
}

// Recent returns up to max of the most recent summaries, oldest first.
func (s *EndSummaryStore) Recent(ctx context.Context, kind ChatKind, chatID string, max int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT summary FROM end_summaries WHERE chat_kind = ? AND chat_id = ? ORDER BY id DESC LIMIT ?`,
		string(kind), chatID, max)
	if err != nil {
		return nil, fmt.Errorf("query end summaries: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var summary string
		if err := rows.Scan(&summary); err != nil {
			return nil, fmt.Errorf("scan end summary row: %w", err)
		}
		out = append(out, summary)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}
