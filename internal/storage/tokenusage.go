package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// TokenUsageRecord is one accounted LLM call, successful or failed.
type TokenUsageRecord struct {
	CallType         string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Success          bool
	RequestID        string
	Timestamp        time.Time
}

// TokenUsageStore records usage asynchronously: Record never blocks the
// caller, matching the spec's "every call recorded asynchronously and never
// blocks the reply" guarantee for ModelRequester. It is one of the three
// process-global objects the design notes call out.
type TokenUsageStore struct {
	db     *sql.DB
	events chan TokenUsageRecord
	done   chan struct{}
}

// NewTokenUsageStore creates the table and starts the background writer.
// Close must be called to drain the channel on shutdown.
func NewTokenUsageStore(ctx context.Context, db *sql.DB) (*TokenUsageStore, error) {
	const ddl = `CREATE TABLE IF NOT EXISTS token_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		call_type TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		total_tokens INTEGER NOT NULL,
		success INTEGER NOT NULL,
		request_id TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create token_usage table: %w", err)
	}

	s := &TokenUsageStore{
		db:     db,
		events: make(chan TokenUsageRecord, 256),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *TokenUsageStore) run() {
	defer close(s.done)
	for rec := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO token_usage (call_type, prompt_tokens, completion_tokens, total_tokens, success, request_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.CallType, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, boolToInt(rec.Success), rec.RequestID, rec.Timestamp)
		cancel()
		if err != nil {
			slog.Warn("token usage: failed to persist record", "error", err, "call_type", rec.CallType)
		}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Record enqueues a usage record without blocking. If the internal buffer is
// full the record is dropped and logged — accounting must never add
// backpressure to a reply.
func (s *TokenUsageStore) Record(rec TokenUsageRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	select {
	case s.events <- rec:
	default:
		slog.Warn("token usage: buffer full, dropping record", "call_type", rec.CallType)
	}
}

// Close stops accepting new records and waits for the writer to drain.
func (s *TokenUsageStore) Close() {
	close(s.events)
	<-s.done
}

// TotalsByCallType sums usage grouped by call type, for operator inspection.
func (s *TokenUsageStore) TotalsByCallType(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT call_type, SUM(total_tokens) FROM token_usage GROUP BY call_type`)
	if err != nil {
		return nil, fmt.Errorf("query token usage totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int)
	for rows.Next() {
		var callType string
		var total int
		if err := rows.Scan(&callType, &total); err != nil {
			return nil, fmt.Errorf("scan token usage row: %w", err)
		}
		totals[callType] = total
	}
	return totals, rows.Err()
}
