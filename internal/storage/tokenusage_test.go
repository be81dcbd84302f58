package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func newTestTokenUsageStore(t *testing.T) *TokenUsageStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := NewTokenUsageStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewTokenUsageStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestRecordAndCloseDrainsPendingWrites(t *testing.T) {
	s := newTestTokenUsageStore(t)

	s.Record(TokenUsageRecord{CallType: "chat", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, Success: true, RequestID: "r1"})
	s.Record(TokenUsageRecord{CallType: "chat", PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3, Success: true, RequestID: "r2"})
	s.Record(TokenUsageRecord{CallType: "vision", PromptTokens: 100, CompletionTokens: 0, TotalTokens: 100, Success: false, RequestID: "r3"})

	// Close blocks until the background writer has drained every enqueued
	// record, so totals are deterministic immediately after it returns.
	s.Close()

	totals, err := s.TotalsByCallType(context.Background())
	if err != nil {
		t.Fatalf("TotalsByCallType: %v", err)
	}
	if totals["chat"] != 18 {
		t.Fatalf("chat total = %d, want 18", totals["chat"])
	}
	if totals["vision"] != 100 {
		t.Fatalf("vision total = %d, want 100", totals["vision"])
	}
}

func TestRecordDefaultsTimestampWhenZero(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	s, err := NewTokenUsageStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewTokenUsageStore: %v", err)
	}

	before := time.Now().UTC().Add(-time.Second)
	s.Record(TokenUsageRecord{CallType: "chat", TotalTokens: 1, RequestID: "r1"})
	s.Close()

	var createdAt time.Time
	row := db.QueryRowContext(context.Background(), `SELECT created_at FROM token_usage WHERE request_id = ?`, "r1")
	if err := row.Scan(&createdAt); err != nil {
		t.Fatalf("scan created_at: %v", err)
	}
	if createdAt.Before(before) {
		t.Fatalf("created_at = %v, want >= %v", createdAt, before)
	}
}

func TestRecordDropsWhenBufferFullRatherThanBlocking(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	s, err := NewTokenUsageStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewTokenUsageStore: %v", err)
	}

	// Record must never block the caller even if the channel saturates;
	// this only asserts the call returns promptly under heavy enqueue.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.Record(TokenUsageRecord{CallType: "chat", TotalTokens: 1, RequestID: "r"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record appears to block under load")
	}
	s.Close()
}
