package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// ChatKind distinguishes the two addressable history streams.
type ChatKind string

const (
	ChatGroup   ChatKind = "group"
	ChatPrivate ChatKind = "private"
)

// HistoryEntry is one stored conversation turn.
type HistoryEntry struct {
	ID        int64
	ChatKind  ChatKind
	ChatID    string
	Role      string
	Content   string
	CreatedAt time.Time
}

// HistoryStore persists per-(chat_kind, chat_id) conversation turns. Writes
// are serialized per chat key; reads are lock-free against the tail
// snapshot, matching the spec's §5 shared-resource policy.
type HistoryStore struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewHistoryStore creates the backing table if absent and returns a store.
func NewHistoryStore(ctx context.Context, db *sql.DB) (*HistoryStore, error) {
	const ddl = `CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_kind TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create history table: %w", err)
	}
	return &HistoryStore{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *HistoryStore) chatLock(kind ChatKind, id string) *sync.Mutex {
	key := string(kind) + ":" + id
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Append writes one turn, serialized against concurrent writers for the
// same chat key.
func (s *HistoryStore) Append(ctx context.Context, kind ChatKind, chatID, role, content string) error {
	l := s.chatLock(kind, chatID)
	l.Lock()
	defer l.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (chat_kind, chat_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(kind), chatID, role, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Recent returns the last limit entries for a chat key, oldest first.
func (s *HistoryStore) Recent(ctx context.Context, kind ChatKind, chatID string, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_kind, chat_id, role, content, created_at FROM history
		 WHERE chat_kind = ? AND chat_id = ? ORDER BY id DESC LIMIT ?`,
		string(kind), chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var k string
		if err := rows.Scan(&e.ID, &k, &e.ChatID, &e.Role, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.ChatKind = ChatKind(k)
		entries = append(entries, e)
	}
	// reverse to oldest-first
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, rows.Err()
}

// RewriteLast replaces the most recent entry's content for a chat key, used
// by SecurityService to redact an injection attempt from history.
func (s *HistoryStore) RewriteLast(ctx context.Context, kind ChatKind, chatID, placeholder string) error {
	l := s.chatLock(kind, chatID)
	l.Lock()
	defer l.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE history SET content = ? WHERE id = (
			SELECT id FROM history WHERE chat_kind = ? AND chat_id = ? ORDER BY id DESC LIMIT 1
		)`, placeholder, string(kind), chatID)
	if err != nil {
		return fmt.Errorf("rewrite last history entry: %w", err)
	}
	return nil
}
