package storage

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func newTestEndSummaryStore(t *testing.T) *EndSummaryStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := NewEndSummaryStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewEndSummaryStore: %v", err)
	}
	return s
}

func TestEndSummaryAppendAndRecentOldestFirst(t *testing.T) {
	s := newTestEndSummaryStore(t)
	ctx := context.Background()

	for _, sum := range []string{"first", "second", "third"} {
		if err := s.Append(ctx, ChatGroup, "g1", sum, 0); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Recent(ctx, ChatGroup, "g1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d]=%q, want %q", i, got[i], want[i])
		}
	}
}

// TestEndSummaryTrimsToMax covers P8-adjacent durability: the stored ring
// never grows past the configured bound, keeping only the newest entries.
func TestEndSummaryTrimsToMax(t *testing.T) {
	s := newTestEndSummaryStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, ChatGroup, "g1", string(rune('a'+i)), 2); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Recent(ctx, ChatGroup, "g1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	want := []string{"d", "e"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestEndSummaryIsolatedByChatKindAndID(t *testing.T) {
	s := newTestEndSummaryStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, ChatGroup, "g1", "group summary", 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, ChatPrivate, "g1", "private summary", 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, ChatGroup, "g2", "other group summary", 0); err != nil {
		t.Fatal(err)
	}

	got, err := s.Recent(ctx, ChatGroup, "g1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "group summary" {
		t.Fatalf("got %v, want exactly [group summary]", got)
	}
}

func TestEndSummaryRecentRespectsLimit(t *testing.T) {
	s := newTestEndSummaryStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := s.Append(ctx, ChatGroup, "g1", string(rune('a'+i)), 0); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Recent(ctx, ChatGroup, "g1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "c" || got[1] != "d" {
		t.Fatalf("got %v, want [c d]", got)
	}
}
