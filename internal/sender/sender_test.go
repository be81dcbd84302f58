package sender

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nyxbot/fabric/internal/chatproto"
	"github.com/nyxbot/fabric/internal/reqctx"
	"github.com/nyxbot/fabric/internal/storage"
)

type fakeClient struct {
	groupSends   []string
	privateSends []string
	failNext     bool
}

func (f *fakeClient) SendGroupMessage(ctx context.Context, groupID string, segs []chatproto.Segment) (string, error) {
	if f.failNext {
		f.failNext = false
		return "", context.DeadlineExceeded
	}
	f.groupSends = append(f.groupSends, segs[0].Data["text"].(string))
	return "msg-1", nil
}

func (f *fakeClient) SendPrivateMessage(ctx context.Context, userID string, segs []chatproto.Segment) (string, error) {
	f.privateSends = append(f.privateSends, segs[0].Data["text"].(string))
	return "msg-2", nil
}

func (f *fakeClient) SendForwardMsg(ctx context.Context, targetID string, nodes []chatproto.Segment) (string, error) {
	return "", nil
}
func (f *fakeClient) SendLike(ctx context.Context, userID string, times int) error { return nil }
func (f *fakeClient) GetGroupMsgHistory(ctx context.Context, groupID string, messageSeq int64, count int) ([]chatproto.Event, error) {
	return nil, nil
}
func (f *fakeClient) GetImage(ctx context.Context, fileID string) ([]byte, error) { return nil, nil }
func (f *fakeClient) GetMsg(ctx context.Context, msgID string) (*chatproto.Event, error) {
	return nil, nil
}
func (f *fakeClient) GetForwardMsg(ctx context.Context, forwardID string) ([]chatproto.Event, error) {
	return nil, nil
}
func (f *fakeClient) SendGroupPoke(ctx context.Context, groupID, userID string) error   { return nil }
func (f *fakeClient) SendPrivatePoke(ctx context.Context, userID string) error          { return nil }
func (f *fakeClient) SetMsgEmojiLike(ctx context.Context, msgID, emojiID string) error  { return nil }

func newTestHistoryStore(t *testing.T) *storage.HistoryStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := storage.NewHistoryStore(context.Background(), db)
	if err != nil {
		t.Fatalf("new history store: %v", err)
	}
	return store
}

func TestSendGroupWritesHistoryAndMarksSent(t *testing.T) {
	client := &fakeClient{}
	hist := newTestHistoryStore(t)
	s := New(client, hist)

	ctx := reqctx.Enter(context.Background(), reqctx.Identity{RequestType: reqctx.Group, GroupID: "10001"})

	ok, err := s.SendGroup(ctx, "10001", "hello there", DefaultOptions())
	if err != nil {
		t.Fatalf("SendGroup: %v", err)
	}
	if !ok {
		t.Fatal("expected SendGroup to report sent=true")
	}
	if len(client.groupSends) != 1 || client.groupSends[0] != "hello there" {
		t.Fatalf("unexpected transport sends: %v", client.groupSends)
	}

	rc, _ := reqctx.Current(ctx)
	if sent, _ := rc.GetResource(reqctx.ResMessageSentThisTurn, false).(bool); !sent {
		t.Fatal("expected message_sent_this_turn to be set")
	}

	entries, err := hist.Recent(ctx, storage.ChatGroup, "10001", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "hello there" {
		t.Fatalf("unexpected history entries: %+v", entries)
	}
}

func TestSendGroupAutoHistoryFalseSkipsWrite(t *testing.T) {
	client := &fakeClient{}
	hist := newTestHistoryStore(t)
	s := New(client, hist)
	ctx := context.Background()

	if _, err := s.SendGroup(ctx, "g1", "no history", Options{AutoHistory: false}); err != nil {
		t.Fatalf("SendGroup: %v", err)
	}

	entries, err := hist.Recent(ctx, storage.ChatGroup, "g1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no history entries, got %+v", entries)
	}
}

func TestSendGroupDedupSkipsRepeatedBody(t *testing.T) {
	client := &fakeClient{}
	hist := newTestHistoryStore(t)
	s := New(client, hist)
	ctx := context.Background()
	opts := Options{AutoHistory: true, Dedup: true}

	ok1, err := s.SendGroup(ctx, "g1", "repeat me", opts)
	if err != nil || !ok1 {
		t.Fatalf("first send: ok=%v err=%v", ok1, err)
	}
	ok2, err := s.SendGroup(ctx, "g1", "repeat me", opts)
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if ok2 {
		t.Fatal("expected second identical send to be skipped by dedup")
	}
	if len(client.groupSends) != 1 {
		t.Fatalf("expected only one transport send, got %d", len(client.groupSends))
	}
}

func TestSendGroupTransportFailureReturnsError(t *testing.T) {
	client := &fakeClient{failNext: true}
	hist := newTestHistoryStore(t)
	s := New(client, hist)

	ok, err := s.SendGroup(context.Background(), "g1", "will fail", DefaultOptions())
	if err == nil {
		t.Fatal("expected error from failing transport")
	}
	if ok {
		t.Fatal("expected ok=false on transport failure")
	}
}

func TestDedupRingEviction(t *testing.T) {
	client := &fakeClient{}
	hist := newTestHistoryStore(t)
	s := NewWithDedupSize(client, hist, 2)
	ctx := context.Background()
	opts := Options{AutoHistory: false, Dedup: true}

	if _, err := s.SendGroup(ctx, "g1", "a", opts); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SendGroup(ctx, "g1", "b", opts); err != nil {
		t.Fatal(err)
	}
	// "a" has now been evicted from a ring of size 2 by "b" plus the next send.
	if _, err := s.SendGroup(ctx, "g1", "c", opts); err != nil {
		t.Fatal(err)
	}
	ok, err := s.SendGroup(ctx, "g1", "a", opts)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected 'a' to be resendable after eviction from a size-2 ring")
	}
}
