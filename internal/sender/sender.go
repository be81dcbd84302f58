// Package sender implements C7: outbound message emission with history
// write-back and a bounded recent-reply de-dup ring, adapted from the
// teacher's pkg/a2a/sender.go-style callback dispatch (send via an injected
// transport, never import the transport package directly) generalized onto
// internal/chatproto.Client.
package sender

import (
	"container/ring"
	"context"
	"fmt"
	"sync"

	"github.com/nyxbot/fabric/internal/chatproto"
	"github.com/nyxbot/fabric/internal/reqctx"
	"github.com/nyxbot/fabric/internal/storage"
)

// DefaultDedupSize is the default recent-reply ring capacity (spec §4.7).
const DefaultDedupSize = 50

// Sender is C7.
type Sender struct {
	client  chatproto.Client
	history *storage.HistoryStore

	mu     sync.Mutex
	recent *ring.Ring // holds string bodies, most-recent overwrites oldest
}

// New builds a Sender with the default de-dup ring size.
func New(client chatproto.Client, history *storage.HistoryStore) *Sender {
	return NewWithDedupSize(client, history, DefaultDedupSize)
}

// NewWithDedupSize builds a Sender with a custom ring capacity; size<=0
// disables de-dup entirely.
func NewWithDedupSize(client chatproto.Client, history *storage.HistoryStore, size int) *Sender {
	s := &Sender{client: client, history: history}
	if size > 0 {
		s.recent = ring.New(size)
	}
	return s
}

// Options control one send's side effects.
type Options struct {
	// AutoHistory defaults to true: write the sent body to history unless
	// explicitly disabled.
	AutoHistory bool
	// Dedup opts this call into the recent-reply bounded ring: if the exact
	// body was sent recently, the send is skipped (returns ok=false, nil).
	Dedup bool
}

// DefaultOptions is AutoHistory=true, Dedup=false, matching the spec's
// "callers may opt in to de-dup" framing.
func DefaultOptions() Options { return Options{AutoHistory: true} }

// SendGroup sends text to a group chat.
func (s *Sender) SendGroup(ctx context.Context, groupID, text string, opts Options) (bool, error) {
	return s.send(ctx, storage.ChatGroup, groupID, text, opts, func() error {
		_, err := s.client.SendGroupMessage(ctx, groupID, []chatproto.Segment{chatproto.Text(text)})
		return err
	})
}

// SendPrivate sends text to a private (user) chat.
func (s *Sender) SendPrivate(ctx context.Context, userID, text string, opts Options) (bool, error) {
	return s.send(ctx, storage.ChatPrivate, userID, text, opts, func() error {
		_, err := s.client.SendPrivateMessage(ctx, userID, []chatproto.Segment{chatproto.Text(text)})
		return err
	})
}

func (s *Sender) send(ctx context.Context, kind storage.ChatKind, chatID, text string, opts Options, do func() error) (bool, error) {
	if opts.Dedup && s.seenRecently(text) {
		return false, nil
	}

	if err := do(); err != nil {
		return false, fmt.Errorf("sender: send to %s %q: %w", kind, chatID, err)
	}

	s.remember(text)

	if opts.AutoHistory && s.history != nil {
		if err := s.history.Append(ctx, kind, chatID, "assistant", text); err != nil {
			return true, fmt.Errorf("sender: history write-back: %w", err)
		}
	}

	if rc, ok := reqctx.Current(ctx); ok {
		rc.SetResource(reqctx.ResMessageSentThisTurn, true)
	}

	return true, nil
}

func (s *Sender) seenRecently(body string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recent == nil {
		return false
	}
	found := false
	s.recent.Do(func(v any) {
		if v != nil && v.(string) == body {
			found = true
		}
	})
	return found
}

func (s *Sender) remember(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recent == nil {
		return
	}
	s.recent.Value = body
	s.recent = s.recent.Next()
}
