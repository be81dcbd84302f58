// Package reqctx implements the ambient per-request scope every skill and
// core component executes under: identity, a resource bag, and the
// cancellation semantics inherited from context.Context.
//
// The shape mirrors the teacher's InvocationContext pattern (an interface
// that embeds context.Context so ambient state travels wherever a plain
// context.Context is accepted) rather than a goroutine-local map, since Go
// has no task-local storage: the scope must be threaded explicitly through
// the one channel Go gives us for that, context.Context itself.
package reqctx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestType identifies how a request was admitted.
type RequestType string

const (
	Group     RequestType = "group"
	Private   RequestType = "private"
	Scheduled RequestType = "scheduled"
)

// Identity carries the admission-time identity of a request.
type Identity struct {
	RequestType RequestType
	GroupID     string
	UserID      string
	SenderID    string
	RequestID   string
}

// NewRequestID returns a monotonic+random identifier suitable for
// (request_id, turn, tool_call_id) dedup keys.
func NewRequestID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

type scope struct {
	identity  Identity
	traceID   string
	startedAt time.Time

	mu        sync.Mutex
	resources map[string]any
}

type scopeKey struct{}

// Context is the ambient per-request scope. It embeds context.Context so it
// can be passed anywhere a plain context.Context is expected.
type Context struct {
	context.Context
	s *scope
}

// Enter pushes a new scope as a child of parent, returning a Context whose
// lifetime is exactly the lifetime of the returned value — there is no
// explicit pop, consistent with Go's context-tree discipline. Child
// goroutines that receive this Context (or any context.Context derived from
// it) inherit the scope automatically.
func Enter(parent context.Context, identity Identity) Context {
	if identity.RequestID == "" {
		identity.RequestID = NewRequestID()
	}
	s := &scope{
		identity:  identity,
		traceID:   uuid.NewString(),
		startedAt: time.Now(),
		resources: make(map[string]any),
	}
	child := context.WithValue(parent, scopeKey{}, s)
	return Context{Context: child, s: s}
}

// Current walks back to the nearest enclosing scope. Returns ok=false if ctx
// was never derived from an Enter call — skill handlers must treat that as
// "no ambient scope, use default" per the spec's failure model for skills.
func Current(ctx context.Context) (Context, bool) {
	s, ok := ctx.Value(scopeKey{}).(*scope)
	if !ok {
		return Context{}, false
	}
	return Context{Context: ctx, s: s}, true
}

// MustCurrent is Current but panics if no scope is present. Only core
// components may call this; it is a programming error for them to run
// outside an admitted request.
func MustCurrent(ctx context.Context) Context {
	c, ok := Current(ctx)
	if !ok {
		panic("reqctx: no active scope; core component invoked outside an admitted request")
	}
	return c
}

func (c Context) Identity() Identity { return c.s.identity }
func (c Context) TraceID() string    { return c.s.traceID }
func (c Context) StartedAt() time.Time { return c.s.startedAt }

// SetResource stores a value in this scope. Last-write-wins within the
// scope; it does not affect any parent or child scope.
func (c Context) SetResource(key string, value any) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.resources[key] = value
}

// GetResource reads a value from this scope, returning def if absent.
func (c Context) GetResource(key string, def any) any {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if v, ok := c.s.resources[key]; ok {
		return v
	}
	return def
}

// Resource keys used by core components, as enumerated in §3 of the spec.
const (
	ResAIClient            = "ai_client"
	ResSender               = "sender"
	ResHistoryManager       = "history_manager"
	ResOnebotClient         = "onebot_client"
	ResScheduler            = "scheduler"
	ResRuntimeConfig        = "runtime_config"
	ResSendMessageCallback  = "send_message_callback"
	ResRecentReplies        = "recent_replies"
	ResMessageSentThisTurn  = "message_sent_this_turn"
	ResAgentHistories       = "agent_histories"
	ResPrefetchTools        = "prefetch_tools"
)
