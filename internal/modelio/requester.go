package modelio

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nyxbot/fabric/internal/storage"
	"github.com/nyxbot/fabric/pkg/observability"
)

// Requester is C2: sends a chat-completion request and returns a
// normalized response with usage accounting.
type Requester interface {
	Request(ctx context.Context, cfg ModelConfig, messages []Message, maxTokens int, callType string, tools []ToolDefinition, toolChoice ToolChoice) (*Response, error)
}

// Backend performs the actual HTTP call for one purpose (chat, vision,
// security, agent, embedding, rerank). Implementations are thin:
// marshal request, call, unmarshal response.
type Backend interface {
	Do(ctx context.Context, cfg ModelConfig, messages []Message, maxTokens int, tools []ToolDefinition, toolChoice ToolChoice) (*Response, error)
}

// multiRequester dispatches by call_type prefix to a purpose-keyed set of
// backends, records usage asynchronously, and applies a tokenizer-based
// usage estimate when a backend's response omits one.
type multiRequester struct {
	backends map[string]Backend
	fallback Backend
	usage    *storage.TokenUsageStore

	// Tracer/Metrics instrument this chokepoint: every LLM call in the
	// system, whether from the tool loop, the security injection detector,
	// or historian rewrites, passes through Request. Nil-safe, so leaving
	// them unset costs nothing.
	tracer  *observability.Tracer
	metrics *observability.Metrics
}

// NewRequester builds a Requester. backends is keyed by purpose
// ("chat", "vision", "security", "agent", "embedding", "rerank"); callTypes
// of the form "agent:<name>" dispatch to the "agent" backend and
// "vision_image" to the "vision" backend (the prefix before the first ':' or
// '_'); unmatched purposes use fallback. usage may be
// nil, in which case accounting is skipped (useful for tests).
func NewRequester(backends map[string]Backend, fallback Backend, usage *storage.TokenUsageStore) Requester {
	return &multiRequester{backends: backends, fallback: fallback, usage: usage}
}

// WithObservability attaches a Tracer/Metrics pair to a Requester built by
// NewRequester, returning it for chaining. Panics if r was not built by
// NewRequester (there is only one Requester implementation in this module).
func WithObservability(r Requester, t *observability.Tracer, m *observability.Metrics) Requester {
	mr := r.(*multiRequester)
	mr.tracer = t
	mr.metrics = m
	return mr
}

func (m *multiRequester) purposeFor(callType string) string {
	if idx := strings.IndexAny(callType, ":_"); idx >= 0 {
		return callType[:idx]
	}
	return callType
}

func (m *multiRequester) Request(ctx context.Context, cfg ModelConfig, messages []Message, maxTokens int, callType string, tools []ToolDefinition, toolChoice ToolChoice) (*Response, error) {
	purpose := m.purposeFor(callType)
	backend, ok := m.backends[purpose]
	if !ok {
		backend = m.fallback
	}
	if backend == nil {
		return nil, fmt.Errorf("modelio: no backend registered for call type %q", callType)
	}

	ctx, span := m.tracer.StartLLMCall(ctx, cfg.Model, maxTokens)
	defer span.End()
	start := time.Now()

	resp, err := backend.Do(ctx, cfg, messages, maxTokens, tools, toolChoice)
	success := err == nil
	if err != nil {
		m.tracer.RecordError(span, err)
		m.metrics.RecordLLMError(cfg.Model, purpose, "request")
		m.recordUsage(callType, Usage{}, false)
		return nil, err
	}

	if resp.Usage.TotalTokens == 0 && resp.Usage.PromptTokens == 0 && resp.Usage.CompletionTokens == 0 {
		resp.Usage = estimateUsage(messages, resp.FirstMessage())
	}

	m.metrics.RecordLLMCall(cfg.Model, purpose, time.Since(start))
	m.metrics.RecordLLMTokens(cfg.Model, purpose, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	m.tracer.AddLLMUsage(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	m.recordUsage(callType, resp.Usage, success)
	return resp, nil
}

func (m *multiRequester) recordUsage(callType string, usage Usage, success bool) {
	if m.usage == nil {
		return
	}
	m.usage.Record(storage.TokenUsageRecord{
		CallType:         callType,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		Success:          success,
	})
}
