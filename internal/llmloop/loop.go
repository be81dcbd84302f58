// Package llmloop implements C6, the tool-using LLM loop: the S0-S6 state
// machine that drives one reply. It is adapted from the teacher's
// pkg/agent/llmagent/flow.go outer/inner loop shape (Flow.Run /
// runOneStep), replacing adk-go's session-as-source-of-truth model with the
// spec's explicit messages[] accumulation, and golang.org/x/sync/errgroup
// for concurrent tool execution that gathers every result instead of
// cancelling siblings on first error.
package llmloop

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nyxbot/fabric/internal/modelio"
	"github.com/nyxbot/fabric/internal/skills"
	"github.com/nyxbot/fabric/pkg/observability"
)

// DefaultMaxIterations is the spec's MAX_ITERATIONS default (§4.6, §9):
// "extremely permissive ... exists mainly to avoid premature termination
// during tool chains." Exposed via Loop.MaxIterations so deployments can
// override it from config.
const DefaultMaxIterations = 1000

const endToolName = "end"

// ToolExecutor resolves and executes one tool call by its internal name.
// internal/skills.Registry satisfies this directly; tests can fake it.
type ToolExecutor interface {
	Resolve(kind skills.Kind, nameOrAlias string) (*skills.Descriptor, bool)
	Execute(ctx context.Context, d *skills.Descriptor, args map[string]any) (string, error)
}

// Loop is C6, LLMLoop.
type Loop struct {
	Requester      modelio.Requester
	Tools          ToolExecutor
	ApiToInternal  map[string]string
	MaxIterations  int

	// Tracer/Metrics are nil-safe observability sinks (§9 "ambient stack
	// is carried even when a Non-goal excludes an outer surface"): every
	// method on a nil *observability.Tracer/*observability.Metrics is a
	// no-op, so leaving these unset costs nothing.
	Tracer  *observability.Tracer
	Metrics *observability.Metrics
}

// New builds a Loop with DefaultMaxIterations.
func New(requester modelio.Requester, tools ToolExecutor, apiToInternal map[string]string) *Loop {
	return &Loop{Requester: requester, Tools: tools, ApiToInternal: apiToInternal, MaxIterations: DefaultMaxIterations}
}

// WithObservability attaches a Tracer/Metrics pair, returning the receiver
// for chaining at construction time (e.g. llmloop.New(...).WithObservability(...)).
func (l *Loop) WithObservability(t *observability.Tracer, m *observability.Metrics) *Loop {
	l.Tracer = t
	l.Metrics = m
	return l
}

// Request bundles the per-call-invariant inputs to Run.
type Request struct {
	Config     modelio.ModelConfig
	CallType   string
	MaxTokens  int
	ToolDefs   []modelio.ToolDefinition
	ToolChoice modelio.ToolChoice
}

// Result is what one Run call produced.
type Result struct {
	// Content is the model's final reply, "" on silent-end, or
	// "max iterations reached" when MaxIterations is exhausted.
	Content    string
	Iterations int
	// Ended is true if an "end" tool call terminated the loop silently.
	Ended bool
	// MaxIterationsReached is true if the loop exhausted MaxIterations.
	MaxIterationsReached bool
}

// EndSignal is how an "end"-style tool communicates silent
// termination back to the loop: it sets this on the context passed to
// Execute via a pointer the caller supplies.
type EndSignal struct {
	mu    sync.Mutex
	ended bool
}

func NewEndSignal() *EndSignal { return &EndSignal{} }

func (e *EndSignal) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ended = true
}

func (e *EndSignal) Get() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended
}

type endSignalKey struct{}

// WithEndSignal attaches an EndSignal to ctx so tool handlers (notably the
// "end" tool) can flip it; Run reads it back after each round (S6).
func WithEndSignal(ctx context.Context, sig *EndSignal) context.Context {
	return context.WithValue(ctx, endSignalKey{}, sig)
}

func endSignalFrom(ctx context.Context) *EndSignal {
	sig, _ := ctx.Value(endSignalKey{}).(*EndSignal)
	return sig
}

// EndSignalFrom exposes endSignalFrom to tool handlers (notably the "end"
// tool in internal/builtin) so they can flip conversation_ended without
// this package depending on internal/skills.
func EndSignalFrom(ctx context.Context) *EndSignal {
	return endSignalFrom(ctx)
}

// Run executes the S0-S6 state machine for one admitted request.
func (l *Loop) Run(ctx context.Context, req Request, messages []modelio.Message) (Result, []modelio.Message, error) {
	maxIter := l.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	sig := endSignalFrom(ctx)
	if sig == nil {
		sig = NewEndSignal()
		ctx = WithEndSignal(ctx, sig)
	}

	for iter := 0; iter < maxIter; iter++ {
		select {
		case <-ctx.Done():
			return Result{Iterations: iter}, messages, ctx.Err()
		default:
		}

		// S1 Request LLM. The call's own span/metrics are recorded inside
		// Requester.Request (every LLM call's chokepoint, including the
		// security detector and historian rewrites outside this loop); here
		// we only add the finish-reason attribute, which only this loop's
		// caller (tool_calls vs stop) can know.
		llmCtx, span := l.Tracer.Start(ctx, observability.SpanLLMCall)
		resp, err := l.Requester.Request(llmCtx, req.Config, messages, req.MaxTokens, req.CallType, req.ToolDefs, req.ToolChoice)
		if err != nil {
			l.Tracer.RecordError(span, err)
			span.End()
			return Result{Iterations: iter}, messages, fmt.Errorf("llmloop: request failed: %w", err)
		}

		msg := resp.FirstMessage()
		l.Tracer.AddLLMFinishReason(span, finishReason(msg))
		span.End()

		// S2 Inspect response
		if len(msg.ToolCalls) == 0 {
			// No tool calls: terminate with whatever content was returned,
			// even if empty.
			return Result{Content: msg.Content, Iterations: iter + 1}, messages, nil
		}
		// content non-empty AND tool_calls present: policy is tool_calls win,
		// so msg.Content is intentionally dropped from the appended turn below.

		// S3 Append assistant turn, preserving reasoning_content verbatim.
		assistantTurn := modelio.Message{
			Role:             modelio.RoleAssistant,
			ReasoningContent: msg.ReasoningContent,
			ToolCalls:        msg.ToolCalls,
		}
		messages = append(messages, assistantTurn)

		// S4/S5: separate end from non-end calls (P4), parse args leniently,
		// execute non-end tools concurrently, gathering all results. end is
		// only deferred when it co-occurs with other tool calls in the same
		// round; called alone, it executes like any other tool.
		ordered := msg.ToolCalls
		endCalls, otherCalls := splitEndCalls(ordered, l.ApiToInternal)

		var results map[string]toolOutcome
		if len(endCalls) > 0 && len(otherCalls) > 0 {
			results = l.executeConcurrently(ctx, otherCalls)
			for _, tc := range endCalls {
				results[tc.ID] = toolOutcome{
					content: "end was deferred: other tool calls were present this round; it will be re-emitted next round if still wanted.",
				}
			}
		} else {
			results = l.executeConcurrently(ctx, ordered)
		}

		// S6 Append one tool message per call, in emitted order (P2).
		for _, tc := range ordered {
			outcome := results[tc.ID]
			messages = append(messages, modelio.Message{
				Role:       modelio.RoleTool,
				Content:    outcome.content,
				ToolCallID: tc.ID,
				Name:       tc.Function.Name,
			})
		}

		if sig.Get() {
			return Result{Ended: true, Iterations: iter + 1}, messages, nil
		}
	}

	return Result{MaxIterationsReached: true, Content: "max iterations reached", Iterations: maxIter}, messages, nil
}

func finishReason(msg modelio.Message) string {
	if len(msg.ToolCalls) > 0 {
		return "tool_calls"
	}
	if msg.Content == "" {
		return "empty"
	}
	return "stop"
}

type toolOutcome struct {
	content string
}

func splitEndCalls(calls []modelio.ToolCall, apiToInternal map[string]string) (end, other []modelio.ToolCall) {
	for _, tc := range calls {
		if internalName(tc.Function.Name, apiToInternal) == endToolName {
			end = append(end, tc)
		} else {
			other = append(other, tc)
		}
	}
	return end, other
}

func internalName(apiName string, m map[string]string) string {
	if m == nil {
		return apiName
	}
	if internal, ok := m[apiName]; ok {
		return internal
	}
	return apiName
}

// executeConcurrently runs every non-end tool call in parallel via
// errgroup, but never lets one failure cancel the others (S5): each
// outcome, success or "error: <msg>", is captured independently.
func (l *Loop) executeConcurrently(ctx context.Context, calls []modelio.ToolCall) map[string]toolOutcome {
	results := make(map[string]toolOutcome, len(calls))
	if len(calls) == 0 {
		return results
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	// errgroup's gctx is unused: tools run with ctx, and we deliberately
	// ignore the group's first-error cancellation by never returning the
	// tool's own error from the goroutine func.
	_ = gctx

	for _, tc := range calls {
		tc := tc
		g.Go(func() error {
			content := l.runOne(ctx, tc)
			mu.Lock()
			results[tc.ID] = toolOutcome{content: content}
			mu.Unlock()
			return nil
		})
	}
	// g.Wait() never returns a non-nil error given the above, but this keeps
	// the goroutines drained before we read results.
	_ = g.Wait()

	// Stable log ordering for debugging concurrent executions.
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	slog.Debug("llmloop: tool round complete", "count", len(ids))

	return results
}

func (l *Loop) runOne(ctx context.Context, tc modelio.ToolCall) string {
	name := internalName(tc.Function.Name, l.ApiToInternal)
	desc, ok := l.Tools.Resolve(skills.KindTool, name)
	if !ok {
		desc, ok = l.Tools.Resolve(skills.KindAgent, name)
	}
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", name)
	}

	toolCtx, span := l.Tracer.StartToolExecution(ctx, string(desc.Kind), name, desc.HandlerPath)
	defer span.End()

	start := time.Now()
	args := ParseToolArguments(tc.Function.Arguments)
	result, err := l.Tools.Execute(toolCtx, desc, args)
	l.Metrics.RecordToolCall(name, time.Since(start))
	if err != nil {
		l.Tracer.RecordError(span, err)
		l.Metrics.RecordToolError(name, "execution")
		return fmt.Sprintf("error: %v", err)
	}
	return result
}
