package llmloop

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/nyxbot/fabric/internal/modelio"
	"github.com/nyxbot/fabric/internal/skills"
)

// scriptedRequester returns one canned response per call, in order.
type scriptedRequester struct {
	responses []*modelio.Response
	calls     int32
}

func (s *scriptedRequester) Request(ctx context.Context, cfg modelio.ModelConfig, messages []modelio.Message, maxTokens int, callType string, tools []modelio.ToolDefinition, toolChoice modelio.ToolChoice) (*modelio.Response, error) {
	i := atomic.AddInt32(&s.calls, 1) - 1
	if int(i) >= len(s.responses) {
		return s.responses[len(s.responses)-1], nil
	}
	return s.responses[i], nil
}

type fakeTools struct {
	descs map[string]*skills.Descriptor
	exec  func(ctx context.Context, name string, args map[string]any) (string, error)
}

func (f *fakeTools) Resolve(kind skills.Kind, name string) (*skills.Descriptor, bool) {
	d, ok := f.descs[name]
	return d, ok
}

func (f *fakeTools) Execute(ctx context.Context, d *skills.Descriptor, args map[string]any) (string, error) {
	return f.exec(ctx, d.Name, args)
}

func newFakeTools(names ...string) *fakeTools {
	descs := make(map[string]*skills.Descriptor, len(names))
	for _, n := range names {
		descs[n] = &skills.Descriptor{Name: n, Kind: skills.KindTool}
	}
	return &fakeTools{descs: descs}
}

func respWithContent(content string) *modelio.Response {
	return &modelio.Response{Choices: []modelio.Choice{{Message: modelio.Message{Content: content}}}}
}

func respWithToolCalls(calls ...modelio.ToolCall) *modelio.Response {
	return &modelio.Response{Choices: []modelio.Choice{{Message: modelio.Message{ToolCalls: calls}}}}
}

func toolCall(id, name, args string) modelio.ToolCall {
	return modelio.ToolCall{ID: id, Type: "function", Function: modelio.ToolFunction{Name: name, Arguments: args}}
}

// TestSimpleReplyNoToolCalls covers scenario S1: the model's final
// non-empty content terminates the loop after one iteration.
func TestSimpleReplyNoToolCalls(t *testing.T) {
	req := &scriptedRequester{responses: []*modelio.Response{respWithContent("hello there")}}
	tools := newFakeTools()
	loop := New(req, tools, nil)

	result, _, err := loop.Run(context.Background(), Request{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Content != "hello there" {
		t.Fatalf("Content = %q", result.Content)
	}
	if result.Iterations != 1 {
		t.Fatalf("Iterations = %d, want 1", result.Iterations)
	}
}

// TestParallelToolsOneFails covers scenario S2 and invariant P2: tool
// results append in emitted order regardless of which finishes first, and
// one failing tool does not abort the round.
func TestParallelToolsOneFails(t *testing.T) {
	calls := []modelio.ToolCall{
		toolCall("a", "get_time", "{}"),
		toolCall("b", "broken_tool", "{}"),
		toolCall("c", "get_time", "{}"),
	}
	req := &scriptedRequester{responses: []*modelio.Response{
		respWithToolCalls(calls...),
		respWithContent("done"),
	}}
	tools := newFakeTools("get_time", "broken_tool")
	tools.exec = func(ctx context.Context, name string, args map[string]any) (string, error) {
		if name == "broken_tool" {
			return "", fmt.Errorf("tool exploded")
		}
		return "ok:" + name, nil
	}
	loop := New(req, tools, nil)

	result, messages, err := loop.Run(context.Background(), Request{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Content != "done" {
		t.Fatalf("Content = %q", result.Content)
	}

	var toolMsgs []modelio.Message
	for _, m := range messages {
		if m.Role == modelio.RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 3 {
		t.Fatalf("expected 3 tool messages, got %d", len(toolMsgs))
	}
	wantIDs := []string{"a", "b", "c"}
	for i, m := range toolMsgs {
		if m.ToolCallID != wantIDs[i] {
			t.Fatalf("tool message %d has ToolCallID %q, want %q (order must match emission order)", i, m.ToolCallID, wantIDs[i])
		}
	}
	if toolMsgs[1].Content != "error: tool exploded" {
		t.Fatalf("broken_tool content = %q, want error: tool exploded", toolMsgs[1].Content)
	}
	if toolMsgs[0].Content != "ok:get_time" || toolMsgs[2].Content != "ok:get_time" {
		t.Fatalf("successful tool contents wrong: %+v", toolMsgs)
	}
}

// TestEndDeferredWhenCoOccurringWithOtherTools covers invariant P4: end is
// not executed in a round where other tool calls are also present; it is
// re-offered to the model on the next round instead.
func TestEndDeferredWhenCoOccurringWithOtherTools(t *testing.T) {
	round1 := []modelio.ToolCall{
		toolCall("a", "get_time", "{}"),
		toolCall("b", "end", `{"force":true}`),
	}
	req := &scriptedRequester{responses: []*modelio.Response{
		respWithToolCalls(round1...),
		respWithContent("final reply"),
	}}
	tools := newFakeTools("get_time")
	tools.exec = func(ctx context.Context, name string, args map[string]any) (string, error) {
		return "ok:" + name, nil
	}
	loop := New(req, tools, nil)

	result, messages, err := loop.Run(context.Background(), Request{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Ended {
		t.Fatal("end must not have terminated the loop in the co-occurring round")
	}
	if result.Content != "final reply" {
		t.Fatalf("Content = %q", result.Content)
	}

	var endMsg *modelio.Message
	for i := range messages {
		if messages[i].ToolCallID == "b" {
			endMsg = &messages[i]
		}
	}
	if endMsg == nil {
		t.Fatal("expected a tool message for the deferred end call")
	}
	if endMsg.Content == "" {
		t.Fatal("expected the deferred end call to carry an explanatory tool result")
	}
}

// TestEndAloneTerminatesSilently exercises the end-signal path when end is
// the only tool call in the round.
func TestEndAloneTerminatesSilently(t *testing.T) {
	req := &scriptedRequester{responses: []*modelio.Response{
		respWithToolCalls(toolCall("z", "end", `{"force":true}`)),
	}}
	tools := newFakeTools("end")
	tools.exec = func(ctx context.Context, name string, args map[string]any) (string, error) {
		if sig := EndSignalFrom(ctx); sig != nil {
			sig.Set()
		}
		return "", nil
	}
	loop := New(req, tools, nil)

	result, _, err := loop.Run(context.Background(), Request{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Ended {
		t.Fatal("expected the loop to end silently")
	}
	if result.Content != "" {
		t.Fatalf("Content = %q, want empty on silent end", result.Content)
	}
}

// TestMaxIterationsReached covers the MAX_ITERATIONS cap: a model that
// always emits tool calls never lets the loop terminate naturally.
func TestMaxIterationsReached(t *testing.T) {
	resp := respWithToolCalls(toolCall("x", "get_time", "{}"))
	req := &scriptedRequester{responses: []*modelio.Response{resp}}
	tools := newFakeTools("get_time")
	tools.exec = func(ctx context.Context, name string, args map[string]any) (string, error) {
		return "ok", nil
	}
	loop := New(req, tools, nil)
	loop.MaxIterations = 3

	result, _, err := loop.Run(context.Background(), Request{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.MaxIterationsReached {
		t.Fatal("expected MaxIterationsReached")
	}
	if result.Content != "max iterations reached" {
		t.Fatalf("Content = %q", result.Content)
	}
	if result.Iterations != 3 {
		t.Fatalf("Iterations = %d, want 3", result.Iterations)
	}
}

// TestReasoningContentPreservedOnAssistantTurn ensures a new-style
// reasoning model's reasoning_content is carried verbatim onto the
// appended assistant turn, per §4.6.
func TestReasoningContentPreservedOnAssistantTurn(t *testing.T) {
	resp := &modelio.Response{Choices: []modelio.Choice{{Message: modelio.Message{
		ReasoningContent: "thinking it through",
		ToolCalls:        []modelio.ToolCall{toolCall("x", "get_time", "{}")},
	}}}}
	req := &scriptedRequester{responses: []*modelio.Response{resp, respWithContent("done")}}
	tools := newFakeTools("get_time")
	tools.exec = func(ctx context.Context, name string, args map[string]any) (string, error) { return "ok", nil }
	loop := New(req, tools, nil)

	_, messages, err := loop.Run(context.Background(), Request{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var assistantMsg *modelio.Message
	for i := range messages {
		if messages[i].Role == modelio.RoleAssistant {
			assistantMsg = &messages[i]
			break
		}
	}
	if assistantMsg == nil || assistantMsg.ReasoningContent != "thinking it through" {
		t.Fatalf("assistant message missing reasoning_content: %+v", assistantMsg)
	}
}

// TestApiToInternalNameMapUsedForExecution ensures tool execution resolves
// via the supplied api->internal mapping, not the raw wire name.
func TestApiToInternalNameMapUsedForExecution(t *testing.T) {
	req := &scriptedRequester{responses: []*modelio.Response{
		respWithToolCalls(toolCall("a", "get-time-sanitized", "{}")),
		respWithContent("done"),
	}}
	tools := newFakeTools("get_time")
	var executedAs string
	tools.exec = func(ctx context.Context, name string, args map[string]any) (string, error) {
		executedAs = name
		return "ok", nil
	}
	loop := New(req, tools, map[string]string{"get-time-sanitized": "get_time"})

	if _, _, err := loop.Run(context.Background(), Request{}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if executedAs != "get_time" {
		t.Fatalf("executed tool name = %q, want internal name get_time", executedAs)
	}
}
