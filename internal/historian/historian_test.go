package historian

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nyxbot/fabric/internal/cogqueue"
	"github.com/nyxbot/fabric/internal/modelio"
	"github.com/nyxbot/fabric/pkg/vector"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(text string) ([]float32, error) { return []float32{0.1, 0.2}, nil }
func (fakeEmbedder) GetDimension() int                     { return 2 }
func (fakeEmbedder) GetModelName() string                  { return "fake" }
func (fakeEmbedder) Close() error                          { return nil }

type upsertCall struct {
	collection string
	id         string
	metadata   map[string]any
}

type fakeVectorProvider struct {
	upserts []upsertCall
}

func (p *fakeVectorProvider) Name() string { return "fake" }
func (p *fakeVectorProvider) Upsert(ctx context.Context, collection, id string, vec []float32, metadata map[string]any) error {
	p.upserts = append(p.upserts, upsertCall{collection: collection, id: id, metadata: metadata})
	return nil
}
func (p *fakeVectorProvider) Search(ctx context.Context, collection string, vec []float32, topK int) ([]vector.Result, error) {
	return nil, nil
}
func (p *fakeVectorProvider) SearchWithFilter(ctx context.Context, collection string, vec []float32, topK int, filter map[string]any) ([]vector.Result, error) {
	return nil, nil
}
func (p *fakeVectorProvider) Delete(ctx context.Context, collection, id string) error { return nil }
func (p *fakeVectorProvider) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	return nil
}
func (p *fakeVectorProvider) CreateCollection(ctx context.Context, collection string, dim int) error {
	return nil
}
func (p *fakeVectorProvider) DeleteCollection(ctx context.Context, collection string) error { return nil }
func (p *fakeVectorProvider) Close() error                                                  { return nil }

var _ vector.Provider = (*fakeVectorProvider)(nil)

// scriptedRequester replays one tool-call response per call, in order, so
// each rewrite-retry step and the profile-merge step can be scripted
// independently.
type scriptedRequester struct {
	responses []*modelio.Response
	calls     int
}

func (r *scriptedRequester) Request(ctx context.Context, cfg modelio.ModelConfig, messages []modelio.Message, maxTokens int, callType string, tools []modelio.ToolDefinition, toolChoice modelio.ToolChoice) (*modelio.Response, error) {
	if r.calls >= len(r.responses) {
		panic("scriptedRequester: out of responses")
	}
	resp := r.responses[r.calls]
	r.calls++
	return resp, nil
}

func toolCallResponse(toolName string, args map[string]any) *modelio.Response {
	raw, _ := json.Marshal(args)
	return &modelio.Response{
		Choices: []modelio.Choice{{
			Message: modelio.Message{
				Role: modelio.RoleAssistant,
				ToolCalls: []modelio.ToolCall{{
					ID:   "call_1",
					Type: "function",
					Function: modelio.ToolFunction{
						Name:      toolName,
						Arguments: string(raw),
					},
				}},
			},
		}},
	}
}

func newTestWorker(t *testing.T, requester modelio.Requester) (*Worker, *fakeVectorProvider, *fakeVectorProvider) {
	t.Helper()
	root := t.TempDir()
	q, err := cogqueue.New(root)
	if err != nil {
		t.Fatalf("cogqueue.New: %v", err)
	}
	events := &fakeVectorProvider{}
	profilesVS := &fakeVectorProvider{}
	w := &Worker{
		Queue:              q,
		Profiles:           NewProfileStorage(root),
		Events:             events,
		ProfileVS:          profilesVS,
		Embedder:           fakeEmbedder{},
		Requester:          requester,
		EventCollection:    "events",
		ProfileCollection:  "profiles",
		JobMaxRetries:      2,
		RewriteMaxRetry:    1,
		ProfileSnapshotCap: 3,
	}
	return w, events, profilesVS
}

func TestProcess_AbsoluteOnFirstTry(t *testing.T) {
	requester := &scriptedRequester{responses: []*modelio.Response{
		toolCallResponse(submitRewriteTool, map[string]any{"text": "张三（123456789）喜欢猫"}),
	}}
	w, events, _ := newTestWorker(t, requester)

	job := &cogqueue.Job{
		JobID:        "job1",
		Observations: []string{"用户123456789喜欢猫"},
	}
	if err := w.process(context.Background(), job.JobID, job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(events.upserts) != 1 {
		t.Fatalf("expected 1 event upsert, got %d", len(events.upserts))
	}
	if events.upserts[0].metadata["is_absolute"] != true {
		t.Errorf("expected is_absolute=true, got %+v", events.upserts[0].metadata)
	}
}

func TestProcess_RewriteRetriesThenAccepts(t *testing.T) {
	requester := &scriptedRequester{responses: []*modelio.Response{
		toolCallResponse(submitRewriteTool, map[string]any{"text": "他今天提到了这个问题"}),
		toolCallResponse(submitRewriteTool, map[string]any{"text": "Null(1708213363)在2026-02-24于bot测试群(1017148870)提到该问题"}),
	}}
	w, events, _ := newTestWorker(t, requester)

	job := &cogqueue.Job{
		JobID:        "job2",
		Observations: []string{"他今天在这里提到了 1708213363 的问题"},
	}
	if err := w.process(context.Background(), job.JobID, job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if requester.calls != 2 {
		t.Errorf("expected 2 model calls, got %d", requester.calls)
	}
	if events.upserts[0].metadata["is_absolute"] != true {
		t.Errorf("expected eventual is_absolute=true, got %+v", events.upserts[0].metadata)
	}
}

func TestProcess_ProfileMergeWritesAndSkipsCorrectly(t *testing.T) {
	requester := &scriptedRequester{responses: []*modelio.Response{
		toolCallResponse(submitRewriteTool, map[string]any{"text": "张三（123456789）喜欢猫"}),
		toolCallResponse(updateProfileTool, map[string]any{
			"skip": false, "name": "ignored-model-name", "tags": []string{"cats"}, "summary": "喜欢猫",
		}),
	}}
	w, _, profileVS := newTestWorker(t, requester)

	job := &cogqueue.Job{
		JobID:        "job3",
		Observations: []string{"用户123456789喜欢猫"},
		ProfileTargets: []cogqueue.ProfileTarget{
			{EntityType: "user", EntityID: "123456789", PreferredName: "张三"},
		},
	}
	if err := w.process(context.Background(), job.JobID, job); err != nil {
		t.Fatalf("process: %v", err)
	}

	profile, err := w.Profiles.Read("user", "123456789")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if profile.Frontmatter.Name != "张三" {
		t.Errorf("expected effective name 张三 (preferred, not model's 'ignored-model-name'), got %q", profile.Frontmatter.Name)
	}
	if len(profileVS.upserts) != 1 {
		t.Fatalf("expected 1 profile vector upsert, got %d", len(profileVS.upserts))
	}
}

func TestProcess_SkipLeavesProfileUntouched(t *testing.T) {
	requester := &scriptedRequester{responses: []*modelio.Response{
		toolCallResponse(submitRewriteTool, map[string]any{"text": "张三（123456789）喜欢猫"}),
		toolCallResponse(updateProfileTool, map[string]any{"skip": true}),
	}}
	w, _, profileVS := newTestWorker(t, requester)

	job := &cogqueue.Job{
		JobID:        "job4",
		Observations: []string{"用户123456789喜欢猫"},
		ProfileTargets: []cogqueue.ProfileTarget{
			{EntityType: "user", EntityID: "123456789"},
		},
	}
	if err := w.process(context.Background(), job.JobID, job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(profileVS.upserts) != 0 {
		t.Errorf("expected no profile vector upsert on skip, got %d", len(profileVS.upserts))
	}
}

func TestProcess_MissingToolCallIsError(t *testing.T) {
	requester := &scriptedRequester{responses: []*modelio.Response{
		{Choices: []modelio.Choice{{Message: modelio.Message{Role: modelio.RoleAssistant, Content: "no tool call here"}}}},
	}}
	w, _, _ := newTestWorker(t, requester)

	job := &cogqueue.Job{JobID: "job5", Observations: []string{"用户1喜欢猫"}}
	if err := w.process(context.Background(), job.JobID, job); err == nil {
		t.Fatal("expected error when model doesn't call required tool")
	}
}

func TestLoop_ProcessesEnqueuedJobThenStops(t *testing.T) {
	requester := &scriptedRequester{responses: []*modelio.Response{
		toolCallResponse(submitRewriteTool, map[string]any{"text": "张三（123456789）喜欢猫"}),
	}}
	w, events, _ := newTestWorker(t, requester)

	if _, err := w.Queue.Enqueue(&cogqueue.Job{Observations: []string{"用户123456789喜欢猫"}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w.Start(ctx)

	deadline := time.Now().Add(time.Second)
	for len(events.upserts) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	w.Stop()

	if len(events.upserts) != 1 {
		t.Fatalf("expected loop to process the enqueued job, got %d upserts", len(events.upserts))
	}
}
