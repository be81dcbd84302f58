// Package historian implements C13, HistorianWorker: the cognitive-memory
// pipeline that turns queued observations into absolute, entity-grounded
// facts, upserts them as events, and folds them into per-entity profiles.
// Its poll loop and requeue/fail bookkeeping are grounded on the same
// dequeue-process-complete shape internal/llmloop.Loop uses for tool
// execution, generalized from "one model round" to "one queued job".
package historian

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/nyxbot/fabric/internal/cogqueue"
	"github.com/nyxbot/fabric/internal/modelio"
	"github.com/nyxbot/fabric/pkg/embedders"
	"github.com/nyxbot/fabric/pkg/vector"
)

const (
	submitRewriteTool = "submit_rewrite"
	updateProfileTool = "update_profile"

	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Worker is the Historian: it drains a CognitiveJobQueue, rewrites
// observations into absolute facts behind a gate, upserts events into a
// vector store, and merges per-entity profiles.
type Worker struct {
	Queue     *cogqueue.Queue
	Profiles  *ProfileStorage
	Events    vector.Provider
	ProfileVS vector.Provider
	Embedder  embedders.EmbedderProvider
	Requester modelio.Requester

	ModelConfig modelio.ModelConfig

	EventCollection   string
	ProfileCollection string

	JobMaxRetries      int
	RewriteMaxRetry    int
	ProfileSnapshotCap int

	Logger *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// identityIDPattern extracts identity-context fields so their values are
// excluded from entity_id_drift (they're expected to be referenced by ID,
// not restated verbatim in rewritten text).
var identityIDPattern = regexp.MustCompile(`\d{5,12}`)

// Start launches the poll loop in a goroutine. Call Stop to end it
// cooperatively: the current job finishes before the loop exits.
func (w *Worker) Start(ctx context.Context) {
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(ctx)
}

// Stop requests the loop end after its current job, and blocks until it
// does.
func (w *Worker) Stop() {
	if w.stop == nil {
		return
	}
	close(w.stop)
	<-w.done
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		jobID, job, ok, err := w.Queue.Dequeue()
		if err != nil {
			w.logger().Error("historian: dequeue failed", "error", err)
			backoff = sleepBackoff(w.stop, backoff)
			continue
		}
		if !ok {
			backoff = sleepBackoff(w.stop, backoff)
			continue
		}
		backoff = initialBackoff

		if err := w.process(ctx, jobID, job); err != nil {
			w.logger().Error("historian: job failed", "job_id", jobID, "error", err)
			if job.RetryCount < w.JobMaxRetries {
				if rqErr := w.Queue.Requeue(jobID, job, err.Error(), w.JobMaxRetries); rqErr != nil {
					w.logger().Error("historian: requeue failed", "job_id", jobID, "error", rqErr)
				}
			} else {
				if failErr := w.Queue.Fail(jobID, job, err.Error()); failErr != nil {
					w.logger().Error("historian: fail failed", "job_id", jobID, "error", failErr)
				}
			}
			continue
		}
		if err := w.Queue.Complete(jobID); err != nil {
			w.logger().Error("historian: complete failed", "job_id", jobID, "error", err)
		}
	}
}

// sleepBackoff sleeps for d unless stop fires first, then returns the next
// (capped, doubled) backoff duration.
func sleepBackoff(stop <-chan struct{}, d time.Duration) time.Duration {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-stop:
	}
	next := d * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

// process runs the five-step per-job pipeline.
func (w *Worker) process(ctx context.Context, jobID string, job *cogqueue.Job) error {
	source := job.Memo + "\n" + strings.Join(job.Observations, "\n")
	knownIDs := identityIDs(job)

	items := job.Observations
	if len(items) == 0 && strings.TrimSpace(job.Memo) != "" {
		items = []string{job.Memo}
	}
	if len(items) == 0 {
		return nil
	}

	for i, obs := range items {
		eventID := jobID
		if len(items) > 1 {
			eventID = fmt.Sprintf("%s_%d", jobID, i)
		}
		if err := w.processObservation(ctx, eventID, source, obs, knownIDs, job.Force); err != nil {
			return fmt.Errorf("historian: observation %d: %w", i, err)
		}
	}

	if len(job.Observations) > 0 {
		for _, target := range job.ProfileTargets {
			if err := w.mergeProfile(ctx, job, target, source); err != nil {
				return fmt.Errorf("historian: profile merge for %s:%s: %w", target.EntityType, target.EntityID, err)
			}
		}
	}

	return nil
}

// identityIDs collects the numeric IDs that are identity context for this
// job (sender_id, group_id, message_ids embedded in profile targets or the
// raw source/recent message payloads) so the gate never flags them as
// drift.
func identityIDs(job *cogqueue.Job) map[string]bool {
	known := map[string]bool{}
	for _, raw := range [][]byte{job.RecentMessages, job.SourceMessage} {
		if len(raw) == 0 {
			continue
		}
		for _, m := range identityIDPattern.FindAllString(extractIdentityHints(raw), -1) {
			known[m] = true
		}
	}
	for _, t := range job.ProfileTargets {
		if t.EntityID != "" {
			known[t.EntityID] = true
		}
	}
	return known
}

// extractIdentityHints pulls sender_id/user_id/group_id/message_ids-ish
// numeric fields out of a raw JSON payload by scanning its string form;
// exact schema isn't required since entityIDDrift only cares about the set
// of digit runs present.
func extractIdentityHints(raw json.RawMessage) string {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return ""
	}
	var b strings.Builder
	for _, key := range []string{"sender_id", "user_id", "group_id", "message_ids", "message_id"} {
		if v, ok := generic[key]; ok {
			b.WriteString(fmt.Sprintf("%v ", v))
		}
	}
	return b.String()
}

// processObservation runs steps 2-3: absolute-rewrite-with-gate, then event
// upsert.
func (w *Worker) processObservation(ctx context.Context, eventID, source, observation string, knownIDs map[string]bool, force bool) error {
	candidate, isAbsolute, err := w.rewriteUntilAbsolute(ctx, source, observation, knownIDs, force)
	if err != nil {
		return err
	}

	vec, err := w.Embedder.Embed(candidate)
	if err != nil {
		return fmt.Errorf("failed to embed event text: %w", err)
	}

	metadata := map[string]any{
		"is_absolute": isAbsolute,
		"source":      observation,
	}
	return w.Events.Upsert(ctx, w.EventCollection, eventID, vec, mergeMetadata(metadata, candidate))
}

func mergeMetadata(metadata map[string]any, canonicalText string) map[string]any {
	metadata["canonical_text"] = canonicalText
	return metadata
}

// rewriteUntilAbsolute implements §4.13 step 2's bounded retry loop.
func (w *Worker) rewriteUntilAbsolute(ctx context.Context, source, observation string, knownIDs map[string]bool, force bool) (string, bool, error) {
	var candidate string
	var lastVerdict gateVerdict

	messages := []modelio.Message{
		{Role: modelio.RoleSystem, Content: rewriteSystemPrompt},
		{Role: modelio.RoleUser, Content: observation},
	}

	for attempt := 0; attempt <= w.RewriteMaxRetry; attempt++ {
		text, err := w.callForcedTool(ctx, "agent:historian_rewrite", messages, submitRewriteTool, submitRewriteToolDef(), "text")
		if err != nil {
			return "", false, fmt.Errorf("%s tool call failed: %w", submitRewriteTool, err)
		}
		candidate = text
		verdict := evaluateGate(source, candidate, knownIDs)
		lastVerdict = verdict

		if verdict.IsAbsolute {
			return candidate, true, nil
		}
		if force && len(verdict.Drift) == 0 {
			// force: only regex hits, no id drift — caller accepts a
			// non-absolute candidate rather than looping to exhaustion.
			return candidate, false, nil
		}
		if attempt == w.RewriteMaxRetry {
			break
		}

		feedback := feedbackPrompt(verdict)
		messages = append(messages,
			modelio.Message{Role: modelio.RoleAssistant, Content: candidate},
			modelio.Message{Role: modelio.RoleUser, Content: feedback},
		)
	}

	w.logger().Warn("historian: rewrite did not reach absoluteness, accepting last candidate",
		"hits", lastVerdict.Hits, "drift", lastVerdict.Drift)
	return candidate, false, nil
}

func feedbackPrompt(v gateVerdict) string {
	var b strings.Builder
	b.WriteString("The previous rewrite was not absolute enough. ")
	if len(v.Hits) > 0 {
		b.WriteString("It still contains relative references: ")
		first := true
		for category, hits := range v.Hits {
			if !first {
				b.WriteString("; ")
			}
			first = false
			b.WriteString(category)
			b.WriteString("=")
			b.WriteString(strings.Join(hits, ","))
		}
		b.WriteString(". ")
	}
	if len(v.Drift) > 0 {
		b.WriteString("It must keep referencing these entity ids explicitly: ")
		b.WriteString(strings.Join(mustKeepEntityIDs(v), ", "))
		b.WriteString(". ")
	}
	b.WriteString("Call submit_rewrite again with a fully absolute version.")
	return b.String()
}

// mergeProfile implements §4.13 step 4 for one profile target.
func (w *Worker) mergeProfile(ctx context.Context, job *cogqueue.Job, target cogqueue.ProfileTarget, source string) error {
	profile, err := w.Profiles.Read(target.EntityType, target.EntityID)
	if err != nil {
		return err
	}

	messages := []modelio.Message{
		{Role: modelio.RoleSystem, Content: updateProfileSystemPrompt},
		{Role: modelio.RoleUser, Content: fmt.Sprintf("Existing profile:\n%s\n\nNew observations:\n%s", profile.Body, source)},
	}

	raw, err := w.callForcedTool(ctx, "agent:historian_profile", messages, updateProfileTool, updateProfileToolDef(), "")
	if err != nil {
		return fmt.Errorf("%s tool call failed: %w", updateProfileTool, err)
	}

	var args updateProfileArgs
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return fmt.Errorf("failed to parse %s arguments: %w", updateProfileTool, err)
	}

	if args.Skip || strings.TrimSpace(args.Summary) == "" {
		return nil
	}

	fm := Frontmatter{
		EntityType: target.EntityType,
		EntityID:   target.EntityID,
		Tags:       args.Tags,
		UpdatedAt:  time.Now(),
	}
	fm.Name = EffectiveName(target.PreferredName, profile.Frontmatter.Name, target.EntityType, target.EntityID)

	if err := w.Profiles.Write(target.EntityType, target.EntityID, fm, args.Summary, w.ProfileSnapshotCap); err != nil {
		return err
	}

	combined := strings.Join(fm.Tags, ",") + "\n" + args.Summary
	vec, err := w.Embedder.Embed(combined)
	if err != nil {
		return fmt.Errorf("failed to embed profile text: %w", err)
	}
	key := target.EntityType + ":" + target.EntityID
	return w.ProfileVS.Upsert(ctx, w.ProfileCollection, key, vec, map[string]any{
		"entity_type": target.EntityType,
		"entity_id":   target.EntityID,
		"name":        fm.Name,
	})
}

type updateProfileArgs struct {
	Skip    bool     `json:"skip"`
	Name    string   `json:"name"`
	Tags    []string `json:"tags"`
	Summary string   `json:"summary"`
}

// callForcedTool issues one request forcing toolName and returns the raw
// argument value for argKey (or the whole arguments blob if argKey is
// empty). A missing or malformed tool call is itself an error, per §4.13's
// "required tool-call validation failure is an exception."
func (w *Worker) callForcedTool(ctx context.Context, callType string, messages []modelio.Message, toolName string, toolDef modelio.ToolDefinition, argKey string) (string, error) {
	resp, err := w.Requester.Request(ctx, w.ModelConfig, messages, 0, callType,
		[]modelio.ToolDefinition{toolDef}, modelio.ToolChoice(toolName))
	if err != nil {
		return "", err
	}

	msg := resp.FirstMessage()
	for _, tc := range msg.ToolCalls {
		name := tc.Function.Name
		if resp.ToolNameMap != nil {
			if internal, ok := resp.ToolNameMap.ApiToInternal[name]; ok {
				name = internal
			}
		}
		if name != toolName {
			continue
		}
		if argKey == "" {
			return tc.Function.Arguments, nil
		}
		var generic map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &generic); err != nil {
			return "", fmt.Errorf("malformed %s arguments: %w", toolName, err)
		}
		v, ok := generic[argKey]
		if !ok {
			return "", fmt.Errorf("%s arguments missing %q", toolName, argKey)
		}
		return fmt.Sprintf("%v", v), nil
	}
	return "", fmt.Errorf("model did not call required tool %q", toolName)
}

func submitRewriteToolDef() modelio.ToolDefinition {
	return modelio.ToolDefinition{
		Type: "function",
		Function: modelio.ToolDefFunc{
			Name:        submitRewriteTool,
			Description: "Submit the fully absolute rewrite of the observation.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
				"required": []string{"text"},
			},
		},
	}
}

func updateProfileToolDef() modelio.ToolDefinition {
	return modelio.ToolDefinition{
		Type: "function",
		Function: modelio.ToolDefFunc{
			Name:        updateProfileTool,
			Description: "Submit an updated profile, or skip if nothing meaningful changed.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"skip":    map[string]any{"type": "boolean"},
					"name":    map[string]any{"type": "string"},
					"tags":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"summary": map[string]any{"type": "string"},
				},
				"required": []string{"skip"},
			},
		},
	}
}

const rewriteSystemPrompt = `Rewrite the given observation so every pronoun, relative time, and relative place is replaced with an absolute, explicit reference. Call submit_rewrite with the result.`

const updateProfileSystemPrompt = `Given an existing profile and new observations, decide whether the profile needs updating. Call update_profile with skip=true if nothing meaningful changed, or with updated name/tags/summary otherwise.`
