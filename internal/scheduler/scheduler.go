// Package scheduler implements C11: a robfig/cron/v3-backed task scheduler.
// One cron.Cron instance per process; task CRUD is idempotent by task_id
// against internal/storage.TaskStore. On fire, single/multi tasks dispatch
// tool calls directly through the skill registry and self_call tasks invoke
// AICoordinator with a synthesized scheduled RequestContext, per
// SPEC_FULL.md §4.11. The register/run-in-background/graceful-stop wiring
// shape follows the teacher's goroutine-lifecycle idiom from
// pkg/agent/llmagent/flow.go's context-cancellation checks.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/nyxbot/fabric/internal/queue"
	"github.com/nyxbot/fabric/internal/reqctx"
	"github.com/nyxbot/fabric/internal/sender"
	"github.com/nyxbot/fabric/internal/skills"
	"github.com/nyxbot/fabric/internal/storage"
)

// SelfCallRunner invokes the LLM loop as if the bot received a
// system-authored user message; AICoordinator satisfies this via a thin
// adapter (kept as an interface here to avoid an import cycle, since
// coordinator already depends on scheduler for ResScheduler wiring).
type SelfCallRunner interface {
	RunSelfCall(ctx context.Context, targetID, targetType, prompt string) error
}

// Scheduler is C11.
type Scheduler struct {
	cron    *cron.Cron
	store   *storage.TaskStore
	tools   *skills.Registry
	sender  *sender.Sender
	queue   *queue.Manager
	selfRun SelfCallRunner

	mu      sync.Mutex
	entries map[string]cron.EntryID // task_id -> registered cron entry
}

func New(store *storage.TaskStore, tools *skills.Registry, snd *sender.Sender, q *queue.Manager, selfRun SelfCallRunner) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		store:   store,
		tools:   tools,
		sender:  snd,
		queue:   q,
		selfRun: selfRun,
		entries: make(map[string]cron.EntryID),
	}
}

// Start loads every persisted task and begins the cron clock. Call once at
// boot after construction.
func (s *Scheduler) Start(ctx context.Context) error {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load tasks: %w", err)
	}
	for _, t := range tasks {
		if err := s.register(t); err != nil {
			slog.Error("scheduler: failed to register persisted task, skipping", "task_id", t.TaskID, "error", err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop drains the cron clock; in-flight fires are allowed to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// AddTask persists and (re-)registers a task — idempotent by task_id.
func (s *Scheduler) AddTask(ctx context.Context, t storage.TaskRecord) error {
	if err := s.store.AddTask(ctx, t); err != nil {
		return err
	}
	s.unregister(t.TaskID)
	return s.register(t)
}

// UpdateTask replaces and re-registers a task's schedule/payload.
func (s *Scheduler) UpdateTask(ctx context.Context, t storage.TaskRecord) error {
	return s.AddTask(ctx, t)
}

// RemoveTask unregisters and deletes a task. Idempotent: removing an absent
// task_id is not an error.
func (s *Scheduler) RemoveTask(ctx context.Context, taskID string) error {
	s.unregister(taskID)
	return s.store.RemoveTask(ctx, taskID)
}

// ListTasks returns every persisted task.
func (s *Scheduler) ListTasks(ctx context.Context) ([]storage.TaskRecord, error) {
	return s.store.ListTasks(ctx)
}

func (s *Scheduler) unregister(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[taskID]; ok {
		s.cron.Remove(id)
		delete(s.entries, taskID)
	}
}

func (s *Scheduler) register(t storage.TaskRecord) error {
	taskID := t.TaskID
	id, err := s.cron.AddFunc(t.Cron, func() {
		s.fire(context.Background(), taskID)
	})
	if err != nil {
		return fmt.Errorf("scheduler: register task %s: %w", taskID, err)
	}
	s.mu.Lock()
	s.entries[taskID] = id
	s.mu.Unlock()
	return nil
}

// fire runs one task invocation: executes the payload, bumps
// current_executions, removes the task at max_executions, and reports
// failures without removing the task.
func (s *Scheduler) fire(ctx context.Context, taskID string) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		slog.Error("scheduler: list tasks on fire", "task_id", taskID, "error", err)
		return
	}
	var task *storage.TaskRecord
	for i := range tasks {
		if tasks[i].TaskID == taskID {
			task = &tasks[i]
			break
		}
	}
	if task == nil {
		slog.Warn("scheduler: fired task no longer exists, unregistering", "task_id", taskID)
		s.unregister(taskID)
		return
	}

	identity := reqctx.Identity{RequestType: reqctx.Scheduled, RequestID: reqctx.NewRequestID()}
	rc := reqctx.Enter(ctx, identity)

	result, err := s.run(rc, *task)
	if err != nil {
		slog.Error("scheduler: task execution failed", "task_id", taskID, "error", err)
		s.notifyFailure(rc, *task, err)
		return // not removed on failure
	}

	if task.TargetID != "" && result != "" {
		s.deliver(rc, *task, result)
	}

	updated, err := s.store.IncrementExecutions(ctx, taskID)
	if err != nil {
		slog.Error("scheduler: increment executions", "task_id", taskID, "error", err)
		return
	}
	if updated.MaxExecutions > 0 && updated.CurrentExecutions >= updated.MaxExecutions {
		s.RemoveTask(ctx, taskID)
	}
}

func (s *Scheduler) run(ctx context.Context, t storage.TaskRecord) (string, error) {
	switch t.Mode {
	case storage.TaskSingle:
		return s.runSingle(ctx, t)
	case storage.TaskMulti:
		return s.runMulti(ctx, t)
	case storage.TaskSelfCall:
		if s.selfRun == nil {
			return "", fmt.Errorf("scheduler: task %s is self_call but no SelfCallRunner is wired", t.TaskID)
		}
		return "", s.selfRun.RunSelfCall(ctx, t.TargetID, t.TargetType, t.SelfInstruction)
	default:
		return "", fmt.Errorf("scheduler: task %s has unknown mode %q", t.TaskID, t.Mode)
	}
}

func (s *Scheduler) runSingle(ctx context.Context, t storage.TaskRecord) (string, error) {
	desc, ok := s.tools.Resolve(skills.KindTool, t.Tool)
	if !ok {
		return "", fmt.Errorf("scheduler: unknown tool %q", t.Tool)
	}
	result, err := s.tools.Execute(ctx, desc, t.Args)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s: %s", t.Tool, result), nil
}

func (s *Scheduler) runMulti(ctx context.Context, t storage.TaskRecord) (string, error) {
	if t.ExecutionMode == storage.ExecParallel {
		return s.runMultiParallel(ctx, t)
	}
	return s.runMultiSerial(ctx, t)
}

func (s *Scheduler) runMultiSerial(ctx context.Context, t storage.TaskRecord) (string, error) {
	var out string
	for _, inv := range t.Invocations {
		desc, ok := s.tools.Resolve(skills.KindTool, inv.Tool)
		if !ok {
			out += fmt.Sprintf("%s: error: unknown tool\n", inv.Tool)
			continue
		}
		result, err := s.tools.Execute(ctx, desc, inv.Args)
		if err != nil {
			out += fmt.Sprintf("%s: error: %v\n", inv.Tool, err)
			continue
		}
		out += fmt.Sprintf("%s: %s\n", inv.Tool, result)
	}
	return out, nil
}

func (s *Scheduler) runMultiParallel(ctx context.Context, t storage.TaskRecord) (string, error) {
	results := make([]string, len(t.Invocations))
	var wg sync.WaitGroup
	for i, inv := range t.Invocations {
		i, inv := i, inv
		wg.Add(1)
		go func() {
			defer wg.Done()
			desc, ok := s.tools.Resolve(skills.KindTool, inv.Tool)
			if !ok {
				results[i] = fmt.Sprintf("%s: error: unknown tool", inv.Tool)
				return
			}
			result, err := s.tools.Execute(ctx, desc, inv.Args)
			if err != nil {
				results[i] = fmt.Sprintf("%s: error: %v", inv.Tool, err)
				return
			}
			results[i] = fmt.Sprintf("%s: %s", inv.Tool, result)
		}()
	}
	wg.Wait()

	var out string
	for _, r := range results {
		out += r + "\n"
	}
	return out, nil
}

func (s *Scheduler) deliver(ctx context.Context, t storage.TaskRecord, content string) {
	if s.sender == nil {
		return
	}
	opts := sender.DefaultOptions()
	var err error
	if t.TargetType == "group" {
		_, err = s.sender.SendGroup(ctx, t.TargetID, content, opts)
	} else {
		_, err = s.sender.SendPrivate(ctx, t.TargetID, content, opts)
	}
	if err != nil {
		slog.Error("scheduler: deliver result", "task_id", t.TaskID, "error", err)
	}
}

func (s *Scheduler) notifyFailure(ctx context.Context, t storage.TaskRecord, cause error) {
	if t.TargetID == "" || s.sender == nil {
		return
	}
	s.deliver(ctx, t, fmt.Sprintf("scheduled task %q failed: %v", t.TaskName, cause))
}
