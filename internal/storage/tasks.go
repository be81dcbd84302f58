package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// TaskMode selects how a scheduled task's payload is executed.
type TaskMode string

const (
	TaskSingle   TaskMode = "single"
	TaskMulti    TaskMode = "multi"
	TaskSelfCall TaskMode = "self_call"
)

// ExecutionMode selects serial vs parallel execution for TaskMulti.
type ExecutionMode string

const (
	ExecSerial   ExecutionMode = "serial"
	ExecParallel ExecutionMode = "parallel"
)

// ToolInvocation names one tool call within a multi-mode task.
type ToolInvocation struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// TaskRecord is the persisted shape of one scheduled task, per spec §4.11.
type TaskRecord struct {
	TaskID            string           `json:"task_id"`
	Cron              string           `json:"cron"`
	TargetID          string           `json:"target_id,omitempty"`
	TargetType        string           `json:"target_type,omitempty"`
	TaskName          string           `json:"task_name,omitempty"`
	MaxExecutions     int              `json:"max_executions,omitempty"`
	CurrentExecutions int              `json:"current_executions"`
	Mode              TaskMode         `json:"mode"`
	Tool              string           `json:"tool,omitempty"`
	Args              map[string]any   `json:"args,omitempty"`
	Invocations       []ToolInvocation `json:"invocations,omitempty"`
	ExecutionMode     ExecutionMode    `json:"execution_mode,omitempty"`
	SelfInstruction   string           `json:"self_instruction,omitempty"`
}

// ErrTaskNotFound is returned by operations targeting a missing task_id.
var ErrTaskNotFound = errors.New("storage: task not found")

// TaskStore persists scheduled tasks as JSON documents in a SQL table keyed
// by task_id, giving add/update/remove/list idempotent semantics by
// primary key as required by §4.11.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates the backing table if absent.
func NewTaskStore(ctx context.Context, db *sql.DB) (*TaskStore, error) {
	const ddl = `CREATE TABLE IF NOT EXISTS scheduled_tasks (
		task_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create scheduled_tasks table: %w", err)
	}
	return &TaskStore{db: db}, nil
}

// AddTask inserts or replaces a task record — idempotent by task_id.
func (s *TaskStore) AddTask(ctx context.Context, t TaskRecord) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.TaskID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (task_id, payload) VALUES (?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET payload = excluded.payload`,
		t.TaskID, string(payload))
	if err != nil {
		return fmt.Errorf("add task %s: %w", t.TaskID, err)
	}
	return nil
}

// UpdateTask is an alias of AddTask: both are upserts keyed by task_id.
func (s *TaskStore) UpdateTask(ctx context.Context, t TaskRecord) error {
	return s.AddTask(ctx, t)
}

// RemoveTask deletes a task by id. Removing a nonexistent task is a no-op,
// keeping the operation idempotent.
func (s *TaskStore) RemoveTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("remove task %s: %w", taskID, err)
	}
	return nil
}

// ListTasks returns every persisted task.
func (s *TaskStore) ListTasks(ctx context.Context) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM scheduled_tasks`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []TaskRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		var t TaskRecord
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// IncrementExecutions bumps current_executions by one and returns the
// updated record. The caller is responsible for removing the task once it
// reaches max_executions.
func (s *TaskStore) IncrementExecutions(ctx context.Context, taskID string) (TaskRecord, error) {
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return TaskRecord{}, err
	}
	for _, t := range tasks {
		if t.TaskID != taskID {
			continue
		}
		t.CurrentExecutions++
		if err := s.UpdateTask(ctx, t); err != nil {
			return TaskRecord{}, err
		}
		return t, nil
	}
	return TaskRecord{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}
