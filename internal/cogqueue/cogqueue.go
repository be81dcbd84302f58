// Package cogqueue implements C12, the CognitiveJobQueue: a three-directory
// (pending/processing/failed) on-disk queue for HistorianWorker jobs. Each
// state transition is one atomic file move, grounded on the
// write-temp-then-os.Rename idiom the teacher uses for its document-store
// index state (pkg/context/document_store.go's saveIndexState), generalized
// from "one state file" to "one file per queued job, moved between three
// directories instead of rewritten in place."
package cogqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProfileTarget names one profile HistorianWorker should update after
// processing a job's observations.
type ProfileTarget struct {
	EntityType     string `json:"entity_type"` // "user" or "group"
	EntityID       string `json:"entity_id"`
	Perspective    string `json:"perspective,omitempty"`
	PreferredName  string `json:"preferred_name,omitempty"`
}

// Job is one unit of cognitive-memory work.
type Job struct {
	JobID          string          `json:"job_id"`
	RequestID      string          `json:"request_id"`
	EndSeq         int             `json:"end_seq"`
	TimestampEpoch int64           `json:"timestamp_epoch"`
	Timezone       string          `json:"timezone"`

	Memo           string          `json:"memo"`
	Observations   []string        `json:"observations"`
	ProfileTargets []ProfileTarget `json:"profile_targets"`
	Perspective    string          `json:"perspective"`
	Force          bool            `json:"force"`
	RecentMessages json.RawMessage `json:"recent_messages,omitempty"`
	SourceMessage  json.RawMessage `json:"source_message,omitempty"`

	RetryCount int `json:"_retry_count"`
}

// legacyJob mirrors an older generation of this payload's field names,
// still produced by some upstream callers. UnmarshalJSON accepts either
// generation but always re-encodes using the new names.
type legacyJob struct {
	ActionSummary string   `json:"action_summary"`
	NewInfo       []string `json:"new_info"`
	HasNewInfo    *bool    `json:"has_new_info"`
}

// UnmarshalJSON decodes either the current field names (memo/observations)
// or the legacy generation (action_summary/new_info/has_new_info),
// preferring the current names when both are present.
func (j *Job) UnmarshalJSON(data []byte) error {
	type alias Job
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*j = Job(a)

	var legacy legacyJob
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	if j.Memo == "" && legacy.ActionSummary != "" {
		j.Memo = legacy.ActionSummary
	}
	if len(j.Observations) == 0 && len(legacy.NewInfo) > 0 {
		j.Observations = legacy.NewInfo
	}
	return nil
}

// Queue manages the pending/processing/failed directory triple.
type Queue struct {
	root           string
	pendingDir     string
	processingDir  string
	failedDir      string

	mu sync.Mutex // serializes dequeue; enqueue is lock-free (atomic rename)
}

// New creates a Queue rooted at root, creating pending/processing/failed
// subdirectories if they don't exist.
func New(root string) (*Queue, error) {
	q := &Queue{
		root:          root,
		pendingDir:    filepath.Join(root, "pending"),
		processingDir: filepath.Join(root, "processing"),
		failedDir:     filepath.Join(root, "failed"),
	}
	for _, dir := range []string{q.pendingDir, q.processingDir, q.failedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cogqueue: failed to create %s: %w", dir, err)
		}
	}
	return q, nil
}

// Enqueue writes job as a new file in pending/, atomically (write to a
// sibling .tmp file, then rename). The returned job_id is also embedded in
// the filename so dequeue can pick the lexicographically-smallest one
// without reading file contents first.
func (q *Queue) Enqueue(job *Job) (string, error) {
	if job.JobID == "" {
		job.JobID = newSortableJobID()
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return "", fmt.Errorf("cogqueue: failed to marshal job: %w", err)
	}

	name := jobFileName(job.JobID)
	finalPath := filepath.Join(q.pendingDir, name)
	tmpPath := finalPath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", fmt.Errorf("cogqueue: failed to write job: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("cogqueue: failed to commit job: %w", err)
	}

	return job.JobID, nil
}

// Dequeue picks the lexicographically smallest file in pending/ (oldest,
// since job IDs are prefixed by a sortable timestamp) and moves it to
// processing/. Returns ok=false if pending/ is empty.
func (q *Queue) Dequeue() (jobID string, job *Job, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.pendingDir)
	if err != nil {
		return "", nil, false, fmt.Errorf("cogqueue: failed to list pending: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return "", nil, false, nil
	}
	sort.Strings(names)
	name := names[0]

	src := filepath.Join(q.pendingDir, name)
	dst := filepath.Join(q.processingDir, name)
	if err := os.Rename(src, dst); err != nil {
		return "", nil, false, fmt.Errorf("cogqueue: failed to move %s to processing: %w", name, err)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		return "", nil, false, fmt.Errorf("cogqueue: failed to read dequeued job: %w", err)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return "", nil, false, fmt.Errorf("cogqueue: failed to parse dequeued job %s: %w", name, err)
	}

	return j.JobID, &j, true, nil
}

// Requeue increments the job's retry count and moves it back to pending/ if
// retries remain; otherwise it fails the job. reason is not written to the
// job file and does not change behavior.
func (q *Queue) Requeue(jobID string, job *Job, reason string, jobMaxRetries int) error {
	job.RetryCount++
	if job.RetryCount > jobMaxRetries {
		return q.failLocked(jobID, job, reason)
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("cogqueue: failed to marshal requeued job: %w", err)
	}

	name := jobFileName(jobID)
	processingPath := filepath.Join(q.processingDir, name)
	tmpPath := filepath.Join(q.pendingDir, name+".tmp")
	finalPath := filepath.Join(q.pendingDir, name)

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("cogqueue: failed to write requeued job: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cogqueue: failed to commit requeued job: %w", err)
	}
	os.Remove(processingPath)
	return nil
}

// Fail moves a job from processing/ to failed/, preserving its JSON intact
// (with the latest retry count) so operators can inspect and re-enqueue.
func (q *Queue) Fail(jobID string, job *Job, reason string) error {
	return q.failLocked(jobID, job, reason)
}

func (q *Queue) failLocked(jobID string, job *Job, reason string) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("cogqueue: failed to marshal failed job: %w", err)
	}

	name := jobFileName(jobID)
	processingPath := filepath.Join(q.processingDir, name)
	finalPath := filepath.Join(q.failedDir, name)
	tmpPath := finalPath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("cogqueue: failed to write failed job: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cogqueue: failed to commit failed job: %w", err)
	}
	os.Remove(processingPath)
	return nil
}

// Complete removes a job's file from processing/ entirely.
func (q *Queue) Complete(jobID string) error {
	name := jobFileName(jobID)
	path := filepath.Join(q.processingDir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cogqueue: failed to complete %s: %w", jobID, err)
	}
	return nil
}

// RecoverStale moves any file in processing/ whose modification time is
// older than timeout back into pending/. Call on startup: a prior process
// may have crashed mid-job, leaving orphaned entries in processing/.
func (q *Queue) RecoverStale(timeout time.Duration) (int, error) {
	entries, err := os.ReadDir(q.processingDir)
	if err != nil {
		return 0, fmt.Errorf("cogqueue: failed to list processing: %w", err)
	}

	cutoff := time.Now().Add(-timeout)
	recovered := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		src := filepath.Join(q.processingDir, e.Name())
		dst := filepath.Join(q.pendingDir, e.Name())
		if err := os.Rename(src, dst); err != nil {
			continue
		}
		recovered++
	}
	return recovered, nil
}

// PruneFailed deletes files from failed/ older than maxAge, then — if still
// over maxCount — deletes the oldest remaining files until at most maxCount
// remain. Either bound may be zero to disable it.
func (q *Queue) PruneFailed(maxAge time.Duration, maxCount int) (int, error) {
	entries, err := os.ReadDir(q.failedDir)
	if err != nil {
		return 0, fmt.Errorf("cogqueue: failed to list failed: %w", err)
	}

	type fileInfo struct {
		name    string
		modTime time.Time
	}
	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), modTime: info.ModTime()})
	}

	pruned := 0
	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge)
		remaining := files[:0]
		for _, f := range files {
			if f.modTime.Before(cutoff) {
				os.Remove(filepath.Join(q.failedDir, f.name))
				pruned++
				continue
			}
			remaining = append(remaining, f)
		}
		files = remaining
	}

	if maxCount > 0 && len(files) > maxCount {
		sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
		excess := len(files) - maxCount
		for i := 0; i < excess; i++ {
			os.Remove(filepath.Join(q.failedDir, files[i].name))
			pruned++
		}
	}

	return pruned, nil
}

func jobFileName(jobID string) string {
	return jobID + ".json"
}

// newSortableJobID returns a job ID prefixed by a nanosecond timestamp, so
// Dequeue's lexicographic-smallest pick approximates FIFO order.
func newSortableJobID() string {
	return fmt.Sprintf("%020d-%s", time.Now().UnixNano(), uuid.NewString())
}
