package cogqueue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func TestEnqueueDequeueComplete(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Enqueue(&Job{Memo: "user said hello", RequestID: "req-1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	gotID, job, ok, err := q.Dequeue()
	if err != nil || !ok {
		t.Fatalf("Dequeue: ok=%v err=%v", ok, err)
	}
	if gotID != id {
		t.Errorf("expected job id %s, got %s", id, gotID)
	}
	if job.Memo != "user said hello" {
		t.Errorf("unexpected memo: %q", job.Memo)
	}

	if err := q.Complete(gotID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if _, err := os.Stat(filepath.Join(q.processingDir, jobFileName(gotID))); !os.IsNotExist(err) {
		t.Errorf("expected processing file to be removed, stat err=%v", err)
	}
}

func TestDequeueEmpty(t *testing.T) {
	q := newTestQueue(t)
	_, _, ok, err := q.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if ok {
		t.Fatal("expected Dequeue on an empty queue to report ok=false")
	}
}

func TestDequeueOrderIsFIFO(t *testing.T) {
	q := newTestQueue(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(&Job{Memo: "job"})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, id)
		time.Sleep(time.Millisecond)
	}

	for _, want := range ids {
		got, _, ok, err := q.Dequeue()
		if err != nil || !ok {
			t.Fatalf("Dequeue: ok=%v err=%v", ok, err)
		}
		if got != want {
			t.Errorf("expected FIFO order: want %s, got %s", want, got)
		}
	}
}

func TestRequeueRetriesThenFails(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Enqueue(&Job{Memo: "flaky"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	_, job, _, _ := q.Dequeue()

	if err := q.Requeue(id, job, "transient error", 1); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if _, err := os.Stat(filepath.Join(q.pendingDir, jobFileName(id))); err != nil {
		t.Fatalf("expected job back in pending: %v", err)
	}

	_, job, ok, err := q.Dequeue()
	if err != nil || !ok {
		t.Fatalf("Dequeue after requeue: ok=%v err=%v", ok, err)
	}
	if job.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", job.RetryCount)
	}

	// second failure exceeds job_max_retries=1, should land in failed/
	if err := q.Requeue(id, job, "transient error again", 1); err != nil {
		t.Fatalf("Requeue (exceeding retries): %v", err)
	}
	if _, err := os.Stat(filepath.Join(q.failedDir, jobFileName(id))); err != nil {
		t.Errorf("expected job in failed/: %v", err)
	}
	if _, err := os.Stat(filepath.Join(q.pendingDir, jobFileName(id))); !os.IsNotExist(err) {
		t.Errorf("expected job removed from pending/: stat err=%v", err)
	}
}

func TestFailPreservesJSON(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Enqueue(&Job{Memo: "bad job", Observations: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	_, job, _, _ := q.Dequeue()

	if err := q.Fail(id, job, "unrecoverable"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(q.failedDir, jobFileName(id)))
	if err != nil {
		t.Fatalf("expected failed file to exist: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty failed job JSON")
	}
}

func TestRecoverStale(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Enqueue(&Job{Memo: "stuck"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, _, ok, err := q.Dequeue(); err != nil || !ok {
		t.Fatalf("Dequeue: ok=%v err=%v", ok, err)
	}

	old := time.Now().Add(-time.Hour)
	path := filepath.Join(q.processingDir, jobFileName(id))
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	recovered, err := q.RecoverStale(time.Minute)
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if recovered != 1 {
		t.Errorf("expected 1 recovered job, got %d", recovered)
	}
	if _, err := os.Stat(filepath.Join(q.pendingDir, jobFileName(id))); err != nil {
		t.Errorf("expected job back in pending/: %v", err)
	}
}

func TestJob_DecodesLegacyFieldNames(t *testing.T) {
	raw := []byte(`{"job_id":"j1","action_summary":"legacy memo","new_info":["legacy obs 1","legacy obs 2"]}`)
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if job.Memo != "legacy memo" {
		t.Errorf("expected memo from action_summary, got %q", job.Memo)
	}
	if len(job.Observations) != 2 || job.Observations[0] != "legacy obs 1" {
		t.Errorf("expected observations from new_info, got %v", job.Observations)
	}
}

func TestJob_PrefersCurrentFieldNamesOverLegacy(t *testing.T) {
	raw := []byte(`{"job_id":"j2","memo":"current memo","action_summary":"legacy memo","observations":["current obs"],"new_info":["legacy obs"]}`)
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if job.Memo != "current memo" {
		t.Errorf("expected current memo to win, got %q", job.Memo)
	}
	if len(job.Observations) != 1 || job.Observations[0] != "current obs" {
		t.Errorf("expected current observations to win, got %v", job.Observations)
	}
}

func TestPruneFailedByAgeAndCount(t *testing.T) {
	q := newTestQueue(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(&Job{Memo: "doomed"})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		_, job, _, _ := q.Dequeue()
		if err := q.Fail(id, job, "fail"); err != nil {
			t.Fatalf("Fail: %v", err)
		}
		ids = append(ids, id)
	}

	old := time.Now().Add(-48 * time.Hour)
	os.Chtimes(filepath.Join(q.failedDir, jobFileName(ids[0])), old, old)

	pruned, err := q.PruneFailed(24*time.Hour, 10)
	if err != nil {
		t.Fatalf("PruneFailed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned by age, got %d", pruned)
	}

	pruned, err = q.PruneFailed(0, 1)
	if err != nil {
		t.Fatalf("PruneFailed by count: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned by count, got %d", pruned)
	}
}
