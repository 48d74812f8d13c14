package jobs

import (
	"database/sql"
	"testing"
	"time"

	"github.com/extractkit/pekserve/dbopen"
	_ "modernc.org/sqlite"
)

func setupQueue(t *testing.T, maxAttempts int) *Queue {
	t.Helper()
	db := dbopen.OpenMemory(t)
	q, err := NewQueue(db, maxAttempts)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestSubmitAndGet(t *testing.T) {
	q := setupQueue(t, 3)

	payload := map[string]interface{}{"input": map[string]interface{}{"url": "https://example.com/a.pdf"}}
	id, err := q.Submit("extract", payload)
	if err != nil {
		t.Fatal(err)
	}
	if id.IsZero() {
		t.Fatal("submit returned zero UUID")
	}

	job, err := q.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusInQueue {
		t.Fatalf("status: got %s", job.Status)
	}
	if job.Type != "extract" {
		t.Fatalf("type: got %s", job.Type)
	}
	input, ok := job.Payload["input"].(map[string]interface{})
	if !ok || input["url"] != "https://example.com/a.pdf" {
		t.Fatalf("payload round-trip: got %v", job.Payload)
	}
}

func TestGet_Unknown(t *testing.T) {
	q := setupQueue(t, 1)

	unknown, _ := q.Submit("extract", nil)
	q2 := setupQueue(t, 1)
	if _, err := q2.Get(unknown); err != sql.ErrNoRows {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestPoll_ClaimsOldestFirst(t *testing.T) {
	q := setupQueue(t, 1)

	first, _ := q.Submit("extract", map[string]interface{}{"n": float64(1)})
	// Two quick submits can share a millisecond; force ordering.
	q.db.Exec("UPDATE jobs SET created_at = created_at - 10 WHERE id = ?", first)
	q.Submit("extract", map[string]interface{}{"n": float64(2)})

	job, err := q.Poll("extract")
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.ID != first {
		t.Fatal("poll did not claim the oldest job")
	}
	if job.Status != StatusInProgress {
		t.Fatalf("status: got %s", job.Status)
	}
	if job.StartedAt == nil {
		t.Fatal("started_at not set")
	}
}

func TestPoll_EmptyQueue(t *testing.T) {
	q := setupQueue(t, 1)
	job, err := q.Poll("extract")
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatalf("expected nil job, got %v", job)
	}
}

func TestPoll_IgnoresOtherTypes(t *testing.T) {
	q := setupQueue(t, 1)
	q.Submit("other", nil)

	job, err := q.Poll("extract")
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatal("claimed a job of the wrong type")
	}
}

func TestPollBatch(t *testing.T) {
	q := setupQueue(t, 1)
	for i := 0; i < 5; i++ {
		q.Submit("extract", map[string]interface{}{"n": float64(i)})
	}

	batch, err := q.PollBatch("extract", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 3 {
		t.Fatalf("batch size: got %d", len(batch))
	}
	for _, job := range batch {
		if job.Status != StatusInProgress {
			t.Fatalf("batch job status: got %s", job.Status)
		}
	}

	// Two remain queued.
	counts, err := q.CountByStatus()
	if err != nil {
		t.Fatal(err)
	}
	if counts[StatusInQueue] != 2 {
		t.Fatalf("remaining queued: got %d", counts[StatusInQueue])
	}
	if counts[StatusInProgress] != 3 {
		t.Fatalf("in progress: got %d", counts[StatusInProgress])
	}
}

func TestComplete(t *testing.T) {
	q := setupQueue(t, 1)
	id, _ := q.Submit("extract", nil)
	q.Poll("extract")

	result := map[string]interface{}{"success": true, "markdown": "# Title"}
	if err := q.Complete(id, result); err != nil {
		t.Fatal(err)
	}

	job, _ := q.Get(id)
	if job.Status != StatusCompleted {
		t.Fatalf("status: got %s", job.Status)
	}
	if job.Result["markdown"] != "# Title" {
		t.Fatalf("result: got %v", job.Result)
	}
	if job.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
}

func TestFail_RetriesUntilMaxAttempts(t *testing.T) {
	q := setupQueue(t, 2)
	id, _ := q.Submit("extract", nil)

	// First failure: back to queue.
	q.Poll("extract")
	if err := q.Fail(id, "boom"); err != nil {
		t.Fatal(err)
	}
	job, _ := q.Get(id)
	if job.Status != StatusInQueue {
		t.Fatalf("after 1st failure: got %s", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts: got %d", job.Attempts)
	}
	if job.StartedAt != nil {
		t.Fatal("started_at should reset on retry")
	}

	// Second failure exhausts attempts.
	q.Poll("extract")
	if err := q.Fail(id, "boom again"); err != nil {
		t.Fatal(err)
	}
	job, _ = q.Get(id)
	if job.Status != StatusFailed {
		t.Fatalf("after 2nd failure: got %s", job.Status)
	}
	if job.Error != "boom again" {
		t.Fatalf("error: got %q", job.Error)
	}
}

func TestCancel_OnlyQueuedJobs(t *testing.T) {
	q := setupQueue(t, 1)
	id, _ := q.Submit("extract", nil)

	ok, err := q.Cancel(id)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("queued job should cancel")
	}
	job, _ := q.Get(id)
	if job.Status != StatusCancelled {
		t.Fatalf("status: got %s", job.Status)
	}

	// A claimed job cannot be cancelled.
	id2, _ := q.Submit("extract", nil)
	q.Poll("extract")
	ok, err = q.Cancel(id2)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("in-progress job should not cancel")
	}
}

func TestPurgeQueued(t *testing.T) {
	q := setupQueue(t, 1)
	q.Submit("extract", nil)
	q.Submit("extract", nil)
	claimed, _ := q.Submit("extract", nil)
	_ = claimed
	q.Poll("extract")

	removed, err := q.PurgeQueued()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("removed: got %d", removed)
	}

	counts, _ := q.CountByStatus()
	if counts[StatusInQueue] != 0 {
		t.Fatalf("queued after purge: got %d", counts[StatusInQueue])
	}
	if counts[StatusInProgress] != 1 {
		t.Fatalf("in progress after purge: got %d", counts[StatusInProgress])
	}
}

func TestTimeOut_SingleJob(t *testing.T) {
	q := setupQueue(t, 1)
	id, _ := q.Submit("extract", nil)
	q.Poll("extract")

	if err := q.TimeOut(id); err != nil {
		t.Fatal(err)
	}
	job, _ := q.Get(id)
	if job.Status != StatusTimedOut {
		t.Fatalf("status: got %s", job.Status)
	}
	if job.Error == "" {
		t.Fatal("timeout error message not set")
	}
}

func TestTimeOutStale(t *testing.T) {
	q := setupQueue(t, 1)
	id, _ := q.Submit("extract", nil)
	q.Poll("extract")

	// Backdate the claim to look abandoned.
	q.db.Exec("UPDATE jobs SET started_at = ? WHERE id = ?",
		time.Now().Add(-time.Hour).UnixMilli(), id)

	n, err := q.TimeOutStale(10 * time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("timed out: got %d", n)
	}

	// Fresh in-progress jobs are untouched.
	q.Submit("extract", nil)
	q.Poll("extract")
	n, err = q.TimeOutStale(10 * time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("fresh job swept: got %d", n)
	}
}

func TestRelease_ReturnsClaimedJobWithoutAttempt(t *testing.T) {
	// WHAT: Release puts an IN_PROGRESS job back in queue, attempts and
	// started_at untouched by the claim.
	// WHY: Shutdown interruptions must not burn one of the job's retries.
	q := setupQueue(t, 1)
	id, _ := q.Submit("extract", nil)
	q.Poll("extract")

	if err := q.Release(id); err != nil {
		t.Fatal(err)
	}

	job, _ := q.Get(id)
	if job.Status != StatusInQueue {
		t.Fatalf("status: got %s", job.Status)
	}
	if job.Attempts != 0 {
		t.Fatalf("attempts: got %d", job.Attempts)
	}
	if job.StartedAt != nil {
		t.Fatal("started_at should reset on release")
	}

	// A second poll claims it again.
	again, err := q.Poll("extract")
	if err != nil {
		t.Fatal(err)
	}
	if again == nil || again.ID != id {
		t.Fatal("released job not claimable")
	}

	// Terminal jobs are not resurrected.
	if err := q.Complete(id, nil); err != nil {
		t.Fatal(err)
	}
	if err := q.Release(id); err != nil {
		t.Fatal(err)
	}
	job, _ = q.Get(id)
	if job.Status != StatusCompleted {
		t.Fatalf("completed job released: got %s", job.Status)
	}
}

func TestTimestamps_MillisecondResolution(t *testing.T) {
	// WHAT: delayTime/executionTime survive sub-second jobs.
	// WHY: The status envelope reports both in milliseconds; second-resolution
	// storage would round them to zero.
	q := setupQueue(t, 1)
	id, _ := q.Submit("extract", nil)

	now := time.Now().UnixMilli()
	q.db.Exec(`UPDATE jobs SET status = ?, created_at = ?, started_at = ?, completed_at = ? WHERE id = ?`,
		StatusCompleted, now-1500, now-300, now, id)

	job, err := q.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if d := job.DelayTime(); d != 1200*time.Millisecond {
		t.Fatalf("delay: got %v", d)
	}
	if d := job.ExecutionTime(); d != 300*time.Millisecond {
		t.Fatalf("execution: got %v", d)
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusInQueue, StatusInProgress} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestDelayAndExecutionTime(t *testing.T) {
	created := time.Now().Add(-10 * time.Second)
	started := time.Now().Add(-7 * time.Second)
	completed := time.Now().Add(-2 * time.Second)

	job := &Job{CreatedAt: created}
	if job.DelayTime() != 0 {
		t.Fatal("delay should be zero before start")
	}
	if job.ExecutionTime() != 0 {
		t.Fatal("execution should be zero before completion")
	}

	job.StartedAt = &started
	if d := job.DelayTime(); d < 2*time.Second || d > 4*time.Second {
		t.Fatalf("delay: got %v", d)
	}

	job.CompletedAt = &completed
	if d := job.ExecutionTime(); d < 4*time.Second || d > 6*time.Second {
		t.Fatalf("execution: got %v", d)
	}
}
