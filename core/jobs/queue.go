// Package jobs implements the durable job queue behind the serverless
// endpoint. Jobs live in SQLite; workers claim them transactionally and
// report terminal states back through the queue.
package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/extractkit/pekserve/core/data"
)

// Status is the externally visible job state.
type Status string

const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// Terminal reports whether a job in this status will never run again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Job is one queued extraction request.
type Job struct {
	ID          data.UUID              `json:"id"`
	Type        string                 `json:"type"`
	Status      Status                 `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"max_attempts"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// DelayTime returns how long the job waited in queue before a worker
// claimed it. Zero until the job starts.
func (j *Job) DelayTime() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	return j.StartedAt.Sub(j.CreatedAt)
}

// ExecutionTime returns how long the worker spent on the job. Zero until
// the job reaches a terminal state.
func (j *Job) ExecutionTime() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// Queue manages the SQLite-backed job queue.
type Queue struct {
	db          *sql.DB
	maxAttempts int
}

// NewQueue creates a queue on db and initialises the schema.
func NewQueue(db *sql.DB, maxAttempts int) (*Queue, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	// Timestamps are Unix milliseconds: the platform reports delayTime
	// and executionTime in ms, and most jobs finish in under a second.
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			id BLOB PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			result TEXT,
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_type_status ON jobs(type, status);
	`

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create jobs schema: %w", err)
	}

	return &Queue{db: db, maxAttempts: maxAttempts}, nil
}

// Submit enqueues a new job and returns its identifier.
func (q *Queue) Submit(jobType string, payload map[string]interface{}) (data.UUID, error) {
	id := data.NewUUID()
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return data.UUID{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = data.ExecWithRetry(q.db, `
		INSERT INTO jobs (id, type, status, payload, created_at, attempts, max_attempts)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, id, jobType, StatusInQueue, string(payloadJSON), time.Now().UnixMilli(), q.maxAttempts)

	if err != nil {
		return data.UUID{}, fmt.Errorf("failed to insert job: %w", err)
	}

	return id, nil
}

// Poll claims the oldest queued job of the given type and marks it
// IN_PROGRESS. Returns nil, nil when the queue is empty.
func (q *Queue) Poll(jobType string) (*Job, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, err
	}
	defer data.SafeTxRollback(tx, "poll job")

	row := tx.QueryRow(`
		SELECT id, type, status, payload, attempts, max_attempts, created_at
		FROM jobs
		WHERE status = ? AND type = ?
		ORDER BY created_at ASC
		LIMIT 1
	`, StatusInQueue, jobType)

	var job Job
	var payloadJSON string
	var createdAtMs int64

	if err := row.Scan(&job.ID, &job.Type, &job.Status, &payloadJSON, &job.Attempts, &job.MaxAttempts, &createdAtMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	if err := json.Unmarshal([]byte(payloadJSON), &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	job.CreatedAt = time.UnixMilli(createdAtMs)

	now := time.Now()
	job.StartedAt = &now
	job.Status = StatusInProgress

	if _, err := tx.Exec(`
		UPDATE jobs SET status = ?, started_at = ? WHERE id = ?
	`, StatusInProgress, now.UnixMilli(), job.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &job, nil
}

// rawJob holds raw row data before JSON parsing, so the claim transaction
// can commit without holding the write lock through parsing.
type rawJob struct {
	id          data.UUID
	jobType     string
	status      Status
	payloadJSON string
	attempts    int
	maxAttempts int
	createdAtMs int64
}

// PollBatch claims up to limit queued jobs of the given type and marks
// them IN_PROGRESS atomically.
func (q *Queue) PollBatch(jobType string, limit int) ([]*Job, error) {
	now := time.Now()

	var rawJobs []rawJob
	err := data.RunTransaction(q.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE jobs SET status = ?, started_at = ?
			WHERE id IN (
				SELECT id FROM jobs
				WHERE status = ? AND type = ?
				ORDER BY created_at ASC
				LIMIT ?
			)
		`, StatusInProgress, now.UnixMilli(), StatusInQueue, jobType, limit)
		if err != nil {
			return err
		}

		rows, err := tx.Query(`
			SELECT id, type, status, payload, attempts, max_attempts, created_at
			FROM jobs
			WHERE status = ? AND type = ? AND started_at = ?
			ORDER BY created_at ASC
		`, StatusInProgress, jobType, now.UnixMilli())
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var rj rawJob
			if err := rows.Scan(&rj.id, &rj.jobType, &rj.status, &rj.payloadJSON, &rj.attempts, &rj.maxAttempts, &rj.createdAtMs); err != nil {
				return err
			}
			rawJobs = append(rawJobs, rj)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(rawJobs))
	for _, rj := range rawJobs {
		job := &Job{
			ID:          rj.id,
			Type:        rj.jobType,
			Status:      rj.status,
			Attempts:    rj.attempts,
			MaxAttempts: rj.maxAttempts,
			CreatedAt:   time.UnixMilli(rj.createdAtMs),
		}
		t := now
		job.StartedAt = &t

		if err := json.Unmarshal([]byte(rj.payloadJSON), &job.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// Complete marks a job COMPLETED with its result.
func (q *Queue) Complete(jobID data.UUID, result map[string]interface{}) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	_, err = data.ExecWithRetry(q.db, `
		UPDATE jobs SET status = ?, result = ?, completed_at = ? WHERE id = ?
	`, StatusCompleted, string(resultJSON), time.Now().UnixMilli(), jobID)

	return err
}

// Fail records a handler failure. The job returns to IN_QUEUE for another
// attempt unless attempts have reached max_attempts, in which case it is
// FAILED terminally.
func (q *Queue) Fail(jobID data.UUID, errMsg string) error {
	now := time.Now()

	_, err := data.ExecWithRetry(q.db, `
		UPDATE jobs SET
			status = CASE
				WHEN attempts + 1 >= max_attempts THEN ?
				ELSE ?
			END,
			error = ?,
			attempts = attempts + 1,
			started_at = CASE WHEN attempts + 1 >= max_attempts THEN started_at ELSE NULL END,
			completed_at = CASE WHEN attempts + 1 >= max_attempts THEN ? ELSE NULL END
		WHERE id = ?
	`, StatusFailed, StatusInQueue, errMsg, now.UnixMilli(), jobID)

	return err
}

// Cancel transitions a queued job to CANCELLED. Jobs already claimed by a
// worker or already terminal are left untouched; the return value reports
// whether the cancellation took effect.
func (q *Queue) Cancel(jobID data.UUID) (bool, error) {
	result, err := data.ExecWithRetry(q.db, `
		UPDATE jobs SET status = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, StatusCancelled, time.Now().UnixMilli(), jobID, StatusInQueue)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// PurgeQueued cancels every job still waiting in queue. Returns the number
// of jobs removed.
func (q *Queue) PurgeQueued() (int64, error) {
	result, err := data.ExecWithRetry(q.db, `
		UPDATE jobs SET status = ?, completed_at = ?
		WHERE status = ?
	`, StatusCancelled, time.Now().UnixMilli(), StatusInQueue)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// TimeOut marks a single in-progress job TIMED_OUT.
func (q *Queue) TimeOut(jobID data.UUID) error {
	_, err := data.ExecWithRetry(q.db, `
		UPDATE jobs SET status = ?, error = 'job exceeded execution timeout', completed_at = ?
		WHERE id = ? AND status = ?
	`, StatusTimedOut, time.Now().UnixMilli(), jobID, StatusInProgress)
	return err
}

// Release returns a claimed job to the queue without consuming an
// attempt. Used when a worker is interrupted by shutdown mid-job.
func (q *Queue) Release(jobID data.UUID) error {
	_, err := data.ExecWithRetry(q.db, `
		UPDATE jobs SET status = ?, started_at = NULL
		WHERE id = ? AND status = ?
	`, StatusInQueue, jobID, StatusInProgress)
	return err
}

// TimeOutStale marks IN_PROGRESS jobs older than timeout as TIMED_OUT.
// Covers workers that died mid-job; the sweep runs from the worker loop.
func (q *Queue) TimeOutStale(timeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-timeout).UnixMilli()
	result, err := data.ExecWithRetry(q.db, `
		UPDATE jobs SET status = ?, error = 'job exceeded execution timeout', completed_at = ?
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
	`, StatusTimedOut, time.Now().UnixMilli(), StatusInProgress, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Get fetches a job by ID. Returns sql.ErrNoRows when unknown.
func (q *Queue) Get(jobID data.UUID) (*Job, error) {
	row := q.db.QueryRow(`
		SELECT id, type, status, payload, result, error,
			attempts, max_attempts,
			created_at, started_at, completed_at
		FROM jobs WHERE id = ?
	`, jobID)

	var job Job
	var payloadJSON, resultJSON sql.NullString
	var createdAtMs int64
	var startedAtMs, completedAtMs sql.NullInt64

	err := row.Scan(
		&job.ID, &job.Type, &job.Status,
		&payloadJSON, &resultJSON, &job.Error,
		&job.Attempts, &job.MaxAttempts,
		&createdAtMs, &startedAtMs, &completedAtMs,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payloadJSON.String), &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &job.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}

	job.CreatedAt = time.UnixMilli(createdAtMs)

	if startedAtMs.Valid {
		t := time.UnixMilli(startedAtMs.Int64)
		job.StartedAt = &t
	}

	if completedAtMs.Valid {
		t := time.UnixMilli(completedAtMs.Int64)
		job.CompletedAt = &t
	}

	return &job, nil
}

// CountByStatus returns the number of jobs per status, for the health
// endpoint.
func (q *Queue) CountByStatus() (map[Status]int, error) {
	rows, err := data.QueryWithRetry(q.db, `
		SELECT status, COUNT(*) FROM jobs GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
