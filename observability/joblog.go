package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/extractkit/pekserve/idgen"
)

// Job lifecycle event names recorded in the job_events trail.
const (
	EventSubmitted = "submitted"
	EventClaimed   = "claimed"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventCancelled = "cancelled"
	EventTimedOut  = "timed_out"
)

// JobEvent is one entry in the job lifecycle trail.
type JobEvent struct {
	EventID    string
	JobID      string
	JobType    string
	Event      string
	Detail     string // error message or free-form JSON
	DurationMs int64
	CreatedAt  time.Time
}

// JobEventLogger persists job lifecycle events asynchronously.
type JobEventLogger struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *JobEvent
	stop  chan struct{}
	done  chan struct{}
}

// JobEventOption configures a JobEventLogger.
type JobEventOption func(*JobEventLogger)

// WithJobEventIDGenerator sets a custom ID generator for event IDs.
func WithJobEventIDGenerator(gen idgen.Generator) JobEventOption {
	return func(l *JobEventLogger) { l.newID = gen }
}

// NewJobEventLogger creates an async event logger. Recommended bufferSize: 1000.
func NewJobEventLogger(db *sql.DB, bufferSize int, opts ...JobEventOption) *JobEventLogger {
	l := &JobEventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
		ch:    make(chan *JobEvent, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// Log records an event asynchronously. Falls back to a synchronous insert
// when the buffer is full so the trail stays complete under load.
func (l *JobEventLogger) Log(jobID, jobType, event, detail string, duration time.Duration) {
	e := &JobEvent{
		EventID:    l.newID(),
		JobID:      jobID,
		JobType:    jobType,
		Event:      event,
		Detail:     detail,
		DurationMs: duration.Milliseconds(),
		CreatedAt:  time.Now(),
	}
	select {
	case l.ch <- e:
	default:
		slog.Warn("job event buffer full, sync fallback", "job_id", jobID, "event", event)
		if err := l.insert(context.Background(), e); err != nil {
			slog.Error("job event sync fallback failed", "error", err)
		}
	}
}

// History returns the lifecycle trail for a job, oldest first.
func (l *JobEventLogger) History(ctx context.Context, jobID string) ([]*JobEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, job_id, job_type, event, detail, duration_ms, created_at
		FROM job_events WHERE job_id = ? ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var events []*JobEvent
	for rows.Next() {
		var e JobEvent
		var detail sql.NullString
		var durationMs sql.NullInt64
		var ts int64
		if err := rows.Scan(&e.EventID, &e.JobID, &e.JobType, &e.Event, &detail, &durationMs, &ts); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		if durationMs.Valid {
			e.DurationMs = durationMs.Int64
		}
		e.CreatedAt = time.Unix(ts, 0)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Cleanup deletes events older than retentionDays.
func (l *JobEventLogger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	result, err := l.db.ExecContext(ctx, "DELETE FROM job_events WHERE created_at < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup job events: %w", err)
	}
	return result.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (l *JobEventLogger) Close() error {
	close(l.stop)
	<-l.done
	return nil
}

func (l *JobEventLogger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*JobEvent, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			slog.Error("job events: begin tx", "error", err)
			return
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO job_events
			(event_id, job_id, job_type, event, detail, duration_ms, created_at)
			VALUES (?,?,?,?,?,?,?)`)
		if err != nil {
			tx.Rollback()
			slog.Error("job events: prepare", "error", err)
			return
		}
		defer stmt.Close()

		for _, e := range batch {
			if _, err := stmt.ExecContext(ctx,
				e.EventID, e.JobID, e.JobType, e.Event, e.Detail, e.DurationMs, e.CreatedAt.Unix()); err != nil {
				slog.Error("job events: insert", "error", err, "event_id", e.EventID)
			}
		}
		if err := tx.Commit(); err != nil {
			slog.Error("job events: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			// drain channel
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (l *JobEventLogger) insert(ctx context.Context, e *JobEvent) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO job_events
		(event_id, job_id, job_type, event, detail, duration_ms, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		e.EventID, e.JobID, e.JobType, e.Event, e.Detail, e.DurationMs, e.CreatedAt.Unix())
	return err
}

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	HTTPLogsDays   int
	JobEventsDays  int
	HeartbeatsDays int
	MetricsDays    int
	RunVacuumAfter bool
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()

	type cleanupTarget struct {
		table  string
		column string
		days   int
	}
	targets := []cleanupTarget{
		{"http_request_logs", "created_at", cfg.HTTPLogsDays},
		{"job_events", "created_at", cfg.JobEventsDays},
		{"worker_heartbeats", "timestamp", cfg.HeartbeatsDays},
		{"metrics_timeseries", "timestamp", cfg.MetricsDays},
	}

	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now - int64(t.days*86400)
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("cleanup %s: %w", t.table, err)
		}
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
