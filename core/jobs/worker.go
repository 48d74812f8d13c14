package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// JobHandler processes one job payload and returns its result.
type JobHandler func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)

// ObserveFunc receives job lifecycle notifications ("claimed",
// "completed", "failed", "timed_out", "released"). Implementations must
// not block.
type ObserveFunc func(jobID, jobType, event, detail string, duration time.Duration)

// Worker polls the queue and dispatches jobs to registered handlers.
type Worker struct {
	queue       *Queue
	logger      *slog.Logger
	handlers    map[string]JobHandler
	concurrency map[string]int // max parallel jobs per type

	pollInterval time.Duration
	jobTimeout   time.Duration
	running      atomic.Int64 // jobs currently executing
	observe      ObserveFunc
}

// NewWorker creates a worker on db with its own queue.
func NewWorker(db *sql.DB, maxAttempts int, jobTimeout time.Duration, logger *slog.Logger) (*Worker, error) {
	queue, err := NewQueue(db, maxAttempts)
	if err != nil {
		return nil, err
	}
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}

	return &Worker{
		queue:        queue,
		logger:       logger,
		handlers:     make(map[string]JobHandler),
		concurrency:  make(map[string]int),
		pollInterval: 1 * time.Second,
		jobTimeout:   jobTimeout,
	}, nil
}

// Queue returns the worker's queue, shared with the HTTP layer.
func (w *Worker) Queue() *Queue {
	return w.queue
}

// Running returns the number of jobs currently executing.
func (w *Worker) Running() int {
	return int(w.running.Load())
}

// SetObserver installs a lifecycle observer. Call before Start.
func (w *Worker) SetObserver(fn ObserveFunc) {
	w.observe = fn
}

func (w *Worker) notify(job *Job, event, detail string, duration time.Duration) {
	if w.observe != nil {
		w.observe(job.ID.String(), job.Type, event, detail, duration)
	}
}

// RegisterHandler registers a handler for a job type.
func (w *Worker) RegisterHandler(jobType string, handler JobHandler) {
	w.handlers[jobType] = handler
	w.logger.Info("Job handler registered", "type", jobType)
}

// SetConcurrency sets the parallelism for a job type. Default is 1.
func (w *Worker) SetConcurrency(jobType string, n int) {
	if n < 1 {
		n = 1
	}
	w.concurrency[jobType] = n
	w.logger.Info("Job concurrency configured", "type", jobType, "concurrency", n)
}

func (w *Worker) getConcurrency(jobType string) int {
	if n, ok := w.concurrency[jobType]; ok {
		return n
	}
	return 1
}

// Start runs the processing loop until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Job worker starting", "timeout", w.jobTimeout)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	sweepTicker := time.NewTicker(30 * time.Second)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Job worker stopping")
			return ctx.Err()

		case <-sweepTicker.C:
			// Jobs abandoned by a dead worker process; the timeout is
			// padded so the in-process watchdog fires first.
			timedOut, err := w.queue.TimeOutStale(w.jobTimeout + 30*time.Second)
			if err != nil {
				w.logger.Error("Failed to sweep stale jobs", "error", err)
			} else if timedOut > 0 {
				w.logger.Warn("Timed out stale jobs", "count", timedOut)
			}

		case <-ticker.C:
			for jobType := range w.handlers {
				concurrency := w.getConcurrency(jobType)
				if concurrency > 1 {
					if err := w.processJobsBatch(ctx, jobType, concurrency); err != nil {
						w.logger.Error("Failed to process batch", "type", jobType, "error", err)
					}
				} else {
					if err := w.processNextJob(ctx, jobType); err != nil {
						if err != sql.ErrNoRows {
							w.logger.Error("Failed to process job", "type", jobType, "error", err)
						}
					}
				}
			}
		}
	}
}

// processJobsBatch runs a claimed batch in parallel behind a semaphore.
func (w *Worker) processJobsBatch(ctx context.Context, jobType string, limit int) error {
	jobs, err := w.queue.PollBatch(jobType, limit)
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		return nil
	}

	w.logger.Info("Processing batch",
		"type", jobType,
		"count", len(jobs),
		"concurrency", limit)

	handler, ok := w.handlers[jobType]
	if !ok {
		return fmt.Errorf("no handler registered for job type: %s", jobType)
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}

		go func(j *Job) {
			defer wg.Done()
			defer func() { <-sem }()
			w.runJob(ctx, handler, j)
		}(job)
	}

	wg.Wait()
	return nil
}

// processNextJob handles the next queued job for a type sequentially.
func (w *Worker) processNextJob(ctx context.Context, jobType string) error {
	job, err := w.queue.Poll(jobType)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	handler, ok := w.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for job type: %s", job.Type)
	}

	w.runJob(ctx, handler, job)
	return nil
}

// runJob executes one job under the execution timeout and records the
// terminal state.
func (w *Worker) runJob(ctx context.Context, handler JobHandler, job *Job) {
	w.logger.Info("Processing job", "id", job.ID.String(), "type", job.Type, "attempt", job.Attempts+1)

	w.running.Add(1)
	defer w.running.Add(-1)

	w.notify(job, "claimed", "", 0)
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	result, err := handler(jobCtx, job.Payload)
	elapsed := time.Since(start)
	if err != nil {
		if jobCtx.Err() == context.DeadlineExceeded {
			w.logger.Error("Job timed out",
				"id", job.ID.String(),
				"type", job.Type,
				"timeout", w.jobTimeout)
			if toErr := w.queue.TimeOut(job.ID); toErr != nil {
				w.logger.Error("Failed to mark job timed out", "id", job.ID.String(), "error", toErr)
			}
			w.notify(job, "timed_out", err.Error(), elapsed)
			return
		}

		if ctx.Err() != nil {
			// Worker shutdown, not a handler fault. Put the job back
			// without consuming an attempt.
			w.logger.Warn("Job interrupted by shutdown",
				"id", job.ID.String(),
				"type", job.Type)
			if relErr := w.queue.Release(job.ID); relErr != nil {
				w.logger.Error("Failed to release job", "id", job.ID.String(), "error", relErr)
			}
			w.notify(job, "released", err.Error(), elapsed)
			return
		}

		w.logger.Error("Job handler failed",
			"id", job.ID.String(),
			"type", job.Type,
			"attempt", job.Attempts+1,
			"error", err)

		if failErr := w.queue.Fail(job.ID, err.Error()); failErr != nil {
			w.logger.Error("Failed to mark job as failed", "id", job.ID.String(), "error", failErr)
		}
		w.notify(job, "failed", err.Error(), elapsed)
		return
	}

	if err := w.queue.Complete(job.ID, result); err != nil {
		w.logger.Error("Failed to complete job", "id", job.ID.String(), "error", err)
		return
	}

	w.logger.Info("Job completed", "id", job.ID.String(), "duration", elapsed)
	w.notify(job, "completed", "", elapsed)
}
