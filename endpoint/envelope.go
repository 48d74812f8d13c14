package endpoint

import (
	"encoding/json"

	"github.com/extractkit/pekserve/core/jobs"
	"github.com/extractkit/pekserve/extract"
)

// RunRequest is the job submission envelope: a single "input" object.
type RunRequest struct {
	Input *extract.Request `json:"input"`
}

// RunResponse acknowledges an async submission.
type RunResponse struct {
	ID     string      `json:"id"`
	Status jobs.Status `json:"status"`
}

// JobState is the status/result envelope returned for a job.
type JobState struct {
	ID            string                 `json:"id"`
	Status        jobs.Status            `json:"status"`
	DelayTime     int64                  `json:"delayTime,omitempty"`     // ms spent in queue
	ExecutionTime int64                  `json:"executionTime,omitempty"` // ms spent executing
	Output        map[string]interface{} `json:"output,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// HealthResponse reports worker and job counters.
type HealthResponse struct {
	Workers WorkerCounts   `json:"workers"`
	Jobs    map[string]int `json:"jobs"`
}

// WorkerCounts splits configured worker slots into running and idle.
type WorkerCounts struct {
	Idle    int `json:"idle"`
	Running int `json:"running"`
}

// stateFromJob converts a queue job into the response envelope.
func stateFromJob(job *jobs.Job) JobState {
	state := JobState{
		ID:     job.ID.String(),
		Status: job.Status,
	}

	if d := job.DelayTime(); d > 0 {
		state.DelayTime = d.Milliseconds()
	}
	if d := job.ExecutionTime(); d > 0 {
		state.ExecutionTime = d.Milliseconds()
	}

	switch job.Status {
	case jobs.StatusCompleted:
		state.Output = job.Result
	case jobs.StatusFailed, jobs.StatusTimedOut:
		state.Error = job.Error
		// Mirror the handler contract: failures surface as an output
		// object carrying an "error" key.
		state.Output = map[string]interface{}{"error": job.Error}
	}

	return state
}

// decodeRunRequest parses and validates a submission body.
func decodeRunRequest(body []byte) (*RunRequest, error) {
	var req RunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	if req.Input == nil {
		return nil, extract.ErrNoSource
	}
	if err := req.Input.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}
