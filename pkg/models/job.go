package models

import (
	"time"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "Pending"
	JobStatusRunning   JobStatus = "Running"
	JobStatusSucceeded JobStatus = "Succeeded"
	JobStatusFailed    JobStatus = "Failed"
)

// SentinelJobID is returned instead of a real job id when the requested
// artifact is already on disk. It never names a stored job.
const SentinelJobID = "0000"

// Job is one generation request moving through the two external stages
type Job struct {
	ID               string            `json:"id"`
	Prompt           string            `json:"prompt"`
	SavePath         string            `json:"save_path"`
	Variant          string            `json:"variant"`
	Status           JobStatus         `json:"status"`
	Stage            int               `json:"stage,omitempty"` // 1 or 2 while Running
	Result           *JobResult        `json:"result,omitempty"`
	Error            string            `json:"error,omitempty"`
	Failure          *ExecutionFailure `json:"failure,omitempty"`
	WorkerID         string            `json:"worker_id,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	HeartbeatAt      *time.Time        `json:"heartbeat_at,omitempty"`
	StateTransitions []StateTransition `json:"state_transitions,omitempty"`
}

// JobRequest is the body of a generation request
type JobRequest struct {
	Prompt   string `json:"prompt"`
	Model    string `json:"model,omitempty"`
	SavePath string `json:"save_path,omitempty"`
}

// JobResult is the payload of a succeeded job
type JobResult struct {
	Message    string `json:"message"`
	ObjectPath string `json:"object_path"`
}

// ExecutionFailure records which stage failed and how
type ExecutionFailure struct {
	Stage    int    `json:"stage"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Output   string `json:"output,omitempty"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Clone returns a copy that does not share mutable state with j
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.Failure != nil {
		f := *j.Failure
		c.Failure = &f
	}
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.HeartbeatAt = cloneTime(j.HeartbeatAt)
	if j.StateTransitions != nil {
		c.StateTransitions = append([]StateTransition(nil), j.StateTransitions...)
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
