package api

import (
	"fmt"

	"github.com/luckiday/dreamgaussian-api/pkg/models"
)

// Response texts returned to clients
const (
	MessageAlreadyExists = "3D object already exists"
	MessageFailed        = "Failed to generate 3D object"
	StatusPendingText    = "Pending..."
)

// GenerateRequest is the body of POST /generate-3d-object
type GenerateRequest = models.JobRequest

// SubmitResponse is returned by POST /generate-3d-object. Message and
// ObjectPath are set only for the sentinel task id.
type SubmitResponse struct {
	TaskID     string `json:"task_id"`
	Message    string `json:"message,omitempty"`
	ObjectPath string `json:"object_path,omitempty"`
}

// ErrorResponse is the body of every 4xx/5xx JSON response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
}

// TaskResult is the payload of a Running or Succeeded task
type TaskResult struct {
	Message    string `json:"message,omitempty"`
	ObjectPath string `json:"object_path,omitempty"`
	Stage      int    `json:"stage,omitempty"`
}

// TaskError describes why a task Failed
type TaskError struct {
	Message  string `json:"message"`
	Details  string `json:"details"`
	Stage    int    `json:"stage,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// TaskStatusResponse is returned by GET /task-status/{task_id}
type TaskStatusResponse struct {
	TaskID  string      `json:"task_id,omitempty"`
	Message string      `json:"message,omitempty"`
	State   string      `json:"state,omitempty"`
	Status  string      `json:"status,omitempty"`
	Result  *TaskResult `json:"result,omitempty"`
	Error   *TaskError  `json:"error,omitempty"`
}

// TasksResponse is returned by GET /tasks
type TasksResponse struct {
	Jobs  []*models.Job `json:"jobs"`
	Count int           `json:"count"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status   string      `json:"status"`
	Store    string      `json:"store"`
	Variants []string    `json:"variants"`
	Host     *HostStatus `json:"host,omitempty"`
}

// HostStatus is a point-in-time sample of the machine running the stages
type HostStatus struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryFree    uint64  `json:"memory_available_bytes"`
}

func sentinelStatus() TaskStatusResponse {
	return TaskStatusResponse{TaskID: models.SentinelJobID, Message: MessageAlreadyExists}
}

func toTaskStatusResponse(job *models.Job) TaskStatusResponse {
	resp := TaskStatusResponse{
		TaskID: job.ID,
		State:  string(job.Status),
	}

	switch job.Status {
	case models.JobStatusPending:
		resp.Status = StatusPendingText
	case models.JobStatusRunning:
		stage := job.Stage
		if stage == 0 {
			stage = 1
		}
		resp.Status = fmt.Sprintf("Running stage %d of 2", stage)
		resp.Result = &TaskResult{Stage: stage}
	case models.JobStatusSucceeded:
		if job.Result != nil {
			resp.Status = job.Result.Message
			resp.Result = &TaskResult{Message: job.Result.Message, ObjectPath: job.Result.ObjectPath}
		}
	case models.JobStatusFailed:
		resp.Status = job.Error
		resp.Error = &TaskError{Message: MessageFailed, Details: job.Error}
		if f := job.Failure; f != nil {
			code := f.ExitCode
			resp.Error.Stage = f.Stage
			resp.Error.ExitCode = &code
			resp.Error.TimedOut = f.TimedOut
		}
	}
	return resp
}
