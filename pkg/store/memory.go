package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luckiday/dreamgaussian-api/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store. Jobs do not
// survive a restart; use it for tests and single-process development.
type MemoryStore struct {
	jobs     map[string]*models.Job
	jobQueue []string // FIFO queue of pending job IDs
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*models.Job),
		jobQueue: make([]string, 0),
	}
}

// Enqueue stores a new Pending job
func (s *MemoryStore) Enqueue(_ context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("%w: enqueue in state %s", ErrInvalidTransition, job.Status)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}
	s.jobs[job.ID] = job.Clone()
	s.jobQueue = append(s.jobQueue, job.ID)
	return nil
}

// Claim moves the oldest Pending job to Running and returns it
func (s *MemoryStore) Claim(_ context.Context, workerID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.jobQueue) > 0 {
		id := s.jobQueue[0]
		s.jobQueue = s.jobQueue[1:]

		job, ok := s.jobs[id]
		if !ok || job.Status != models.JobStatusPending {
			continue
		}

		now := time.Now().UTC()
		job.Status = models.JobStatusRunning
		job.Stage = 1
		job.WorkerID = workerID
		job.StartedAt = &now
		job.HeartbeatAt = &now
		job.StateTransitions = append(job.StateTransitions, models.StateTransition{
			From:      models.JobStatusPending,
			To:        models.JobStatusRunning,
			Timestamp: now,
			Reason:    "claimed by " + workerID,
		})
		return job.Clone(), nil
	}
	return nil, ErrNoPendingJobs
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListJobs returns jobs newest first
func (s *MemoryStore) ListJobs(_ context.Context, filter ListFilter) ([]*models.Job, error) {
	s.mu.RLock()
	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// CountByStatus returns the number of jobs in each state
func (s *MemoryStore) CountByStatus(_ context.Context) (map[models.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.JobStatus]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) runningJob(id string) (*models.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status != models.JobStatusRunning {
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, job.Status)
	}
	return job, nil
}

// UpdateStage records the stage a Running job has entered
func (s *MemoryStore) UpdateStage(_ context.Context, id string, stage int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.runningJob(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.Stage = stage
	job.HeartbeatAt = &now
	return nil
}

// Heartbeat refreshes the liveness timestamp of a Running job
func (s *MemoryStore) Heartbeat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.runningJob(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.HeartbeatAt = &now
	return nil
}

// CompleteJob moves a Running job to Succeeded
func (s *MemoryStore) CompleteJob(_ context.Context, id string, result models.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.transition(id, models.JobStatusSucceeded, "completed")
	if err != nil {
		return err
	}
	job.Result = &result
	return nil
}

// FailJob moves a Running job to Failed
func (s *MemoryStore) FailJob(_ context.Context, id, reason string, failure *models.ExecutionFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.transition(id, models.JobStatusFailed, reason)
	if err != nil {
		return err
	}
	job.Error = reason
	if failure != nil {
		f := *failure
		job.Failure = &f
	}
	return nil
}

func (s *MemoryStore) transition(id string, to models.JobStatus, reason string) (*models.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if err := models.ValidateTransition(job.Status, to); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	now := time.Now().UTC()
	job.StateTransitions = append(job.StateTransitions, models.StateTransition{
		From:      job.Status,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	job.Status = to
	job.CompletedAt = &now
	return job, nil
}

// GetOrphanedJobs returns Running jobs with a stale heartbeat
func (s *MemoryStore) GetOrphanedJobs(_ context.Context, timeout time.Duration) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-timeout)
	var jobs []*models.Job
	for _, job := range s.jobs {
		if job.Status != models.JobStatusRunning {
			continue
		}
		if job.HeartbeatAt == nil || job.HeartbeatAt.Before(cutoff) {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// DeleteTerminalJobsBefore removes finished jobs older than cutoff
func (s *MemoryStore) DeleteTerminalJobsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, job := range s.jobs {
		if models.IsTerminalState(job.Status) && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// HealthCheck always succeeds
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Vacuum is a no-op
func (s *MemoryStore) Vacuum(context.Context) error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
