package store

import (
	"context"
	"errors"
	"time"

	"github.com/luckiday/dreamgaussian-api/pkg/models"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrNoPendingJobs       = errors.New("no pending jobs")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrDuplicateJob        = errors.New("job already exists")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// Queue carries jobs from submission to execution. A claimed job is moved
// from Pending to Running atomically so no two workers run the same job.
type Queue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	Claim(ctx context.Context, workerID string) (*models.Job, error)
}

// StatusStore holds job state and results
type StatusStore interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]*models.Job, error)
	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)

	// Worker-side updates. Only Running jobs accept them.
	UpdateStage(ctx context.Context, id string, stage int) error
	Heartbeat(ctx context.Context, id string) error
	CompleteJob(ctx context.Context, id string, result models.JobResult) error
	FailJob(ctx context.Context, id, reason string, failure *models.ExecutionFailure) error

	// GetOrphanedJobs returns Running jobs whose last heartbeat is older than timeout
	GetOrphanedJobs(ctx context.Context, timeout time.Duration) ([]*models.Job, error)
	// DeleteTerminalJobsBefore removes Succeeded and Failed jobs completed before cutoff
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the durable broker shared by the gateway and the workers
type Store interface {
	Queue
	StatusStore

	HealthCheck(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}

// ListFilter narrows ListJobs. Zero values mean no filter.
type ListFilter struct {
	Status models.JobStatus
	Limit  int
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite", "postgres" or "pgx"
	DSN  string // Connection string, or file path for sqlite

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config, DriverPQ)
	case "pgx":
		return NewPostgreSQLStore(config, DriverPGX)
	case "sqlite", "":
		path := config.DSN
		if path == "" {
			path = "dreamgen.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}
