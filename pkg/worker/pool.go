package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/luckiday/dreamgaussian-api/pkg/artifacts"
	"github.com/luckiday/dreamgaussian-api/pkg/executor"
	"github.com/luckiday/dreamgaussian-api/pkg/logging"
	"github.com/luckiday/dreamgaussian-api/pkg/models"
	"github.com/luckiday/dreamgaussian-api/pkg/store"
)

// JobExecutor runs the stages of a claimed job
type JobExecutor interface {
	Execute(ctx context.Context, job *models.Job, onStage func(stage int)) (*models.JobResult, error)
}

// JobObserver is notified about job execution, typically for metrics
type JobObserver interface {
	JobStarted(variant string)
	JobFinished(variant string, status models.JobStatus, d time.Duration)
	OrphansRecovered(n int)
}

type nopObserver struct{}

func (nopObserver) JobStarted(string)                                  {}
func (nopObserver) JobFinished(string, models.JobStatus, time.Duration) {}
func (nopObserver) OrphansRecovered(int)                                {}

// Config holds worker pool settings
type Config struct {
	ID                string // prefix for worker ids; defaults to the hostname
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	OrphanTimeout     time.Duration // 0 disables orphan recovery
	RecoveryInterval  time.Duration
}

// DefaultConfig returns defaults for a single-GPU host
func DefaultConfig() Config {
	return Config{
		Concurrency:       1,
		PollInterval:      time.Second,
		HeartbeatInterval: 15 * time.Second,
		OrphanTimeout:     2 * time.Minute,
		RecoveryInterval:  30 * time.Second,
	}
}

// Pool claims jobs from the queue and runs them to a terminal state
type Pool struct {
	store    store.Store
	exec     JobExecutor
	cfg      Config
	logger   *logging.Logger
	observer JobObserver
	mirror   artifacts.Mirror
	resolver *artifacts.Resolver
}

// Option configures a Pool
type Option func(*Pool)

// WithObserver reports job outcomes
func WithObserver(o JobObserver) Option {
	return func(p *Pool) { p.observer = o }
}

// WithMirror uploads each produced artifact after the job succeeds
func WithMirror(m artifacts.Mirror, r *artifacts.Resolver) Option {
	return func(p *Pool) {
		p.mirror = m
		p.resolver = r
	}
}

// NewPool creates a worker pool
func NewPool(st store.Store, exec JobExecutor, cfg Config, logger *logging.Logger, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.ID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		cfg.ID = host
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = def.RecoveryInterval
	}
	// a live worker must never look orphaned
	if cfg.OrphanTimeout > 0 && cfg.OrphanTimeout < 3*cfg.HeartbeatInterval {
		cfg.OrphanTimeout = 3 * cfg.HeartbeatInterval
	}

	p := &Pool{
		store:    st,
		exec:     exec,
		cfg:      cfg,
		logger:   logger.WithField("component", "worker"),
		observer: nopObserver{},
		mirror:   artifacts.NopMirror{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the worker loops and the orphan recovery loop and blocks until
// ctx is cancelled. Jobs still running at that point are interrupted and
// recorded as Failed.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", p.cfg.ID, i+1)
		g.Go(func() error {
			p.workerLoop(gctx, workerID)
			return nil
		})
	}
	if p.cfg.OrphanTimeout > 0 {
		g.Go(func() error {
			p.recoveryLoop(gctx)
			return nil
		})
	}

	p.logger.Info(fmt.Sprintf("Started %d workers", p.cfg.Concurrency), map[string]interface{}{
		"poll_interval":  p.cfg.PollInterval.String(),
		"orphan_timeout": p.cfg.OrphanTimeout.String(),
	})
	err := g.Wait()
	p.logger.Info("All workers stopped")
	return err
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	log := p.logger.WithField("worker_id", workerID)
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := p.RunOnce(ctx, workerID)
		if err != nil {
			log.Error("Error claiming job", map[string]interface{}{"error": err.Error()})
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// RunOnce claims at most one job and runs it to completion. It reports
// whether a job was processed.
func (p *Pool) RunOnce(ctx context.Context, workerID string) (bool, error) {
	job, err := p.store.Claim(ctx, workerID)
	if errors.Is(err, store.ErrNoPendingJobs) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p.process(ctx, workerID, job)
	return true, nil
}

func (p *Pool) process(ctx context.Context, workerID string, job *models.Job) {
	log := p.logger.WithField("worker_id", workerID).WithField("job_id", job.ID)
	log.Info("Processing job", map[string]interface{}{"variant": job.Variant, "save_path": job.SavePath})

	start := time.Now()
	p.observer.JobStarted(job.Variant)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, job.ID, log)

	result, execErr := p.exec.Execute(ctx, job, func(stage int) {
		if err := p.store.UpdateStage(ctx, job.ID, stage); err != nil {
			log.Warn("Failed to record stage", map[string]interface{}{"stage": stage, "error": err.Error()})
		}
	})
	stopHeartbeat()

	// the outcome is recorded even when shutdown cancelled ctx
	persistCtx := context.WithoutCancel(ctx)

	if execErr != nil {
		var failure *models.ExecutionFailure
		var ee *executor.ExecutionError
		if errors.As(execErr, &ee) {
			failure = ee.Failure()
		}
		if err := p.store.FailJob(persistCtx, job.ID, execErr.Error(), failure); err != nil {
			log.Error("Failed to record job failure", map[string]interface{}{"error": err.Error()})
		}
		p.observer.JobFinished(job.Variant, models.JobStatusFailed, time.Since(start))
		log.Warn("Job failed", map[string]interface{}{"error": execErr.Error()})
		return
	}

	if err := p.store.CompleteJob(persistCtx, job.ID, *result); err != nil {
		log.Error("Failed to record job completion", map[string]interface{}{"error": err.Error()})
	}
	p.observer.JobFinished(job.Variant, models.JobStatusSucceeded, time.Since(start))
	p.mirrorArtifact(persistCtx, result.ObjectPath, log)
}

func (p *Pool) mirrorArtifact(ctx context.Context, objectPath string, log *logging.Logger) {
	if p.resolver == nil {
		return
	}
	local := p.resolver.FullPath(objectPath)
	if _, err := os.Stat(local); err != nil {
		return
	}
	if err := p.mirror.Mirror(ctx, local, objectPath); err != nil {
		log.Warn("Artifact mirror failed", map[string]interface{}{
			"object_path": objectPath,
			"error":       err.Error(),
		})
		return
	}
	log.Debug("Artifact mirrored", map[string]interface{}{"object_path": objectPath})
}

func (p *Pool) heartbeat(ctx context.Context, jobID string, log *logging.Logger) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.Heartbeat(ctx, jobID); err != nil && ctx.Err() == nil {
				log.Warn("Heartbeat failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func (p *Pool) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		if _, err := p.RecoverOrphans(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("Orphan recovery failed", map[string]interface{}{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RecoverOrphans fails Running jobs whose worker stopped heartbeating.
// Jobs are never re-run.
func (p *Pool) RecoverOrphans(ctx context.Context) (int, error) {
	jobs, err := p.store.GetOrphanedJobs(ctx, p.cfg.OrphanTimeout)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range jobs {
		reason := fmt.Sprintf("worker lost: no heartbeat from %s for %v", job.WorkerID, p.cfg.OrphanTimeout)
		failure := &models.ExecutionFailure{Stage: job.Stage, ExitCode: -1}
		if err := p.store.FailJob(ctx, job.ID, reason, failure); err != nil {
			// another recoverer or the worker itself got there first
			if errors.Is(err, store.ErrInvalidTransition) {
				continue
			}
			return recovered, err
		}
		recovered++
		p.logger.Warn("Recovered orphaned job", map[string]interface{}{
			"job_id":    job.ID,
			"worker_id": job.WorkerID,
		})
	}
	if recovered > 0 {
		p.observer.OrphansRecovered(recovered)
	}
	return recovered, nil
}
