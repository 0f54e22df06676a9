package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/luckiday/dreamgaussian-api/pkg/artifacts"
	"github.com/luckiday/dreamgaussian-api/pkg/logging"
	"github.com/luckiday/dreamgaussian-api/pkg/models"
	"github.com/luckiday/dreamgaussian-api/pkg/tracing"
	"github.com/luckiday/dreamgaussian-api/pkg/variants"
)

// SuccessMessage is reported in the result of every succeeded job
const SuccessMessage = "3D object generated successfully"

// DefaultStageTimeout bounds one stage when no timeout is configured
const DefaultStageTimeout = 2 * time.Hour

// ExecutionError describes a failed stage
type ExecutionError struct {
	Stage       int
	ExitCode    int
	TimedOut    bool
	Interrupted bool
	Timeout     time.Duration
	Output      string
	Err         error
}

func (e *ExecutionError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("stage %d timed out after %v", e.Stage, e.Timeout)
	case e.Interrupted:
		return fmt.Sprintf("stage %d interrupted: %v", e.Stage, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("stage %d failed: %v", e.Stage, e.Err)
	default:
		return fmt.Sprintf("stage %d exited with code %d", e.Stage, e.ExitCode)
	}
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Failure converts the error into the form stored on a job
func (e *ExecutionError) Failure() *models.ExecutionFailure {
	return &models.ExecutionFailure{
		Stage:    e.Stage,
		ExitCode: e.ExitCode,
		TimedOut: e.TimedOut,
		Output:   e.Output,
	}
}

// StageObserver is notified when a stage finishes
type StageObserver interface {
	ObserveStage(variant string, stage int, outcome string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveStage(string, int, string, time.Duration) {}

// Config controls stage execution
type Config struct {
	StageTimeout time.Duration
	WorkDir      string
	Env          []string
}

// Executor runs the two generation stages of a job
type Executor struct {
	registry *variants.Registry
	resolver *artifacts.Resolver
	runner   Runner
	cfg      Config
	tracer   *tracing.Provider
	observer StageObserver
	logger   *logging.Logger
}

// Option configures an Executor
type Option func(*Executor)

// WithTracer records a span per job and per stage
func WithTracer(p *tracing.Provider) Option {
	return func(e *Executor) { e.tracer = p }
}

// WithObserver reports stage outcomes, typically to metrics
func WithObserver(o StageObserver) Option {
	return func(e *Executor) { e.observer = o }
}

// New creates an executor
func New(registry *variants.Registry, resolver *artifacts.Resolver, runner Runner, cfg Config, logger *logging.Logger, opts ...Option) *Executor {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = resolver.Root()
	}
	e := &Executor{
		registry: registry,
		resolver: resolver,
		runner:   runner,
		cfg:      cfg,
		tracer:   tracing.Noop(),
		observer: nopObserver{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs stage 1 then stage 2 for job. Stage 2 never starts if stage 1
// fails. onStage, if non-nil, is called before each stage begins. A failed
// stage is reported as *ExecutionError.
func (e *Executor) Execute(ctx context.Context, job *models.Job, onStage func(stage int)) (*models.JobResult, error) {
	v, err := e.registry.Resolve(job.Variant)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.StartSpan(ctx, "job.execute",
		attribute.String("job.id", job.ID),
		attribute.String("job.variant", v.ID),
		attribute.String("job.save_path", job.SavePath),
	)
	defer span.End()

	log := e.logger.WithField("job_id", job.ID)
	log.Info("Generating 3D object", map[string]interface{}{
		"prompt":  job.Prompt,
		"variant": v.ID,
	})

	for stage := 1; stage <= 2; stage++ {
		if onStage != nil {
			onStage(stage)
		}
		if err := e.runStage(ctx, v, job, stage, log); err != nil {
			tracing.SetError(ctx, err)
			return nil, err
		}
	}

	objectPath, ok := e.resolver.Locate(v, job.SavePath)
	if !ok {
		objectPath = e.resolver.ExpectedPaths(v, job.SavePath)[0]
		log.Warn("Stages succeeded but no artifact was found", map[string]interface{}{
			"expected": objectPath,
		})
	}
	log.Info("Job succeeded", map[string]interface{}{"object_path": objectPath})

	return &models.JobResult{Message: SuccessMessage, ObjectPath: objectPath}, nil
}

func (e *Executor) runStage(ctx context.Context, v variants.VariantConfig, job *models.Job, stage int, log *logging.Logger) error {
	args, err := v.StageArgs(stage, job.Prompt, job.SavePath)
	if err != nil {
		return &ExecutionError{Stage: stage, ExitCode: -1, Err: err}
	}

	ctx, span := e.tracer.StartSpan(ctx, fmt.Sprintf("job.stage%d", stage),
		attribute.Int("stage", stage),
		attribute.String("program", args[0]),
	)
	defer span.End()

	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	defer cancel()

	log.Info("Starting stage", map[string]interface{}{"stage": stage, "program": args[0]})
	res, runErr := e.runner.Run(stageCtx, Command{
		Name: fmt.Sprintf("%s-stage%d", job.ID, stage),
		Args: args,
		Dir:  e.cfg.WorkDir,
		Env:  e.cfg.Env,
	})

	var execErr *ExecutionError
	outcome := "success"
	switch {
	case runErr != nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		outcome = "timeout"
		execErr = &ExecutionError{Stage: stage, ExitCode: -1, TimedOut: true, Timeout: e.cfg.StageTimeout,
			Output: res.Output, Err: runErr}
	case runErr != nil && ctx.Err() != nil:
		outcome = "interrupted"
		execErr = &ExecutionError{Stage: stage, ExitCode: -1, Interrupted: true, Output: res.Output, Err: ctx.Err()}
	case runErr != nil:
		outcome = "error"
		execErr = &ExecutionError{Stage: stage, ExitCode: -1, Output: res.Output, Err: runErr}
	case res.ExitCode != 0:
		outcome = "failure"
		execErr = &ExecutionError{Stage: stage, ExitCode: res.ExitCode, Output: res.Output}
	}

	e.observer.ObserveStage(v.ID, stage, outcome, res.Duration)
	span.SetAttributes(attribute.String("outcome", outcome), attribute.Int("exit_code", res.ExitCode))

	if execErr != nil {
		tracing.SetError(ctx, execErr)
		log.Error("Stage failed", map[string]interface{}{
			"stage":  stage,
			"error":  execErr.Error(),
			"output": res.Output,
		})
		return execErr
	}
	log.Info("Stage finished", map[string]interface{}{"stage": stage, "duration": res.Duration.String()})
	return nil
}
