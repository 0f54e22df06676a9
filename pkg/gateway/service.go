package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/luckiday/dreamgaussian-api/pkg/artifacts"
	"github.com/luckiday/dreamgaussian-api/pkg/logging"
	"github.com/luckiday/dreamgaussian-api/pkg/models"
	"github.com/luckiday/dreamgaussian-api/pkg/store"
	"github.com/luckiday/dreamgaussian-api/pkg/variants"
)

const maxPromptRunes = 2000

// Submission outcomes reported to the observer
const (
	OutcomeAccepted        = "accepted"
	OutcomeExisting        = "existing"
	OutcomeInvalidPrompt   = "invalid_prompt"
	OutcomeInvalidModel    = "invalid_model"
	OutcomeInvalidSavePath = "invalid_save_path"
	OutcomeError           = "error"
)

// SubmitObserver is notified about every submission
type SubmitObserver interface {
	Submitted(variant, outcome string)
}

type nopObserver struct{}

func (nopObserver) Submitted(string, string) {}

// SubmitRequest is a generation request after decoding
type SubmitRequest struct {
	Prompt   string
	SavePath string
	Variant  string
}

// SubmitResult is either a new job id or the sentinel with the existing artifact
type SubmitResult struct {
	TaskID     string
	Existing   bool
	ObjectPath string
}

// StatusResult is the state of a task. Sentinel results carry no job.
type StatusResult struct {
	TaskID   string
	Sentinel bool
	Job      *models.Job
}

// Service validates requests, short-circuits existing artifacts and
// enqueues everything else
type Service struct {
	registry *variants.Registry
	resolver *artifacts.Resolver
	queue    store.Queue
	status   store.StatusStore
	logger   *logging.Logger
	observer SubmitObserver
	newID    func() string
}

// Option configures a Service
type Option func(*Service)

// WithObserver reports submission outcomes
func WithObserver(o SubmitObserver) Option {
	return func(s *Service) { s.observer = o }
}

// WithIDGenerator replaces the UUID v4 job id generator
func WithIDGenerator(f func() string) Option {
	return func(s *Service) { s.newID = f }
}

// NewService creates a gateway service
func NewService(registry *variants.Registry, resolver *artifacts.Resolver, queue store.Queue,
	status store.StatusStore, logger *logging.Logger, opts ...Option) *Service {
	s := &Service{
		registry: registry,
		resolver: resolver,
		queue:    queue,
		status:   status,
		logger:   logger.WithField("component", "gateway"),
		observer: nopObserver{},
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates req and either reports an existing artifact under the
// sentinel id or enqueues a new job. Validation order: prompt, variant, save path.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	variantID := req.Variant
	if variantID == "" {
		variantID = s.registry.Default()
	}

	if err := validatePrompt(req.Prompt); err != nil {
		s.observer.Submitted(s.variantLabel(variantID), OutcomeInvalidPrompt)
		return nil, err
	}

	v, err := s.registry.Resolve(variantID)
	if err != nil {
		s.observer.Submitted("unknown", OutcomeInvalidModel)
		return nil, &UnknownVariantError{Variant: variantID}
	}

	savePath, err := artifacts.SanitizeSavePath(req.SavePath)
	if err != nil {
		s.observer.Submitted(v.ID, OutcomeInvalidSavePath)
		return nil, &ValidationError{Field: "save_path", Message: "Invalid save_path"}
	}

	if existing, ok := s.resolver.Locate(v, savePath); ok {
		s.observer.Submitted(v.ID, OutcomeExisting)
		s.logger.Info("Artifact already exists", map[string]interface{}{
			"variant":     v.ID,
			"object_path": existing,
		})
		return &SubmitResult{TaskID: models.SentinelJobID, Existing: true, ObjectPath: existing}, nil
	}

	job := &models.Job{
		ID:       s.newID(),
		Prompt:   req.Prompt,
		SavePath: savePath,
		Variant:  v.ID,
		Status:   models.JobStatusPending,
	}
	if job.ID == models.SentinelJobID {
		s.observer.Submitted(v.ID, OutcomeError)
		return nil, fmt.Errorf("generated job id collides with sentinel")
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.observer.Submitted(v.ID, OutcomeError)
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.observer.Submitted(v.ID, OutcomeAccepted)
	s.logger.Info("Job accepted", map[string]interface{}{
		"job_id":    job.ID,
		"variant":   v.ID,
		"save_path": savePath,
	})
	return &SubmitResult{TaskID: job.ID}, nil
}

// variantLabel keeps metric labels bounded to registered variants
func (s *Service) variantLabel(id string) string {
	v, err := s.registry.Resolve(id)
	if err != nil {
		return "unknown"
	}
	return v.ID
}

func validatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return &ValidationError{Field: "prompt", Message: "Prompt is required"}
	}
	if utf8.RuneCountInString(prompt) > maxPromptRunes {
		return &ValidationError{Field: "prompt", Message: fmt.Sprintf("Prompt exceeds %d characters", maxPromptRunes)}
	}
	if !utf8.ValidString(prompt) || strings.ContainsRune(prompt, 0) {
		return &ValidationError{Field: "prompt", Message: "Prompt contains invalid characters"}
	}
	return nil
}

// Status reports the state of a task id
func (s *Service) Status(ctx context.Context, taskID string) (*StatusResult, error) {
	if taskID == models.SentinelJobID {
		return &StatusResult{TaskID: taskID, Sentinel: true}, nil
	}

	job, err := s.status.GetJob(ctx, taskID)
	if errors.Is(err, store.ErrJobNotFound) {
		return nil, &NotFoundError{TaskID: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &StatusResult{TaskID: taskID, Job: job}, nil
}

// Recent lists the newest jobs, optionally filtered by state
func (s *Service) Recent(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	if status != "" && !models.IsValidStatus(status) {
		return nil, &ValidationError{Field: "state", Message: fmt.Sprintf("Unknown state %s", status)}
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.status.ListJobs(ctx, store.ListFilter{Status: status, Limit: limit})
}

// Variants returns the configured variant ids
func (s *Service) Variants() []string {
	return s.registry.IDs()
}
