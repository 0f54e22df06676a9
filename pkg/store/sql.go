package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/luckiday/dreamgaussian-api/pkg/models"
)

const jobColumns = `id, prompt, save_path, variant, status, stage, result, error, failure,
	worker_id, created_at, started_at, completed_at, heartbeat_at, state_transitions`

// dialect captures the differences between the SQL backends
type dialect struct {
	numbered     bool   // $1 placeholders instead of ?
	claimLock    string // appended to the claim SELECT
	serialWrites bool   // serialize writers in-process
	vacuum       string
}

// sqlStore implements Store on database/sql for any dialect
type sqlStore struct {
	db *sql.DB
	d  dialect
	mu sync.Mutex
}

func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (s *sqlStore) lockWrites() func() {
	if !s.d.serialWrites {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var status string
	var result, failure, transitions sql.NullString
	var startedAt, completedAt, heartbeatAt sql.NullTime

	err := row.Scan(&job.ID, &job.Prompt, &job.SavePath, &job.Variant, &status, &job.Stage,
		&result, &job.Error, &failure, &job.WorkerID, &job.CreatedAt, &startedAt,
		&completedAt, &heartbeatAt, &transitions)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)

	if result.Valid && result.String != "" {
		job.Result = &models.JobResult{}
		if err := json.Unmarshal([]byte(result.String), job.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	if failure.Valid && failure.String != "" {
		job.Failure = &models.ExecutionFailure{}
		if err := json.Unmarshal([]byte(failure.String), job.Failure); err != nil {
			return nil, fmt.Errorf("failed to unmarshal failure: %w", err)
		}
	}
	if transitions.Valid && transitions.String != "" && transitions.String != "null" {
		if err := json.Unmarshal([]byte(transitions.String), &job.StateTransitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state_transitions: %w", err)
		}
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if heartbeatAt.Valid {
		job.HeartbeatAt = &heartbeatAt.Time
	}
	return &job, nil
}

func nullJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// Enqueue stores a new Pending job
func (s *sqlStore) Enqueue(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("%w: enqueue in state %s", ErrInvalidTransition, job.Status)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	unlock := s.lockWrites()
	defer unlock()

	var exists int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM jobs WHERE id = ?`), job.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if exists > 0 {
		return ErrDuplicateJob
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO jobs (id, prompt, save_path, variant, status, stage, error, worker_id, created_at)
		VALUES (?, ?, ?, ?, ?, 0, '', '', ?)
	`), job.ID, job.Prompt, job.SavePath, job.Variant, string(job.Status), job.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Claim moves the oldest Pending job to Running and returns it
func (s *sqlStore) Claim(ctx context.Context, workerID string) (*models.Job, error) {
	unlock := s.lockWrites()
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, s.q(`
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1 `+s.d.claimLock),
		string(models.JobStatusPending)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPendingJobs
	}
	if err != nil {
		return nil, fmt.Errorf("select pending job: %w", err)
	}

	now := time.Now().UTC()
	job.StateTransitions = append(job.StateTransitions, models.StateTransition{
		From:      models.JobStatusPending,
		To:        models.JobStatusRunning,
		Timestamp: now,
		Reason:    "claimed by " + workerID,
	})
	transitions, err := nullJSON(job.StateTransitions)
	if err != nil {
		return nil, fmt.Errorf("marshal transitions: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE jobs
		SET status = ?, stage = 1, worker_id = ?, started_at = ?, heartbeat_at = ?, state_transitions = ?
		WHERE id = ? AND status = ?
	`), string(models.JobStatusRunning), workerID, now, now, transitions, job.ID,
		string(models.JobStatusPending))
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNoPendingJobs
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	job.Status = models.JobStatusRunning
	job.Stage = 1
	job.WorkerID = workerID
	job.StartedAt = &now
	job.HeartbeatAt = &now
	return job, nil
}

// GetJob retrieves a job by ID
func (s *sqlStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first
func (s *sqlStore) ListJobs(ctx context.Context, filter ListFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByStatus returns the number of jobs in each state
func (s *sqlStore) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// UpdateStage records the stage a Running job has entered
func (s *sqlStore) UpdateStage(ctx context.Context, id string, stage int) error {
	return s.updateRunning(ctx, id, `stage = ?, heartbeat_at = ?`, stage, time.Now().UTC())
}

// Heartbeat refreshes the liveness timestamp of a Running job
func (s *sqlStore) Heartbeat(ctx context.Context, id string) error {
	return s.updateRunning(ctx, id, `heartbeat_at = ?`, time.Now().UTC())
}

func (s *sqlStore) updateRunning(ctx context.Context, id, set string, args ...any) error {
	unlock := s.lockWrites()
	defer unlock()

	args = append(args, id, string(models.JobStatusRunning))
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET `+set+` WHERE id = ? AND status = ?`), args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrNotRunning(ctx, id)
	}
	return nil
}

func (s *sqlStore) missingOrNotRunning(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT status FROM jobs WHERE id = ?`), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, status)
}

// CompleteJob moves a Running job to Succeeded
func (s *sqlStore) CompleteJob(ctx context.Context, id string, result models.JobResult) error {
	return s.finish(ctx, id, models.JobStatusSucceeded, "completed", &result, "", nil)
}

// FailJob moves a Running job to Failed
func (s *sqlStore) FailJob(ctx context.Context, id, reason string, failure *models.ExecutionFailure) error {
	return s.finish(ctx, id, models.JobStatusFailed, reason, nil, reason, failure)
}

func (s *sqlStore) finish(ctx context.Context, id string, to models.JobStatus, reason string,
	result *models.JobResult, errMsg string, failure *models.ExecutionFailure) error {
	unlock := s.lockWrites()
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	lock := ""
	if s.d.numbered {
		lock = " FOR UPDATE"
	}
	var current string
	var transitionsJSON sql.NullString
	err = tx.QueryRowContext(ctx, s.q(`SELECT status, state_transitions FROM jobs WHERE id = ?`+lock), id).
		Scan(&current, &transitionsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("get job state: %w", err)
	}

	from := models.JobStatus(current)
	if err := models.ValidateTransition(from, to); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}

	var transitions []models.StateTransition
	if transitionsJSON.Valid && transitionsJSON.String != "" && transitionsJSON.String != "null" {
		if err := json.Unmarshal([]byte(transitionsJSON.String), &transitions); err != nil {
			transitions = nil
		}
	}
	now := time.Now().UTC()
	transitions = append(transitions, models.StateTransition{From: from, To: to, Timestamp: now, Reason: reason})

	transitionsNull, err := nullJSON(transitions)
	if err != nil {
		return fmt.Errorf("marshal transitions: %w", err)
	}
	var resultNull, failureNull sql.NullString
	if result != nil {
		if resultNull, err = nullJSON(result); err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}
	if failure != nil {
		if failureNull, err = nullJSON(failure); err != nil {
			return fmt.Errorf("marshal failure: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, s.q(`
		UPDATE jobs
		SET status = ?, result = ?, error = ?, failure = ?, completed_at = ?, state_transitions = ?
		WHERE id = ?
	`), string(to), resultNull, errMsg, failureNull, now, transitionsNull, id)
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetOrphanedJobs returns Running jobs with a stale heartbeat
func (s *sqlStore) GetOrphanedJobs(ctx context.Context, timeout time.Duration) ([]*models.Job, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)
		ORDER BY created_at ASC
	`), string(models.JobStatusRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query orphaned jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteTerminalJobsBefore removes finished jobs older than cutoff
func (s *sqlStore) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	unlock := s.lockWrites()
	defer unlock()

	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM jobs
		WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?
	`), string(models.JobStatusSucceeded), string(models.JobStatusFailed), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return res.RowsAffected()
}

// HealthCheck verifies database connectivity
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Vacuum reclaims space after deletions
func (s *sqlStore) Vacuum(ctx context.Context) error {
	unlock := s.lockWrites()
	defer unlock()
	_, err := s.db.ExecContext(ctx, s.d.vacuum)
	return err
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}
