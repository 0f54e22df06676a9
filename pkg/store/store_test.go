package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luckiday/dreamgaussian-api/pkg/models"
)

func newJob(id string, created time.Time) *models.Job {
	return &models.Job{
		ID:        id,
		Prompt:    "a small red teapot",
		SavePath:  "teapot",
		Variant:   "DG",
		Status:    models.JobStatusPending,
		CreatedAt: created,
	}
}

func runStoreSuite(t *testing.T, s Store) {
	t.Run("EnqueueAndGet", func(t *testing.T) { testEnqueueAndGet(t, s) })
	t.Run("ClaimOrder", func(t *testing.T) { testClaimOrder(t, s) })
	t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, s) })
	t.Run("TerminalStatesAreFinal", func(t *testing.T) { testTerminalStatesAreFinal(t, s) })
	t.Run("Orphans", func(t *testing.T) { testOrphans(t, s) })
	t.Run("ListAndCount", func(t *testing.T) { testListAndCount(t, s) })
	t.Run("Retention", func(t *testing.T) { testRetention(t, s) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, s) })
}

// drain claims and fails any pending jobs left by a previous subtest
func drain(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	for {
		job, err := s.Claim(ctx, "drain")
		if errors.Is(err, ErrNoPendingJobs) {
			return
		}
		require.NoError(t, err)
		require.NoError(t, s.FailJob(ctx, job.ID, "drained", nil))
	}
}

func testEnqueueAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	drain(t, s)

	job := newJob("get-1", time.Now().UTC())
	require.NoError(t, s.Enqueue(ctx, job))
	assert.ErrorIs(t, s.Enqueue(ctx, newJob("get-1", time.Now().UTC())), ErrDuplicateJob)

	got, err := s.GetJob(ctx, "get-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, "a small red teapot", got.Prompt)
	assert.Equal(t, "teapot", got.SavePath)
	assert.Equal(t, "DG", got.Variant)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.StartedAt)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	running := newJob("get-2", time.Now().UTC())
	running.Status = models.JobStatusRunning
	assert.ErrorIs(t, s.Enqueue(ctx, running), ErrInvalidTransition)
}

func testClaimOrder(t *testing.T, s Store) {
	ctx := context.Background()
	drain(t, s)

	base := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.Enqueue(ctx, newJob("order-b", base.Add(2*time.Second))))
	require.NoError(t, s.Enqueue(ctx, newJob("order-a", base.Add(1*time.Second))))

	first, err := s.Claim(ctx, "w1")
	require.NoError(t, err)
	second, err := s.Claim(ctx, "w1")
	require.NoError(t, err)
	_, err = s.Claim(ctx, "w1")
	assert.ErrorIs(t, err, ErrNoPendingJobs)

	if _, ok := s.(*MemoryStore); !ok {
		assert.Equal(t, "order-a", first.ID, "oldest job claimed first")
		assert.Equal(t, "order-b", second.ID)
	}
	assert.Equal(t, models.JobStatusRunning, first.Status)
	assert.Equal(t, 1, first.Stage)
	assert.Equal(t, "w1", first.WorkerID)
	assert.NotNil(t, first.StartedAt)

	require.NoError(t, s.FailJob(ctx, first.ID, "done", nil))
	require.NoError(t, s.FailJob(ctx, second.ID, "done", nil))
}

func testLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	drain(t, s)

	require.NoError(t, s.Enqueue(ctx, newJob("life-1", time.Now().UTC())))
	job, err := s.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "life-1", job.ID)

	require.NoError(t, s.UpdateStage(ctx, job.ID, 2))
	require.NoError(t, s.Heartbeat(ctx, job.ID))
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.Equal(t, 2, got.Stage)

	result := models.JobResult{Message: "3D object generated successfully", ObjectPath: "logs_dg/teapot.obj"}
	require.NoError(t, s.CompleteJob(ctx, job.ID, result))

	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "logs_dg/teapot.obj", got.Result.ObjectPath)
	assert.NotNil(t, got.CompletedAt)
	require.Len(t, got.StateTransitions, 2)
	assert.Equal(t, models.JobStatusRunning, got.StateTransitions[0].To)
	assert.Equal(t, models.JobStatusSucceeded, got.StateTransitions[1].To)

	require.NoError(t, s.Enqueue(ctx, newJob("life-2", time.Now().UTC())))
	job, err = s.Claim(ctx, "w2")
	require.NoError(t, err)
	failure := &models.ExecutionFailure{Stage: 1, ExitCode: 3, Output: "CUDA out of memory"}
	require.NoError(t, s.FailJob(ctx, job.ID, "stage 1 exited with code 3", failure))

	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "stage 1 exited with code 3", got.Error)
	require.NotNil(t, got.Failure)
	assert.Equal(t, 3, got.Failure.ExitCode)
	assert.Nil(t, got.Result)
}

func testTerminalStatesAreFinal(t *testing.T, s Store) {
	ctx := context.Background()
	drain(t, s)

	require.NoError(t, s.Enqueue(ctx, newJob("final-1", time.Now().UTC())))

	// Pending jobs cannot finish without being claimed
	assert.ErrorIs(t, s.CompleteJob(ctx, "final-1", models.JobResult{}), ErrInvalidTransition)
	assert.ErrorIs(t, s.UpdateStage(ctx, "final-1", 2), ErrInvalidTransition)

	job, err := s.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, s.CompleteJob(ctx, job.ID, models.JobResult{ObjectPath: "logs_dg/x.obj"}))

	assert.ErrorIs(t, s.FailJob(ctx, job.ID, "late", nil), ErrInvalidTransition)
	assert.ErrorIs(t, s.CompleteJob(ctx, job.ID, models.JobResult{}), ErrInvalidTransition)
	assert.ErrorIs(t, s.Heartbeat(ctx, job.ID), ErrInvalidTransition)
	assert.ErrorIs(t, s.Heartbeat(ctx, "missing"), ErrJobNotFound)
	assert.ErrorIs(t, s.FailJob(ctx, "missing", "x", nil), ErrJobNotFound)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, got.Status)
}

func testOrphans(t *testing.T, s Store) {
	ctx := context.Background()
	drain(t, s)

	require.NoError(t, s.Enqueue(ctx, newJob("orphan-1", time.Now().UTC())))
	job, err := s.Claim(ctx, "w-dead")
	require.NoError(t, err)

	orphans, err := s.GetOrphanedJobs(ctx, time.Hour)
	require.NoError(t, err)
	for _, o := range orphans {
		assert.NotEqual(t, job.ID, o.ID, "fresh heartbeat reported as orphaned")
	}

	// a negative timeout puts the cutoff in the future
	orphans, err = s.GetOrphanedJobs(ctx, -time.Minute)
	require.NoError(t, err)
	found := false
	for _, o := range orphans {
		if o.ID == job.ID {
			found = true
		}
	}
	assert.True(t, found, "stale running job not reported")

	require.NoError(t, s.FailJob(ctx, job.ID, "worker lost", nil))
	orphans, err = s.GetOrphanedJobs(ctx, -time.Minute)
	require.NoError(t, err)
	for _, o := range orphans {
		assert.NotEqual(t, job.ID, o.ID, "failed job reported as orphaned")
	}
}

func testListAndCount(t *testing.T, s Store) {
	ctx := context.Background()
	drain(t, s)

	base := time.Now().UTC().Add(time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Enqueue(ctx, newJob(fmt.Sprintf("list-%d", i), base.Add(time.Duration(i)*time.Second))))
	}

	jobs, err := s.ListJobs(ctx, ListFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "list-2", jobs[0].ID)
	assert.Equal(t, "list-1", jobs[1].ID)

	pending, err := s.ListJobs(ctx, ListFilter{Status: models.JobStatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[models.JobStatusPending])

	drain(t, s)
}

func testRetention(t *testing.T, s Store) {
	ctx := context.Background()
	drain(t, s)

	require.NoError(t, s.Enqueue(ctx, newJob("ret-1", time.Now().UTC())))
	job, err := s.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, s.CompleteJob(ctx, job.ID, models.JobResult{ObjectPath: "logs_dg/r.obj"}))
	require.NoError(t, s.Enqueue(ctx, newJob("ret-2", time.Now().UTC())))

	n, err := s.DeleteTerminalJobsBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.DeleteTerminalJobsBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	_, err = s.GetJob(ctx, "ret-1")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = s.GetJob(ctx, "ret-2")
	assert.NoError(t, err, "pending jobs are never removed")

	require.NoError(t, s.Vacuum(ctx))
	drain(t, s)
}

func testConcurrentClaim(t *testing.T, s Store) {
	ctx := context.Background()
	drain(t, s)

	const numJobs = 20
	for i := 0; i < numJobs; i++ {
		require.NoError(t, s.Enqueue(ctx, newJob(fmt.Sprintf("conc-%02d", i), time.Now().UTC())))
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := s.Claim(ctx, worker)
				if errors.Is(err, ErrNoPendingJobs) {
					return
				}
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
				if err := s.CompleteJob(ctx, job.ID, models.JobResult{ObjectPath: "x"}); err != nil {
					t.Errorf("complete: %v", err)
				}
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	assert.Len(t, claimed, numJobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.HealthCheck(context.Background()))
	runStoreSuite(t, s)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(ctx, newJob("persist-1", time.Now().UTC())))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	job, err := s.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "persist-1", job.ID)
}

// TestPostgreSQLIntegration runs the suite against a real database.
// Set DATABASE_DSN to run: export DATABASE_DSN="postgresql://..."
func TestPostgreSQLIntegration(t *testing.T) {
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL integration test: DATABASE_DSN not set")
	}

	for _, typ := range []string{"postgres", "pgx"} {
		t.Run(typ, func(t *testing.T) {
			s, err := NewStore(Config{Type: typ, DSN: dsn})
			require.NoError(t, err)
			defer s.Close()

			pg := s.(*PostgreSQLStore)
			_, err = pg.db.Exec("TRUNCATE jobs")
			require.NoError(t, err)

			require.NoError(t, s.HealthCheck(context.Background()))
			runStoreSuite(t, s)
		})
	}
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(Config{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = NewStore(Config{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	s.Close()

	_, err = NewStore(Config{Type: "mongodb"})
	assert.ErrorIs(t, err, ErrUnsupportedDatabase)

	_, err = NewStore(Config{Type: "postgres"})
	assert.Error(t, err, "DSN is required")
}

func TestPlaceholderRebind(t *testing.T) {
	pg := &sqlStore{d: dialect{numbered: true}}
	assert.Equal(t, "UPDATE jobs SET a = $1 WHERE id = $2 AND status = $3",
		pg.q("UPDATE jobs SET a = ? WHERE id = ? AND status = ?"))

	lite := &sqlStore{}
	assert.Equal(t, "SELECT ? ", lite.q("SELECT ? "))
}
