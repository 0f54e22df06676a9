package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luckiday/dreamgaussian-api/pkg/artifacts"
	"github.com/luckiday/dreamgaussian-api/pkg/executor"
	"github.com/luckiday/dreamgaussian-api/pkg/logging"
	"github.com/luckiday/dreamgaussian-api/pkg/models"
	"github.com/luckiday/dreamgaussian-api/pkg/store"
	"github.com/luckiday/dreamgaussian-api/pkg/variants"
)

type fakeExecutor struct {
	fail  map[string]error
	delay time.Duration
	runs  atomic.Int32
}

func (f *fakeExecutor) Execute(ctx context.Context, job *models.Job, onStage func(int)) (*models.JobResult, error) {
	f.runs.Add(1)
	for stage := 1; stage <= 2; stage++ {
		if onStage != nil {
			onStage(stage)
		}
		select {
		case <-ctx.Done():
			return nil, &executor.ExecutionError{Stage: stage, ExitCode: -1, Interrupted: true, Err: ctx.Err()}
		case <-time.After(f.delay):
		}
	}
	if err := f.fail[job.ID]; err != nil {
		return nil, err
	}
	return &models.JobResult{Message: executor.SuccessMessage, ObjectPath: "logs_dg/" + job.SavePath + ".obj"}, nil
}

type countingObserver struct {
	mu       sync.Mutex
	finished map[models.JobStatus]int
	orphans  int
}

func (o *countingObserver) JobStarted(string) {}
func (o *countingObserver) JobFinished(_ string, s models.JobStatus, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished == nil {
		o.finished = make(map[models.JobStatus]int)
	}
	o.finished[s]++
}
func (o *countingObserver) OrphansRecovered(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.orphans += n
}

type recordingMirror struct {
	mu      sync.Mutex
	objects []string
}

func (m *recordingMirror) Mirror(_ context.Context, localPath, objectPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = append(m.objects, objectPath)
	return nil
}

func enqueue(t *testing.T, st store.Store, id string) {
	t.Helper()
	require.NoError(t, st.Enqueue(context.Background(), &models.Job{
		ID: id, Prompt: "a chair", SavePath: id, Variant: "DG",
	}))
}

func TestRunOnceSuccess(t *testing.T) {
	st := store.NewMemoryStore()
	obs := &countingObserver{}
	p := NewPool(st, &fakeExecutor{}, Config{ID: "test"}, logging.Nop(), WithObserver(obs))

	processed, err := p.RunOnce(context.Background(), "test-1")
	require.NoError(t, err)
	assert.False(t, processed, "empty queue")

	enqueue(t, st, "chair")
	processed, err = p.RunOnce(context.Background(), "test-1")
	require.NoError(t, err)
	assert.True(t, processed)

	job, err := st.GetJob(context.Background(), "chair")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, job.Status)
	assert.Equal(t, "logs_dg/chair.obj", job.Result.ObjectPath)
	assert.Equal(t, 2, job.Stage)
	assert.Equal(t, "test-1", job.WorkerID)
	assert.Equal(t, 1, obs.finished[models.JobStatusSucceeded])
}

func TestRunOnceFailure(t *testing.T) {
	st := store.NewMemoryStore()
	execErr := &executor.ExecutionError{Stage: 2, ExitCode: 137, Output: "Killed"}
	p := NewPool(st, &fakeExecutor{fail: map[string]error{"chair": execErr}}, Config{ID: "test"}, logging.Nop())

	enqueue(t, st, "chair")
	_, err := p.RunOnce(context.Background(), "test-1")
	require.NoError(t, err)

	job, err := st.GetJob(context.Background(), "chair")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "stage 2 exited with code 137", job.Error)
	require.NotNil(t, job.Failure)
	assert.Equal(t, 2, job.Failure.Stage)
	assert.Equal(t, 137, job.Failure.ExitCode)
	assert.Nil(t, job.Result)
}

func TestPlainErrorFailsWithoutDetail(t *testing.T) {
	st := store.NewMemoryStore()
	p := NewPool(st, &fakeExecutor{fail: map[string]error{"chair": variants.ErrUnknownVariant}},
		Config{ID: "test"}, logging.Nop())

	enqueue(t, st, "chair")
	_, err := p.RunOnce(context.Background(), "w")
	require.NoError(t, err)

	job, _ := st.GetJob(context.Background(), "chair")
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Nil(t, job.Failure)
}

func TestRunProcessesAllJobs(t *testing.T) {
	st := store.NewMemoryStore()
	fe := &fakeExecutor{delay: 5 * time.Millisecond}
	p := NewPool(st, fe, Config{ID: "test", Concurrency: 3, PollInterval: 5 * time.Millisecond}, logging.Nop())

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		enqueue(t, st, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, _ := st.CountByStatus(context.Background())
		return counts[models.JobStatusSucceeded] == len(ids)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
	assert.Equal(t, int32(len(ids)), fe.runs.Load(), "each job runs exactly once")
}

func TestShutdownInterruptsRunningJob(t *testing.T) {
	st := store.NewMemoryStore()
	p := NewPool(st, &fakeExecutor{delay: time.Minute}, Config{ID: "test", PollInterval: time.Millisecond}, logging.Nop())
	enqueue(t, st, "slow")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, _ := st.GetJob(context.Background(), "slow")
		return job.Status == models.JobStatusRunning
	}, 5*time.Second, time.Millisecond)
	cancel()
	<-done

	job, err := st.GetJob(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "interrupted")
}

func TestRecoverOrphans(t *testing.T) {
	st := store.NewMemoryStore()
	obs := &countingObserver{}
	p := NewPool(st, &fakeExecutor{}, Config{
		ID:                "test",
		HeartbeatInterval: time.Millisecond,
		OrphanTimeout:     10 * time.Millisecond,
	}, logging.Nop(), WithObserver(obs))

	enqueue(t, st, "lost")
	_, err := st.Claim(context.Background(), "dead-worker")
	require.NoError(t, err)

	n, err := p.RecoverOrphans(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "fresh heartbeat")

	time.Sleep(30 * time.Millisecond)
	n, err = p.RecoverOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, obs.orphans)

	job, err := st.GetJob(context.Background(), "lost")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "worker lost")

	// never re-queued
	_, err = st.Claim(context.Background(), "w")
	assert.True(t, errors.Is(err, store.ErrNoPendingJobs))
}

func TestOrphanTimeoutFloor(t *testing.T) {
	p := NewPool(store.NewMemoryStore(), &fakeExecutor{}, Config{
		HeartbeatInterval: time.Minute,
		OrphanTimeout:     time.Second,
	}, logging.Nop())
	assert.Equal(t, 3*time.Minute, p.cfg.OrphanTimeout)
	assert.NotEmpty(t, p.cfg.ID)
}

func TestMirrorAfterSuccess(t *testing.T) {
	root := t.TempDir()
	reg := variants.Builtin()
	resolver := artifacts.NewResolver(root, reg)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "logs_dg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "logs_dg", "chair.obj"), []byte("v"), 0o644))

	st := store.NewMemoryStore()
	m := &recordingMirror{}
	p := NewPool(st, &fakeExecutor{}, Config{ID: "test"}, logging.Nop(), WithMirror(m, resolver))

	enqueue(t, st, "chair")
	enqueue(t, st, "missing")
	for i := 0; i < 2; i++ {
		_, err := p.RunOnce(context.Background(), "w")
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"logs_dg/chair.obj"}, m.objects, "only existing artifacts are mirrored")
}
