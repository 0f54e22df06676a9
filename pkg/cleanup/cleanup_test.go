package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/luckiday/dreamgaussian-api/pkg/logging"
	"github.com/luckiday/dreamgaussian-api/pkg/models"
	"github.com/luckiday/dreamgaussian-api/pkg/store"
)

func TestCleanupNowDeletesOnlyExpiredTerminalJobs(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	for _, id := range []string{"done", "failed", "waiting"} {
		if err := st.Enqueue(ctx, &models.Job{ID: id, Prompt: id, SavePath: id, Variant: "DG"}); err != nil {
			t.Fatal(err)
		}
	}
	first, _ := st.Claim(ctx, "w")
	second, _ := st.Claim(ctx, "w")
	if err := st.CompleteJob(ctx, first.ID, models.JobResult{Message: "ok"}); err != nil {
		t.Fatal(err)
	}
	if err := st.FailJob(ctx, second.ID, "boom", nil); err != nil {
		t.Fatal(err)
	}

	// Nothing is older than an hour yet
	m := NewManager(Config{Enabled: true, Retention: time.Hour}, st, logging.Nop())
	n, err := m.CleanupNow(ctx)
	if err != nil || n != 0 {
		t.Fatalf("CleanupNow() = %d, %v; want 0", n, err)
	}

	// A negative retention puts the cutoff in the future
	m = NewManager(Config{Enabled: true, Retention: -time.Hour}, st, logging.Nop())
	n, err = m.CleanupNow(ctx)
	if err != nil || n != 2 {
		t.Fatalf("CleanupNow() = %d, %v; want 2", n, err)
	}
	if _, err := st.GetJob(ctx, "waiting"); err != nil {
		t.Errorf("pending job was deleted: %v", err)
	}
	if got := m.Stats().TotalJobsDeleted; got != 2 {
		t.Errorf("TotalJobsDeleted = %d, want 2", got)
	}
}

type fakeStore struct {
	deletes int
	vacuums int
	err     error
}

func (f *fakeStore) DeleteTerminalJobsBefore(context.Context, time.Time) (int64, error) {
	f.deletes++
	return 0, f.err
}

func (f *fakeStore) Vacuum(context.Context) error {
	f.vacuums++
	return f.err
}

func TestVacuumNow(t *testing.T) {
	f := &fakeStore{}
	m := NewManager(DefaultConfig(), f, logging.Nop())
	if err := m.VacuumNow(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.vacuums != 1 || m.Stats().TotalVacuumRuns != 1 {
		t.Errorf("vacuums = %d, stats = %+v", f.vacuums, m.Stats())
	}

	f.err = errors.New("locked")
	if err := m.VacuumNow(context.Background()); err == nil {
		t.Error("VacuumNow() expected error")
	}
	if m.Stats().TotalVacuumRuns != 1 {
		t.Error("failed vacuum must not be counted")
	}
}

func TestRunStopsOnContext(t *testing.T) {
	f := &fakeStore{}
	m := NewManager(Config{Enabled: true, Retention: time.Hour, CleanupInterval: time.Hour}, f, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunDisabled(t *testing.T) {
	m := NewManager(Config{Enabled: false}, &fakeStore{}, logging.Nop())
	if err := m.Run(context.Background()); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
