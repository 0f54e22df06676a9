package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/luckiday/dreamgaussian-api/pkg/logging"
)

// Config defines the retention policy for finished jobs
type Config struct {
	Enabled         bool
	Retention       time.Duration
	CleanupInterval time.Duration
	VacuumInterval  time.Duration
	InitialDelay    time.Duration
}

// DefaultConfig keeps finished jobs for a week
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		VacuumInterval:  7 * 24 * time.Hour,
		InitialDelay:    time.Minute,
	}
}

// Store is the subset of the job store retention needs
type Store interface {
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Vacuum(ctx context.Context) error
}

// Stats tracks retention runs
type Stats struct {
	LastCleanupTime     time.Time
	LastVacuumTime      time.Time
	TotalJobsDeleted    int64
	TotalVacuumRuns     int64
	LastCleanupDuration time.Duration
	LastVacuumDuration  time.Duration
}

// Manager deletes Succeeded and Failed jobs past the retention window.
// Pending and Running jobs are never touched.
type Manager struct {
	config Config
	store  Store
	logger *logging.Logger

	mu    sync.RWMutex
	stats Stats
}

// NewManager creates a retention manager
func NewManager(config Config, store Store, logger *logging.Logger) *Manager {
	return &Manager{
		config: config,
		store:  store,
		logger: logger.WithField("component", "cleanup"),
	}
}

// Run blocks until ctx is done, deleting and vacuuming on their intervals
func (m *Manager) Run(ctx context.Context) error {
	if !m.config.Enabled || m.config.Retention <= 0 {
		m.logger.Info("Retention disabled")
		return nil
	}

	m.logger.Info("Starting retention", map[string]interface{}{
		"retention": m.config.Retention.String(),
		"interval":  m.config.CleanupInterval.String(),
	})

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(m.config.InitialDelay):
	}
	m.cleanup(ctx)

	cleanupTicker := time.NewTicker(m.config.CleanupInterval)
	defer cleanupTicker.Stop()

	var vacuumC <-chan time.Time
	if m.config.VacuumInterval > 0 {
		vacuumTicker := time.NewTicker(m.config.VacuumInterval)
		defer vacuumTicker.Stop()
		vacuumC = vacuumTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Retention stopped")
			return nil
		case <-cleanupTicker.C:
			m.cleanup(ctx)
		case <-vacuumC:
			m.vacuum(ctx)
		}
	}
}

func (m *Manager) cleanup(ctx context.Context) {
	if _, err := m.CleanupNow(ctx); err != nil {
		m.logger.Error("Job cleanup failed", map[string]interface{}{"error": err.Error()})
	}
}

func (m *Manager) vacuum(ctx context.Context) {
	if err := m.VacuumNow(ctx); err != nil {
		m.logger.Error("Database vacuum failed", map[string]interface{}{"error": err.Error()})
	}
}

// CleanupNow deletes expired jobs immediately
func (m *Manager) CleanupNow(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := start.Add(-m.config.Retention)

	deleted, err := m.store.DeleteTerminalJobsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	duration := time.Since(start)
	m.mu.Lock()
	m.stats.LastCleanupTime = time.Now()
	m.stats.LastCleanupDuration = duration
	m.stats.TotalJobsDeleted += deleted
	m.mu.Unlock()

	if deleted > 0 {
		m.logger.Info("Job cleanup complete", map[string]interface{}{
			"deleted":  deleted,
			"cutoff":   cutoff.UTC().Format(time.RFC3339),
			"duration": duration.String(),
		})
	}
	return deleted, nil
}

// VacuumNow compacts the database immediately
func (m *Manager) VacuumNow(ctx context.Context) error {
	start := time.Now()
	if err := m.store.Vacuum(ctx); err != nil {
		return err
	}

	duration := time.Since(start)
	m.mu.Lock()
	m.stats.LastVacuumTime = time.Now()
	m.stats.LastVacuumDuration = duration
	m.stats.TotalVacuumRuns++
	m.mu.Unlock()

	m.logger.Info("Database vacuum complete", map[string]interface{}{"duration": duration.String()})
	return nil
}

// Stats returns a snapshot of retention statistics
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
