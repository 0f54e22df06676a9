package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
)

// database/sql driver names for PostgreSQL
const (
	DriverPQ  = "postgres"
	DriverPGX = "pgx"
)

// PostgreSQLStore implements Store using PostgreSQL, for gateways and
// workers running on separate hosts
type PostgreSQLStore struct {
	sqlStore
}

// NewPostgreSQLStore creates a new PostgreSQL store using the given driver
func NewPostgreSQLStore(config Config, driver string) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{sqlStore{
		db: db,
		d: dialect{
			numbered:  true,
			claimLock: "FOR UPDATE SKIP LOCKED",
			vacuum:    "VACUUM ANALYZE jobs",
		},
	}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		save_path TEXT NOT NULL,
		variant TEXT NOT NULL,
		status TEXT NOT NULL,
		stage INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		error TEXT NOT NULL DEFAULT '',
		failure TEXT,
		worker_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		heartbeat_at TIMESTAMPTZ,
		state_transitions TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_completed ON jobs(completed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

var _ Store = (*PostgreSQLStore)(nil)
