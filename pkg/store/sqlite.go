package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the embedded durable broker
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL lets status reads proceed while a worker writes; busy_timeout and
	// immediate transactions keep concurrent claimers from failing with SQLITE_BUSY.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{sqlStore{
		db: db,
		d:  dialect{serialWrites: true, vacuum: "VACUUM"},
	}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
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
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		heartbeat_at DATETIME,
		state_transitions TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_completed ON jobs(completed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

var _ Store = (*SQLiteStore)(nil)
