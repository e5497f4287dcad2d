package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/me/taskfleet/internal/resolver"
	_ "modernc.org/sqlite"
)

// ErrTaskNotFound is returned when a task ID has no row.
var ErrTaskNotFound = errors.New("task not found")

// ErrRunNotFound is returned when a run ID has no row.
var ErrRunNotFound = errors.New("run not found")

// TaskUpdate is a partial update: nil fields are left unchanged.
type TaskUpdate struct {
	Status         *resolver.Status
	AssignedWorker *string
	RetryCount     *int
	Output         *string
	Error          *string
}

// RunRecord is the durable summary of a finished scheduling run.
type RunRecord struct {
	ID             string
	ProjectID      int64
	TerminalState  string
	Completed      int
	Failed         int
	Total          int
	ElapsedSeconds float64
	FinishedAt     time.Time
}

// Store defines the persistence interface for tasks and run summaries.
type Store interface {
	SaveTask(ctx context.Context, task *resolver.Task) error
	GetTask(ctx context.Context, taskID int64) (*resolver.Task, error)
	UpdateTask(ctx context.Context, taskID int64, upd TaskUpdate) error
	ListTasks(ctx context.Context, projectID int64) ([]*resolver.Task, error)

	SaveRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys,
// and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return newStore(ctx, db)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Uses a shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	return newStore(ctx, db)
}

func newStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	// modernc.org/sqlite ignores _foreign_keys in the connection string, so
	// enable it via PRAGMA.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Two connections: one for primary queries, one for dependency
	// subqueries (prevents deadlock in ListTasks).
	db.SetMaxOpenConns(2)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
