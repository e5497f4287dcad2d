package store

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY,
		project_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		capability TEXT NOT NULL,
		status TEXT NOT NULL,
		assigned_worker TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_project_id ON tasks(project_id);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id INTEGER NOT NULL,
		depends_on_id INTEGER NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		project_id INTEGER NOT NULL,
		terminal_state TEXT NOT NULL,
		completed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		total INTEGER NOT NULL,
		elapsed_seconds REAL NOT NULL,
		finished_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_project_id ON runs(project_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
