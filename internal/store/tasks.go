package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/me/taskfleet/internal/resolver"
)

// SaveTask saves or updates a task and its dependencies.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *resolver.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, capability, status, assigned_worker, retry_count, output, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			title = excluded.title,
			capability = excluded.capability,
			status = excluded.status,
			assigned_worker = excluded.assigned_worker,
			retry_count = excluded.retry_count,
			output = excluded.output,
			error = excluded.error,
			updated_at = CURRENT_TIMESTAMP
	`, task.ID, task.ProjectID, task.Title, task.Capability, string(task.Status), task.AssignedWorker, task.RetryCount, task.Output, task.Error)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	// Dependencies are replaced wholesale on every save.
	_, err = tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID)
	if err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}

	for _, depID := range task.DependsOn {
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("foreign key constraint failed: dependency task %d does not exist", depID)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id)
			VALUES (?, ?)
		`, task.ID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %d -> %d: %w", task.ID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID int64) (*resolver.Task, error) {
	task := &resolver.Task{}
	var status string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, capability, status, assigned_worker, retry_count, output, error
		FROM tasks
		WHERE id = ?
	`, taskID).Scan(&task.ID, &task.ProjectID, &task.Title, &task.Capability, &status, &task.AssignedWorker, &task.RetryCount, &task.Output, &task.Error)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	task.Status = resolver.Status(status)

	deps, err := s.loadDependencies(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task.DependsOn = deps

	return task, nil
}

func (s *SQLiteStore) loadDependencies(ctx context.Context, taskID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM task_dependencies
		WHERE task_id = ?
		ORDER BY depends_on_id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies for task %d: %w", taskID, err)
	}
	defer rows.Close()

	var deps []int64
	for rows.Next() {
		var depID int64
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, depID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

// UpdateTask applies a partial update to a task. Only non-nil fields of upd
// are written.
func (s *SQLiteStore) UpdateTask(ctx context.Context, taskID int64, upd TaskUpdate) error {
	var sets []string
	var args []any

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.AssignedWorker != nil {
		sets = append(sets, "assigned_worker = ?")
		args = append(args, *upd.AssignedWorker)
	}
	if upd.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *upd.RetryCount)
	}
	if upd.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, *upd.Output)
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}

	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, taskID)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := "UPDATE tasks SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ListTasks returns all tasks of a project with their dependencies, in
// ascending ID order.
func (s *SQLiteStore) ListTasks(ctx context.Context, projectID int64) ([]*resolver.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, capability, status, assigned_worker, retry_count, output, error
		FROM tasks
		WHERE project_id = ?
		ORDER BY id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*resolver.Task
	for rows.Next() {
		task := &resolver.Task{}
		var status string

		err := rows.Scan(&task.ID, &task.ProjectID, &task.Title, &task.Capability, &status, &task.AssignedWorker, &task.RetryCount, &task.Output, &task.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.Status = resolver.Status(status)

		deps, err := s.loadDependencies(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		task.DependsOn = deps

		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// SaveRun stores the summary of a finished scheduling run.
func (s *SQLiteStore) SaveRun(ctx context.Context, run RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, project_id, terminal_state, completed, failed, total, elapsed_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			terminal_state = excluded.terminal_state,
			completed = excluded.completed,
			failed = excluded.failed,
			total = excluded.total,
			elapsed_seconds = excluded.elapsed_seconds
	`, run.ID, run.ProjectID, run.TerminalState, run.Completed, run.Failed, run.Total, run.ElapsedSeconds)

	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run summary by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	run := &RunRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, terminal_state, completed, failed, total, elapsed_seconds, finished_at
		FROM runs
		WHERE id = ?
	`, runID).Scan(&run.ID, &run.ProjectID, &run.TerminalState, &run.Completed, &run.Failed, &run.Total, &run.ElapsedSeconds, &run.FinishedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	return run, nil
}
