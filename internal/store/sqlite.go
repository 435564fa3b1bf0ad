package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/model"
)

// SQLiteTaskStore implements TaskStore using SQLite
type SQLiteTaskStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteTaskStore opens (or creates) a task database at dbPath.
// WAL mode plus a busy timeout lets concurrent claimers contend on the
// conditional update instead of failing with a lock error.
func NewSQLiteTaskStore(logger *zap.Logger, dbPath string) (*SQLiteTaskStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteTaskStore{
		logger: logger,
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteTaskStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT NOT NULL,
			run_at DATETIME NOT NULL,
			action TEXT NOT NULL,
			payload TEXT,
			status TEXT NOT NULL,
			recurrence TEXT,
			error_message TEXT,
			parent_task_id TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (task_id, run_at)
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status_run_at ON tasks(status, run_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

const taskColumns = "task_id, run_at, action, payload, status, recurrence, error_message, parent_task_id, created_at, updated_at"

// Put implements TaskStore.Put
func (s *SQLiteTaskStore) Put(ctx context.Context, task *model.Task) error {
	var payloadStr string
	if len(task.Payload) > 0 {
		payloadStr = string(task.Payload)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.RunAt.UTC(),
		task.Action,
		payloadStr,
		task.Status,
		sql.NullString{String: string(task.Recurrence), Valid: task.Recurrence != ""},
		sql.NullString{String: task.ErrorMessage, Valid: task.ErrorMessage != ""},
		sql.NullString{String: task.ParentTaskID, Valid: task.ParentTaskID != ""},
		task.CreatedAt.UTC(),
		task.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store task: %w", err)
	}
	return nil
}

// Get implements TaskStore.Get
func (s *SQLiteTaskStore) Get(ctx context.Context, taskID string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE task_id = ?", taskID)

	task, err := scanTask(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	return task, nil
}

// ConditionalUpdateStatus implements TaskStore.ConditionalUpdateStatus.
// The status check and the write happen in a single UPDATE, which SQLite
// executes atomically per statement; a zero row count distinguishes a lost
// race from a missing record.
func (s *SQLiteTaskStore) ConditionalUpdateStatus(ctx context.Context, taskID string, runAt time.Time, expected, next model.TaskStatus, errorMessage string, updatedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?,
			error_message = ?,
			updated_at = ?
		WHERE task_id = ? AND run_at = ? AND status = ?`,
		next,
		sql.NullString{String: errorMessage, Valid: errorMessage != ""},
		updatedAt.UTC(),
		taskID,
		runAt.UTC(),
		expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM tasks WHERE task_id = ? AND run_at = ?",
			taskID, runAt.UTC()).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check task existence: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// QueryByStatus implements TaskStore.QueryByStatus
func (s *SQLiteTaskStore) QueryByStatus(ctx context.Context, status model.TaskStatus, maxRunAt time.Time) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND run_at <= ?
		ORDER BY run_at ASC, task_id ASC`,
		status, maxRunAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by status: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// List implements TaskStore.List
func (s *SQLiteTaskStore) List(ctx context.Context, status model.TaskStatus) ([]*model.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks"
	args := make([]interface{}, 0, 1)
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY run_at ASC, task_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// Delete implements TaskStore.Delete
func (s *SQLiteTaskStore) Delete(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE task_id = ?", taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteTaskStore) Close() error {
	return s.db.Close()
}

func scanTask(scan func(dest ...interface{}) error) (*model.Task, error) {
	var task model.Task
	var payload, recurrence, errorMessage, parentTaskID sql.NullString

	err := scan(
		&task.ID,
		&task.RunAt,
		&task.Action,
		&payload,
		&task.Status,
		&recurrence,
		&errorMessage,
		&parentTaskID,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid && payload.String != "" {
		task.Payload = json.RawMessage(payload.String)
	}
	if recurrence.Valid {
		task.Recurrence = model.RecurrencePattern(recurrence.String)
	}
	if errorMessage.Valid {
		task.ErrorMessage = errorMessage.String
	}
	if parentTaskID.Valid {
		task.ParentTaskID = parentTaskID.String
	}

	task.RunAt = task.RunAt.UTC()
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()

	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]*model.Task, error) {
	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return tasks, nil
}
