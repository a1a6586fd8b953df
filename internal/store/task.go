package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// Schedule kinds.
const (
	ScheduleCron       = "cron"
	ScheduleIntervalMS = "interval-ms"
	ScheduleOnceISO    = "once-iso"
)

// Context modes.
const (
	ContextIsolated = "isolated"
	ContextGroup    = "group"
)

// Task statuses.
const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
)

// Task is a scheduled background prompt.
type Task struct {
	ID            string
	GroupFolder   string
	ChatID        string
	Prompt        string
	ScheduleKind  string
	ScheduleValue string
	ContextMode   string
	NextRun       *int64 // unix millis; nil means completed
	LastRun       *int64
	LastResult    string
	Status        string
	CreatedAt     int64
}

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, t Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, group_folder, chat_id, prompt, schedule_kind, schedule_value, context_mode, next_run, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.GroupFolder, t.ChatID, t.Prompt, t.ScheduleKind, t.ScheduleValue, t.ContextMode, t.NextRun, t.Status, t.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "create task")
	}
	return nil
}

// GetTask returns a task by id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get task")
	}
	return t, nil
}

// DueTasks returns tasks with status=active and next_run<=now, ordered by
// next_run ascending.
func (s *Store) DueTasks(ctx context.Context, nowMillis int64) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC
	`, TaskActive, nowMillis)
	if err != nil {
		return nil, errors.Wrap(err, "query due tasks")
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// SetStatus updates a task's status (used for pause and resume).
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return errors.Wrap(err, "set task status")
	}
	return requireAffected(res)
}

// DeleteTask removes a task and its run logs in one transaction (the
// foreign-key ON DELETE CASCADE handles the logs; the explicit transaction
// keeps the intent visible and safe if cascade is ever disabled).
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete task tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_run_logs WHERE task_id = ?`, id); err != nil {
		return errors.Wrap(err, "delete task run logs")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete task")
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateAfterRun records the computed next-run and result summary, setting
// status to completed iff nextRun is nil.
func (s *Store) UpdateAfterRun(ctx context.Context, id string, nextRun *int64, lastRun int64, resultSummary string) error {
	status := TaskActive
	if nextRun == nil {
		status = TaskCompleted
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET next_run = ?, last_run = ?, last_result = ?, status = ?
		WHERE id = ?
	`, nextRun, lastRun, resultSummary, status, id)
	if err != nil {
		return errors.Wrap(err, "update task after run")
	}
	return requireAffected(res)
}

const taskSelect = `
	SELECT id, group_folder, chat_id, prompt, schedule_kind, schedule_value, context_mode, next_run, last_run, last_result, status, created_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	if err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatID, &t.Prompt, &t.ScheduleKind, &t.ScheduleValue, &t.ContextMode, &t.NextRun, &t.LastRun, &t.LastResult, &t.Status, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTaskRows(rows *sql.Rows) (*Task, error) {
	t, err := scanTask(rows)
	if err != nil {
		return nil, errors.Wrap(err, "scan task")
	}
	return t, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
