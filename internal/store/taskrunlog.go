package store

import (
	"context"

	"github.com/pkg/errors"
)

// Run log statuses.
const (
	RunSuccess = "success"
	RunError   = "error"
)

// TaskRunLog is an append-only record of one scheduler execution.
type TaskRunLog struct {
	ID         int64
	TaskID     string
	Status     string
	DurationMS int64
	ResultText string
	CreatedAt  int64
}

// AppendRunLog records the outcome of one task execution.
func (s *Store) AppendRunLog(ctx context.Context, l TaskRunLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (task_id, status, duration_ms, result_text, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, l.TaskID, l.Status, l.DurationMS, l.ResultText, l.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "append task run log")
	}
	return nil
}

// RunLogsForTask returns every run log for a task, most recent first.
func (s *Store) RunLogsForTask(ctx context.Context, taskID string) ([]TaskRunLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, status, duration_ms, result_text, created_at
		FROM task_run_logs WHERE task_id = ? ORDER BY created_at DESC
	`, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "query task run logs")
	}
	defer rows.Close()

	var out []TaskRunLog
	for rows.Next() {
		var l TaskRunLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Status, &l.DurationMS, &l.ResultText, &l.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan task run log")
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
