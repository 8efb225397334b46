package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const (
	TaskStatusActive    = "active"
	TaskStatusCompleted = "completed"
	TaskStatusPaused    = "paused"
)

// ScheduledTask is a recurring (or one-shot) prompt bound to a chat.
// ScheduleType and ScheduleValue are opaque to the store; the scheduler
// interprets them. NextRun is nil exactly when the task will never run
// again.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string // "isolated" or "shared"
	NextRun       *string
	LastRun       *string
	LastResult    *string
	Status        string
	CreatedAt     string
}

// TaskRunLog is one entry in a task's append-only run audit trail.
type TaskRunLog struct {
	ID         int64
	TaskID     string
	RunAt      string
	DurationMS int64
	Status     string
	Result     string
	Error      string
}

// TaskUpdate names the fields UpdateTask may change. Nil fields are left
// untouched.
type TaskUpdate struct {
	Prompt        *string
	ScheduleType  *string
	ScheduleValue *string
	NextRun       **string // outer nil = no change; inner nil = clear next_run
	Status        *string
}

// CreateTask inserts a new scheduled task.
func (s *Store) CreateTask(ctx context.Context, task ScheduledTask) error {
	contextMode := task.ContextMode
	if contextMode == "" {
		contextMode = "isolated"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_tasks
			(id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, task.ID, task.GroupFolder, task.ChatJID, task.Prompt, task.ScheduleType, task.ScheduleValue,
			contextMode, nullableRef(task.NextRun), task.Status, task.CreatedAt)
		if err != nil {
			return fmt.Errorf("create task %s: %w", task.ID, err)
		}
		return nil
	})
}

// GetTask returns the task with the given id, or nil when it does not exist.
func (s *Store) GetTask(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?;`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// TasksForGroup returns the group's tasks, newest first.
func (s *Store) TasksForGroup(ctx context.Context, groupFolder string) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE group_folder = ? ORDER BY created_at DESC;`, groupFolder)
	if err != nil {
		return nil, fmt.Errorf("list tasks for group %s: %w", groupFolder, err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// AllTasks returns every task, newest first.
func (s *Store) AllTasks(ctx context.Context) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY created_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("list all tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTask applies the provided partial update. A fully empty update is a
// no-op, not an error.
func (s *Store) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	var fields []string
	var values []any

	if update.Prompt != nil {
		fields = append(fields, "prompt = ?")
		values = append(values, *update.Prompt)
	}
	if update.ScheduleType != nil {
		fields = append(fields, "schedule_type = ?")
		values = append(values, *update.ScheduleType)
	}
	if update.ScheduleValue != nil {
		fields = append(fields, "schedule_value = ?")
		values = append(values, *update.ScheduleValue)
	}
	if update.NextRun != nil {
		fields = append(fields, "next_run = ?")
		values = append(values, nullableRef(*update.NextRun))
	}
	if update.Status != nil {
		fields = append(fields, "status = ?")
		values = append(values, *update.Status)
	}

	if len(fields) == 0 {
		return nil
	}

	values = append(values, id)
	query := fmt.Sprintf(`UPDATE scheduled_tasks SET %s WHERE id = ?;`, strings.Join(fields, ", "))
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("update task %s: %w", id, err)
		}
		return nil
	})
}

// DeleteTask removes a task and its run logs. Logs go first: referential
// integrity is ordering-enforced here, not by a database cascade.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM task_run_logs WHERE task_id = ?;`, id); err != nil {
			return fmt.Errorf("delete run logs for task %s: %w", id, err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("delete task %s: %w", id, err)
		}
		return nil
	})
}

// DueTasks returns active tasks whose next_run has arrived, earliest first,
// so a scheduler draining a backlog after downtime processes them in a
// deterministic order.
func (s *Store) DueTasks(ctx context.Context) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run;
	`, NowTimestamp())
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// RecordRunOutcome stores a run's result: next_run, last_run = now, and the
// result summary. A nil nextRun means the task will never fire again, and
// this is the one place status becomes "completed". A non-nil nextRun leaves
// status untouched so a paused task is not resurrected by a stray run.
func (s *Store) RecordRunOutcome(ctx context.Context, id string, nextRun *string, lastResult string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET next_run = ?, last_run = ?, last_result = ?,
				status = CASE WHEN ? IS NULL THEN 'completed' ELSE status END
			WHERE id = ?;
		`, nullableRef(nextRun), NowTimestamp(), lastResult, nullableRef(nextRun), id)
		if err != nil {
			return fmt.Errorf("record run outcome for task %s: %w", id, err)
		}
		return nil
	})
}

// AppendRunLog appends one audit-trail entry for a task run.
func (s *Store) AppendRunLog(ctx context.Context, log TaskRunLog) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
			VALUES (?, ?, ?, ?, ?, ?);
		`, log.TaskID, log.RunAt, log.DurationMS, log.Status, nullable(log.Result), nullable(log.Error))
		if err != nil {
			return fmt.Errorf("append run log for task %s: %w", log.TaskID, err)
		}
		return nil
	})
}

// RecentRunLogs returns up to limit run logs for the task, most recent
// first. Limit defaults to 10.
func (s *Store) RecentRunLogs(ctx context.Context, taskID string, limit int) ([]TaskRunLog, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, run_at, duration_ms, status, result, error
		FROM task_run_logs
		WHERE task_id = ?
		ORDER BY run_at DESC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run logs for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var logs []TaskRunLog
	for rows.Next() {
		var l TaskRunLog
		var result, errText sql.NullString
		if err := rows.Scan(&l.ID, &l.TaskID, &l.RunAt, &l.DurationMS, &l.Status, &result, &errText); err != nil {
			return nil, fmt.Errorf("scan run log row: %w", err)
		}
		l.Result = result.String
		l.Error = errText.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

const taskColumns = `id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
	COALESCE(context_mode, 'isolated'), next_run, last_run, last_result, status, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	var nextRun, lastRun, lastResult sql.NullString
	if err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
		&t.ContextMode, &nextRun, &lastRun, &lastResult, &t.Status, &t.CreatedAt); err != nil {
		return nil, err
	}
	if nextRun.Valid {
		t.NextRun = &nextRun.String
	}
	if lastRun.Valid {
		t.LastRun = &lastRun.String
	}
	if lastResult.Valid {
		t.LastResult = &lastResult.String
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]ScheduledTask, error) {
	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func nullableRef(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
