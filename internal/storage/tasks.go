package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetScheduledTask returns the persisted bookkeeping of a recurring task.
func (s *Store) GetScheduledTask(ctx context.Context, name string) (ScheduledTask, bool, error) {
	if err := s.ok(); err != nil {
		return ScheduledTask{}, false, err
	}
	var (
		t                         ScheduledTask
		next                      int64
		last                      sql.NullInt64
		interval, window          int64
		randomWindow, enabledFlag int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, schedule, next_run_at, last_run_at, interval_seconds, is_random_window, window_seconds, enabled
		 FROM scheduled_tasks WHERE name = ?`, name,
	).Scan(&t.Name, &t.Schedule, &next, &last, &interval, &randomWindow, &window, &enabledFlag)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledTask{}, false, nil
	}
	if err != nil {
		return ScheduledTask{}, false, err
	}
	t.NextRunAt = time.UnixMilli(next).UTC()
	t.LastRunAt = fromMillis(last)
	t.Interval = time.Duration(interval) * time.Second
	t.Window = time.Duration(window) * time.Second
	t.IsRandomWindow = randomWindow != 0
	t.Enabled = enabledFlag != 0
	return t, true, nil
}

// PutScheduledTask upserts the bookkeeping of a recurring task.
func (s *Store) PutScheduledTask(ctx context.Context, t ScheduledTask) error {
	if err := s.ok(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks(name, schedule, next_run_at, last_run_at, interval_seconds, is_random_window, window_seconds, enabled)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET
		   schedule = excluded.schedule,
		   next_run_at = excluded.next_run_at,
		   last_run_at = excluded.last_run_at,
		   interval_seconds = excluded.interval_seconds,
		   is_random_window = excluded.is_random_window,
		   window_seconds = excluded.window_seconds,
		   enabled = excluded.enabled`,
		t.Name, t.Schedule, t.NextRunAt.UnixMilli(), nullTime(t.LastRunAt), int64(t.Interval/time.Second),
		boolInt(t.IsRandomWindow), int64(t.Window/time.Second), boolInt(t.Enabled),
	)
	return err
}

// MarkTaskExecuted records a run and the next planned run.
func (s *Store) MarkTaskExecuted(ctx context.Context, name string, ranAt, next time.Time) error {
	if err := s.ok(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET last_run_at = ?, next_run_at = ? WHERE name = ?`,
		ranAt.UnixMilli(), next.UnixMilli(), name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
