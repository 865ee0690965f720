package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const threadCols = `root_id, state, wait_started_at, wait_until, cooldown_until, event_count, last_event_at, attempts, updated_at`

func scanThread(r rowScanner) (ThreadState, error) {
	var (
		st                                 ThreadState
		phase                              string
		started, until, cooldown, lastSeen sql.NullInt64
		updated                            int64
	)
	if err := r.Scan(&st.RootID, &phase, &started, &until, &cooldown, &st.EventCount, &lastSeen, &st.Attempts, &updated); err != nil {
		return ThreadState{}, err
	}
	st.Phase = ThreadPhase(phase)
	st.WaitStartedAt = fromMillis(started)
	st.WaitUntil = fromMillis(until)
	st.CooldownUntil = fromMillis(cooldown)
	st.LastEventAt = fromMillis(lastSeen)
	st.UpdatedAt = time.UnixMilli(updated).UTC()
	return st, nil
}

// GetThreadState returns the state row of a thread, if any.
func (s *Store) GetThreadState(ctx context.Context, rootID string) (ThreadState, bool, error) {
	if err := s.ok(); err != nil {
		return ThreadState{}, false, err
	}
	st, err := scanThread(s.db.QueryRowContext(ctx, `SELECT `+threadCols+` FROM thread_state WHERE root_id = ?`, rootID))
	if errors.Is(err, sql.ErrNoRows) {
		return ThreadState{}, false, nil
	}
	if err != nil {
		return ThreadState{}, false, err
	}
	return st, true, nil
}

// PutThreadState upserts the state row of a thread.
func (s *Store) PutThreadState(ctx context.Context, st ThreadState) error {
	if err := s.ok(); err != nil {
		return err
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_state(`+threadCols+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(root_id) DO UPDATE SET
		   state = excluded.state,
		   wait_started_at = excluded.wait_started_at,
		   wait_until = excluded.wait_until,
		   cooldown_until = excluded.cooldown_until,
		   event_count = excluded.event_count,
		   last_event_at = excluded.last_event_at,
		   attempts = excluded.attempts,
		   updated_at = excluded.updated_at`,
		st.RootID, string(st.Phase), nullTime(st.WaitStartedAt), nullTime(st.WaitUntil), nullTime(st.CooldownUntil),
		st.EventCount, nullTime(st.LastEventAt), st.Attempts, st.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *Store) DeleteThreadState(ctx context.Context, rootID string) error {
	if err := s.ok(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM thread_state WHERE root_id = ?`, rootID)
	return err
}

// DueDebouncing returns debouncing threads whose wait has elapsed,
// earliest-expiring first.
func (s *Store) DueDebouncing(ctx context.Context, now time.Time, limit int) ([]ThreadState, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	return s.queryThreads(ctx,
		`SELECT `+threadCols+` FROM thread_state
		 WHERE state = ? AND wait_until <= ? ORDER BY wait_until, root_id LIMIT ?`,
		string(PhaseDebouncing), now.UnixMilli(), limit)
}

// ExpiredCooldowns returns cooldown threads whose cooldown has elapsed.
func (s *Store) ExpiredCooldowns(ctx context.Context, now time.Time) ([]ThreadState, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	return s.queryThreads(ctx,
		`SELECT `+threadCols+` FROM thread_state
		 WHERE state = ? AND cooldown_until <= ? ORDER BY cooldown_until, root_id`,
		string(PhaseCooldown), now.UnixMilli())
}

func (s *Store) queryThreads(ctx context.Context, query string, args ...any) ([]ThreadState, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ThreadState
	for rows.Next() {
		st, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetBatchHistory returns what the last successful batch of a thread covered.
func (s *Store) GetBatchHistory(ctx context.Context, rootID string) (BatchHistory, bool, error) {
	if err := s.ok(); err != nil {
		return BatchHistory{}, false, err
	}
	var last, newest int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_batch_at, newest_seen_at FROM thread_batch_history WHERE root_id = ?`, rootID,
	).Scan(&last, &newest)
	if errors.Is(err, sql.ErrNoRows) {
		return BatchHistory{}, false, nil
	}
	if err != nil {
		return BatchHistory{}, false, err
	}
	return BatchHistory{
		RootID:       rootID,
		LastBatchAt:  time.UnixMilli(last).UTC(),
		NewestSeenAt: time.UnixMilli(newest).UTC(),
	}, true, nil
}

// BumpBatchHistory records a successful batch. newest_seen_at never moves
// backwards.
func (s *Store) BumpBatchHistory(ctx context.Context, rootID string, batchAt, newest time.Time) error {
	if err := s.ok(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_batch_history(root_id, last_batch_at, newest_seen_at) VALUES(?,?,?)
		 ON CONFLICT(root_id) DO UPDATE SET
		   last_batch_at = excluded.last_batch_at,
		   newest_seen_at = MAX(thread_batch_history.newest_seen_at, excluded.newest_seen_at)`,
		rootID, batchAt.UnixMilli(), newest.UnixMilli(),
	)
	return err
}
