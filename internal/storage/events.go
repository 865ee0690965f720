package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"threadbot/internal/event"
)

const eventCols = `id, observed_at, class, author_id, author_handle, text, parent_id, root_id, chain_id,
	status, debounce_until, debounce_reason, auto_debounced, high_traffic, retry_count, last_retry_at,
	processed_at, error, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (event.Event, error) {
	var (
		ev                                     event.Event
		observed                               int64
		class, status                          string
		parent, reason, errText, meta          sql.NullString
		debounce, lastRetry, processed         sql.NullInt64
		autoDebounced, highTraffic, retryCount int
	)
	if err := r.Scan(&ev.ID, &observed, &class, &ev.AuthorID, &ev.AuthorHandle, &ev.Text, &parent,
		&ev.RootID, &ev.ChainID, &status, &debounce, &reason, &autoDebounced, &highTraffic,
		&retryCount, &lastRetry, &processed, &errText, &meta); err != nil {
		return event.Event{}, err
	}
	ev.ObservedAt = time.UnixMilli(observed).UTC()
	ev.Class = event.Class(class)
	ev.Status = event.Status(status)
	ev.ParentID = parent.String
	ev.DebounceUntil = fromMillis(debounce)
	ev.DebounceReason = reason.String
	ev.AutoDebounced = autoDebounced != 0
	ev.HighTraffic = highTraffic != 0
	ev.RetryCount = retryCount
	ev.LastRetryAt = fromMillis(lastRetry)
	ev.ProcessedAt = fromMillis(processed)
	ev.Error = errText.String
	if meta.Valid && meta.String != "" {
		ev.Metadata = []byte(meta.String)
	}
	return ev, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// InsertEvent stores ev with status pending. Re-delivery of a known id
// returns ErrDuplicate and leaves the stored row untouched.
func (s *Store) InsertEvent(ctx context.Context, ev event.Event) error {
	if err := s.ok(); err != nil {
		return err
	}
	if strings.TrimSpace(ev.ID) == "" {
		return errors.New("storage: event id is required")
	}
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = s.now()
	}
	chain := ev.ChainID
	if chain == "" {
		chain = ev.RootID
	}
	var meta any
	if len(ev.Metadata) > 0 {
		meta = string(ev.Metadata)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events(id, observed_at, class, author_id, author_handle, text, parent_id, root_id, chain_id, status, metadata)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.ObservedAt.UnixMilli(), string(ev.Class), ev.AuthorID, ev.AuthorHandle, event.Preview(ev.Text),
		nullStr(ev.ParentID), ev.RootID, chain, string(event.StatusPending), meta,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// GetEvent returns the stored event with the given id.
func (s *Store) GetEvent(ctx context.Context, id string) (event.Event, bool, error) {
	if err := s.ok(); err != nil {
		return event.Event{}, false, err
	}
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, false, nil
	}
	if err != nil {
		return event.Event{}, false, err
	}
	return ev, true, nil
}

// CountRecent counts mention and reply events of a thread observed at or
// after now-window.
func (s *Store) CountRecent(ctx context.Context, rootID string, window time.Duration, now time.Time) (int, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events
		 WHERE root_id = ? AND class IN (?, ?) AND observed_at >= ?`,
		rootID, string(event.ClassMention), string(event.ClassReply), now.Add(-window).UnixMilli(),
	).Scan(&n)
	return n, err
}

// SetDebounce attaches an event to a coalescing thread.
func (s *Store) SetDebounce(ctx context.Context, id string, until time.Time, reason, chainID string, highTraffic bool) error {
	if err := s.ok(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET debounce_until = ?, debounce_reason = ?, chain_id = COALESCE(?, chain_id),
		 auto_debounced = 1, high_traffic = ?
		 WHERE id = ?`,
		nullTime(until), nullStr(reason), nullStr(chainID), boolInt(highTraffic), id,
	)
	if err != nil {
		return err
	}
	return expectRow(res, id)
}

// HoldEvent defers an event without attaching it to a coalescing thread.
func (s *Store) HoldEvent(ctx context.Context, id string, until time.Time, reason string) error {
	if err := s.ok(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET debounce_until = ?, debounce_reason = ? WHERE id = ? AND auto_debounced = 0`,
		nullTime(until), nullStr(reason), id,
	)
	if err != nil {
		return err
	}
	return expectRow(res, id)
}

// ClearDebounce removes debounce and high-traffic flags from the given events.
func (s *Store) ClearDebounce(ctx context.Context, ids []string) error {
	if err := s.ok(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET debounce_until = NULL, debounce_reason = NULL, auto_debounced = 0, high_traffic = 0
		 WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

// FetchForThread returns every event of the thread regardless of status,
// oldest first.
func (s *Store) FetchForThread(ctx context.Context, rootID string) ([]event.Event, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	return s.queryEvents(ctx,
		`SELECT `+eventCols+` FROM events WHERE chain_id = ? ORDER BY observed_at, id`, rootID)
}

// ListPending returns events for the single-event path: pending or
// in-progress, not owned by a coalescing thread and not held past now.
func (s *Store) ListPending(ctx context.Context, now time.Time, limit int) ([]event.Event, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return s.queryEvents(ctx,
		`SELECT `+eventCols+` FROM events
		 WHERE status IN (?, ?) AND auto_debounced = 0
		   AND (debounce_until IS NULL OR debounce_until <= ?)
		 ORDER BY observed_at, id LIMIT ?`,
		string(event.StatusPending), string(event.StatusInProgress), now.UnixMilli(), limit)
}

// ListHeld returns pending events attached to a thread whose hold has lapsed.
func (s *Store) ListHeld(ctx context.Context, rootID string) ([]event.Event, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	return s.queryEvents(ctx,
		`SELECT `+eventCols+` FROM events
		 WHERE chain_id = ? AND auto_debounced = 1 AND status IN (?, ?)
		 ORDER BY observed_at, id`,
		rootID, string(event.StatusPending), string(event.StatusInProgress))
}

// PendingParentMention reports whether another pending mention shares the
// given parent.
func (s *Store) PendingParentMention(ctx context.Context, parentID, exceptID string) (bool, error) {
	if err := s.ok(); err != nil {
		return false, err
	}
	if parentID == "" {
		return false, nil
	}
	var found int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM events WHERE parent_id = ? AND id <> ? AND class = ? AND status = ? LIMIT 1`,
		parentID, exceptID, string(event.ClassMention), string(event.StatusPending),
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// MarkBatch moves every id to status in a single transaction. If any id is
// unknown or cannot take the status, nothing is written and ErrBatchConflict
// is returned.
func (s *Store) MarkBatch(ctx context.Context, ids []string, status event.Status, errMsg string) error {
	if err := s.ok(); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("storage: invalid status %q", status)
	}
	ids = uniq(ids)
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id, status FROM events WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return err
	}
	seen := 0
	for rows.Next() {
		var id, cur string
		if err := rows.Scan(&id, &cur); err != nil {
			_ = rows.Close()
			return err
		}
		if !event.CanTransition(event.Status(cur), status) {
			_ = rows.Close()
			return fmt.Errorf("%w: %s %s -> %s", ErrBatchConflict, id, cur, status)
		}
		seen++
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if seen != len(ids) {
		return fmt.Errorf("%w: %d of %d events missing", ErrBatchConflict, len(ids)-seen, len(ids))
	}

	var processedAt any
	if status.Terminal() {
		processedAt = s.now().UnixMilli()
	}
	upd := append([]any{string(status), processedAt, nullStr(errMsg)}, args...)
	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET status = ?, processed_at = ?, error = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		upd...); err != nil {
		return err
	}
	return tx.Commit()
}

// IncrementRetry bumps the retry counter of the given events.
func (s *Store) IncrementRetry(ctx context.Context, ids []string, now time.Time) error {
	if err := s.ok(); err != nil {
		return err
	}
	ids = uniq(ids)
	if len(ids) == 0 {
		return nil
	}
	args := []any{now.UnixMilli()}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET retry_count = retry_count + 1, last_retry_at = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		args...)
	return err
}

// SuppressSiblings marks pending events by author in the thread observed
// within window of around as processed. exceptID is left untouched.
func (s *Store) SuppressSiblings(ctx context.Context, rootID, authorID string, around time.Time, window time.Duration, exceptID string) (int, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = ?, processed_at = ?
		 WHERE root_id = ? AND author_id = ? AND status = ? AND id <> ?
		   AND observed_at BETWEEN ? AND ?`,
		string(event.StatusProcessed), s.now().UnixMilli(), rootID, authorID, string(event.StatusPending), exceptID,
		around.Add(-window).UnixMilli(), around.Add(window).UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Cleanup deletes terminal events processed before cutoff.
func (s *Store) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events
		 WHERE status IN (?, ?, ?, ?) AND COALESCE(processed_at, observed_at) < ?`,
		string(event.StatusProcessed), string(event.StatusIgnored), string(event.StatusNoReply), string(event.StatusError),
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Stats returns event counts by status and active thread counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if err := s.ok(); err != nil {
		return Stats{}, err
	}
	st := Stats{ByStatus: map[string]int64{}}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM events GROUP BY status`)
	if err != nil {
		return Stats{}, err
	}
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			_ = rows.Close()
			return Stats{}, err
		}
		st.ByStatus[k] = n
		st.Total += n
	}
	if err := rows.Close(); err != nil {
		return Stats{}, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(state = ?), 0), COALESCE(SUM(state = ?), 0) FROM thread_state`,
		string(PhaseDebouncing), string(PhaseCooldown),
	).Scan(&st.ActiveThreads, &st.CooldownThread)
	return st, err
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	return nil
}

func uniq(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
