package storage

import (
	"context"
	"database/sql"
	"time"
)

func (s *Store) StartSession(ctx context.Context, id string, at time.Time) error {
	if err := s.ok(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, started_at) VALUES(?, ?) ON CONFLICT(id) DO NOTHING`,
		id, at.UnixMilli())
	return err
}

// AddSessionCounts adds deltas to the running counters of a session.
func (s *Store) AddSessionCounts(ctx context.Context, id string, ingested, batches, singles int64) error {
	if err := s.ok(); err != nil {
		return err
	}
	if ingested == 0 && batches == 0 && singles == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET events_ingested = events_ingested + ?,
		   batches_processed = batches_processed + ?,
		   singles_processed = singles_processed + ?
		 WHERE id = ?`,
		ingested, batches, singles, id)
	return err
}

func (s *Store) StopSession(ctx context.Context, id string, at time.Time) error {
	if err := s.ok(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET stopped_at = ? WHERE id = ?`, at.UnixMilli(), id)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (Session, bool, error) {
	if err := s.ok(); err != nil {
		return Session{}, false, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, stopped_at, events_ingested, batches_processed, singles_processed FROM sessions WHERE id = ?`, id)
	if err != nil {
		return Session{}, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return Session{}, false, rows.Err()
	}
	var (
		out     Session
		started int64
		stopped sql.NullInt64
	)
	if err := rows.Scan(&out.ID, &started, &stopped, &out.EventsIngested, &out.BatchesProcessed, &out.SinglesProcessed); err != nil {
		return Session{}, false, err
	}
	out.StartedAt = time.UnixMilli(started).UTC()
	out.StoppedAt = fromMillis(stopped)
	return out, true, nil
}
