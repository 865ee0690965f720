package coalesce

import (
	"context"
	"time"

	"threadbot/internal/event"
	"threadbot/internal/storage"
)

// Store is the persistence the engine needs. *storage.Store implements it.
type Store interface {
	Counter

	InsertEvent(ctx context.Context, ev event.Event) error
	GetEvent(ctx context.Context, id string) (event.Event, bool, error)
	SetDebounce(ctx context.Context, id string, until time.Time, reason, chainID string, highTraffic bool) error
	HoldEvent(ctx context.Context, id string, until time.Time, reason string) error
	ClearDebounce(ctx context.Context, ids []string) error
	FetchForThread(ctx context.Context, rootID string) ([]event.Event, error)
	ListPending(ctx context.Context, now time.Time, limit int) ([]event.Event, error)
	ListHeld(ctx context.Context, rootID string) ([]event.Event, error)
	PendingParentMention(ctx context.Context, parentID, exceptID string) (bool, error)
	MarkBatch(ctx context.Context, ids []string, status event.Status, errMsg string) error
	IncrementRetry(ctx context.Context, ids []string, now time.Time) error
	SuppressSiblings(ctx context.Context, rootID, authorID string, around time.Time, window time.Duration, exceptID string) (int, error)

	GetThreadState(ctx context.Context, rootID string) (storage.ThreadState, bool, error)
	PutThreadState(ctx context.Context, st storage.ThreadState) error
	DeleteThreadState(ctx context.Context, rootID string) error
	DueDebouncing(ctx context.Context, now time.Time, limit int) ([]storage.ThreadState, error)
	ExpiredCooldowns(ctx context.Context, now time.Time) ([]storage.ThreadState, error)
	GetBatchHistory(ctx context.Context, rootID string) (storage.BatchHistory, bool, error)
	BumpBatchHistory(ctx context.Context, rootID string, batchAt, newest time.Time) error

	AddSessionCounts(ctx context.Context, id string, ingested, batches, singles int64) error
}

var _ Store = (*storage.Store)(nil)

func eventIDs(evs []event.Event) []string {
	ids := make([]string, 0, len(evs))
	for _, ev := range evs {
		ids = append(ids, ev.ID)
	}
	return ids
}

// actionable keeps events that still need handling.
func actionable(evs []event.Event) []event.Event {
	out := evs[:0:0]
	for _, ev := range evs {
		if ev.Status == event.StatusPending || ev.Status == event.StatusInProgress {
			out = append(out, ev)
		}
	}
	return out
}
