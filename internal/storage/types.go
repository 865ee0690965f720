package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrDuplicate is returned by InsertEvent when the id already exists.
	ErrDuplicate = errors.New("storage: duplicate event")
	// ErrBatchConflict is returned by MarkBatch when any row is missing or
	// cannot take the requested status. Nothing is written in that case.
	ErrBatchConflict = errors.New("storage: batch conflict")
	ErrNotFound      = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//
// If Driver is "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// ThreadPhase is the persisted coalescing phase of a thread.
// A missing row means no state.
type ThreadPhase string

const (
	PhaseDebouncing ThreadPhase = "debouncing"
	PhaseCooldown   ThreadPhase = "cooldown"
)

// ThreadState is one actively-coalescing thread.
type ThreadState struct {
	RootID        string
	Phase         ThreadPhase
	WaitStartedAt time.Time
	WaitUntil     time.Time
	CooldownUntil time.Time
	EventCount    int
	LastEventAt   time.Time
	// Attempts counts failed batch assemblies in the current debounce cycle.
	Attempts  int
	UpdatedAt time.Time
}

// BatchHistory records what the last successful batch of a thread covered.
type BatchHistory struct {
	RootID       string
	LastBatchAt  time.Time
	NewestSeenAt time.Time
}

// ScheduledTask is the persisted run bookkeeping of a recurring prompt.
type ScheduledTask struct {
	Name           string
	Schedule       string
	NextRunAt      time.Time
	LastRunAt      time.Time
	Interval       time.Duration
	IsRandomWindow bool
	Window         time.Duration
	Enabled        bool
}

// Session is one process run.
type Session struct {
	ID               string
	StartedAt        time.Time
	StoppedAt        time.Time
	EventsIngested   int64
	BatchesProcessed int64
	SinglesProcessed int64
}

// Stats summarizes the event table.
type Stats struct {
	ByStatus       map[string]int64
	Total          int64
	ActiveThreads  int64
	CooldownThread int64
}
