package scheduler

import (
	"context"
	"time"

	"threadbot/internal/storage"
	"threadbot/internal/task/engine"
)

// Config controls the scheduler.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
	// Poll is how often persisted plans are checked (default 30s).
	Poll time.Duration
}

// Job is the work of one trigger.
type Job func(ctx context.Context) error

// Definition is one recurring job. Schedule is parsed with ParseSchedule.
// When Window > 0 the job runs at a uniformly random instant inside
// [now, now+window) after each run and Schedule may be empty.
type Definition struct {
	Name     string
	Schedule string
	Window   time.Duration
	Timeout  time.Duration
	Run      Job
}

// TaskStore persists run plans.
type TaskStore interface {
	GetScheduledTask(ctx context.Context, name string) (storage.ScheduledTask, bool, error)
	PutScheduledTask(ctx context.Context, t storage.ScheduledTask) error
	MarkTaskExecuted(ctx context.Context, name string, ranAt, next time.Time) error
}

// Dispatcher accepts triggered jobs. *engine.Service satisfies it.
type Dispatcher interface {
	Enqueue(t engine.Task) error
}

type def struct {
	Definition
	spec ParsedSpec
}

type ScheduleInfo struct {
	Name     string
	Schedule string
	Window   time.Duration
	Next     time.Time
	Last     time.Time
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Schedules []ScheduleInfo
}
