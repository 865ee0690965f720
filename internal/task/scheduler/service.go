package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"threadbot/internal/storage"
	"threadbot/internal/task/engine"
	logx "threadbot/pkg/logx"
)

const defaultPoll = 30 * time.Second

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	store TaskStore
	pool  Dispatcher
	now   func() time.Time
	rng   *rand.Rand

	c    *cron.Cron
	defs map[string]*def

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// New builds a scheduler. A nil pool runs jobs inline on the sweep.
func New(cfg Config, store TaskStore, pool Dispatcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:         cfg,
		log:         log,
		store:       store,
		pool:        pool,
		now:         time.Now,
		rng:         newRand("scheduler"),
		defs:        map[string]*def{},
		lastEnqWarn: map[string]time.Time{},
	}
	s.loc = s.loadLocation(cfg.Timezone)
	return s
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates the config. A timezone or poll change restarts the trigger.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.loc = s.loadLocation(cfg.Timezone)
	running := s.c != nil
	s.mu.Unlock()

	restart := strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) || old.Poll != cfg.Poll || old.Enabled != cfg.Enabled
	if running && restart {
		s.Stop(ctx)
	}
	if cfg.Enabled && (!running || restart) {
		s.Start(ctx)
	}
}

// Register adds or replaces a job. If the persisted plan was made for the
// same schedule it is kept, otherwise a new next run is planned from now.
func (s *Service) Register(ctx context.Context, d Definition) error {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return errors.New("name required")
	}
	if d.Run == nil {
		return fmt.Errorf("schedule %s: run func required", name)
	}
	d.Name = name
	var spec ParsedSpec
	if d.Window <= 0 {
		var err error
		spec, err = ParseSchedule(d.Schedule)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	nd := &def{Definition: d, spec: spec}

	st, ok, err := s.store.GetScheduledTask(ctx, name)
	if err != nil {
		return err
	}
	key := planKey(d)
	if !ok || st.Schedule != key || !st.Enabled || st.NextRunAt.IsZero() {
		now := s.clock()
		next := s.plan(nd, now)
		st = storage.ScheduledTask{
			Name:           name,
			Schedule:       key,
			NextRunAt:      next,
			LastRunAt:      st.LastRunAt,
			Interval:       spec.Every,
			IsRandomWindow: d.Window > 0,
			Window:         d.Window,
			Enabled:        true,
		}
		if err := s.store.PutScheduledTask(ctx, st); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.defs[name] = nd
	s.mu.Unlock()
	s.log.Debug("schedule registered",
		logx.String("name", name), logx.String("schedule", key), logx.Time("next", st.NextRunAt))
	return nil
}

// Remove unregisters a job and disables its persisted plan.
func (s *Service) Remove(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	_, ok := s.defs[name]
	delete(s.defs, name)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	st, found, err := s.store.GetScheduledTask(ctx, name)
	if err != nil || !found {
		return true, err
	}
	st.Enabled = false
	return true, s.store.PutScheduledTask(ctx, st)
}

// Sync makes the registered set equal to defs.
func (s *Service) Sync(ctx context.Context, defs []Definition) error {
	want := make(map[string]bool, len(defs))
	var errs []error
	for _, d := range defs {
		want[strings.TrimSpace(d.Name)] = true
		if err := s.Register(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range s.names() {
		if want[name] {
			continue
		}
		if _, err := s.Remove(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start begins periodic sweeps. The first sweep runs before Start returns
// so overdue jobs fire once right away.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.c != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	poll := s.cfg.Poll
	if poll <= 0 {
		poll = defaultPoll
	}
	s.c = cron.New(cron.WithLocation(s.loc))
	s.c.Schedule(cron.Every(poll), cron.FuncJob(func() { s.sweep(ctx) }))
	c := s.c
	loc := s.loc
	n := len(s.defs)
	s.mu.Unlock()

	s.sweep(ctx)
	c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("schedules", n), logx.Duration("poll", poll))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

func (s *Service) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.RunDue(ctx); err != nil {
		s.log.Warn("schedule sweep failed", logx.Err(err))
	}
}

// RunDue triggers every job whose persisted next run has passed and plans
// its following run. It returns the number of jobs triggered.
func (s *Service) RunDue(ctx context.Context) (int, error) {
	now := s.clock()
	triggered := 0
	for _, name := range s.names() {
		s.mu.Lock()
		d := s.defs[name]
		s.mu.Unlock()
		if d == nil {
			continue
		}
		st, ok, err := s.store.GetScheduledTask(ctx, name)
		if err != nil {
			return triggered, err
		}
		if !ok || !st.Enabled || now.Before(st.NextRunAt) {
			continue
		}
		next := s.plan(d, now)
		err = s.dispatch(ctx, d)
		if err != nil && !errors.Is(err, engine.ErrOverlapSkip) {
			// Left due; the next sweep tries again.
			s.reportEnqueueError(name, err)
			continue
		}
		if err := s.store.MarkTaskExecuted(ctx, name, now, next); err != nil {
			return triggered, err
		}
		if err != nil {
			s.reportEnqueueError(name, err)
			continue
		}
		triggered++
		s.log.Debug("schedule triggered", logx.String("name", name), logx.Time("next", next))
	}
	return triggered, nil
}

func (s *Service) dispatch(ctx context.Context, d *def) error {
	if s.pool == nil {
		runCtx := ctx
		if d.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, d.Timeout)
			defer cancel()
		}
		if err := d.Run(runCtx); err != nil {
			s.log.Warn("scheduled job failed", logx.String("name", d.Name), logx.Err(err))
		}
		return nil
	}
	return s.pool.Enqueue(engine.Task{
		Name:    "schedule:" + d.Name,
		Key:     "schedule:" + d.Name,
		Timeout: d.Timeout,
		Run:     d.Run,
	})
}

func (s *Service) plan(d *def, from time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Window > 0 {
		return pickInWindow(s.rng, from, d.Window)
	}
	return d.spec.Next(from, s.loc)
}

func (s *Service) Snapshot(ctx context.Context) Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.loc.String()}
	s.mu.Unlock()
	for _, name := range s.names() {
		s.mu.Lock()
		d := s.defs[name]
		s.mu.Unlock()
		if d == nil {
			continue
		}
		info := ScheduleInfo{Name: name, Schedule: d.Schedule, Window: d.Window}
		if st, ok, err := s.store.GetScheduledTask(ctx, name); err == nil && ok {
			info.Next = st.NextRunAt
			info.Last = st.LastRunAt
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	return snap
}

func (s *Service) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for name := range s.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Service) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func planKey(d Definition) string {
	if d.Window > 0 {
		return "window:" + d.Window.String()
	}
	return strings.TrimSpace(d.Schedule)
}
