package coalesce

import (
	"context"
	"fmt"
	"time"

	"threadbot/internal/event"
	"threadbot/internal/storage"
	logx "threadbot/pkg/logx"
)

// DecisionKind says what Observe did with an event.
type DecisionKind int

const (
	// DecisionNone leaves the event on the single-event path.
	DecisionNone DecisionKind = iota
	DecisionDebounceStart
	DecisionDebounceExtend
	DecisionCooldownHold
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionDebounceStart:
		return "debounce_start"
	case DecisionDebounceExtend:
		return "debounce_extend"
	case DecisionCooldownHold:
		return "cooldown_hold"
	}
	return "none"
}

// CooldownReason marks events that arrived while their thread cooled down.
const CooldownReason = "thread_cooldown"

type Decision struct {
	Kind   DecisionKind
	RootID string
	Count  int
	Until  time.Time
	Reason string
}

// Machine owns the persisted per-thread coalescing state.
//
//	Absent     --count >= threshold-->  Debouncing
//	Debouncing --qualifying event-->    Debouncing (wait_until only moves later)
//	Debouncing --batch succeeded-->     Cooldown
//	Cooldown   --event before end-->    Cooldown (event held)
//	Cooldown   --expired, breach-->     Debouncing (new cycle)
//	Cooldown   --expired, no breach-->  Absent
//
// Every read-modify-write of a thread's row happens under that thread's
// lock. Observe and Expire take it themselves; the assembler takes it around
// its claim and settle steps and calls EnterCooldown, RecordFailure and Clear
// while holding it.
type Machine struct {
	cfg      Config
	store    Store
	detector *Detector
	log      logx.Logger
	locks    threadLocks
}

func NewMachine(cfg Config, store Store, log logx.Logger) *Machine {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Machine{cfg: cfg, store: store, detector: NewDetector(cfg, store), log: log}
}

// Observe applies one stored event to its thread's state. Only qualifying
// events are considered.
func (m *Machine) Observe(ctx context.Context, ev event.Event, now time.Time) (Decision, error) {
	root := ev.RootID
	d := Decision{RootID: root}
	if !m.cfg.Enabled || !ev.Class.Qualifying() || root == "" {
		return d, nil
	}

	unlock := m.lockThread(root)
	defer unlock()

	st, ok, err := m.store.GetThreadState(ctx, root)
	if err != nil {
		return d, err
	}
	if ok && st.Phase == storage.PhaseCooldown {
		if now.Before(st.CooldownUntil) {
			return m.holdForCooldown(ctx, ev, st, now)
		}
		// Expired but not swept yet: settle the row now so its held events
		// are not stranded, then treat ev against the resulting state.
		if _, _, err := m.expireRow(ctx, st, now); err != nil {
			return d, err
		}
		if st, ok, err = m.store.GetThreadState(ctx, root); err != nil {
			return d, err
		}
	}

	high, count, err := m.detector.IsHighTraffic(ctx, root, now)
	if err != nil {
		return d, err
	}
	d.Count = count

	if ok && st.Phase == storage.PhaseDebouncing {
		return m.extend(ctx, ev, st, count, now)
	}
	if !high {
		return d, nil
	}
	return m.start(ctx, root, ev.Class, count, now)
}

func (m *Machine) start(ctx context.Context, root string, class event.Class, count int, now time.Time) (Decision, error) {
	until := now.Add(m.cfg.WaitFor(count, class))
	reason := ReasonFor(class)

	// Earlier events of the thread still waiting on the single path join
	// the batch.
	evs, err := m.store.FetchForThread(ctx, root)
	if err != nil {
		return Decision{RootID: root}, err
	}
	attached := 0
	for _, e := range actionable(evs) {
		if e.AutoDebounced || !e.Class.Qualifying() {
			continue
		}
		if err := m.store.SetDebounce(ctx, e.ID, until, reason, root, true); err != nil {
			return Decision{RootID: root}, err
		}
		attached++
	}

	st := storage.ThreadState{
		RootID:        root,
		Phase:         storage.PhaseDebouncing,
		WaitStartedAt: now,
		WaitUntil:     until,
		EventCount:    attached,
		LastEventAt:   now,
		UpdatedAt:     now,
	}
	if err := m.store.PutThreadState(ctx, st); err != nil {
		return Decision{RootID: root}, err
	}
	m.log.Info("thread debounce started",
		logx.String("root", root), logx.Int("count", count), logx.Time("wait_until", until), logx.String("reason", reason))
	return Decision{Kind: DecisionDebounceStart, RootID: root, Count: count, Until: until, Reason: reason}, nil
}

func (m *Machine) extend(ctx context.Context, ev event.Event, st storage.ThreadState, count int, now time.Time) (Decision, error) {
	// The wait is measured from the cycle start so late arrivals cannot push
	// the batch out indefinitely.
	until := st.WaitStartedAt.Add(m.cfg.WaitFor(count, ev.Class))
	if until.Before(st.WaitUntil) {
		until = st.WaitUntil
	}
	reason := ReasonFor(ev.Class)
	if err := m.store.SetDebounce(ctx, ev.ID, until, reason, st.RootID, true); err != nil {
		return Decision{RootID: st.RootID}, err
	}
	st.WaitUntil = until
	st.EventCount++
	st.LastEventAt = now
	st.UpdatedAt = now
	if err := m.store.PutThreadState(ctx, st); err != nil {
		return Decision{RootID: st.RootID}, err
	}
	m.log.Debug("thread debounce extended",
		logx.String("root", st.RootID), logx.Int("count", count), logx.Time("wait_until", until))
	return Decision{Kind: DecisionDebounceExtend, RootID: st.RootID, Count: count, Until: until, Reason: reason}, nil
}

func (m *Machine) holdForCooldown(ctx context.Context, ev event.Event, st storage.ThreadState, now time.Time) (Decision, error) {
	if err := m.store.SetDebounce(ctx, ev.ID, st.CooldownUntil, CooldownReason, st.RootID, true); err != nil {
		return Decision{RootID: st.RootID}, err
	}
	st.EventCount++
	st.LastEventAt = now
	st.UpdatedAt = now
	if err := m.store.PutThreadState(ctx, st); err != nil {
		return Decision{RootID: st.RootID}, err
	}
	return Decision{Kind: DecisionCooldownHold, RootID: st.RootID, Until: st.CooldownUntil, Reason: CooldownReason}, nil
}

// EnterCooldown moves a thread to Cooldown after a successful batch.
func (m *Machine) EnterCooldown(ctx context.Context, rootID string, now time.Time) (time.Time, error) {
	until := now.Add(m.cfg.Window)
	err := m.store.PutThreadState(ctx, storage.ThreadState{
		RootID:        rootID,
		Phase:         storage.PhaseCooldown,
		CooldownUntil: until,
		LastEventAt:   now,
		UpdatedAt:     now,
	})
	return until, err
}

// Clear drops a thread's state row.
func (m *Machine) Clear(ctx context.Context, rootID string) error {
	return m.store.DeleteThreadState(ctx, rootID)
}

// RecordFailure persists one failed batch attempt. The thread stays
// Debouncing with its past wait_until so the next pass retries it.
func (m *Machine) RecordFailure(ctx context.Context, st storage.ThreadState, now time.Time) (storage.ThreadState, error) {
	st.Phase = storage.PhaseDebouncing
	st.Attempts++
	st.UpdatedAt = now
	if st.WaitStartedAt.IsZero() {
		st.WaitStartedAt = now
	}
	if st.WaitUntil.IsZero() || st.WaitUntil.After(now) {
		st.WaitUntil = now
	}
	return st, m.store.PutThreadState(ctx, st)
}

func (m *Machine) lockThread(root string) func() { return m.locks.lock(root) }

// ExpireResult summarizes one cooldown sweep.
type ExpireResult struct {
	Restarted []Decision
	Released  []string
	// Freed lists events handed back to the single-event path.
	Freed int
}

// Expire ends cooldowns that have run out. A thread whose held events still
// breach the threshold starts a new debounce cycle; otherwise its held
// events are released and the thread returns to Absent.
func (m *Machine) Expire(ctx context.Context, now time.Time) (ExpireResult, error) {
	var res ExpireResult
	rows, err := m.store.ExpiredCooldowns(ctx, now)
	if err != nil {
		return res, err
	}
	for _, row := range rows {
		restarted, freed, err := m.expireLocked(ctx, row.RootID, now)
		if err != nil {
			return res, err
		}
		switch {
		case restarted != nil:
			res.Restarted = append(res.Restarted, *restarted)
		case freed >= 0:
			res.Released = append(res.Released, row.RootID)
			res.Freed += freed
		}
	}
	return res, nil
}

// expireLocked re-reads the row under the thread lock, since Observe may
// have settled it after the sweep query. freed is -1 when nothing was done.
func (m *Machine) expireLocked(ctx context.Context, root string, now time.Time) (*Decision, int, error) {
	unlock := m.lockThread(root)
	defer unlock()
	st, ok, err := m.store.GetThreadState(ctx, root)
	if err != nil {
		return nil, -1, err
	}
	if !ok || st.Phase != storage.PhaseCooldown || now.Before(st.CooldownUntil) {
		return nil, -1, nil
	}
	return m.expireRow(ctx, st, now)
}

// expireRow ends one lapsed cooldown. It either restarts debouncing with the
// held events or releases them to the single-event path and drops the row.
// The caller holds the thread lock.
func (m *Machine) expireRow(ctx context.Context, st storage.ThreadState, now time.Time) (*Decision, int, error) {
	held, err := m.store.ListHeld(ctx, st.RootID)
	if err != nil {
		return nil, -1, fmt.Errorf("held events for %s: %w", st.RootID, err)
	}
	high, count, err := m.detector.IsHighTraffic(ctx, st.RootID, now)
	if err != nil {
		return nil, -1, err
	}
	if len(held) > 0 && high {
		class := held[len(held)-1].Class
		until := now.Add(m.cfg.WaitFor(count, class))
		reason := ReasonFor(class)
		for _, ev := range held {
			if err := m.store.SetDebounce(ctx, ev.ID, until, reason, st.RootID, true); err != nil {
				return nil, -1, err
			}
		}
		next := storage.ThreadState{
			RootID:        st.RootID,
			Phase:         storage.PhaseDebouncing,
			WaitStartedAt: now,
			WaitUntil:     until,
			EventCount:    len(held),
			LastEventAt:   st.LastEventAt,
			UpdatedAt:     now,
		}
		if err := m.store.PutThreadState(ctx, next); err != nil {
			return nil, -1, err
		}
		m.log.Info("thread re-entered debounce after cooldown",
			logx.String("root", st.RootID), logx.Int("held", len(held)), logx.Int("count", count))
		return &Decision{Kind: DecisionDebounceStart, RootID: st.RootID, Count: count, Until: until, Reason: reason}, 0, nil
	}
	if err := m.store.ClearDebounce(ctx, eventIDs(held)); err != nil {
		return nil, -1, err
	}
	if err := m.store.DeleteThreadState(ctx, st.RootID); err != nil {
		return nil, -1, err
	}
	return nil, len(held), nil
}
