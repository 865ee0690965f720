package coalesce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"threadbot/internal/event"
	"threadbot/internal/eventbus"
	"threadbot/internal/platform"
	"threadbot/internal/reasoning"
	"threadbot/internal/storage"
	"threadbot/internal/task/engine"
	"threadbot/internal/thread"
	logx "threadbot/pkg/logx"
)

// Dispatcher runs batch assemblies off the polling loop. Tasks carry the
// thread root as their key so one thread is never assembled twice at once.
// *engine.Service implements it.
type Dispatcher interface {
	Enqueue(t engine.Task) error
}

// ArtifactSink keeps an optional on-disk copy of ingested events.
type ArtifactSink interface {
	Put(ev event.Event) error
}

// Deps are the collaborators of an Engine. Pool, Bus and Artifacts are
// optional; without a pool batches run inline on the polling loop.
type Deps struct {
	Store     Store
	Feed      platform.Feed
	Fetcher   platform.Fetcher
	Submitter reasoning.Submitter
	Pool      Dispatcher
	Bus       eventbus.Bus
	Artifacts ArtifactSink
	Log       logx.Logger
	Now       func() time.Time
	// SessionID, when set, receives per-tick counters.
	SessionID string
}

// Stats are process-lifetime counters.
type Stats struct {
	Ingested   int64
	Duplicates int64
	Likes      int64
	Ignored    int64
	Batches    int64
	Fallbacks  int64
	Singles    int64
	Failures   int64
}

// TickReport summarizes one polling pass.
type TickReport struct {
	Ingested   int
	Duplicates int
	Dispatched int
	Singles    int
	Restarted  int
	Released   int
}

type Engine struct {
	cfg       Config
	store     Store
	feed      platform.Feed
	fetcher   platform.Fetcher
	submitter reasoning.Submitter
	pool      Dispatcher
	bus       eventbus.Bus
	artifacts ArtifactSink
	log       logx.Logger
	now       func() time.Time
	session   string

	machine   *Machine
	assembler *Assembler

	ingested, duplicates, likes, ignored   atomic.Int64
	batches, fallbacks, singles, failures atomic.Int64
}

func New(cfg Config, d Deps) *Engine {
	cfg = cfg.withDefaults()
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "coalesce"))
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	m := NewMachine(cfg, d.Store, log)
	return &Engine{
		cfg:       cfg,
		store:     d.Store,
		feed:      d.Feed,
		fetcher:   d.Fetcher,
		submitter: d.Submitter,
		pool:      d.Pool,
		bus:       d.Bus,
		artifacts: d.Artifacts,
		log:       log,
		now:       d.Now,
		session:   d.SessionID,
		machine:   m,
		assembler: NewAssembler(cfg, d.Store, d.Fetcher, d.Submitter, m, log),
	}
}

func (e *Engine) Machine() *Machine { return e.machine }

func (e *Engine) Stats() Stats {
	return Stats{
		Ingested:   e.ingested.Load(),
		Duplicates: e.duplicates.Load(),
		Likes:      e.likes.Load(),
		Ignored:    e.ignored.Load(),
		Batches:    e.batches.Load(),
		Fallbacks:  e.fallbacks.Load(),
		Singles:    e.singles.Load(),
		Failures:   e.failures.Load(),
	}
}

// Run polls every interval until ctx is done. Tick errors are logged and
// never stop the loop.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			e.log.Warn("tick failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Tick runs one pass: drain the feed, dispatch due threads, handle the
// single-event queue, then sweep expired cooldowns.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	var rep TickReport
	var errs []error
	before := e.Stats()

	if e.feed != nil {
		n, dup, err := e.drainFeed(ctx)
		rep.Ingested, rep.Duplicates = n, dup
		if err != nil {
			errs = append(errs, fmt.Errorf("drain feed: %w", err))
		}
	}
	if ctx.Err() != nil {
		return rep, ctx.Err()
	}

	n, err := e.DispatchDue(ctx)
	rep.Dispatched = n
	if err != nil {
		errs = append(errs, fmt.Errorf("dispatch due: %w", err))
	}

	n, err = e.ProcessSingles(ctx)
	rep.Singles = n
	if err != nil {
		errs = append(errs, fmt.Errorf("singles: %w", err))
	}

	res, err := e.machine.Expire(ctx, e.now())
	rep.Restarted, rep.Released = len(res.Restarted), len(res.Released)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire cooldowns: %w", err))
	}
	for _, d := range res.Restarted {
		e.bus.Publish(eventbus.Event{Type: eventbus.TopicDebounceStarted, Data: eventbus.Thread{RootID: d.RootID, Count: d.Count, Until: d.Until, Reason: d.Reason}})
	}
	for _, root := range res.Released {
		e.bus.Publish(eventbus.Event{Type: eventbus.TopicCooldownExpired, Data: eventbus.Thread{RootID: root}})
	}

	e.flushSession(ctx, before)
	return rep, errors.Join(errs...)
}

func (e *Engine) flushSession(ctx context.Context, before Stats) {
	if e.session == "" {
		return
	}
	after := e.Stats()
	di := after.Ingested - before.Ingested
	db := after.Batches - before.Batches
	ds := after.Singles - before.Singles
	if di == 0 && db == 0 && ds == 0 {
		return
	}
	if err := e.store.AddSessionCounts(ctx, e.session, di, db, ds); err != nil {
		e.log.Debug("session counters not saved", logx.Err(err))
	}
}

// drainFeed pages through the feed newest first and stops at the first page
// that brings nothing new.
func (e *Engine) drainFeed(ctx context.Context) (ingested, dups int, err error) {
	cursor := ""
	for page := 0; page < e.cfg.FeedPages; page++ {
		items, next, err := e.feed.ListNotifications(ctx, cursor, e.cfg.FeedLimit)
		if err != nil {
			return ingested, dups, err
		}
		fresh := 0
		for _, raw := range items {
			ok, err := e.Ingest(ctx, raw)
			if err != nil {
				e.log.Warn("ingest failed", logx.Err(err))
				continue
			}
			if ok {
				fresh++
			} else {
				dups++
			}
		}
		ingested += fresh
		if fresh == 0 || next == "" || len(items) == 0 {
			break
		}
		cursor = next
	}
	if ingested > 0 {
		if err := e.feed.UpdateSeen(ctx); err != nil {
			e.log.Debug("update seen failed", logx.Err(err))
		}
	}
	return ingested, dups, nil
}

// Ingest normalizes and stores one raw notification. It reports false for
// duplicates and dropped likes.
func (e *Engine) Ingest(ctx context.Context, raw json.RawMessage) (bool, error) {
	ev, err := event.Normalize(raw)
	if err != nil {
		return false, err
	}
	if ev.Class == event.ClassLike {
		e.likes.Add(1)
		return false, nil
	}
	_, inserted, err := e.IngestEvent(ctx, ev)
	return inserted, err
}

// IngestEvent stores ev and runs it through the thread state machine.
func (e *Engine) IngestEvent(ctx context.Context, ev event.Event) (Decision, bool, error) {
	now := e.now()
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = now
	}
	if err := e.store.InsertEvent(ctx, ev); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			e.duplicates.Add(1)
			return Decision{RootID: ev.RootID}, false, nil
		}
		return Decision{}, false, err
	}
	e.ingested.Add(1)
	e.bus.Publish(eventbus.Event{Type: eventbus.TopicEventIngested, Data: eventbus.Thread{RootID: ev.RootID, Reason: string(ev.Class)}})
	if e.artifacts != nil {
		if err := e.artifacts.Put(ev); err != nil {
			e.log.Debug("artifact write failed", logx.String("id", ev.ID), logx.Err(err))
		}
	}

	if reason := e.skipReason(ctx, ev); reason != "" {
		if err := e.store.MarkBatch(ctx, []string{ev.ID}, event.StatusIgnored, reason); err != nil {
			return Decision{}, true, err
		}
		e.ignored.Add(1)
		e.bus.Publish(eventbus.Event{Type: eventbus.TopicEventIgnored, Data: eventbus.Thread{RootID: ev.RootID, Reason: reason}})
		return Decision{RootID: ev.RootID}, true, nil
	}

	d, err := e.machine.Observe(ctx, ev, now)
	if err != nil {
		return d, true, fmt.Errorf("observe %s: %w", ev.ID, err)
	}
	switch d.Kind {
	case DecisionDebounceStart:
		e.bus.Publish(eventbus.Event{Type: eventbus.TopicDebounceStarted, Data: eventbus.Thread{RootID: d.RootID, Count: d.Count, Until: d.Until, Reason: d.Reason}})
	case DecisionDebounceExtend:
		e.bus.Publish(eventbus.Event{Type: eventbus.TopicDebounceExtend, Data: eventbus.Thread{RootID: d.RootID, Count: d.Count, Until: d.Until, Reason: d.Reason}})
	case DecisionCooldownHold:
		e.bus.Publish(eventbus.Event{Type: eventbus.TopicCooldownHold, Data: eventbus.Thread{RootID: d.RootID, Until: d.Until}})
	}
	return d, true, nil
}

func (e *Engine) skipReason(ctx context.Context, ev event.Event) string {
	if e.isSelf(ev) {
		return "self"
	}
	switch ev.Class {
	case event.ClassRepost:
		return "repost"
	case event.ClassReply:
		// A mention on the same parent already covers this reply.
		dup, err := e.store.PendingParentMention(ctx, ev.ParentID, ev.ID)
		if err != nil {
			e.log.Debug("parent mention lookup failed", logx.String("id", ev.ID), logx.Err(err))
			return ""
		}
		if dup {
			return "duplicate_parent"
		}
	}
	return ""
}

func (e *Engine) isSelf(ev event.Event) bool {
	if e.cfg.SelfDID != "" && ev.AuthorID == e.cfg.SelfDID {
		return true
	}
	return e.cfg.SelfHandle != "" && ev.AuthorHandle == e.cfg.SelfHandle
}

// DispatchDue hands every thread whose debounce ended to the pool, earliest
// first. Threads already queued or running are skipped and picked up on a
// later pass.
func (e *Engine) DispatchDue(ctx context.Context) (int, error) {
	due, err := e.store.DueDebouncing(ctx, e.now(), e.cfg.DueLimit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, st := range due {
		root := st.RootID
		if e.pool == nil {
			// runBatch logs and publishes its own failures.
			_ = e.runBatch(ctx, root)
			n++
			continue
		}
		err := e.pool.Enqueue(engine.Task{
			Name: "batch",
			Key:  root,
			Run:  func(ctx context.Context) error { return e.runBatch(ctx, root) },
		})
		switch {
		case err == nil:
			n++
		case engine.IsSkip(err):
			e.log.Trace("batch not dispatched", logx.String("root", root), logx.Err(err))
		default:
			return n, err
		}
	}
	return n, nil
}

func (e *Engine) runBatch(ctx context.Context, root string) error {
	out, err := e.assembler.Assemble(ctx, root, e.now())
	var attempt *AttemptError
	switch {
	case errors.Is(err, ErrEmptyBatch):
		e.log.Debug("due thread had no events", logx.String("root", root))
		return nil
	case errors.Is(err, ErrRetryExhausted):
		e.failures.Add(1)
		e.log.Error("batch failed permanently", logx.String("root", root), logx.Int("size", out.Size), logx.Err(err))
		e.bus.Publish(eventbus.Event{Type: eventbus.TopicBatchExhausted, Data: eventbus.Thread{RootID: root, BatchID: out.BatchID, Count: out.Size, Error: err.Error()}})
		return err
	case errors.As(err, &attempt):
		e.failures.Add(1)
		e.log.Warn("batch attempt failed", logx.String("root", root), logx.Int("attempt", attempt.Attempt), logx.Int("max", attempt.Max), logx.Err(attempt.Err))
		e.bus.Publish(eventbus.Event{Type: eventbus.TopicBatchFailed, Data: eventbus.Thread{RootID: root, BatchID: out.BatchID, Count: out.Size, Error: attempt.Err.Error()}})
		return err
	case err != nil:
		e.failures.Add(1)
		e.log.Warn("batch assembly failed", logx.String("root", root), logx.Err(err))
		return err
	case out.Fallback:
		e.fallbacks.Add(1)
		e.log.Debug("single remaining event returned to normal path", logx.String("root", root))
		e.bus.Publish(eventbus.Event{Type: eventbus.TopicBatchFallback, Data: eventbus.Thread{RootID: root, Count: 1}})
		return nil
	}
	e.batches.Add(1)
	e.bus.Publish(eventbus.Event{Type: eventbus.TopicBatchProcessed, Data: eventbus.Thread{RootID: root, BatchID: out.BatchID, Count: out.Size, Until: out.Until}})
	e.applyRequests(ctx, out.DebounceRequests)
	return nil
}

// ProcessSingles handles ready events outside any coalescing thread, one at
// a time.
func (e *Engine) ProcessSingles(ctx context.Context) (int, error) {
	evs, err := e.store.ListPending(ctx, e.now(), e.cfg.PendingLimit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range evs {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		// An earlier event of this pass may have settled this one.
		cur, ok, err := e.store.GetEvent(ctx, ev.ID)
		if err != nil {
			return n, err
		}
		if !ok || cur.Status.Terminal() || cur.AutoDebounced || cur.Debounced(e.now()) {
			continue
		}
		if e.handleSingle(ctx, cur) {
			n++
		}
	}
	return n, nil
}

// handleSingle reports whether ev reached a terminal status.
func (e *Engine) handleSingle(ctx context.Context, ev event.Event) bool {
	if ev.Class == event.ClassFollow {
		err := e.submitter.SubmitPrompt(ctx, reasoning.Prompt{
			Name: "follow",
			Text: fmt.Sprintf("@%s (%s) followed you.", ev.AuthorHandle, ev.AuthorID),
		})
		if err != nil {
			return e.retrySingle(ctx, ev, err)
		}
		return e.settle(ctx, ev, event.StatusProcessed, "")
	}

	tree, err := e.fetcher.FetchThread(ctx, ev.ID, platform.FetchOptions{Depth: e.cfg.ThreadDepth, ParentHeight: e.cfg.ParentHeight})
	if err != nil {
		if platform.IsNotFound(err) {
			e.log.Info("notified post is gone", logx.String("id", ev.ID))
			return e.settle(ctx, ev, event.StatusError, "post not found")
		}
		return e.retrySingle(ctx, ev, err)
	}

	// Answer the last part of a multi-post message rather than the first.
	target := ev.ID
	if last, ok := thread.LastConsecutiveByAuthor(tree, ev.ID, ev.AuthorID); ok {
		target = last.URI
	}
	s := reasoning.Single{Notification: notification(tree, ev, target)}
	if y, err := thread.RenderYAML(tree.Flatten(), true); err == nil {
		s.ThreadYAML = y
	}
	s.Prompt = reasoning.RenderSinglePrompt(s)

	out, err := e.submitter.SubmitSingle(ctx, s)
	if err != nil {
		if errors.Is(err, reasoning.ErrRejected) {
			return e.settle(ctx, ev, event.StatusError, err.Error())
		}
		return e.retrySingle(ctx, ev, err)
	}

	var rest []reasoning.DebounceRequest
	for _, r := range out.DebounceRequests {
		if r.URI == ev.ID || r.URI == target {
			if err := e.hold(ctx, ev.ID, r.Seconds, r.Reason); err != nil {
				e.log.Warn("agent hold failed", logx.String("id", ev.ID), logx.Err(err))
				continue
			}
			return false
		}
		rest = append(rest, r)
	}

	if !e.settle(ctx, ev, event.StatusProcessed, "") {
		return false
	}
	e.singles.Add(1)
	e.bus.Publish(eventbus.Event{Type: eventbus.TopicSingleProcessed, Data: eventbus.Thread{RootID: ev.RootID}})
	if target != ev.ID && len(out.RespondedURIs)+len(out.PostedURIs) > 0 {
		n, err := e.store.SuppressSiblings(ctx, ev.RootID, ev.AuthorID, ev.ObservedAt, e.cfg.SiblingWindow, ev.ID)
		if err != nil {
			e.log.Warn("sibling suppression failed", logx.String("id", ev.ID), logx.Err(err))
		} else if n > 0 {
			e.log.Debug("suppressed sibling notifications", logx.String("id", ev.ID), logx.Int("count", n))
		}
	}
	e.applyRequests(ctx, rest)
	return true
}

func (e *Engine) settle(ctx context.Context, ev event.Event, status event.Status, msg string) bool {
	if err := e.store.MarkBatch(ctx, []string{ev.ID}, status, msg); err != nil {
		e.log.Warn("status update failed", logx.String("id", ev.ID), logx.String("status", string(status)), logx.Err(err))
		return false
	}
	if status == event.StatusError {
		e.failures.Add(1)
		e.bus.Publish(eventbus.Event{Type: eventbus.TopicSingleFailed, Data: eventbus.Thread{RootID: ev.RootID, Error: msg}})
	}
	return true
}

// retrySingle holds ev with exponential backoff, or fails it once the
// attempt budget is spent.
func (e *Engine) retrySingle(ctx context.Context, ev event.Event, cause error) bool {
	attempt := ev.RetryCount + 1
	if attempt >= e.cfg.MaxAttempts {
		e.log.Error("single event failed permanently", logx.String("id", ev.ID), logx.Int("attempts", attempt), logx.Err(cause))
		return e.settle(ctx, ev, event.StatusError, cause.Error())
	}
	now := e.now()
	if err := e.store.IncrementRetry(ctx, []string{ev.ID}, now); err != nil {
		e.log.Warn("increment retry failed", logx.String("id", ev.ID), logx.Err(err))
	}
	wait := e.cfg.SingleRetryBase << ev.RetryCount
	if err := e.store.HoldEvent(ctx, ev.ID, now.Add(wait), "retry"); err != nil {
		e.log.Warn("retry hold failed", logx.String("id", ev.ID), logx.Err(err))
	}
	e.log.Warn("single event failed, will retry",
		logx.String("id", ev.ID), logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(cause))
	return false
}

// RequestDebounce holds one notification for d (or the configured default)
// so it is handled later with a more complete thread. Events already owned
// by a coalescing thread are left alone.
func (e *Engine) RequestDebounce(ctx context.Context, uri string, d time.Duration, reason string) error {
	if d <= 0 {
		d = e.cfg.RequestedDebounce
	}
	if reason == "" {
		reason = "incomplete_thread"
	}
	ev, ok, err := e.store.GetEvent(ctx, uri)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("debounce %s: %w", uri, storage.ErrNotFound)
	}
	if ev.Status.Terminal() || ev.AutoDebounced {
		return nil
	}
	until := e.now().Add(d)
	if err := e.store.HoldEvent(ctx, uri, until, reason); err != nil {
		return err
	}
	e.log.Info("notification debounced on request", logx.String("id", uri), logx.Time("until", until), logx.String("reason", reason))
	return nil
}

func (e *Engine) hold(ctx context.Context, uri string, seconds int, reason string) error {
	return e.RequestDebounce(ctx, uri, time.Duration(seconds)*time.Second, reason)
}

func (e *Engine) applyRequests(ctx context.Context, reqs []reasoning.DebounceRequest) {
	for _, r := range reqs {
		if err := e.hold(ctx, r.URI, r.Seconds, r.Reason); err != nil {
			e.log.Debug("debounce request ignored", logx.String("uri", r.URI), logx.Err(err))
		}
	}
}
