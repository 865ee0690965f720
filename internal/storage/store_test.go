package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"threadbot/internal/event"
	logx "threadbot/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mkEvent(id, root string, class event.Class, at time.Time) event.Event {
	return event.Event{
		ID: id, ObservedAt: at, Class: class, AuthorID: "did:a", AuthorHandle: "a.test",
		Text: "text " + id, RootID: root, ChainID: root, ParentID: root,
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	ev := mkEvent("e1", "r1", event.ClassMention, t0)
	if err := st.InsertEvent(ctx, ev); err != nil {
		t.Fatalf("insert: %v", err)
	}
	again := ev
	again.Text = "changed"
	again.ObservedAt = t0.Add(time.Hour)
	if err := st.InsertEvent(ctx, again); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second insert err=%v want ErrDuplicate", err)
	}

	got, ok, err := st.GetEvent(ctx, "e1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Text != "text e1" || !got.ObservedAt.Equal(t0) || got.Status != event.StatusPending {
		t.Fatalf("original fields changed: %+v", got)
	}
	all, err := st.FetchForThread(ctx, "r1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("rows=%d want 1", len(all))
	}
}

func TestCountRecent(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	now := t0
	evs := []event.Event{
		mkEvent("m1", "r", event.ClassMention, now.Add(-10*time.Minute)),
		mkEvent("m2", "r", event.ClassReply, now.Add(-59*time.Minute)),
		mkEvent("old", "r", event.ClassReply, now.Add(-61*time.Minute)),
		mkEvent("like", "r", event.ClassLike, now.Add(-time.Minute)),
		mkEvent("other", "r2", event.ClassReply, now.Add(-time.Minute)),
	}
	for _, ev := range evs {
		if err := st.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("insert %s: %v", ev.ID, err)
		}
	}
	n, err := st.CountRecent(ctx, "r", time.Hour, now)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("count=%d want 2", n)
	}
}

func TestMarkBatchAllOrNothing(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := st.InsertEvent(ctx, mkEvent(id, "r", event.ClassReply, t0)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := st.MarkBatch(ctx, []string{"c"}, event.StatusIgnored, ""); err != nil {
		t.Fatalf("mark c: %v", err)
	}

	// c is ignored and cannot move to processed: whole batch must be rejected.
	err := st.MarkBatch(ctx, []string{"a", "b", "c"}, event.StatusProcessed, "")
	if !errors.Is(err, ErrBatchConflict) {
		t.Fatalf("err=%v want ErrBatchConflict", err)
	}
	for _, id := range []string{"a", "b"} {
		ev, _, _ := st.GetEvent(ctx, id)
		if ev.Status != event.StatusPending {
			t.Fatalf("%s status=%s after rejected batch", id, ev.Status)
		}
	}

	if err := st.MarkBatch(ctx, []string{"a", "b", "missing"}, event.StatusProcessed, ""); !errors.Is(err, ErrBatchConflict) {
		t.Fatalf("missing id err=%v", err)
	}

	if err := st.MarkBatch(ctx, []string{"a", "b", "a"}, event.StatusProcessed, ""); err != nil {
		t.Fatalf("mark: %v", err)
	}
	ev, _, _ := st.GetEvent(ctx, "a")
	if ev.Status != event.StatusProcessed || ev.ProcessedAt.IsZero() {
		t.Fatalf("unexpected a: %+v", ev)
	}
	// Repeating the same transition is safe.
	if err := st.MarkBatch(ctx, []string{"a", "b"}, event.StatusProcessed, ""); err != nil {
		t.Fatalf("repeat mark: %v", err)
	}
}

func TestDebounceAndPendingQueue(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := st.InsertEvent(ctx, mkEvent(id, "r", event.ClassReply, t0)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := st.SetDebounce(ctx, "a", t0.Add(time.Hour), "high_traffic_reply", "r", true); err != nil {
		t.Fatalf("debounce: %v", err)
	}
	if err := st.HoldEvent(ctx, "b", t0.Add(10*time.Minute), "incomplete_thread"); err != nil {
		t.Fatalf("hold: %v", err)
	}

	got, err := st.ListPending(ctx, t0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("pending=%v want [c]", ids(got))
	}

	got, _ = st.ListPending(ctx, t0.Add(11*time.Minute), 10)
	if len(got) != 2 {
		t.Fatalf("pending after hold=%v want [b c]", ids(got))
	}

	a, _, _ := st.GetEvent(ctx, "a")
	if !a.AutoDebounced || !a.HighTraffic || a.DebounceReason != "high_traffic_reply" {
		t.Fatalf("debounce fields: %+v", a)
	}
	if err := st.ClearDebounce(ctx, []string{"a"}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	a, _, _ = st.GetEvent(ctx, "a")
	if a.AutoDebounced || a.HighTraffic || !a.DebounceUntil.IsZero() {
		t.Fatalf("flags not cleared: %+v", a)
	}
	if err := st.SetDebounce(ctx, "missing", t0, "x", "r", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing debounce err=%v", err)
	}
}

func TestSuppressSiblings(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	evs := []event.Event{
		mkEvent("orig", "r", event.ClassReply, t0),
		mkEvent("near", "r", event.ClassReply, t0.Add(90*time.Second)),
		mkEvent("far", "r", event.ClassReply, t0.Add(5*time.Minute)),
	}
	other := mkEvent("other", "r", event.ClassReply, t0.Add(10*time.Second))
	other.AuthorID = "did:b"
	evs = append(evs, other)
	for _, ev := range evs {
		if err := st.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	n, err := st.SuppressSiblings(ctx, "r", "did:a", t0, 120*time.Second, "orig")
	if err != nil {
		t.Fatalf("suppress: %v", err)
	}
	if n != 1 {
		t.Fatalf("suppressed=%d want 1", n)
	}
	near, _, _ := st.GetEvent(ctx, "near")
	far, _, _ := st.GetEvent(ctx, "far")
	orig, _, _ := st.GetEvent(ctx, "orig")
	if near.Status != event.StatusProcessed || far.Status != event.StatusPending || orig.Status != event.StatusPending {
		t.Fatalf("statuses near=%s far=%s orig=%s", near.Status, far.Status, orig.Status)
	}
}

func TestThreadStateAndHistory(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	ts := ThreadState{
		RootID: "r", Phase: PhaseDebouncing, WaitStartedAt: t0, WaitUntil: t0.Add(7 * time.Minute),
		EventCount: 6, LastEventAt: t0,
	}
	if err := st.PutThreadState(ctx, ts); err != nil {
		t.Fatalf("put: %v", err)
	}
	due, err := st.DueDebouncing(ctx, t0.Add(6*time.Minute), 10)
	if err != nil || len(due) != 0 {
		t.Fatalf("due early=%v err=%v", due, err)
	}
	due, _ = st.DueDebouncing(ctx, t0.Add(7*time.Minute), 10)
	if len(due) != 1 || !due[0].WaitStartedAt.Equal(t0) || due[0].EventCount != 6 {
		t.Fatalf("due=%+v", due)
	}

	ts.Phase = PhaseCooldown
	ts.CooldownUntil = t0.Add(time.Hour)
	if err := st.PutThreadState(ctx, ts); err != nil {
		t.Fatalf("put cooldown: %v", err)
	}
	exp, _ := st.ExpiredCooldowns(ctx, t0.Add(time.Hour))
	if len(exp) != 1 {
		t.Fatalf("expired=%d", len(exp))
	}
	if err := st.DeleteThreadState(ctx, "r"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := st.GetThreadState(ctx, "r"); ok {
		t.Fatalf("state not deleted")
	}

	if err := st.BumpBatchHistory(ctx, "r", t0, t0.Add(time.Minute)); err != nil {
		t.Fatalf("bump: %v", err)
	}
	if err := st.BumpBatchHistory(ctx, "r", t0.Add(time.Hour), t0); err != nil {
		t.Fatalf("bump older: %v", err)
	}
	h, ok, err := st.GetBatchHistory(ctx, "r")
	if err != nil || !ok {
		t.Fatalf("history ok=%v err=%v", ok, err)
	}
	if !h.NewestSeenAt.Equal(t0.Add(time.Minute)) || !h.LastBatchAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("history=%+v", h)
	}
}

func TestCleanupOnlyTerminal(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	for _, id := range []string{"done", "open"} {
		if err := st.InsertEvent(ctx, mkEvent(id, "r", event.ClassReply, t0)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	st.now = func() time.Time { return t0 }
	if err := st.MarkBatch(ctx, []string{"done"}, event.StatusProcessed, ""); err != nil {
		t.Fatalf("mark: %v", err)
	}
	n, err := st.Cleanup(ctx, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed=%d want 1", n)
	}
	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || stats.ByStatus["pending"] != 1 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestScheduledTaskRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	task := ScheduledTask{
		Name: "daily_review", Schedule: "every:24h", NextRunAt: t0, Interval: 24 * time.Hour,
		IsRandomWindow: true, Window: 2 * time.Hour, Enabled: true,
	}
	if err := st.PutScheduledTask(ctx, task); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.MarkTaskExecuted(ctx, "daily_review", t0, t0.Add(25*time.Hour)); err != nil {
		t.Fatalf("mark: %v", err)
	}
	got, ok, err := st.GetScheduledTask(ctx, "daily_review")
	if err != nil || !ok {
		t.Fatalf("get ok=%v err=%v", ok, err)
	}
	if !got.NextRunAt.Equal(t0.Add(25*time.Hour)) || !got.LastRunAt.Equal(t0) || got.Window != 2*time.Hour || !got.IsRandomWindow {
		t.Fatalf("task=%+v", got)
	}
	if err := st.MarkTaskExecuted(ctx, "nope", t0, t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing task err=%v", err)
	}
}

func TestSessions(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	if err := st.StartSession(ctx, "s1", t0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := st.AddSessionCounts(ctx, "s1", 5, 1, 2); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := st.StopSession(ctx, "s1", t0.Add(time.Hour)); err != nil {
		t.Fatalf("stop: %v", err)
	}
	s, ok, err := st.GetSession(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("get ok=%v err=%v", ok, err)
	}
	if s.EventsIngested != 5 || s.BatchesProcessed != 1 || s.SinglesProcessed != 2 || !s.StoppedAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("session=%+v", s)
	}
}

func TestNilStoreIsDisabled(t *testing.T) {
	t.Parallel()
	var st *Store
	if err := st.InsertEvent(context.Background(), event.Event{ID: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v want ErrDisabled", err)
	}
}

func TestArtifactCacheSweep(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	cache, err := OpenArtifactCache(filepath.Join(t.TempDir(), "queue"), logx.Nop())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	a := mkEvent("a", "r", event.ClassReply, t0)
	b := mkEvent("b", "r", event.ClassReply, t0)
	for _, ev := range []event.Event{a, b} {
		if err := st.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := cache.Put(ev); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := st.MarkBatch(ctx, []string{"a"}, event.StatusProcessed, ""); err != nil {
		t.Fatalf("mark: %v", err)
	}
	n, err := cache.Sweep(ctx, st)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed=%d want 1", n)
	}
}

func ids(evs []event.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.ID)
	}
	return out
}
