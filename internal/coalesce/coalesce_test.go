package coalesce

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"threadbot/internal/event"
	"threadbot/internal/platform"
	"threadbot/internal/reasoning"
	"threadbot/internal/storage"
	"threadbot/internal/thread"
)

func rootPost() thread.Post {
	return thread.Post{URI: "at://root", AuthorID: "did:bob", AuthorHandle: "bob", Text: "root", IndexedAt: t0.Add(-time.Hour)}
}

func TestWaitFor(t *testing.T) {
	t.Parallel()

	cfg := Config{Threshold: 6, MentionMin: 7 * time.Minute, MentionMax: 30 * time.Minute, ReplyMin: time.Hour, ReplyMax: 3 * time.Hour}
	tests := []struct {
		count int
		class event.Class
		want  time.Duration
	}{
		{3, event.ClassMention, 7 * time.Minute},
		{6, event.ClassMention, 7 * time.Minute},
		{12, event.ClassMention, 18*time.Minute + 30*time.Second},
		{18, event.ClassMention, 30 * time.Minute},
		{100, event.ClassMention, 30 * time.Minute},
		{12, event.ClassReply, 2 * time.Hour},
		{6, event.ClassReply, time.Hour},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%d", tt.class, tt.count), func(t *testing.T) {
			t.Parallel()
			if got := cfg.WaitFor(tt.count, tt.class); got != tt.want {
				t.Fatalf("WaitFor(%d,%s)=%s want %s", tt.count, tt.class, got, tt.want)
			}
		})
	}

	zero := Config{MentionMin: time.Minute, MentionMax: 2 * time.Minute}
	if got := zero.WaitFor(5, event.ClassMention); got != 2*time.Minute {
		t.Fatalf("threshold 0 treated as 1: got %s", got)
	}
}

func TestWaitExtendsFromCycleStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Threshold: 6, Window: time.Hour, MentionMin: 7 * time.Minute, MentionMax: 30 * time.Minute})
	h.fetch.add(rootPost())

	var d Decision
	for i := range 6 {
		d = h.notify(t, fmt.Sprintf("at://m%d", i), event.ClassMention, "u"+fmt.Sprint(i), "at://root")
		if i < 5 && d.Kind != DecisionNone {
			t.Fatalf("event %d decided %s before threshold", i, d.Kind)
		}
	}
	if d.Kind != DecisionDebounceStart || !d.Until.Equal(t0.Add(7*time.Minute)) {
		t.Fatalf("start decision=%+v", d)
	}

	h.clock.Advance(2 * time.Minute)
	for i := 6; i < 12; i++ {
		d = h.notify(t, fmt.Sprintf("at://m%d", i), event.ClassMention, "u"+fmt.Sprint(i), "at://root")
		if d.Kind != DecisionDebounceExtend {
			t.Fatalf("event %d decided %s", i, d.Kind)
		}
	}

	st, ok := h.thread(t)
	if !ok || st.Phase != storage.PhaseDebouncing {
		t.Fatalf("state=%+v ok=%v", st, ok)
	}
	if !st.WaitStartedAt.Equal(t0) {
		t.Fatalf("wait_started_at moved: %s", st.WaitStartedAt)
	}
	if want := t0.Add(18*time.Minute + 30*time.Second); !st.WaitUntil.Equal(want) {
		t.Fatalf("wait_until=%s want %s", st.WaitUntil, want)
	}
	if n, _ := h.eng.ProcessSingles(context.Background()); n != 0 {
		t.Fatalf("debounced events leaked to the single path: %d", n)
	}
}

func TestDeferralIsBounded(t *testing.T) {
	t.Parallel()

	cfg := Config{Threshold: 2, Window: time.Hour, MentionMin: time.Minute, MentionMax: 3 * time.Minute, ReplyMin: 2 * time.Minute, ReplyMax: 5 * time.Minute}
	h := newHarness(t, cfg)
	h.fetch.add(rootPost())

	var last time.Time
	for i := range 40 {
		class := event.ClassMention
		if i%3 == 0 {
			class = event.ClassReply
		}
		h.notify(t, fmt.Sprintf("at://p%d", i), class, "u", "at://root")
		h.clock.Advance(20 * time.Second)

		st, ok := h.thread(t)
		if !ok {
			continue
		}
		if limit := st.WaitStartedAt.Add(5 * time.Minute); st.WaitUntil.After(limit) {
			t.Fatalf("event %d: wait_until %s beyond %s", i, st.WaitUntil, limit)
		}
		if st.WaitUntil.Before(last) {
			t.Fatalf("event %d: wait_until moved backwards", i)
		}
		last = st.WaitUntil
	}
}

func TestCooldownSuppressesRetrigger(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Threshold: 3, Window: time.Hour, MentionMin: 5 * time.Minute, MentionMax: 10 * time.Minute})
	h.fetch.add(rootPost())
	for i := range 3 {
		h.notify(t, fmt.Sprintf("at://a%d", i), event.ClassMention, "u", "at://root")
	}

	h.clock.Advance(6 * time.Minute)
	if rep := h.tick(t); rep.Dispatched != 1 {
		t.Fatalf("first tick=%+v", rep)
	}
	if b, _ := h.sub.counts(); b != 1 {
		t.Fatalf("batches=%d want 1", b)
	}
	st, ok := h.thread(t)
	if !ok || st.Phase != storage.PhaseCooldown {
		t.Fatalf("state after batch=%+v", st)
	}
	cooldownEnd := st.CooldownUntil

	h.clock.Advance(20 * time.Minute)
	for i := range 20 {
		if d := h.notify(t, fmt.Sprintf("at://c%d", i), event.ClassMention, "v", "at://root"); d.Kind != DecisionCooldownHold {
			t.Fatalf("cooldown event %d decided %s", i, d.Kind)
		}
	}
	h.tick(t)
	if b, s := h.sub.counts(); b != 1 || s != 0 {
		t.Fatalf("during cooldown batches=%d singles=%d", b, s)
	}

	h.clock.Advance(cooldownEnd.Sub(h.clock.Now()) + time.Second)
	rep := h.tick(t)
	if rep.Restarted != 1 {
		t.Fatalf("tick after cooldown=%+v", rep)
	}
	st, _ = h.thread(t)
	if st.Phase != storage.PhaseDebouncing || !st.WaitStartedAt.Equal(h.clock.Now()) {
		t.Fatalf("new cycle state=%+v now=%s", st, h.clock.Now())
	}
	if b, _ := h.sub.counts(); b != 1 {
		t.Fatalf("second batch sent before the new wait elapsed")
	}

	h.clock.Advance(11 * time.Minute)
	h.tick(t)
	if b, _ := h.sub.counts(); b != 2 {
		t.Fatalf("batches=%d want 2", b)
	}
	if got := len(h.sub.batches[1].Notifications); got != 20 {
		t.Fatalf("second batch notifications=%d want 20", got)
	}
}

func TestCooldownReleasesQuietThread(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Threshold: 3, Window: 10 * time.Minute, MentionMin: time.Minute, MentionMax: 2 * time.Minute})
	h.fetch.add(rootPost())
	for i := range 3 {
		h.notify(t, fmt.Sprintf("at://a%d", i), event.ClassMention, "u", "at://root")
	}
	h.clock.Advance(2 * time.Minute)
	h.tick(t)

	h.clock.Advance(time.Minute)
	h.notify(t, "at://late", event.ClassMention, "w", "at://root")

	h.clock.Advance(10 * time.Minute)
	if rep := h.tick(t); rep.Released != 1 {
		t.Fatalf("tick=%+v", rep)
	}
	if _, ok := h.thread(t); ok {
		t.Fatalf("thread state should be gone")
	}
	if rep := h.tick(t); rep.Singles != 1 {
		t.Fatalf("released event not handled: %+v", rep)
	}
	if got := h.status(t, "at://late"); got != event.StatusProcessed {
		t.Fatalf("late event status=%s", got)
	}
}

func TestExpiredCooldownReleasesHeldOnIngest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Threshold: 3, Window: 10 * time.Minute, MentionMin: time.Minute, MentionMax: 2 * time.Minute})
	h.fetch.add(rootPost())
	for i := range 3 {
		h.notify(t, fmt.Sprintf("at://a%d", i), event.ClassMention, "u", "at://root")
	}
	h.clock.Advance(2 * time.Minute)
	h.tick(t)

	h.clock.Advance(time.Minute)
	if d := h.notify(t, "at://late", event.ClassMention, "w", "at://root"); d.Kind != DecisionCooldownHold {
		t.Fatalf("late decision=%s", d.Kind)
	}

	// The cooldown has ended but no sweep ran before the next event.
	h.clock.Advance(11 * time.Minute)
	if d := h.notify(t, "at://after", event.ClassMention, "x", "at://root"); d.Kind != DecisionNone {
		t.Fatalf("after decision=%s", d.Kind)
	}
	if _, ok := h.thread(t); ok {
		t.Fatalf("thread state should be gone")
	}
	for range 3 {
		h.tick(t)
		h.clock.Advance(time.Minute)
	}
	for _, id := range []string{"at://late", "at://after"} {
		if got := h.status(t, id); got != event.StatusProcessed {
			t.Fatalf("%s status=%s", id, got)
		}
	}
}

func TestIngestDuringBatchKeepsCooldown(t *testing.T) {
	t.Parallel()

	cfg := Config{Threshold: 3, Window: time.Hour, MentionMin: 5 * time.Minute, MentionMax: 10 * time.Minute}
	h := newHarness(t, cfg)
	hs := &hookStore{Store: h.store}
	cfg.Enabled = true
	h.eng = New(cfg, Deps{Store: hs, Fetcher: h.fetch, Submitter: h.sub, Now: h.clock.Now})

	h.fetch.add(rootPost())
	for i := range 3 {
		h.notify(t, fmt.Sprintf("at://a%d", i), event.ClassMention, "u", "at://root")
	}
	h.clock.Advance(6 * time.Minute)

	// Start the batch while the next event is being observed.
	done := make(chan error, 1)
	hs.arm(func() {
		go func() { done <- h.eng.runBatch(context.Background(), "at://root") }()
		select {
		case err := <-done:
			done <- err
		case <-time.After(200 * time.Millisecond):
		}
	})
	h.notify(t, "at://x", event.ClassMention, "v", "at://root")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("batch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("batch did not finish")
	}
	st, ok := h.thread(t)
	if !ok || st.Phase != storage.PhaseCooldown || st.CooldownUntil.IsZero() {
		t.Fatalf("thread state=%+v ok=%v", st, ok)
	}
	if b, _ := h.sub.counts(); b != 1 {
		t.Fatalf("batches=%d want 1", b)
	}
}

func TestBatchSeparatesEarlierContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Threshold: 2, Window: 10 * time.Minute, MentionMin: time.Minute, MentionMax: 2 * time.Minute})
	h.fetch.add(rootPost(), thread.Post{URI: "at://old", AuthorID: "did:carol", AuthorHandle: "carol", Text: "before", IndexedAt: t0.Add(-10 * time.Minute), ParentURI: "at://root"})
	h.notify(t, "at://e1", event.ClassMention, "u1", "at://root")
	h.clock.Advance(10 * time.Second)
	h.fetch.add(thread.Post{URI: "at://mid", AuthorID: "did:dave", AuthorHandle: "dave", Text: "during", IndexedAt: h.clock.Now(), ParentURI: "at://root"})
	h.clock.Advance(10 * time.Second)
	h.notify(t, "at://e2", event.ClassMention, "u2", "at://root")

	h.clock.Advance(3 * time.Minute)
	h.tick(t)
	if b, _ := h.sub.counts(); b != 1 {
		t.Fatalf("batch missing")
	}
	b := h.sub.batches[0]
	if len(b.Fresh) != 1 || b.Fresh[0].URI != "at://mid" {
		t.Fatalf("fresh=%+v", b.Fresh)
	}
	for _, p := range b.Earlier {
		if p.URI == "at://mid" {
			t.Fatalf("in-batch post rendered as earlier context")
		}
	}
	if len(b.Earlier) != 2 {
		t.Fatalf("earlier=%+v", b.Earlier)
	}
}

func TestBatchIsIncremental(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Threshold: 2, Window: 10 * time.Minute, MentionMin: time.Minute, MentionMax: 2 * time.Minute})
	h.fetch.add(rootPost(), thread.Post{URI: "at://c1", AuthorID: "did:carol", AuthorHandle: "carol", Text: "early", IndexedAt: t0.Add(-30 * time.Minute), ParentURI: "at://root"})
	h.notify(t, "at://e1", event.ClassReply, "u1", "at://c1")
	h.notify(t, "at://e2", event.ClassMention, "u2", "at://root")

	h.clock.Advance(3 * time.Minute)
	h.tick(t)
	if b, _ := h.sub.counts(); b != 1 {
		t.Fatalf("first batch missing")
	}
	first := h.sub.batches[0]
	if first.ReviewedCount != 0 || len(first.Earlier) != 2 || len(first.Fresh) != 0 || first.Size != 2 {
		t.Fatalf("first batch reviewed=%d earlier=%d fresh=%d size=%d", first.ReviewedCount, len(first.Earlier), len(first.Fresh), first.Size)
	}
	hist, ok, err := h.store.GetBatchHistory(context.Background(), "at://root")
	if err != nil || !ok || !hist.NewestSeenAt.Equal(t0) {
		t.Fatalf("history=%+v ok=%v err=%v", hist, ok, err)
	}

	h.clock.Advance(time.Hour)
	h.tick(t)
	h.fetch.add(thread.Post{URI: "at://c2", AuthorID: "did:dave", AuthorHandle: "dave", Text: "new", IndexedAt: h.clock.Now(), ParentURI: "at://root"})
	h.notify(t, "at://e3", event.ClassMention, "u3", "at://root")
	h.notify(t, "at://e4", event.ClassMention, "u4", "at://c2")

	h.clock.Advance(3 * time.Minute)
	h.tick(t)
	if b, _ := h.sub.counts(); b != 2 {
		t.Fatalf("second batch missing")
	}
	second := h.sub.batches[1]
	if second.ReviewedCount != 4 {
		t.Fatalf("reviewed=%d want 4 (root, c1, e1, e2)", second.ReviewedCount)
	}
	if len(second.Fresh) != 1 || second.Fresh[0].URI != "at://c2" {
		t.Fatalf("fresh=%+v want only c2", second.Fresh)
	}
	if second.ReviewedSummary == "" {
		t.Fatalf("reviewed summary missing")
	}
}

func TestSingletonFallsBackToSinglePath(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Threshold: 5})
	h.fetch.add(rootPost())
	ctx := context.Background()
	h.notify(t, "at://only", event.ClassMention, "u", "at://root")
	if err := h.store.SetDebounce(ctx, "at://only", t0.Add(time.Minute), ReasonFor(event.ClassMention), "at://root", true); err != nil {
		t.Fatalf("set debounce: %v", err)
	}
	if err := h.store.PutThreadState(ctx, storage.ThreadState{RootID: "at://root", Phase: storage.PhaseDebouncing, WaitStartedAt: t0, WaitUntil: t0.Add(time.Minute)}); err != nil {
		t.Fatalf("put state: %v", err)
	}

	h.clock.Advance(2 * time.Minute)
	h.tick(t)
	b, s := h.sub.counts()
	if b != 0 || s != 1 {
		t.Fatalf("batches=%d singles=%d, want 0/1", b, s)
	}
	if _, ok := h.thread(t); ok {
		t.Fatalf("thread state should be cleared")
	}
	if got := h.status(t, "at://only"); got != event.StatusProcessed {
		t.Fatalf("status=%s", got)
	}
	if h.eng.Stats().Fallbacks != 1 {
		t.Fatalf("stats=%+v", h.eng.Stats())
	}
}

func TestBatchRetryIsBounded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Threshold: 2, MentionMin: time.Minute, MentionMax: 2 * time.Minute})
	h.fetch.add(rootPost())
	h.sub.batchErr = errors.New("agent unavailable")
	h.notify(t, "at://x1", event.ClassMention, "u", "at://root")
	h.notify(t, "at://x2", event.ClassMention, "v", "at://root")

	h.clock.Advance(2 * time.Minute)
	for attempt := 1; attempt <= 2; attempt++ {
		h.tick(t)
		st, ok := h.thread(t)
		if !ok || st.Attempts != attempt || st.Phase != storage.PhaseDebouncing || st.WaitUntil.After(h.clock.Now()) {
			t.Fatalf("after attempt %d state=%+v ok=%v", attempt, st, ok)
		}
		if got := h.status(t, "at://x1"); got != event.StatusInProgress {
			t.Fatalf("after attempt %d status=%s", attempt, got)
		}
		h.clock.Advance(10 * time.Second)
	}

	h.tick(t)
	if b, _ := h.sub.counts(); b != 3 {
		t.Fatalf("batch calls=%d want 3", b)
	}
	for _, id := range []string{"at://x1", "at://x2"} {
		if got := h.status(t, id); got != event.StatusError {
			t.Fatalf("%s status=%s want error", id, got)
		}
	}
	if _, ok := h.thread(t); ok {
		t.Fatalf("thread state should be cleared")
	}

	h.clock.Advance(time.Minute)
	h.tick(t)
	if b, _ := h.sub.counts(); b != 3 {
		t.Fatalf("exhausted batch was retried")
	}
}

func TestNotFoundThreadFollowsRetryPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Threshold: 2, MaxAttempts: 2, MentionMin: time.Minute, MentionMax: time.Minute})
	h.fetch.add(rootPost())
	h.notify(t, "at://x1", event.ClassMention, "u", "at://root")
	h.notify(t, "at://x2", event.ClassMention, "v", "at://root")
	h.fetch.err = platform.ErrNotFound

	h.clock.Advance(2 * time.Minute)
	h.tick(t)
	h.tick(t)
	if got := h.status(t, "at://x2"); got != event.StatusError {
		t.Fatalf("status=%s want error", got)
	}
	if b, _ := h.sub.counts(); b != 0 {
		t.Fatalf("submitted despite missing thread")
	}
}

func TestSingleTargetsLastChainPart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.fetch.add(rootPost())
	h.notify(t, "at://A", event.ClassMention, "alice", "at://root")
	h.clock.Advance(10 * time.Second)
	h.notify(t, "at://B", event.ClassReply, "alice", "at://A")
	h.clock.Advance(10 * time.Second)
	h.notify(t, "at://C", event.ClassReply, "alice", "at://B")
	h.fetch.add(thread.Post{URI: "at://D", AuthorID: "did:bob", AuthorHandle: "bob", Text: "reply", IndexedAt: h.clock.Now(), ParentURI: "at://C"})

	rep := h.tick(t)
	if rep.Singles != 1 {
		t.Fatalf("tick=%+v", rep)
	}
	_, s := h.sub.counts()
	if s != 1 {
		t.Fatalf("singles submitted=%d want 1", s)
	}
	n := h.sub.singles[0].Notification
	if n.EventID != "at://A" || n.TargetURI != "at://C" {
		t.Fatalf("notification=%+v", n)
	}
	if len(n.Parts) != 2 || n.Parts[0].URI != "at://A" || n.Parts[1].URI != "at://B" {
		t.Fatalf("parts=%+v", n.Parts)
	}
	for _, id := range []string{"at://A", "at://B", "at://C"} {
		if got := h.status(t, id); got != event.StatusProcessed {
			t.Fatalf("%s status=%s", id, got)
		}
	}
}

func TestSingleRetryThenError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxAttempts: 2, SingleRetryBase: time.Minute})
	h.fetch.add(rootPost())
	h.sub.singleErr = errors.New("timeout")
	h.notify(t, "at://s", event.ClassMention, "u", "at://root")

	h.tick(t)
	ev, _, _ := h.store.GetEvent(context.Background(), "at://s")
	if ev.Status != event.StatusPending || ev.RetryCount != 1 || !ev.Debounced(h.clock.Now()) {
		t.Fatalf("after first failure=%+v", ev)
	}
	h.tick(t)
	if _, s := h.sub.counts(); s != 1 {
		t.Fatalf("held event was resubmitted")
	}

	h.clock.Advance(2 * time.Minute)
	h.tick(t)
	if got := h.status(t, "at://s"); got != event.StatusError {
		t.Fatalf("status=%s want error", got)
	}
}

func TestRequestDebounceHoldsEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.fetch.add(rootPost())
	h.notify(t, "at://q", event.ClassMention, "u", "at://root")

	ctx := context.Background()
	if err := h.eng.RequestDebounce(ctx, "at://q", 0, ""); err != nil {
		t.Fatalf("request debounce: %v", err)
	}
	ev, _, _ := h.store.GetEvent(ctx, "at://q")
	if ev.DebounceReason != "incomplete_thread" || !ev.DebounceUntil.Equal(t0.Add(600*time.Second)) {
		t.Fatalf("hold=%+v", ev)
	}
	h.tick(t)
	if _, s := h.sub.counts(); s != 0 {
		t.Fatalf("held event was submitted")
	}
	h.clock.Advance(601 * time.Second)
	h.tick(t)
	if got := h.status(t, "at://q"); got != event.StatusProcessed {
		t.Fatalf("status=%s", got)
	}
	if err := h.eng.RequestDebounce(ctx, "at://missing", time.Minute, "x"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing err=%v", err)
	}
}

func TestAgentRequestedHoldFromOutcome(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.fetch.add(rootPost())
	h.sub.respond = func(s reasoning.Single) reasoning.Outcome {
		return reasoning.Outcome{DebounceRequests: []reasoning.DebounceRequest{{URI: s.Notification.EventID, Seconds: 120, Reason: "waiting"}}}
	}
	h.notify(t, "at://h", event.ClassMention, "u", "at://root")
	h.tick(t)

	ev, _, _ := h.store.GetEvent(context.Background(), "at://h")
	if ev.Status != event.StatusPending || ev.DebounceReason != "waiting" {
		t.Fatalf("event=%+v", ev)
	}
}
