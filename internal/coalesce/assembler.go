package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"threadbot/internal/event"
	"threadbot/internal/platform"
	"threadbot/internal/reasoning"
	"threadbot/internal/storage"
	"threadbot/internal/thread"
	logx "threadbot/pkg/logx"
)

var (
	// ErrEmptyBatch means a due thread had nothing left to send. Its state
	// has already been cleared.
	ErrEmptyBatch = errors.New("coalesce: empty batch")
	// ErrRetryExhausted means the batch failed for the last time and its
	// events were moved to error.
	ErrRetryExhausted = errors.New("coalesce: batch retries exhausted")
)

// AttemptError is a failed batch attempt that will be retried.
type AttemptError struct {
	RootID  string
	Attempt int
	Max     int
	Err     error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("coalesce: batch for %s failed (attempt %d/%d): %v", e.RootID, e.Attempt, e.Max, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Outcome reports one assembly.
type Outcome struct {
	BatchID string
	RootID  string
	Size    int
	// Fallback is set when only one event remained; the event was returned
	// to the single-event path and nothing was submitted.
	Fallback  bool
	Responded int
	Reviewed  int
	Fresh     int
	Until     time.Time

	DebounceRequests []reasoning.DebounceRequest
}

var tracer trace.Tracer = otel.Tracer("threadbot/coalesce")

// Assembler turns a due thread into one reasoning batch.
type Assembler struct {
	cfg       Config
	store     Store
	fetcher   platform.Fetcher
	submitter reasoning.Submitter
	machine   *Machine
	log       logx.Logger
}

func NewAssembler(cfg Config, store Store, fetcher platform.Fetcher, submitter reasoning.Submitter, machine *Machine, log logx.Logger) *Assembler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Assembler{cfg: cfg.withDefaults(), store: store, fetcher: fetcher, submitter: submitter, machine: machine, log: log}
}

// Assemble gathers, submits and settles the batch of rootID.
func (a *Assembler) Assemble(ctx context.Context, rootID string, now time.Time) (out Outcome, err error) {
	ctx, span := tracer.Start(ctx, "coalesce.assemble", trace.WithAttributes(attribute.String("thread.root", rootID)))
	defer func() {
		span.SetAttributes(attribute.Int("batch.size", out.Size), attribute.Bool("batch.fallback", out.Fallback))
		if err != nil && !errors.Is(err, ErrEmptyBatch) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	out.RootID = rootID

	evs, st, err := a.claim(ctx, rootID, now, &out)
	if err != nil || out.Fallback {
		return out, err
	}
	ids := eventIDs(evs)

	tree, err := a.fetcher.FetchThread(ctx, rootID, platform.FetchOptions{Depth: a.cfg.DebouncedDepth, ParentHeight: a.cfg.ParentHeight})
	if err != nil {
		return out, a.fail(ctx, st, ids, fmt.Errorf("fetch thread: %w", err), now)
	}
	a.enrich(ctx, tree, evs)

	hist, hasHist, err := a.store.GetBatchHistory(ctx, rootID)
	if err != nil {
		return out, err
	}
	b, newest := a.build(rootID, tree, evs, hist, hasHist)
	b.ID = uuid.NewString()
	out.BatchID = b.ID
	out.Reviewed = b.ReviewedCount
	out.Fresh = len(b.Fresh)
	span.SetAttributes(attribute.String("batch.id", b.ID))

	res, err := a.submitter.SubmitBatch(ctx, b)
	if err != nil {
		return out, a.fail(ctx, st, ids, fmt.Errorf("submit batch: %w", err), now)
	}

	until, err := a.settle(ctx, rootID, ids, newest, now)
	if err != nil {
		return out, err
	}
	out.Until = until
	out.Responded = len(res.RespondedURIs)
	out.DebounceRequests = res.DebounceRequests
	a.log.Info("batch processed",
		logx.String("root", rootID), logx.String("batch", b.ID), logx.Int("size", out.Size),
		logx.Int("responded", out.Responded), logx.Int("reviewed", out.Reviewed), logx.Int("fresh", out.Fresh))
	return out, nil
}

// claim picks the thread's actionable events and marks them in progress
// under the thread lock. Zero or one events end the cycle here.
func (a *Assembler) claim(ctx context.Context, rootID string, now time.Time, out *Outcome) ([]event.Event, storage.ThreadState, error) {
	unlock := a.machine.lockThread(rootID)
	defer unlock()

	var st storage.ThreadState
	all, err := a.store.FetchForThread(ctx, rootID)
	if err != nil {
		return nil, st, err
	}
	evs := actionable(all)
	switch len(evs) {
	case 0:
		if err := a.machine.Clear(ctx, rootID); err != nil {
			return nil, st, err
		}
		return nil, st, ErrEmptyBatch
	case 1:
		if err := a.store.ClearDebounce(ctx, []string{evs[0].ID}); err != nil {
			return nil, st, err
		}
		if err := a.machine.Clear(ctx, rootID); err != nil {
			return nil, st, err
		}
		out.Size = 1
		out.Fallback = true
		return evs, st, nil
	}

	st, ok, err := a.store.GetThreadState(ctx, rootID)
	if err != nil {
		return nil, st, err
	}
	if !ok {
		st = storage.ThreadState{RootID: rootID, Phase: storage.PhaseDebouncing, WaitStartedAt: now, WaitUntil: now}
	}
	out.Size = len(evs)
	if err := a.store.MarkBatch(ctx, eventIDs(evs), event.StatusInProgress, ""); err != nil {
		return nil, st, err
	}
	return evs, st, nil
}

// settle records a delivered batch and starts the cooldown. Silence on some
// notifications is a decision, not a failure.
func (a *Assembler) settle(ctx context.Context, rootID string, ids []string, newest, now time.Time) (time.Time, error) {
	unlock := a.machine.lockThread(rootID)
	defer unlock()
	if err := a.store.MarkBatch(ctx, ids, event.StatusProcessed, ""); err != nil {
		return time.Time{}, err
	}
	if err := a.store.BumpBatchHistory(ctx, rootID, now, newest); err != nil {
		return time.Time{}, err
	}
	return a.machine.EnterCooldown(ctx, rootID, now)
}

// enrich fetches the parent chain of notified posts the thread fetch did not
// reach (deep or detached branches) and merges them in.
func (a *Assembler) enrich(ctx context.Context, tree *thread.Tree, evs []event.Event) {
	for _, ev := range evs {
		if _, ok := tree.Get(ev.ID); ok {
			continue
		}
		sub, err := a.fetcher.FetchThread(ctx, ev.ID, platform.FetchOptions{Depth: 0, ParentHeight: a.cfg.ChainParentHeight})
		if err != nil {
			a.log.Debug("parent chain fetch failed", logx.String("uri", ev.ID), logx.Err(err))
			continue
		}
		tree.Merge(sub.Flatten()...)
	}
}

// build partitions the fetched thread. Posts already shown by an earlier
// batch are summarized; of the rest, posts older than the first batched
// event are earlier context and the others arrived alongside the batch.
func (a *Assembler) build(rootID string, tree *thread.Tree, evs []event.Event, hist storage.BatchHistory, hasHist bool) (reasoning.Batch, time.Time) {
	sorted := append([]event.Event(nil), evs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ObservedAt.Before(sorted[j].ObservedAt) })

	notified := make(map[string]bool, len(evs))
	var newest time.Time
	for _, ev := range sorted {
		notified[ev.ID] = true
		if ev.ObservedAt.After(newest) {
			newest = ev.ObservedAt
		}
	}
	var earliest time.Time
	if len(sorted) > 0 {
		earliest = sorted[0].ObservedAt
	}

	var reviewed, earlier, fresh []*thread.Post
	for _, p := range tree.Flatten() {
		ts := p.Timestamp()
		if ts.After(newest) {
			newest = ts
		}
		switch {
		case notified[p.URI]:
		case hasHist && !ts.After(hist.NewestSeenAt):
			reviewed = append(reviewed, p)
		case ts.Before(earliest):
			earlier = append(earlier, p)
		default:
			fresh = append(fresh, p)
		}
	}

	b := reasoning.Batch{
		RootID:          rootID,
		Earlier:         contextPosts(earlier),
		Fresh:           contextPosts(fresh),
		ReviewedCount:   len(reviewed),
		ReviewedSummary: summarize(reviewed),
		Size:            len(sorted),
		MaxResponses:    reasoning.DefaultMaxResponses,
	}
	for _, ev := range sorted {
		b.Notifications = append(b.Notifications, notification(tree, ev, ev.ID))
	}

	in := reasoning.BatchPromptInput{}
	in.EarlierYAML = a.renderContext(rootID, earlier)
	in.ContextYAML = a.renderContext(rootID, fresh)
	if !hasHist {
		in.ContextTree = thread.RenderTree(tree)
	}
	b.Prompt = reasoning.RenderBatchPrompt(b, in)
	return b, newest
}

func (a *Assembler) renderContext(rootID string, posts []*thread.Post) string {
	if len(posts) == 0 {
		return ""
	}
	y, err := thread.RenderYAML(posts, true)
	if err != nil {
		a.log.Warn("render context failed", logx.String("root", rootID), logx.Err(err))
		return ""
	}
	return y
}

func (a *Assembler) fail(ctx context.Context, st storage.ThreadState, ids []string, cause error, now time.Time) error {
	unlock := a.machine.lockThread(st.RootID)
	defer unlock()
	// Extensions made while the batch was in flight are kept.
	if cur, ok, err := a.store.GetThreadState(ctx, st.RootID); err == nil && ok {
		st = cur
	}
	if err := a.store.IncrementRetry(ctx, ids, now); err != nil {
		a.log.Warn("increment retry failed", logx.String("root", st.RootID), logx.Err(err))
	}
	attempt := st.Attempts + 1
	if attempt >= a.cfg.MaxAttempts || errors.Is(cause, reasoning.ErrRejected) {
		if err := a.store.MarkBatch(ctx, ids, event.StatusError, cause.Error()); err != nil {
			return errors.Join(cause, err)
		}
		if err := a.machine.Clear(ctx, st.RootID); err != nil {
			return errors.Join(cause, err)
		}
		return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, cause)
	}
	next, err := a.machine.RecordFailure(ctx, st, now)
	if err != nil {
		return errors.Join(cause, err)
	}
	return &AttemptError{RootID: st.RootID, Attempt: next.Attempts, Max: a.cfg.MaxAttempts, Err: cause}
}

// notification annotates ev with the same-author posts leading up to
// target.
func notification(tree *thread.Tree, ev event.Event, target string) reasoning.Notification {
	n := reasoning.Notification{
		EventID:   ev.ID,
		TargetURI: target,
		Class:     string(ev.Class),
		Author:    ev.AuthorHandle,
		Text:      ev.Text,
		At:        ev.ObservedAt,
	}
	if p, ok := tree.Get(target); ok {
		n.Text = p.Text
		if p.AuthorHandle != "" {
			n.Author = p.AuthorHandle
		}
	}
	n.Parts = contextPosts(thread.PrecedingConsecutiveByAuthor(tree, target, ev.AuthorID))
	return n
}

func contextPosts(posts []*thread.Post) []reasoning.ContextPost {
	if len(posts) == 0 {
		return nil
	}
	out := make([]reasoning.ContextPost, 0, len(posts))
	for _, p := range posts {
		out = append(out, reasoning.ContextPost{URI: p.URI, Author: p.AuthorHandle, Text: p.Text, CreatedAt: p.Timestamp()})
	}
	return out
}

// summarize names who took part in already-reviewed context.
func summarize(posts []*thread.Post) string {
	if len(posts) == 0 {
		return ""
	}
	seen := map[string]bool{}
	var authors []string
	for _, p := range posts {
		h := p.AuthorHandle
		if h == "" {
			h = p.AuthorID
		}
		if seen[h] {
			continue
		}
		seen[h] = true
		authors = append(authors, "@"+h)
	}
	last := posts[len(posts)-1]
	return fmt.Sprintf("Participants: %s. Latest reviewed post at %s.",
		strings.Join(authors, ", "), last.Timestamp().UTC().Format(time.RFC3339))
}
