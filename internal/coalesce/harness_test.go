package coalesce

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"threadbot/internal/event"
	"threadbot/internal/platform"
	"threadbot/internal/reasoning"
	"threadbot/internal/storage"
	"threadbot/internal/thread"
	logx "threadbot/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSubmitter struct {
	mu        sync.Mutex
	batches   []reasoning.Batch
	singles   []reasoning.Single
	prompts   []reasoning.Prompt
	batchErr  error
	singleErr error
	// respond controls the outcome of single submissions.
	respond func(s reasoning.Single) reasoning.Outcome
}

func (f *fakeSubmitter) SubmitBatch(_ context.Context, b reasoning.Batch) (reasoning.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b)
	if f.batchErr != nil {
		return reasoning.Outcome{}, f.batchErr
	}
	return reasoning.Outcome{RespondedURIs: []string{b.Notifications[0].TargetURI}}, nil
}

func (f *fakeSubmitter) SubmitSingle(_ context.Context, s reasoning.Single) (reasoning.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singles = append(f.singles, s)
	if f.singleErr != nil {
		return reasoning.Outcome{}, f.singleErr
	}
	if f.respond != nil {
		return f.respond(s), nil
	}
	return reasoning.Outcome{RespondedURIs: []string{s.Notification.TargetURI}}, nil
}

func (f *fakeSubmitter) SubmitPrompt(_ context.Context, p reasoning.Prompt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, p)
	return nil
}

func (f *fakeSubmitter) counts() (batches, singles int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches), len(f.singles)
}

// fakeFetcher serves a fresh tree built from posts on every call.
type fakeFetcher struct {
	mu    sync.Mutex
	root  string
	posts []thread.Post
	err   error
	calls int
}

func (f *fakeFetcher) FetchThread(_ context.Context, uri string, _ platform.FetchOptions) (*thread.Tree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return buildTree(f.root, f.posts), nil
}

func (f *fakeFetcher) add(p ...thread.Post) {
	f.mu.Lock()
	f.posts = append(f.posts, p...)
	f.mu.Unlock()
}

func buildTree(root string, posts []thread.Post) *thread.Tree {
	nodes := make(map[string]*thread.Post, len(posts))
	for i := range posts {
		p := posts[i]
		p.Replies = nil
		nodes[p.URI] = &p
	}
	for _, p := range posts {
		if parent, ok := nodes[p.ParentURI]; ok && p.URI != root {
			parent.Replies = append(parent.Replies, nodes[p.URI])
		}
	}
	return thread.NewTree(nodes[root])
}

type harness struct {
	store *storage.Store
	clock *clock
	sub   *fakeSubmitter
	fetch *fakeFetcher
	eng   *Engine
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store: st,
		clock: &clock{t: t0},
		sub:   &fakeSubmitter{},
		fetch: &fakeFetcher{root: "at://root"},
	}
	cfg.Enabled = true
	h.eng = New(cfg, Deps{Store: st, Fetcher: h.fetch, Submitter: h.sub, Now: h.clock.Now})
	return h
}

// notify stores a qualifying event observed now and adds its post to the
// served thread.
func (h *harness) notify(t *testing.T, id string, class event.Class, author, parent string) Decision {
	t.Helper()
	now := h.clock.Now()
	h.fetch.add(thread.Post{URI: id, AuthorID: "did:" + author, AuthorHandle: author, Text: "post " + id, IndexedAt: now, ParentURI: parent})
	d, inserted, err := h.eng.IngestEvent(context.Background(), event.Event{
		ID: id, ObservedAt: now, Class: class, AuthorID: "did:" + author, AuthorHandle: author,
		Text: "post " + id, ParentID: parent, RootID: "at://root", ChainID: "at://root",
	})
	if err != nil || !inserted {
		t.Fatalf("ingest %s: inserted=%v err=%v", id, inserted, err)
	}
	return d
}

func (h *harness) thread(t *testing.T) (storage.ThreadState, bool) {
	t.Helper()
	st, ok, err := h.store.GetThreadState(context.Background(), "at://root")
	if err != nil {
		t.Fatalf("thread state: %v", err)
	}
	return st, ok
}

func (h *harness) status(t *testing.T, id string) event.Status {
	t.Helper()
	ev, ok, err := h.store.GetEvent(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("get %s: ok=%v err=%v", id, ok, err)
	}
	return ev.Status
}

func (h *harness) tick(t *testing.T) TickReport {
	t.Helper()
	rep, err := h.eng.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return rep
}

// hookStore runs a one-shot hook on the next GetThreadState call.
type hookStore struct {
	*storage.Store
	mu   sync.Mutex
	hook func()
}

func (s *hookStore) arm(fn func()) {
	s.mu.Lock()
	s.hook = fn
	s.mu.Unlock()
}

func (s *hookStore) GetThreadState(ctx context.Context, rootID string) (storage.ThreadState, bool, error) {
	s.mu.Lock()
	fn := s.hook
	s.hook = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return s.Store.GetThreadState(ctx, rootID)
}
