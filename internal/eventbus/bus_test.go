package eventbus

import (
	"testing"
)

func TestPublishFiltersByPrefix(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	batches, unsubBatch := b.Subscribe(4, "batch.")
	defer unsubBatch()

	b.Publish(Event{Type: TopicDebounceStarted, Data: Thread{RootID: "r"}})
	b.Publish(Event{Type: TopicBatchProcessed, Data: Thread{RootID: "r", Count: 6}})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events, want 2", got)
	}
	if got := len(batches); got != 1 {
		t.Fatalf("batch subscriber got %d events, want 1", got)
	}
	e := <-batches
	if e.Type != TopicBatchProcessed || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
	if th, ok := e.Data.(Thread); !ok || th.Count != 6 {
		t.Fatalf("payload=%#v", e.Data)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	for range 3 {
		b.Publish(Event{Type: TopicTaskFailed})
	}
	if got := b.Dropped(); got != 2 {
		t.Fatalf("dropped=%d want 2", got)
	}
	unsub()
	unsub()
	b.Publish(Event{Type: TopicTaskFailed})
}
