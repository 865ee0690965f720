package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the coalescing engine and the task pool.
const (
	TopicEventIngested   = "event.ingested"
	TopicEventIgnored    = "event.ignored"
	TopicDebounceStarted = "thread.debounce_started"
	TopicDebounceExtend  = "thread.debounce_extended"
	TopicCooldownHold    = "thread.cooldown_hold"
	TopicCooldownExpired = "thread.cooldown_expired"
	TopicBatchProcessed  = "batch.processed"
	TopicBatchFallback   = "batch.fallback"
	TopicBatchFailed     = "batch.failed"
	TopicBatchExhausted  = "batch.exhausted"
	TopicSingleProcessed = "single.processed"
	TopicSingleFailed    = "single.failed"
	TopicTaskSkipped     = "task.skipped"
	TopicTaskDropped     = "task.dropped"
	TopicTaskFailed      = "task.failed"
	TopicTaskFinished    = "task.finished"
	TopicPromptSent      = "prompt.sent"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Publish never blocks. A slow subscriber loses events instead of stalling
// the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Thread is the payload of thread.* and batch.* events.
type Thread struct {
	RootID  string    `json:"root_id"`
	BatchID string    `json:"batch_id,omitempty"`
	Count   int       `json:"count,omitempty"`
	Until   time.Time `json:"until,omitzero"`
	Reason  string    `json:"reason,omitempty"`
	Error   string    `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch       chan Event
	prefixes []string
}

func (s *sub) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		// A concurrent unsubscribe may close the channel under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

// Subscribe registers a buffered listener. With prefixes set, only events
// whose Type starts with one of them are delivered.
func (b *memBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), prefixes: prefixes}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
func (Nop) Dropped() uint64 { return 0 }
