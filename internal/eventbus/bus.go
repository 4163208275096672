package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Reminder and countdown lifecycle event types.
const (
	ReminderCreated   = "reminder.created"
	ReminderSent      = "reminder.sent"
	ReminderFailed    = "reminder.failed"
	ReminderCancelled = "reminder.cancelled"
	ReminderRetried   = "reminder.retried"
	ReminderSkipped   = "reminder.skipped" // lost the reservation race
	SweepFinished     = "dispatch.sweep"
	CountdownStarted  = "countdown.started"
	CountdownFired    = "countdown.fired"
	CountdownDeduped  = "countdown.suppressed"
	DeliverySent      = "delivery.sent"
	DeliveryFailed    = "delivery.failed"
	TaskStarted       = "task.started"
	TaskFinished      = "task.finished"
	TaskFailed        = "task.failed"
	TaskSkipped       = "task.skipped"
	TaskDropped       = "task.dropped"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Publish is a nil-safe helper for components whose bus is optional.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Remove under the write lock so no Publish is mid-send when we close.
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
