package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the reminder pipeline.
const (
	JobsRegistered = "reminder.registered"
	JobsCancelled  = "reminder.cancelled"
	JobFired       = "reminder.fired"
	DeliverySent   = "reminder.sent"
	DeliveryFailed = "reminder.failed"
	DeliveryDedup  = "reminder.deduped"
	Recovered      = "reminder.recovered"
)

// Event is a small in-memory signal used to decouple components.
//
// Publish never blocks. Subscribers get buffered channels and drop events
// when they fall behind.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// JobsChange is the payload of JobsRegistered and JobsCancelled.
type JobsChange struct {
	IDs  []string
	Live int
}

// Delivery is the payload of JobFired and the delivery outcome events.
type Delivery struct {
	JobID      string
	ScheduleID string
	Channel    string
	Took       time.Duration
	Err        string
}

// Recovery is the payload of Recovered.
type Recovery struct {
	Restored  int
	Jobs      int
	Expired   int
	NoContact int
	Failed    int
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Publish is a nil-safe helper for components with an optional bus.
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
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// The channel may be closed by a concurrent unsubscribe.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
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
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
