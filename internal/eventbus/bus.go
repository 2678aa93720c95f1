// Package eventbus fans out small in-process events (deliveries, registry
// changes) to observers such as the app's event log.
//
// Publish never blocks. Subscribers get buffered channels; a full buffer
// drops the event and bumps the drop counter.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	AnnouncementSent      = "announcement.sent"
	AnnouncementFailed    = "announcement.failed"
	AnnouncementDuplicate = "announcement.duplicate"
	BirthdaySet           = "birthday.set"
	BirthdayRemoved       = "birthday.removed"
	ScopeRegistered       = "scope.registered"
)

type Event struct {
	Type   string
	Time   time.Time
	Scope  string
	UserID string
	// Detail is a short human-readable note, e.g. the date or an error.
	Detail string
}

// Publisher is what producers depend on; *Bus implements it.
type Publisher interface {
	Publish(e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}

type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func New() *Bus {
	return &Bus{subs: map[uint64]chan Event{}}
}

func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock so unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of future events and a func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
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

// Dropped counts events lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
