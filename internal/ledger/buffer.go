package ledger

import (
	"sync"

	"github.com/technosupport/proctorkernel/internal/model"
)

// Buffer is the bounded in-memory overflow queue spec §4.6 describes:
// capacity 200, dropping the oldest non-critical event first when full.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	events   []model.Event
}

func NewBuffer(capacity int) *Buffer {
	return &Buffer{capacity: capacity}
}

// Push appends an event, evicting the oldest non-critical entry if the
// buffer is full. Returns the dropped event (if any) and whether a drop
// occurred.
func (b *Buffer) Push(evt model.Event) (model.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) < b.capacity {
		b.events = append(b.events, evt)
		return model.Event{}, false
	}

	for i, e := range b.events {
		if e.Severity != model.SeverityCritical {
			dropped := e
			b.events = append(b.events[:i], b.events[i+1:]...)
			b.events = append(b.events, evt)
			return dropped, true
		}
	}

	// All buffered events are critical; drop the oldest one anyway to
	// bound memory, per the overflow contract.
	dropped := b.events[0]
	b.events = append(b.events[1:], evt)
	return dropped, true
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func (b *Buffer) EventsFor(sessionID string) []model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.Event
	for _, e := range b.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// Drain removes and returns every buffered event.
func (b *Buffer) Drain() []model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	return out
}
