package events

import (
	"sync"
	"time"

	"lv-tradehook/internal/types"
)

// Execution is one lifecycle transition of a webhook delivery. It never
// carries credentials.
type Execution struct {
	RequestID string               `json:"request_id"`
	State     types.ExecutionState `json:"state"`
	Mode      string               `json:"mode,omitempty"`
	Venue     string               `json:"venue,omitempty"`
	Symbol    string               `json:"symbol,omitempty"`
	Side      string               `json:"side,omitempty"`
	Amount    string               `json:"amount,omitempty"`
	OrderID   string               `json:"order_id,omitempty"`
	Error     string               `json:"error,omitempty"`
	At        time.Time            `json:"at"`
}

type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Bus fans events out to subscribers. Slow subscribers miss events rather
// than block publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, 100)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.RUnlock()
}

func (b *Bus) PublishExecution(e Execution) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.Publish(Event{Type: "execution", Data: e})
}
