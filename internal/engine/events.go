package engine

import (
	"log/slog"
	"sync"

	"github.com/manifest-network/shardviz/internal/graph"
	"github.com/manifest-network/shardviz/internal/reconcile"
)

// Event kinds pushed to subscribers.
const (
	EventGraph    = "graph"
	EventPending  = "pending"
	EventResolved = "resolved"
)

// Event is a change notification.
type Event struct {
	Type        string                 `json:"type"`
	Generation  uint64                 `json:"generation,omitempty"`
	Graph       *graph.Graph           `json:"graph,omitempty"`
	Selection   *graph.Selection       `json:"selection,omitempty"`
	Resolutions []reconcile.Resolution `json:"resolutions,omitempty"`
	Pending     int                    `json:"pending"`
}

type broker struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func newBroker() *broker {
	return &broker{subs: make(map[int]chan Event)}
}

// publish never blocks; subscribers that fall behind miss events.
func (b *broker) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("Dropping event for slow subscriber", "subscriber", id, "type", ev.Type)
		}
	}
}

func (b *broker) subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, max(buffer, 1))
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Subscribe returns a channel of change events and a function that ends the
// subscription. The channel is closed when the engine closes.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.events.subscribe(buffer)
}
