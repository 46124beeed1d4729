// Package pushbus fans a stream of protocol.Push values out to any number
// of subscribers — the status poller waiting on Idle reports, a probe-CSV
// writer waiting on PRB feedback, and so on. Adapted from the teacher's
// bus.go Subscription/Bus pattern (bus/bus.go): same bounded-channel,
// drop-oldest-on-full delivery discipline, stripped of the topic trie since
// every subscriber here wants every push and filters for itself (spec §4.F:
// "push subscribers must use unbounded channels or drop old pushes").
package pushbus

import (
	"sync"

	"cnc-ctrl/internal/protocol"
)

const defaultQueueLen = 8

// Subscription is a single consumer's view of the bus.
type Subscription struct {
	ch  chan protocol.Push
	bus *Bus
}

// Channel returns the channel pushes arrive on. Never closed while the bus
// is alive; Unsubscribe stops further delivery but does not close it, since
// a reader might be mid-receive.
func (s *Subscription) Channel() <-chan protocol.Push { return s.ch }

// Unsubscribe removes this subscription from the bus.
func (s *Subscription) Unsubscribe() { s.bus.unsubscribe(s) }

// Bus is the fan-out point. Zero value is not usable; use New.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new consumer with a bounded, drop-oldest queue.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan protocol.Push, defaultQueueLen), bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Publish delivers msg to every current subscriber, dropping the oldest
// queued push for any subscriber whose channel is full rather than
// blocking the scheduler goroutine that calls Publish.
func (b *Bus) Publish(msg protocol.Push) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
}
