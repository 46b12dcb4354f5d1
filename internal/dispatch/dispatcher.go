// Package dispatch fans parsed packets out to subscriber queues.
//
// Delivery never blocks on Drop queues: a full queue loses the packet and
// counts it. Queues declared with the Retry policy may hold the producer for
// a bounded budget, after every non-blocking delivery has been attempted.
package dispatch

import (
	"sync"

	"github.com/shaunagostinho/vnsensor/internal/protocol"
)

// SubscriptionID identifies one Subscribe call.
type SubscriptionID uint64

type subscription struct {
	id     SubscriptionID
	queue  *Queue
	filter Filter
}

// Dispatcher routes packets to every matching subscription in
// registration order. It is safe for concurrent use.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID SubscriptionID
	onDrop func(queue string)
}

// New creates an empty dispatcher.
func New() *Dispatcher { return &Dispatcher{} }

// OnDrop installs a callback invoked for every dropped packet.
func (d *Dispatcher) OnDrop(fn func(queue string)) {
	d.mu.Lock()
	d.onDrop = fn
	d.mu.Unlock()
}

// Subscribe registers q to receive packets matching f.
func (d *Dispatcher) Subscribe(q *Queue, f Filter) SubscriptionID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.subs = append(d.subs, subscription{id: d.nextID, queue: q, filter: f})
	return d.nextID
}

// Unsubscribe removes one subscription. It reports whether it existed.
func (d *Dispatcher) Unsubscribe(id SubscriptionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s.id == id {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return true
		}
	}
	return false
}

// UnsubscribeQueue removes every subscription feeding q and returns how many
// were removed.
func (d *Dispatcher) UnsubscribeQueue(q *Queue) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := make([]subscription, 0, len(d.subs))
	for _, s := range d.subs {
		if s.queue != q {
			kept = append(kept, s)
		}
	}
	removed := len(d.subs) - len(kept)
	d.subs = kept
	return removed
}

// Len is the number of live subscriptions.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Dispatch delivers pkt and returns how many queues accepted it.
func (d *Dispatcher) Dispatch(pkt *protocol.Packet) int {
	d.mu.RLock()
	subs := d.subs
	onDrop := d.onDrop
	d.mu.RUnlock()

	accepted := 0
	var retry []*Queue
	for _, s := range subs {
		if !s.filter.Matches(pkt) {
			continue
		}
		if s.queue.offer(pkt) {
			accepted++
			continue
		}
		if s.queue.policy == Retry {
			retry = append(retry, s.queue)
			continue
		}
		s.queue.drop()
		if onDrop != nil {
			onDrop(s.queue.name)
		}
	}

	for _, q := range retry {
		if q.offerWithin(pkt, q.budget) {
			accepted++
			continue
		}
		q.drop()
		if onDrop != nil {
			onDrop(q.name)
		}
	}
	return accepted
}
