package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/vnsensor/internal/protocol"
)

// OverflowPolicy decides what Dispatch does when a queue is full.
type OverflowPolicy int

const (
	// Drop discards the packet and counts it.
	Drop OverflowPolicy = iota
	// Retry blocks the producer for up to the queue's retry budget.
	Retry
)

func (p OverflowPolicy) String() string {
	if p == Retry {
		return "retry"
	}
	return "drop"
}

// DefaultRetryBudget bounds how long Dispatch waits on a full Retry queue.
const DefaultRetryBudget = 100 * time.Millisecond

// Queue is a bounded FIFO of packets with a single consumer.
type Queue struct {
	name   string
	ch     chan *protocol.Packet
	policy OverflowPolicy
	budget time.Duration

	// mu is held shared by offers and exclusively by Close.
	mu     sync.RWMutex
	closed bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewQueue creates a queue holding up to capacity packets.
func NewQueue(name string, capacity int, policy OverflowPolicy) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		name:   name,
		ch:     make(chan *protocol.Packet, capacity),
		policy: policy,
		budget: DefaultRetryBudget,
	}
}

// SetRetryBudget changes how long a Retry queue may block the producer.
func (q *Queue) SetRetryBudget(d time.Duration) { q.budget = d }

func (q *Queue) Name() string           { return q.name }
func (q *Queue) Policy() OverflowPolicy { return q.policy }
func (q *Queue) Len() int               { return len(q.ch) }
func (q *Queue) Cap() int               { return cap(q.ch) }
func (q *Queue) Delivered() uint64      { return q.delivered.Load() }
func (q *Queue) Dropped() uint64        { return q.dropped.Load() }

// C exposes the receive side for select loops.
func (q *Queue) C() <-chan *protocol.Packet { return q.ch }

// Get blocks until a packet is available or ctx is done.
func (q *Queue) Get(ctx context.Context) (*protocol.Packet, error) {
	select {
	case pkt := <-q.ch:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryGet returns the next packet without blocking.
func (q *Queue) TryGet() (*protocol.Packet, bool) {
	select {
	case pkt := <-q.ch:
		return pkt, true
	default:
		return nil, false
	}
}

// Close refuses further packets. It waits for offers already in progress,
// so once it returns the consumer can drain everything that was accepted.
// Later offers count as dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

func (q *Queue) offer(pkt *protocol.Packet) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- pkt:
		q.delivered.Add(1)
		return true
	default:
		return false
	}
}

func (q *Queue) offerWithin(pkt *protocol.Packet, budget time.Duration) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	t := time.NewTimer(budget)
	defer t.Stop()
	select {
	case q.ch <- pkt:
		q.delivered.Add(1)
		return true
	case <-t.C:
		return false
	}
}

func (q *Queue) drop() { q.dropped.Add(1) }
