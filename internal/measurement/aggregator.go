package measurement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shaunagostinho/vnsensor/internal/protocol"
	"github.com/shaunagostinho/vnsensor/internal/register"
)

// ErrClosed is returned by Next after Close when no error was given.
var ErrClosed = errors.New("measurement: aggregator closed")

// DefaultQueueCapacity bounds the pending snapshot queue.
const DefaultQueueCapacity = 1000

// QueueMode picks which snapshot is lost when the queue is full.
type QueueMode int

const (
	// DropOldest evicts the oldest pending snapshot.
	DropOldest QueueMode = iota
	// DropNewest discards the incoming snapshot.
	DropNewest
)

// Snapshot is the composite state right after one packet was merged. It is
// a copy and never changes.
type Snapshot struct {
	Data      CompositeData
	Time      time.Time
	Kind      protocol.Kind
	MessageID string
	Header    protocol.Header
	Fields    []Field
}

// MatchesMessage reports whether the snapshot came from the ASCII sentence
// id.
func (s *Snapshot) MatchesMessage(id string) bool {
	return s != nil && s.Kind == protocol.KindASCII && s.MessageID == id
}

// MatchesHeader reports whether the snapshot came from a binary packet with
// exactly header h.
func (s *Snapshot) MatchesHeader(h protocol.Header) bool {
	return s != nil && s.Kind == protocol.KindBinary && s.Header == h
}

// MatchesBinaryOutput reports whether the snapshot came from the message
// configured by bo.
func (s *Snapshot) MatchesBinaryOutput(bo *register.BinaryOutput) bool {
	return bo != nil && s.MatchesHeader(bo.Header)
}

// Aggregator merges packets into CompositeData and queues a snapshot for
// every merged packet.
type Aggregator struct {
	mu       sync.Mutex
	current  CompositeData
	pending  []*Snapshot
	capacity int
	mode     QueueMode
	wake     chan struct{}
	closed   error
	dropped  uint64
	merged   uint64
}

// NewAggregator creates an aggregator whose queue holds up to capacity
// snapshots.
func NewAggregator(capacity int, mode QueueMode) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Aggregator{capacity: capacity, mode: mode, wake: make(chan struct{})}
}

// OnPacket merges pkt. Packets that carry no measurement return
// ErrNotMeasurement and leave the state untouched.
func (a *Aggregator) OnPacket(pkt *protocol.Packet) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed != nil {
		return a.closed
	}

	next := a.current
	var (
		fields []Field
		err    error
	)
	switch pkt.Kind {
	case protocol.KindASCII:
		fields, err = decodeASCII(pkt, &next)
	case protocol.KindBinary:
		fields, err = decodeBinary(pkt, &next)
	default:
		err = ErrNotMeasurement
	}
	if err != nil {
		return err
	}
	a.current = next
	a.merged++

	snap := &Snapshot{
		Data:      next,
		Time:      pkt.Timestamp,
		Kind:      pkt.Kind,
		MessageID: pkt.MessageID,
		Header:    pkt.Header,
		Fields:    fields,
	}
	if len(a.pending) >= a.capacity {
		a.dropped++
		if a.mode == DropNewest {
			return nil
		}
		a.pending[0] = nil
		a.pending = a.pending[1:]
	}
	a.pending = append(a.pending, snap)
	a.signal()
	return nil
}

func (a *Aggregator) signal() {
	close(a.wake)
	a.wake = make(chan struct{})
}

// Next returns the oldest pending snapshot. Without block it returns
// (nil, nil) when nothing is pending; with block it waits for one, for
// ctx, or for Close.
func (a *Aggregator) Next(ctx context.Context, block bool) (*Snapshot, error) {
	for {
		a.mu.Lock()
		if len(a.pending) > 0 {
			s := a.pending[0]
			a.pending[0] = nil
			a.pending = a.pending[1:]
			a.mu.Unlock()
			return s, nil
		}
		if a.closed != nil {
			err := a.closed
			a.mu.Unlock()
			return nil, err
		}
		wake := a.wake
		a.mu.Unlock()

		if !block {
			return nil, nil
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// MostRecent returns the newest pending snapshot and discards the older
// ones.
func (a *Aggregator) MostRecent() (*Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return nil, false
	}
	s := a.pending[len(a.pending)-1]
	a.pending = nil
	return s, true
}

// Current is a copy of the latest merged state.
func (a *Aggregator) Current() CompositeData {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Len is the number of pending snapshots.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Dropped counts snapshots lost to a full queue.
func (a *Aggregator) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Merged counts packets merged since creation.
func (a *Aggregator) Merged() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.merged
}

// Close wakes every waiter. Pending snapshots can still be drained; after
// that Next returns err (ErrClosed when nil).
func (a *Aggregator) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed != nil {
		return
	}
	a.closed = err
	a.signal()
}
