package command

import (
	"context"
	"sync"
	"time"

	"github.com/shaunagostinho/vnsensor/internal/protocol"
)

// DefaultRemovalTimeout is how long an unanswered command stays eligible
// for matching.
const DefaultRemovalTimeout = 200 * time.Millisecond

// DefaultRetention bounds how many finished records stay queryable.
const DefaultRetention = 1024

// State is the lifecycle position of one sent command.
type State int

const (
	StateUnknown State = iota
	StateAwaitingResponse
	StateResponded
	StateErrored
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateAwaitingResponse:
		return "awaiting"
	case StateResponded:
		return "responded"
	case StateErrored:
		return "errored"
	case StateExpired:
		return "expired"
	}
	return "unknown"
}

// BlockMode selects how Send waits.
type BlockMode struct {
	Block   bool
	Timeout time.Duration
	Retries int
}

// NonBlocking returns as soon as the frame is written.
func NonBlocking() BlockMode { return BlockMode{} }

// Blocking waits up to timeout for the response.
func Blocking(timeout time.Duration) BlockMode {
	return BlockMode{Block: true, Timeout: timeout}
}

// BlockingWithRetry resends the command up to retries more times when the
// response times out.
func BlockingWithRetry(timeout time.Duration, retries int) BlockMode {
	return BlockMode{Block: true, Timeout: timeout, Retries: retries}
}

// Config tunes a Correlator.
type Config struct {
	RemovalTimeout time.Duration
	Retention      int
	Checksum       protocol.ChecksumMode
}

type record struct {
	id          uint64
	cmd         Command
	sentAt      time.Time
	removeAfter time.Duration
	state       State
	response    *protocol.Packet
	respondedAt time.Time
	err         error
	done        chan struct{}
}

// Correlator tracks outstanding commands. Responses are matched FIFO among
// live commands of the same kind.
type Correlator struct {
	transmit func([]byte) error
	cfg      Config
	now      func() time.Time

	mu      sync.Mutex
	records map[uint64]*record
	order   []uint64
	live    []uint64
	nextID  uint64
	closed  error
}

// NewCorrelator creates a correlator that writes frames with transmit.
func NewCorrelator(transmit func([]byte) error, cfg Config) *Correlator {
	if cfg.RemovalTimeout <= 0 {
		cfg.RemovalTimeout = DefaultRemovalTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Correlator{
		transmit: transmit,
		cfg:      cfg,
		now:      time.Now,
		records:  make(map[uint64]*record),
	}
}

// Send writes cmd and, for blocking modes, waits for its response. The
// handle stays valid after Send returns, whatever the outcome.
func (c *Correlator) Send(ctx context.Context, cmd Command, mode BlockMode) (Handle, error) {
	attempts := 1
	if mode.Block {
		attempts += mode.Retries
	}
	var (
		h   Handle
		err error
	)
	for i := 0; i < attempts; i++ {
		h, err = c.sendOnce(ctx, cmd, mode)
		if err != ErrResponseTimeout {
			return h, err
		}
	}
	return h, err
}

func (c *Correlator) sendOnce(ctx context.Context, cmd Command, mode BlockMode) (Handle, error) {
	rec, err := c.register(cmd, mode)
	if err != nil {
		return Handle{}, err
	}
	h := Handle{c: c, id: rec.id}

	if err := c.transmit(cmd.Frame(c.cfg.Checksum)); err != nil {
		terr := &TransportError{Op: "write " + cmd.String(), Err: err}
		c.finish(rec, StateErrored, nil, terr)
		return h, terr
	}
	if !mode.Block {
		return h, nil
	}

	timeout := mode.Timeout
	if timeout <= 0 {
		timeout = c.cfg.RemovalTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-rec.done:
	case <-t.C:
		c.finish(rec, StateExpired, nil, ErrResponseTimeout)
	case <-ctx.Done():
		c.finish(rec, StateExpired, nil, ctx.Err())
	}
	return h, h.Err()
}

func (c *Correlator) register(cmd Command, mode BlockMode) (*record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		return nil, c.closed
	}
	removeAfter := c.cfg.RemovalTimeout
	if mode.Block && mode.Timeout > removeAfter {
		removeAfter = mode.Timeout
	}
	c.nextID++
	rec := &record{
		id:          c.nextID,
		cmd:         cmd,
		sentAt:      c.now(),
		removeAfter: removeAfter,
		state:       StateAwaitingResponse,
		done:        make(chan struct{}),
	}
	c.records[rec.id] = rec
	c.order = append(c.order, rec.id)
	c.live = append(c.live, rec.id)
	c.prune()
	return rec, nil
}

// prune drops the oldest finished records beyond the retention bound.
func (c *Correlator) prune() {
	excess := len(c.order) - c.cfg.Retention
	if excess <= 0 {
		return
	}
	kept := c.order[:0]
	for _, id := range c.order {
		rec := c.records[id]
		if excess > 0 && rec.state != StateAwaitingResponse {
			delete(c.records, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
}

// finish moves rec out of the awaiting state. Later calls are no-ops.
func (c *Correlator) finish(rec *record, state State, resp *protocol.Packet, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishLocked(rec, state, resp, err)
}

func (c *Correlator) finishLocked(rec *record, state State, resp *protocol.Packet, err error) bool {
	if rec.state != StateAwaitingResponse {
		return false
	}
	rec.state = state
	rec.response = resp
	rec.err = err
	if resp != nil {
		rec.respondedAt = resp.Timestamp
		if rec.respondedAt.IsZero() {
			rec.respondedAt = c.now()
		}
	}
	for i, id := range c.live {
		if id == rec.id {
			c.live = append(c.live[:i], c.live[i+1:]...)
			break
		}
	}
	close(rec.done)
	return true
}

// Match offers an inbound ASCII packet to the outstanding commands. It
// reports whether the packet was consumed as a response. A synchronous
// $VNERR answers the oldest live command; asynchronous errors are not
// consumed.
func (c *Correlator) Match(pkt *protocol.Packet) bool {
	if pkt == nil || pkt.Kind != protocol.KindASCII {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// A reply never completes a command whose removal window has passed.
	c.sweepLocked(c.now())
	if serr, ok := ParseSensorError(pkt); ok {
		if !serr.Code.Synchronous() || len(c.live) == 0 {
			return false
		}
		return c.finishLocked(c.records[c.live[0]], StateErrored, pkt, serr)
	}
	for _, id := range c.live {
		rec := c.records[id]
		if rec.cmd.Matches(pkt) {
			return c.finishLocked(rec, StateResponded, pkt, nil)
		}
	}
	return false
}

// Sweep expires live commands older than their removal window and returns
// how many expired.
func (c *Correlator) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(now)
}

func (c *Correlator) sweepLocked(now time.Time) int {
	var expired []*record
	for _, id := range c.live {
		rec := c.records[id]
		if now.Sub(rec.sentAt) > rec.removeAfter {
			expired = append(expired, rec)
		}
	}
	for _, rec := range expired {
		c.finishLocked(rec, StateExpired, nil, ErrResponseTimeout)
	}
	return len(expired)
}

// Cancel fails every live command with err and refuses further sends.
func (c *Correlator) Cancel(err error) {
	if err == nil {
		err = ErrDisconnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed == nil {
		c.closed = err
	}
	for len(c.live) > 0 {
		c.finishLocked(c.records[c.live[0]], StateErrored, nil, err)
	}
}

// Outstanding is the number of live commands.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

func (c *Correlator) lookup(id uint64) (record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return record{}, false
	}
	return *rec, true
}

// Handle refers to one sent command by id.
type Handle struct {
	c  *Correlator
	id uint64
}

func (h Handle) ID() uint64 { return h.id }

func (h Handle) get() (record, bool) {
	if h.c == nil {
		return record{}, false
	}
	return h.c.lookup(h.id)
}

func (h Handle) State() State {
	rec, ok := h.get()
	if !ok {
		return StateUnknown
	}
	return rec.state
}

func (h Handle) IsAwaitingResponse() bool { return h.State() == StateAwaitingResponse }
func (h Handle) HasValidResponse() bool   { return h.State() == StateResponded }

// Response is the matched packet: the reply, or the $VNERR sentence.
func (h Handle) Response() *protocol.Packet {
	rec, _ := h.get()
	return rec.response
}

// Err is the failure recorded for the command, or nil.
func (h Handle) Err() error {
	rec, ok := h.get()
	if !ok {
		if h.c == nil {
			return nil
		}
		return ErrEvicted
	}
	return rec.err
}

func (h Handle) Command() Command {
	rec, _ := h.get()
	return rec.cmd
}

func (h Handle) SentAt() time.Time {
	rec, _ := h.get()
	return rec.sentAt
}

func (h Handle) RespondedAt() time.Time {
	rec, _ := h.get()
	return rec.respondedAt
}

// Wait blocks until the command leaves the awaiting state or ctx is done.
func (h Handle) Wait(ctx context.Context) error {
	rec, ok := h.get()
	if !ok {
		return h.Err()
	}
	select {
	case <-rec.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
