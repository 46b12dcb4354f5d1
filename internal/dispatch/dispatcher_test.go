package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/vnsensor/internal/protocol"
)

var (
	ypr  = protocol.FieldID{Group: protocol.GroupCommon, Bit: 3}
	quat = protocol.FieldID{Group: protocol.GroupCommon, Bit: 4}
)

func ascii(id string, fields ...string) *protocol.Packet {
	return &protocol.Packet{Kind: protocol.KindASCII, MessageID: id, Fields: fields}
}

func bin(sync byte, fields ...protocol.FieldID) *protocol.Packet {
	return &protocol.Packet{Kind: protocol.KindBinary, SyncByte: sync, Header: protocol.NewHeader(fields...)}
}

func skipped() *protocol.Packet {
	return &protocol.Packet{Kind: protocol.KindUnrecognized, Raw: []byte{1, 2, 3}}
}

func TestFilterMatches(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		pkt    *protocol.Packet
		want   bool
	}{
		{"prefix hit", MatchPrefix("VN"), ascii("VNYPR"), true},
		{"prefix case sensitive", MatchPrefix("vn"), ascii("VNYPR"), false},
		{"prefix ignores binary", MatchPrefix("VN"), bin(0xFA, ypr), false},
		{"exclude prefix", ExcludePrefix("VNYPR"), ascii("VNQTN"), true},
		{"exclude prefix miss", ExcludePrefix("VNY"), ascii("VNYPR"), false},
		{"any match overlap", MatchAny(protocol.NewHeader(ypr)), bin(0xFA, ypr, quat), true},
		{"any match disjoint", MatchAny(protocol.NewHeader(quat)), bin(0xFA, ypr), false},
		{"any match empty header", MatchAny(protocol.Header{}), bin(0xFA, ypr), true},
		{"any match ignores ascii", MatchAny(protocol.Header{}), ascii("VNYPR"), false},
		{"exact equal", MatchExact(protocol.NewHeader(ypr, quat)), bin(0xFA, quat, ypr), true},
		{"exact superset", MatchExact(protocol.NewHeader(ypr)), bin(0xFA, ypr, quat), false},
		{"not exact", ExcludeExact(protocol.NewHeader(ypr)), bin(0xFA, ypr, quat), true},
		{"sync byte binary", MatchSyncByte(0xFA), bin(0xFA, ypr), true},
		{"sync byte other", MatchSyncByte(0xFB), bin(0xFA, ypr), false},
		{"sync byte ascii", MatchSyncByte('$'), ascii("VNYPR"), true},
		{"sync byte skips skipped", MatchSyncByte(0xFA), skipped(), false},
		{"skipped", MatchSkipped(), skipped(), true},
		{"skipped ignores frames", MatchSkipped(), ascii("VNYPR"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.pkt))
		})
	}
}

func TestParseFilterKind(t *testing.T) {
	k, err := ParseFilterKind("Any-Match")
	require.NoError(t, err)
	assert.Equal(t, AnyMatch, k)
	_, err = ParseFilterKind("nope")
	assert.Error(t, err)
}

func TestDispatchFanOut(t *testing.T) {
	d := New()
	a := NewQueue("a", 4, Drop)
	b := NewQueue("b", 4, Drop)
	c := NewQueue("c", 4, Drop)
	d.Subscribe(a, MatchPrefix("VN"))
	d.Subscribe(b, MatchPrefix("VNYPR"))
	d.Subscribe(c, MatchSkipped())

	pkt := ascii("VNYPR", "1", "2", "3")
	assert.Equal(t, 2, d.Dispatch(pkt))

	got, ok := a.TryGet()
	require.True(t, ok)
	assert.Same(t, pkt, got)
	got, ok = b.TryGet()
	require.True(t, ok)
	assert.Same(t, pkt, got)
	_, ok = c.TryGet()
	assert.False(t, ok)
}

func TestDispatchDropsOnFullQueue(t *testing.T) {
	d := New()
	full := NewQueue("full", 1, Drop)
	other := NewQueue("other", 4, Drop)
	d.Subscribe(full, MatchPrefix("VN"))
	d.Subscribe(other, MatchPrefix("VN"))

	var dropped []string
	d.OnDrop(func(name string) { dropped = append(dropped, name) })

	assert.Equal(t, 2, d.Dispatch(ascii("VNYPR")))
	assert.Equal(t, 1, d.Dispatch(ascii("VNQTN")))

	assert.Equal(t, uint64(1), full.Dropped())
	assert.Equal(t, uint64(1), full.Delivered())
	assert.Equal(t, 2, other.Len())
	assert.Equal(t, []string{"full"}, dropped)
}

func TestDispatchRetryWaitsForConsumer(t *testing.T) {
	d := New()
	q := NewQueue("retry", 1, Retry)
	q.SetRetryBudget(time.Second)
	d.Subscribe(q, MatchPrefix("VN"))

	require.Equal(t, 1, d.Dispatch(ascii("VNYPR")))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		_, err := q.Get(context.Background())
		assert.NoError(t, err)
	}()

	assert.Equal(t, 1, d.Dispatch(ascii("VNQTN")))
	wg.Wait()
	assert.Zero(t, q.Dropped())
	assert.Equal(t, 1, q.Len())
}

func TestDispatchRetryBudgetExhausted(t *testing.T) {
	d := New()
	q := NewQueue("retry", 1, Retry)
	q.SetRetryBudget(10 * time.Millisecond)
	fast := NewQueue("fast", 4, Drop)
	d.Subscribe(q, MatchPrefix("VN"))
	d.Subscribe(fast, MatchPrefix("VN"))

	d.Dispatch(ascii("VNYPR"))
	start := time.Now()
	assert.Equal(t, 1, d.Dispatch(ascii("VNQTN")))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, 2, fast.Len())
}

func TestClosedQueueCountsDrops(t *testing.T) {
	d := New()
	q := NewQueue("q", 4, Retry)
	d.Subscribe(q, MatchPrefix("VN"))
	require.Equal(t, 1, d.Dispatch(ascii("VNYPR")))

	q.Close()
	assert.True(t, q.Closed())
	assert.Equal(t, 0, d.Dispatch(ascii("VNQTN")))
	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, 1, q.Len())
}

func TestCloseWaitsForRetryOffer(t *testing.T) {
	d := New()
	q := NewQueue("retry", 1, Retry)
	q.SetRetryBudget(time.Second)
	d.Subscribe(q, MatchPrefix("VN"))
	require.Equal(t, 1, d.Dispatch(ascii("VNYPR")))

	offered := make(chan int)
	go func() { offered <- d.Dispatch(ascii("VNQTN")) }()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()
	time.Sleep(20 * time.Millisecond)
	select {
	case <-closed:
		t.Fatal("Close returned while an offer was still blocked")
	default:
	}

	_, ok := q.TryGet()
	require.True(t, ok)
	assert.Equal(t, 1, <-offered)
	<-closed
	pkt, ok := q.TryGet()
	require.True(t, ok)
	assert.Equal(t, "VNQTN", pkt.MessageID)
}

func TestUnsubscribe(t *testing.T) {
	d := New()
	q := NewQueue("q", 4, Drop)
	id := d.Subscribe(q, MatchPrefix("VN"))
	d.Subscribe(q, MatchSkipped())
	assert.Equal(t, 2, d.Len())

	assert.True(t, d.Unsubscribe(id))
	assert.False(t, d.Unsubscribe(id))
	assert.Equal(t, 0, d.Dispatch(ascii("VNYPR")))

	assert.Equal(t, 1, d.UnsubscribeQueue(q))
	assert.Equal(t, 0, d.Len())
	assert.Equal(t, 0, d.Dispatch(skipped()))
}

func TestQueueGetHonoursContext(t *testing.T) {
	q := NewQueue("q", 1, Drop)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := q.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
