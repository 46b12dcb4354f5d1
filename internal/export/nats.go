package export

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/shaunagostinho/vnsensor/internal/protocol"
)

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
}

// NATSSink publishes the wire bytes of every packet to
// <prefix>.<kind>.<id>, e.g. "vn.ascii.VNYPR" or "vn.binary.bin01-0007".
type NATSSink struct {
	pub          Publisher
	prefix       string
	flushTimeout time.Duration
	closeFn      func()
}

// NewNATSSink publishes through pub. It does not own the connection.
func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "vn"
	}
	return &NATSSink{pub: pub, prefix: prefix, flushTimeout: 2 * time.Second}
}

// DialNATS connects to url and returns a sink that closes the connection
// on Close.
func DialNATS(url, prefix string, opts ...nats.Option) (*NATSSink, error) {
	opts = append([]nats.Option{
		nats.Name("vnsensor"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("export: nats connect %s: %w", url, err)
	}
	s := NewNATSSink(nc, prefix)
	s.closeFn = nc.Close
	return s, nil
}

// Subject returns the subject a packet is published on.
func (s *NATSSink) Subject(pkt *protocol.Packet) string {
	switch pkt.Kind {
	case protocol.KindASCII:
		return s.prefix + ".ascii." + pkt.MessageID
	case protocol.KindBinary:
		return s.prefix + ".binary." + binaryKey(pkt.Header)
	}
	return s.prefix + ".skipped"
}

func (s *NATSSink) Write(pkt *protocol.Packet) (int, error) {
	msg := nats.NewMsg(s.Subject(pkt))
	msg.Data = pkt.Raw
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())
	msg.Header.Set("Vn-Received", pkt.Timestamp.Format(time.RFC3339Nano))
	if err := s.pub.PublishMsg(msg); err != nil {
		return 0, err
	}
	return len(pkt.Raw), nil
}

// Close flushes pending messages and closes an owned connection.
func (s *NATSSink) Close() error {
	err := s.pub.FlushTimeout(s.flushTimeout)
	if s.closeFn != nil {
		s.closeFn()
	}
	return err
}
