package dispatch

import (
	"fmt"
	"strings"

	"github.com/shaunagostinho/vnsensor/internal/protocol"
)

// FilterKind selects how a subscription matches packets.
type FilterKind int

const (
	// StartsWith matches ASCII packets whose message id has the prefix.
	StartsWith FilterKind = iota
	// DoesNotStartWith matches ASCII packets whose message id lacks the prefix.
	DoesNotStartWith
	// AnyMatch matches binary packets sharing at least one field with the
	// filter header. An empty filter header matches every binary packet.
	AnyMatch
	// ExactMatch matches binary packets whose header equals the filter header.
	ExactMatch
	// NotExactMatch matches binary packets whose header differs.
	NotExactMatch
	// SyncByte matches frames starting with the given byte ('$' selects
	// ASCII sentences).
	SyncByte
	// Skipped matches runs of bytes that belonged to no valid frame.
	Skipped
)

var filterKindNames = map[FilterKind]string{
	StartsWith:       "starts-with",
	DoesNotStartWith: "does-not-start-with",
	AnyMatch:         "any-match",
	ExactMatch:       "exact-match",
	NotExactMatch:    "not-exact-match",
	SyncByte:         "sync-byte",
	Skipped:          "skipped",
}

func (k FilterKind) String() string {
	if s, ok := filterKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("filter(%d)", int(k))
}

// ParseFilterKind is the inverse of FilterKind.String.
func ParseFilterKind(s string) (FilterKind, error) {
	for k, name := range filterKindNames {
		if strings.EqualFold(name, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("dispatch: unknown filter kind %q", s)
}

// Filter is a subscription predicate.
type Filter struct {
	Kind     FilterKind
	Prefix   string
	Header   protocol.Header
	SyncByte byte
}

func MatchPrefix(prefix string) Filter    { return Filter{Kind: StartsWith, Prefix: prefix} }
func ExcludePrefix(prefix string) Filter  { return Filter{Kind: DoesNotStartWith, Prefix: prefix} }
func MatchAny(h protocol.Header) Filter   { return Filter{Kind: AnyMatch, Header: h} }
func MatchExact(h protocol.Header) Filter { return Filter{Kind: ExactMatch, Header: h} }
func ExcludeExact(h protocol.Header) Filter {
	return Filter{Kind: NotExactMatch, Header: h}
}
func MatchSyncByte(b byte) Filter { return Filter{Kind: SyncByte, SyncByte: b} }
func MatchSkipped() Filter        { return Filter{Kind: Skipped} }

// Matches reports whether pkt passes the filter.
func (f Filter) Matches(pkt *protocol.Packet) bool {
	switch f.Kind {
	case StartsWith:
		return pkt.Kind == protocol.KindASCII && strings.HasPrefix(pkt.MessageID, f.Prefix)
	case DoesNotStartWith:
		return pkt.Kind == protocol.KindASCII && !strings.HasPrefix(pkt.MessageID, f.Prefix)
	case AnyMatch:
		if pkt.Kind != protocol.KindBinary {
			return false
		}
		return f.Header.IsEmpty() || pkt.Header.Intersects(f.Header)
	case ExactMatch:
		return pkt.Kind == protocol.KindBinary && pkt.Header == f.Header
	case NotExactMatch:
		return pkt.Kind == protocol.KindBinary && pkt.Header != f.Header
	case SyncByte:
		switch pkt.Kind {
		case protocol.KindASCII:
			return f.SyncByte == protocol.AsciiStart
		case protocol.KindBinary:
			return pkt.SyncByte == f.SyncByte
		}
		return false
	case Skipped:
		return pkt.Kind == protocol.KindUnrecognized
	}
	return false
}

func (f Filter) String() string {
	switch f.Kind {
	case StartsWith, DoesNotStartWith:
		return fmt.Sprintf("%s(%q)", f.Kind, f.Prefix)
	case AnyMatch, ExactMatch, NotExactMatch:
		return fmt.Sprintf("%s(%s)", f.Kind, f.Header)
	case SyncByte:
		return fmt.Sprintf("%s(0x%02X)", f.Kind, f.SyncByte)
	}
	return f.Kind.String()
}
