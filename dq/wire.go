package dq

import (
	"github.com/google/uuid"
)

// MUID is the 16-byte wire message identifier used by the overlay to
// correlate a query with its hits, as well as the leaf-facing identifier
// a leaf uses when it does not know the wire MUID (OOB-proxied queries).
type MUID [16]byte

// NewMUID generates a fresh, essentially-unique MUID.
func NewMUID() MUID {
	var m MUID
	id := uuid.New()
	copy(m[:], id[:])
	return m
}

func (m MUID) String() string {
	return uuid.UUID(m).String()
}

// GuidanceStop is the sentinel "kept" value meaning "stop searching now".
const GuidanceStop uint32 = 0xFFFF

// NodeID identifies a connected overlay neighbour. The zero value is
// never a valid neighbour identity; origin records distinguish "local"
// explicitly rather than overloading the zero value (see Origin).
type NodeID [32]byte

func (n NodeID) String() string {
	return hexString(n[:])
}

func hexString(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 2*len(b))
	for i, c := range b {
		out[2*i] = hextable[c>>4]
		out[2*i+1] = hextable[c&0x0f]
	}
	return string(out)
}

// Origin identifies who launched a query: either a remote overlay node
// (leaf-guided or not) or the local node itself.
type Origin struct {
	Node    NodeID
	IsLocal bool
}

// SearchHandle is the local search store's opaque handle for a
// locally-initiated search; only meaningful when Origin.IsLocal is true.
type SearchHandle uint64

// QueryHashVector is a precomputed fingerprint of a query's keywords/URN,
// used as input to QRP admission predicates.
type QueryHashVector struct {
	Bits []uint32
	// IsURN marks a query driven by a URN (e.g. a SHA1 hash) rather than
	// keyword text: such queries match far fewer hosts, so the engine
	// scales its result target down by Config.URNDivisor.
	IsURN bool
}

// QueryTemplate is the immutable, parsed search payload sufficient to
// rebuild a wire message at any TTL.
type QueryTemplate struct {
	// Body is the verbatim search payload as it should be sent, minus the
	// TTL byte which the message layer fills in per dispatch.
	Body []byte
	// Label is free-form text (query string or URN) copied onto the query
	// record; it never influences routing decisions, and the engine's log
	// lines do not include it.
	Label string
}

// StatusFlags carry firewall/OOB-support bits observed on an incoming hit,
// as delivered by the message layer.
type StatusFlags struct {
	// OOB is true when the hit arrived out-of-band rather than along the
	// overlay path back to us.
	OOB bool
	// BothFirewalled is true when both the sender and this node are
	// behind a firewall (no direct inbound connection is possible).
	BothFirewalled bool
	// SupportsFWToFW is true when either endpoint advertises support for
	// firewall-to-firewall delivery, making BothFirewalled survivable.
	SupportsFWToFW bool
}
