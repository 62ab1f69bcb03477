package dq

import (
	"time"

	"golang.org/x/time/rate"
)

// NeighbourTable is consulted by the candidate selector and exposes only
// the per-neighbour predicates §6 requires; it never hands out anything
// resembling a full connection object.
type NeighbourTable interface {
	// Connections returns the currently connected node identities.
	Connections() []NodeID

	IsUltrapeer(NodeID) bool
	IsWritable(NodeID) bool
	InTxFlowControl(NodeID) bool
	HopsFlow(NodeID) int
	ReceivedHandshake(NodeID) bool
	MaxTTL(NodeID) uint8
	Degree(NodeID) int
	SupportsLastHopQRP(NodeID) bool

	// QueueDepth returns the node's pending send-queue depth in bytes,
	// used by the candidate selector's ascending sort.
	QueueDepth(NodeID) int64

	// SendBudget returns the node's outgoing token bucket. A candidate
	// with an exhausted budget is treated the same as one in transmit
	// flow control (§4.3's base eligibility filter).
	SendBudget(NodeID) *rate.Limiter
}

// MessageLayer builds and dispatches the wire message derived from a
// query template, and tells the send bookkeeper whether a given message
// was ultimately sent or dropped.
type MessageLayer interface {
	// BuildMessage rewrites tmpl's TTL byte and returns the wire bytes.
	BuildMessage(tmpl QueryTemplate, ttl uint8) []byte

	// Send enqueues msg to node. onFree is invoked exactly once, on the
	// engine's goroutine, when the message layer frees the message;
	// sent reports whether it actually left the wire.
	Send(node NodeID, msg []byte, onFree func(sent bool))

	// SendGuidanceRequest sends a guidance request to node, carrying
	// muid (the wire MUID, or the leaf-facing MUID for OOB-proxied
	// queries) using the host's vendor-message framing.
	SendGuidanceRequest(node NodeID, muid MUID)
}

// QRP exposes the query routing protocol's admission predicate; the
// engine never builds or inspects QRP tables itself.
type QRP interface {
	NodeCanRoute(node NodeID, hv QueryHashVector) bool
}

// AlivePings exposes the RTT estimator maintained by the alive-ping
// subsystem, consulted only to size guidance timeouts.
type AlivePings interface {
	RTT(origin Origin) (avg, last time.Duration)
}

// OOBProxy resolves the leaf-facing MUID for an OOB-proxied query and
// creates new proxy registrations; the engine never speaks the OOB wire
// protocol itself.
type OOBProxy interface {
	ProxiedOriginalMUID(wire MUID) (leaf MUID, ok bool)
	CreateProxy(node NodeID) MUID
}

// LocalSearchStore lets the engine synthesise kept_results for local
// queries, which have no leaf to ask for guidance.
type LocalSearchStore interface {
	KeptResults(handle SearchHandle) uint32
}

// Stats receives typed counter increments named in §6; the default
// implementation backs them with the package's Prometheus metrics, but
// tests may inject a recording stub.
type Stats interface {
	LeafDynQuery()
	LocalDynQuery()
	OOBProxiedQuery()
	CompletedFull()
	CompletedPartial()
	CompletedZero()
	LingerExtra()
	LingerCompleted()
	LingerResults(n uint32)
}

// promStats is the default Stats implementation, backed by the package's
// Prometheus counters.
type promStats struct{}

func (promStats) LeafDynQuery()     { leafQueries.Inc() }
func (promStats) LocalDynQuery()    { localQueries.Inc() }
func (promStats) OOBProxiedQuery()  { oobProxied.Inc() }
func (promStats) CompletedFull()    { completedFull.Inc() }
func (promStats) CompletedPartial() { completedPartial.Inc() }
func (promStats) CompletedZero()    { completedZero.Inc() }
func (promStats) LingerExtra()      { lingerExtra.Inc() }
func (promStats) LingerCompleted()  { lingerCompleted.Inc() }
func (promStats) LingerResults(n uint32) {
	lingerResults.Add(float64(n))
}
