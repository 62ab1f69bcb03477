package dq

import (
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Candidate is one ultrapeer considered for dispatch. QRP admission is
// evaluated lazily (§4.3): qrpKnown is false until either the probe path
// (which requires admission upfront) or the tie-break comparator forces
// an evaluation.
type Candidate struct {
	Node       NodeID
	QueueDepth int64

	qrpKnown  bool
	qrpAdmits bool
}

func (c *Candidate) admits(qrp QRP, node NodeID, hv QueryHashVector) bool {
	if !c.qrpKnown {
		c.qrpAdmits = qrp.NodeCanRoute(node, hv)
		c.qrpKnown = true
	}
	return c.qrpAdmits
}

// candidateSelector picks and orders the ultrapeers a query may be
// dispatched to. It memoizes QRP admission per (query, node) in an
// engine-wide bounded LRU (SPEC_FULL.md's DOMAIN STACK); only
// probeCandidates consults that LRU. Iteration steps instead reuse the
// qrpKnown/qrpAdmits state nextCandidates carries over from the previous
// candidate vector, so a node absent from that vector has its admission
// evaluated again.
type candidateSelector struct {
	neighbours NeighbourTable
	qrp        QRP
	epsilon    int64

	admission *lru.Cache[MUID, map[NodeID]bool]
}

func newCandidateSelector(neighbours NeighbourTable, qrp QRP, epsilon int64, cacheSize int) *candidateSelector {
	if cacheSize < 1 {
		cacheSize = 1
	}
	cache, _ := lru.New[MUID, map[NodeID]bool](cacheSize)
	return &candidateSelector{neighbours: neighbours, qrp: qrp, epsilon: epsilon, admission: cache}
}

// baseEligible reports whether node passes every filter common to both
// probe_candidates and next_candidates: connected, ultrapeer, handshake
// complete, not in transmit flow control or budget-exhausted, non-zero
// inbound hops-flow.
func (s *candidateSelector) baseEligible(node NodeID) bool {
	nt := s.neighbours
	if nt.InTxFlowControl(node) || !nt.IsWritable(node) {
		return false
	}
	if budget := nt.SendBudget(node); budget != nil && !budget.Allow() {
		return false
	}
	return nt.IsUltrapeer(node) &&
		nt.ReceivedHandshake(node) &&
		nt.HopsFlow(node) > 0
}

// memoizedAdmits consults this query's admission cache slot before
// falling back to a fresh QRP lookup, recording the result either way.
func (s *candidateSelector) memoizedAdmits(muid MUID, node NodeID, hv QueryHashVector) bool {
	slot, ok := s.admission.Get(muid)
	if !ok {
		slot = make(map[NodeID]bool)
	}
	if admits, known := slot[node]; known {
		return admits
	}
	admits := s.qrp.NodeCanRoute(node, hv)
	slot[node] = admits
	s.admission.Add(muid, slot)
	return admits
}

// probeCandidates enumerates connected ultrapeers eligible for the
// initial probe: the base filters, plus upfront QRP admission (§4.5's
// "stricter variant requiring QRP admission"). The caller owns the
// returned slice and must sort it before selecting.
func (s *candidateSelector) probeCandidates(muid MUID, hv QueryHashVector) []*Candidate {
	var out []*Candidate
	for _, node := range s.neighbours.Connections() {
		if !s.baseEligible(node) {
			continue
		}
		if !s.memoizedAdmits(muid, node, hv) {
			continue
		}
		out = append(out, &Candidate{
			Node:       node,
			QueueDepth: s.neighbours.QueueDepth(node),
			qrpKnown:   true,
			qrpAdmits:  true,
		})
	}
	return out
}

// nextCandidates enumerates connected ultrapeers eligible for an
// iteration step: the base filters, excluding anything already in
// queried, and without requiring QRP admission upfront. prev (the
// previous iteration's candidate vector, possibly nil) is consulted so
// that qrp-known status is inherited and not recomputed.
func (s *candidateSelector) nextCandidates(queried map[NodeID]struct{}, prev []*Candidate) []*Candidate {
	known := make(map[NodeID]*Candidate, len(prev))
	for _, c := range prev {
		known[c.Node] = c
	}

	var out []*Candidate
	for _, node := range s.neighbours.Connections() {
		if _, already := queried[node]; already {
			continue
		}
		if !s.baseEligible(node) {
			continue
		}
		cand := &Candidate{Node: node, QueueDepth: s.neighbours.QueueDepth(node)}
		if prior, ok := known[node]; ok {
			cand.qrpKnown = prior.qrpKnown
			cand.qrpAdmits = prior.qrpAdmits
		}
		out = append(out, cand)
	}
	return out
}

// sortCandidates orders by ascending send-queue depth; when two depths
// are within epsilon, a QRP-admitting candidate is preferred. QRP
// admission is only evaluated when the tie-break actually fires, and the
// result is cached on the candidate for the remainder of the vector's
// life (§4.3).
func (s *candidateSelector) sortCandidates(cands []*Candidate, hv QueryHashVector) {
	slices.SortStableFunc(cands, func(a, b *Candidate) int {
		diff := a.QueueDepth - b.QueueDepth
		abs := diff
		if abs < 0 {
			abs = -abs
		}
		if abs > s.epsilon {
			return depthCmp(a.QueueDepth, b.QueueDepth)
		}
		aAdmits := a.admits(s.qrp, a.Node, hv)
		bAdmits := b.admits(s.qrp, b.Node, hv)
		if aAdmits != bAdmits {
			if aAdmits {
				return -1
			}
			return 1
		}
		return depthCmp(a.QueueDepth, b.QueueDepth)
	})
}

func depthCmp(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
