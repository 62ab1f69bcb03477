package dq

import (
	"time"

	"go.uber.org/zap"

	"github.com/mkborg/gtk-gnutella/metrics"
)

// startProbe implements the "probe" phase of §4.5. It arms the hard
// expiration deadline, selects the initial candidate set (requiring
// upfront QRP admission), lowers the starting TTL for densely-connected
// nodes, and dispatches to the first ProbeFanout candidates.
func (e *Engine) startProbe(q *Query) {
	start := e.clock.Now()
	defer func() { probeDispatchLatency.Observe(e.clock.Now().Sub(start).Seconds()) }()

	setPhaseGauge(q.ph.String(), 1)
	e.armExpiration(q, e.cfg.MaxLifetime)

	cands := e.selector.probeCandidates(q.wireMUID, q.hashVector)
	e.selector.sortCandidates(cands, q.hashVector)
	q.prevCandidates = cands

	n := len(cands)
	p := e.cfg.ProbeFanout
	ttl := q.initialTTL
	if n > 3*p {
		ttl = decTTL(ttl)
	}
	if n > 6*p {
		ttl = decTTL(ttl)
	}

	fanout := p
	if fanout > n {
		fanout = n
	}

	setPhaseGauge(q.ph.String(), -1)
	q.ph = phaseIterate
	setPhaseGauge(q.ph.String(), 1)

	if fanout == 0 {
		// §8 boundary behaviour: a probe that finds zero candidates falls
		// through to the iteration path instead of terminating outright.
		e.iterate(q)
		return
	}

	for i := 0; i < fanout; i++ {
		e.dispatch(q, cands[i], ttl)
	}
	e.armResults(q, time.Duration(p)*(e.cfg.ProbeTimeout+e.cfg.BaseResultTimeout))
}

func decTTL(ttl uint8) uint8 {
	if ttl > 1 {
		return ttl - 1
	}
	return 1
}

// iterate implements the main "iterate" step of §4.5: termination
// checks, the wait-for-guidance gate, the pending backlog yield, and
// candidate dispatch with adaptive TTL selection.
func (e *Engine) iterate(q *Query) {
	start := e.clock.Now()
	defer func() { iterateDispatchLatency.Observe(e.clock.Now().Sub(start).Seconds()) }()

	if q.origin.IsLocal {
		q.keptResults = e.localStore.KeptResults(q.searchHandle)
	}

	if !q.hasFlag(flagRoutingHits) && !q.hasFlag(flagLeafGuided) {
		e.terminate(q, "invalid_state")
		return
	}
	if !e.isUltrapeer() {
		e.terminate(q, "role_lost")
		return
	}
	if q.horizon >= e.cfg.MaxHorizon {
		e.terminate(q, "horizon_reached")
		return
	}
	if q.hasFlag(flagGotGuidance) && q.keptResults >= q.maxResults {
		e.terminate(q, "enough_results")
		return
	}
	if q.results+q.oobResults >= q.finResults {
		e.terminate(q, "enough_results")
		return
	}
	if q.upSent >= e.cfg.MaxUpSent {
		e.terminate(q, "up_sent_cap")
		return
	}

	if e.shouldWaitForGuidance(q) {
		e.enterWaitForGuidance(q)
		return
	}

	if q.pending >= e.cfg.MaxPending {
		e.armResults(q, q.resultTimeout)
		return
	}

	cands := e.selector.nextCandidates(q.queried, q.prevCandidates)
	e.selector.sortCandidates(cands, q.hashVector)
	q.prevCandidates = cands

	chosen, ttl, ok := e.pickCandidate(q, cands)
	if !ok {
		e.terminate(q, "no_candidates")
		return
	}
	e.dispatch(q, chosen, ttl)

	if q.horizon > e.cfg.AdjustThresh && uint64(q.results) < e.cfg.LowResultMark*q.horizon/e.cfg.AdjustThresh {
		if q.resultTimeout-e.cfg.TimeoutAdjustStep >= e.cfg.MinResultTimeout {
			q.resultTimeout -= e.cfg.TimeoutAdjustStep
		} else {
			q.resultTimeout = e.cfg.MinResultTimeout
		}
	}
	e.armResults(q, q.resultTimeout+time.Duration(q.pending-1)*e.cfg.PendingTimeout)
}

// pickCandidate implements §4.5's TTL-selection formula and the
// last-hop-QRP skip rule, walking cands in their already-sorted order.
//
// The formula picks the largest ttl whose horizon still stays within
// toReachPerNode, not the smallest: horizon is non-decreasing in ttl, so
// "smallest qualifying ttl" would degenerate to ttl=1 whenever ttl=1
// already clears the bar, defeating the reach-adjustment entirely. The
// largest qualifying ttl is the one that actually reaches toReachPerNode
// hosts without overshooting past it.
func (e *Engine) pickCandidate(q *Query, cands []*Candidate) (*Candidate, uint8, bool) {
	resultsPerUP := float64(q.results) / maxf(float64(q.horizon), 1)
	const epsilon = 1e-9
	kept := q.keptResults
	remaining := 0.0
	if q.maxResults > kept {
		remaining = float64(q.maxResults - kept)
	}
	toReach := remaining / maxf(resultsPerUP, epsilon)
	connections := maxf(float64(len(e.neighbours.Connections())), 1)
	toReachPerNode := toReach / connections

	for _, cand := range cands {
		nodeMaxTTL := e.neighbours.MaxTTL(cand.Node)
		ceiling := q.initialTTL
		if nodeMaxTTL < ceiling {
			ceiling = nodeMaxTTL
		}
		if ceiling < 1 {
			ceiling = 1
		}
		degree := e.neighbours.Degree(cand.Node)

		chosen := ceiling
		for ttl := uint8(1); ttl <= ceiling; ttl++ {
			if float64(e.horizon.horizon(degree, ttl)) <= toReachPerNode {
				chosen = ttl
			}
		}

		if chosen == 1 && e.neighbours.SupportsLastHopQRP(cand.Node) &&
			!cand.admits(e.qrp, cand.Node, q.hashVector) {
			continue
		}
		return cand, chosen, true
	}
	return nil, 0, false
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// dispatch sends the query at ttl to cand.Node, binding a send-bookkeeper
// hook (§4.4) to the outgoing message.
func (e *Engine) dispatch(q *Query, cand *Candidate, ttl uint8) {
	msg := q.templates.messageFor(ttl, e.msgLayer.BuildMessage)
	q.queried[cand.Node] = struct{}{}
	q.pending++
	degree := e.neighbours.Degree(cand.Node)
	e.msgLayer.Send(cand.Node, msg, e.makeFreeHook(q, cand.Node, degree, ttl, e.clock.Now()))
}

// makeFreeHook returns the closure the message layer invokes exactly
// once when it frees the dispatched message (§4.4, §9 "Record-address
// reuse"). It is the sole place a "foreign" message-layer callback
// re-enters engine state, and it does so gated on (query, generation).
func (e *Engine) makeFreeHook(q *Query, node NodeID, degree int, ttl uint8, sentAt time.Time) func(sent bool) {
	gen := q.generation
	return func(sent bool) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, alive := e.allQueries[q]; !alive || !q.alive(gen) {
			return
		}

		metrics.ReportMessageLatency("dq", e.clock.Now().Sub(sentAt))

		q.pending--
		if sent {
			q.upSent++
			q.horizon += e.horizon.horizon(degree, ttl)
			return
		}

		delete(q.queried, node)
		messagesDropped.Inc()
		if q.pending == 0 && q.results_ != nil && !q.hasFlag(flagLingering) {
			e.armResults(q, time.Millisecond)
		}
	}
}

// shouldWaitForGuidance implements the entry condition of §4.5
// "Wait-for-guidance": leaf-guided, at least GuidanceThreshold UPs
// queried since the last status, and — only when this node is itself
// routing hits back to the leaf — at least MinResultsForGuidance new
// results since then (otherwise there is nothing new to report yet, but
// since we are not routing hits ourselves we cannot tell, so we ask
// regardless of new-result count).
func (e *Engine) shouldWaitForGuidance(q *Query) bool {
	if q.origin.IsLocal || !q.hasFlag(flagLeafGuided) || q.hasFlag(flagWaitingForGuidance) {
		return false
	}
	sinceStatus := q.upSent - q.upSentAtLastStatus
	if sinceStatus < e.cfg.GuidanceThreshold {
		return false
	}
	if q.hasFlag(flagRoutingHits) && q.newResults < uint32(e.cfg.MinResultsForGuidance) {
		return false
	}
	return true
}

func (e *Engine) enterWaitForGuidance(q *Query) {
	q.setFlag(flagWaitingForGuidance)

	muid := q.wireMUID
	if q.hasLeafMUID {
		muid = q.leafMUID
	}
	e.msgLayer.SendGuidanceRequest(q.origin.Node, muid)

	avg, last := e.alivePings.RTT(q.origin)
	timeout := (avg + last) / 2
	if timeout < e.cfg.GuidanceTimeout {
		timeout = e.cfg.GuidanceTimeout
	}
	if remaining := q.expiresAt.Sub(e.clock.Now()); remaining > 0 && timeout > remaining {
		timeout = remaining
	}
	e.armResults(q, timeout)
}

// onResultsEvent is the single callback bound to a query's "next step
// trigger" slot, whichever of {results-event, waiting-for-guidance} it
// currently represents (§3 invariant: at most one is tied to a
// progression decision at a time).
func (e *Engine) onResultsEvent(q *Query, gen uint64) {
	if !q.alive(gen) {
		return
	}
	if q.hasFlag(flagWaitingForGuidance) {
		e.onGuidanceTimeout(q)
		return
	}
	e.iterate(q)
}

func (e *Engine) onGuidanceTimeout(q *Query) {
	q.clearFlag(flagWaitingForGuidance)
	q.statTimeouts++
	guidanceTimeouts.Inc()
	if q.statTimeouts >= e.cfg.MaxStatTimeouts && !q.hasFlag(flagGotGuidance) {
		q.clearFlag(flagLeafGuided)
		e.log.Debug("leaf silent to guidance, degrading to unguided",
			zap.Stringer("muid", q.wireMUID))
	}
	e.iterate(q)
}

func (e *Engine) onExpiration(q *Query, gen uint64) {
	if !q.alive(gen) {
		return
	}
	if q.hasFlag(flagLingering) {
		e.freeQuery(q)
		return
	}
	e.terminate(q, "hard_deadline")
}

// terminate implements §4.5 "Terminate -> Linger": the results-event is
// cancelled, completion statistics are recorded, and the record moves to
// the lingering phase.
func (e *Engine) terminate(q *Query, reason string) {
	e.cancel(q.results_)
	q.results_ = nil

	e.classifyCompletion(q)
	e.log.Debug("query terminated",
		zap.Stringer("muid", q.wireMUID), zap.String("reason", reason))
	e.enterLingering(q)
}

// classifyCompletion records the completed_full/completed_partial/
// completed_zero statistic exactly once per query, whichever of
// terminate() or a direct freeQuery() call classifies it first — mirrors
// the original's dq_free, which unconditionally classifies every freed
// query (including the node-removed/search-closed paths that never go
// through terminate() at all).
func (e *Engine) classifyCompletion(q *Query) {
	if q.hasFlag(flagClassified) {
		return
	}
	q.setFlag(flagClassified)
	full, partial, zero := q.completionClass()
	switch {
	case full:
		e.stats.CompletedFull()
	case zero:
		e.stats.CompletedZero()
	case partial:
		e.stats.CompletedPartial()
	}
}

// enterLingering moves q into the lingering phase: hits still accrue
// (into lingerResults) but no further dispatches occur. The expiration
// event is replaced with the linger deadline (1ms if user-cancelled, the
// configured linger timeout otherwise).
func (e *Engine) enterLingering(q *Query) {
	setPhaseGauge(q.ph.String(), -1)
	q.ph = phaseLingering
	q.setFlag(flagLingering)
	setPhaseGauge(q.ph.String(), 1)

	delay := e.cfg.LingerTimeout
	if q.hasFlag(flagUserCancelled) {
		delay = e.cfg.LingerCancelled
	}
	e.armExpiration(q, delay)
}

// freeQuery implements "free": every pending event is cancelled and the
// record is removed from every index.
func (e *Engine) freeQuery(q *Query) {
	e.cancel(q.expiration)
	e.cancel(q.results_)
	e.classifyCompletion(q)
	setPhaseGauge(q.ph.String(), -1)
	q.ph = phaseFreed
	q.results_ = nil
	q.expiration = nil
	e.deindexQuery(q)
	e.selector.admission.Remove(q.wireMUID)
}

func (e *Engine) armExpiration(q *Query, d time.Duration) {
	gen := q.generation
	q.expiresAt = e.clock.Now().Add(d)
	q.expiration = e.reschedule(q.expiration, d, func() { e.onExpiration(q, gen) })
}

func (e *Engine) armResults(q *Query, d time.Duration) {
	gen := q.generation
	q.results_ = e.reschedule(q.results_, d, func() { e.onResultsEvent(q, gen) })
}
