// Package dq implements the dynamic query (DQ) engine: it satisfies a
// search issued by a leaf or by the local node by progressively
// forwarding the query to a small number of neighbour ultrapeers,
// estimating the horizon already reached, and deciding when to stop.
package dq

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
)

// Engine is the process-wide DQ coordinator: four indices, a monotonic
// generation counter, and the precomputed horizon table, exactly as
// described in §9 "Ambient per-process state". Construct one with
// NewEngine per host process (or per test).
type Engine struct {
	mu sync.Mutex

	cfg   Config
	log   *zap.Logger
	clock clockwork.Clock
	stats Stats

	neighbours NeighbourTable
	msgLayer   MessageLayer
	qrp        QRP
	alivePings AlivePings
	oob        OOBProxy
	localStore LocalSearchStore

	horizon  *horizonTable
	selector *candidateSelector

	isUltrapeer func() bool

	nextGeneration uint64

	allQueries map[*Query]struct{}
	byNode     map[NodeID]map[*Query]struct{}
	byWire     map[MUID]*Query
	byLeaf     map[MUID]*Query

	eg           *errgroup.Group
	stopWatchdog chan struct{}
	closed       bool
}

// Option configures an Engine at construction time, following the
// functional-options idiom used for Hare in the teacher package.
type Option func(*Engine)

func WithLogger(l *zap.Logger) Option    { return func(e *Engine) { e.log = l } }
func WithClock(c clockwork.Clock) Option { return func(e *Engine) { e.clock = c } }
func WithStats(s Stats) Option           { return func(e *Engine) { e.stats = s } }

// WithUltrapeerCheck overrides how the engine learns whether the local
// node currently holds the ultrapeer role (§4 Failure semantics: "Loss
// of ultrapeer role during a query is fatal and terminates it").
func WithUltrapeerCheck(fn func() bool) Option { return func(e *Engine) { e.isUltrapeer = fn } }

// NewEngine constructs and initialises an Engine (§6 init()).
func NewEngine(
	cfg Config,
	neighbours NeighbourTable,
	msgLayer MessageLayer,
	qrp QRP,
	alivePings AlivePings,
	oob OOBProxy,
	localStore LocalSearchStore,
	opts ...Option,
) *Engine {
	e := &Engine{
		cfg:         cfg,
		log:         zap.NewNop(),
		clock:       clockwork.NewRealClock(),
		stats:       promStats{},
		neighbours:  neighbours,
		msgLayer:    msgLayer,
		qrp:         qrp,
		alivePings:  alivePings,
		oob:         oob,
		localStore:  localStore,
		isUltrapeer: func() bool { return true },
		horizon:     newHorizonTable(cfg.FuzzyFactor),
		allQueries:  make(map[*Query]struct{}),
		byNode:      make(map[NodeID]map[*Query]struct{}),
		byWire:      make(map[MUID]*Query),
		byLeaf:      make(map[MUID]*Query),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.selector = newCandidateSelector(neighbours, qrp, cfg.QueueEpsilon, cfg.CandidateCacheSize)

	if cfg.WatchdogInterval > 0 {
		e.eg = &errgroup.Group{}
		e.stopWatchdog = make(chan struct{})
		e.eg.Go(func() error {
			e.runWatchdog(cfg.WatchdogInterval)
			return nil
		})
	}
	return e
}

// runWatchdog calls sweepOverdue every interval until Close. sweepOverdue
// forces a record through the normal expiration path only when its
// expiresAt has passed and it holds no expiration handle; a record whose
// expiration timer is armed but has not fired is left alone, and pending
// onFree hooks are not examined. Every indexed record holds an expiration
// handle from startProbe until freeQuery, so on the engine's own paths
// the sweep finds nothing to do.
func (e *Engine) runWatchdog(interval time.Duration) {
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopWatchdog:
			return
		case <-ticker.Chan():
			e.sweepOverdue()
		}
	}
}

func (e *Engine) sweepOverdue() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	for _, q := range maps.Keys(e.allQueries) {
		if q.expiration == nil && !q.expiresAt.IsZero() && !now.Before(q.expiresAt) {
			e.onExpiration(q, q.generation)
		}
	}
}

// Close cancels every outstanding event, stops the watchdog, and frees
// every query record (§6 close()).
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for q := range e.allQueries {
		e.cancel(q.expiration)
		e.cancel(q.results_)
	}
	e.allQueries = make(map[*Query]struct{})
	e.byNode = make(map[NodeID]map[*Query]struct{})
	e.byWire = make(map[MUID]*Query)
	e.byLeaf = make(map[MUID]*Query)
	e.mu.Unlock()

	if e.stopWatchdog != nil {
		close(e.stopWatchdog)
		_ = e.eg.Wait()
	}
}

// --- indices -----------------------------------------------------------

func (e *Engine) indexQuery(q *Query) {
	e.allQueries[q] = struct{}{}
	if !q.origin.IsLocal {
		set, ok := e.byNode[q.origin.Node]
		if !ok {
			set = make(map[*Query]struct{})
			e.byNode[q.origin.Node] = set
		}
		set[q] = struct{}{}
	}
	if existing, collides := e.byWire[q.wireMUID]; collides && existing != q {
		muidCollisions.Inc()
		e.log.Warn("muid collision, declining to index newcomer",
			zap.Stringer("muid", q.wireMUID))
	} else {
		e.byWire[q.wireMUID] = q
	}
	if q.hasLeafMUID {
		if existing, collides := e.byLeaf[q.leafMUID]; collides && existing != q {
			muidCollisions.Inc()
			e.log.Warn("leaf muid collision, declining to index newcomer",
				zap.Stringer("muid", q.leafMUID))
		} else {
			e.byLeaf[q.leafMUID] = q
		}
	}
}

func (e *Engine) deindexQuery(q *Query) {
	delete(e.allQueries, q)
	if set, ok := e.byNode[q.origin.Node]; ok {
		delete(set, q)
		if len(set) == 0 {
			delete(e.byNode, q.origin.Node)
		}
	}
	if e.byWire[q.wireMUID] == q {
		delete(e.byWire, q.wireMUID)
	}
	if q.hasLeafMUID && e.byLeaf[q.leafMUID] == q {
		delete(e.byLeaf, q.leafMUID)
	}
}

func (e *Engine) lookupByWire(muid MUID) *Query {
	return e.byWire[muid]
}

func (e *Engine) lookupByLeaf(muid MUID) *Query {
	if q, ok := e.byLeaf[muid]; ok {
		return q
	}
	return nil
}

// lookupByEither tries the wire MUID index first, then the leaf-facing
// one, matching §4.6 ("used for guidance messages from the leaf, which
// does not know the wire MUID for OOB-proxied queries").
func (e *Engine) lookupByEither(muid MUID) *Query {
	if q := e.lookupByWire(muid); q != nil {
		return q
	}
	return e.lookupByLeaf(muid)
}

// --- launch --------------------------------------------------------------

// LaunchRemote begins a DQ on behalf of a leaf (§6 launch_remote). Folds
// the original's inline OOB-proxy decision (dq_launch_net, original
// dq.c:1671-1694) into this single entry point instead of exposing it as
// a separate launch call: when the query is not already leaf-guided and
// wantsOOBProxy is set, the engine asks the OOB layer to mint a fresh
// wire MUID and tracks the leaf's own MUID separately so guidance
// requests still reach it (§4.6). ProxiedOriginalMUID is consulted
// first, mirroring dq_launch_net's own re-check of the header MUID,
// in case the host has already proxied this exact query through some
// other path.
func (e *Engine) LaunchRemote(origin NodeID, tmpl QueryTemplate, hv QueryHashVector, ttl uint8, leafGuided, wantsOOBProxy bool) MUID {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.newQuery(Origin{Node: origin}, tmpl, hv, ttl, e.cfg.LeafTarget)
	if leafGuided {
		q.setFlag(flagLeafGuided)
	}
	q.wireMUID = NewMUID()

	switch leaf, alreadyProxied := e.oob.ProxiedOriginalMUID(q.wireMUID); {
	case alreadyProxied:
		q.hasLeafMUID = true
		q.leafMUID = leaf
		q.setFlag(flagLeafGuided)
	case !leafGuided && wantsOOBProxy:
		q.hasLeafMUID = true
		q.leafMUID = q.wireMUID
		q.wireMUID = e.oob.CreateProxy(origin)
		q.setFlag(flagLeafGuided)
		e.stats.OOBProxiedQuery()
	default:
		q.setFlag(flagRoutingHits)
	}

	e.stats.LeafDynQuery()
	e.indexQuery(q)
	e.startProbe(q)
	return q.wireMUID
}

// LaunchLocal begins a DQ for a local search (§6 launch_local). Local
// queries have no leaf to request guidance from; kept_results is instead
// synthesised from the local search store.
func (e *Engine) LaunchLocal(handle SearchHandle, tmpl QueryTemplate, hv QueryHashVector, ttl uint8) MUID {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.newQuery(Origin{IsLocal: true}, tmpl, hv, ttl, e.cfg.LocalTarget)
	q.setFlag(flagRoutingHits)
	q.searchHandle = handle
	q.wireMUID = NewMUID()
	e.stats.LocalDynQuery()
	e.indexQuery(q)
	e.startProbe(q)
	return q.wireMUID
}

func (e *Engine) newQuery(origin Origin, tmpl QueryTemplate, hv QueryHashVector, ttl uint8, target uint32) *Query {
	e.nextGeneration++
	q := &Query{
		generation:    e.nextGeneration,
		origin:        origin,
		tmpl:          tmpl,
		hashVector:    hv,
		templates:     newTemplateCache(tmpl),
		queried:       make(map[NodeID]struct{}),
		initialTTL:    clampTTL(ttl, e.cfg.MaxTTL),
		maxResults:    target,
		finResults:    0,
		resultTimeout: e.cfg.BaseResultTimeout,
		ph:            phaseProbe,
		label:         tmpl.Label,
	}
	if hv.IsURN && e.cfg.URNDivisor > 0 {
		q.maxResults /= e.cfg.URNDivisor
		if q.maxResults == 0 {
			q.maxResults = 1
		}
	}
	if e.cfg.KeptFactor > 0 {
		q.finResults = uint32(float64(q.maxResults) / e.cfg.KeptFactor)
	} else {
		q.finResults = q.maxResults
	}
	return q
}

func clampTTL(ttl, max uint8) uint8 {
	if ttl < 1 {
		return 1
	}
	if ttl > max {
		return max
	}
	return ttl
}

// --- hit / OOB accounting (§4.7, exposed via §6) --------------------------

// OnHits implements §6 on_hits.
func (e *Engine) OnHits(muid MUID, count uint32, status StatusFlags) (forward bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.lookupByWire(muid)
	if q == nil {
		return true
	}
	wasLingering := q.hasFlag(flagLingering)
	before := q.lingerResults
	forward = q.accountHits(count, status)
	if wasLingering {
		if before < q.maxResults && q.lingerResults >= q.maxResults {
			e.stats.LingerExtra()
		}
		if q.hasFlag(flagGotGuidance) && before+q.keptResults < q.finResults &&
			q.lingerResults+q.keptResults >= q.finResults {
			e.stats.LingerCompleted()
		}
		e.stats.LingerResults(count)
	}
	return forward
}

// OnOOBIndication implements §6 on_oob_indication.
func (e *Engine) OnOOBIndication(muid MUID, count uint32) (claim bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.lookupByWire(muid)
	if q == nil {
		return false
	}
	return q.accountOOBIndication(count)
}

// OnOOBClaimed implements §6 on_oob_claimed.
func (e *Engine) OnOOBClaimed(muid MUID, count uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.lookupByWire(muid)
	if q == nil {
		return
	}
	q.accountOOBClaimed(count)
}

// ResultsWanted implements §6 results_wanted.
func (e *Engine) ResultsWanted(muid MUID) (uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.lookupByWire(muid)
	if q == nil {
		return 0, false
	}
	return q.resultsWanted(), true
}

// --- node / search lifecycle ---------------------------------------------

// OnNodeRemoved mass-terminates every query originating from node,
// freeing each record directly with no lingering (§4 Failure semantics
// "Node disappearance...").
func (e *Engine) OnNodeRemoved(node NodeID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.byNode[node]
	if !ok {
		return
	}
	for _, q := range maps.Keys(set) {
		e.freeQuery(q)
	}
}

// OnSearchClosed cancels the local search's query outright (§5
// Cancellation, case (c)).
func (e *Engine) OnSearchClosed(handle SearchHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for q := range e.allQueries {
		if q.origin.IsLocal && q.searchHandle == handle {
			e.freeQuery(q)
			return
		}
	}
}

// OnGuidance implements §4.8 on_guidance / §6 on_guidance.
func (e *Engine) OnGuidance(muid MUID, source NodeID, kept uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.lookupByEither(muid)
	if q == nil {
		return
	}
	if !q.origin.IsLocal && q.origin.Node != source {
		e.log.Warn("guidance from non-originating node, ignoring",
			zap.Stringer("muid", muid))
		return
	}

	q.keptResults = kept
	q.setFlag(flagGotGuidance)
	q.upSentAtLastStatus = q.upSent
	q.newResults = 0

	if kept == GuidanceStop {
		q.setFlag(flagUserCancelled)
		q.clearFlag(flagWaitingForGuidance)
		e.terminate(q, "user_stop")
		return
	}

	if !q.hasFlag(flagLeafGuided) {
		q.setFlag(flagLeafGuided)
	}

	if q.hasFlag(flagWaitingForGuidance) {
		q.clearFlag(flagWaitingForGuidance)
		e.cancel(q.results_)
		q.results_ = nil
		e.iterate(q)
	}
}
