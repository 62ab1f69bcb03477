package dq

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// fakeNeighbours is a minimal in-memory NeighbourTable for tests: every
// connected node is ultrapeer, handshaken, not flow-controlled, with a
// configurable degree/queue depth/max-ttl.
type fakeNeighbours struct {
	mu     sync.Mutex
	nodes  []NodeID
	degree map[NodeID]int
	queue  map[NodeID]int64
	maxTTL map[NodeID]uint8
	hopsOK map[NodeID]bool
	txFlow map[NodeID]bool
}

func newFakeNeighbours() *fakeNeighbours {
	return &fakeNeighbours{
		degree: make(map[NodeID]int),
		queue:  make(map[NodeID]int64),
		maxTTL: make(map[NodeID]uint8),
		hopsOK: make(map[NodeID]bool),
		txFlow: make(map[NodeID]bool),
	}
}

func (f *fakeNeighbours) add(n NodeID, degree int, queueDepth int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = append(f.nodes, n)
	f.degree[n] = degree
	f.queue[n] = queueDepth
	f.maxTTL[n] = 5
	f.hopsOK[n] = true
}

func (f *fakeNeighbours) remove(n NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, node := range f.nodes {
		if node == n {
			f.nodes = append(f.nodes[:i], f.nodes[i+1:]...)
			return
		}
	}
}

func (f *fakeNeighbours) Connections() []NodeID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]NodeID, len(f.nodes))
	copy(out, f.nodes)
	return out
}

func (f *fakeNeighbours) IsUltrapeer(NodeID) bool        { return true }
func (f *fakeNeighbours) IsWritable(NodeID) bool         { return true }
func (f *fakeNeighbours) InTxFlowControl(n NodeID) bool  { return f.txFlow[n] }
func (f *fakeNeighbours) ReceivedHandshake(NodeID) bool  { return true }
func (f *fakeNeighbours) SupportsLastHopQRP(NodeID) bool { return false }
func (f *fakeNeighbours) MaxTTL(n NodeID) uint8          { return f.maxTTL[n] }
func (f *fakeNeighbours) Degree(n NodeID) int            { return f.degree[n] }
func (f *fakeNeighbours) QueueDepth(n NodeID) int64      { return f.queue[n] }
func (f *fakeNeighbours) HopsFlow(n NodeID) int {
	if !f.hopsOK[n] {
		return 0
	}
	return 1
}

// SendBudget returns nil, meaning "unbudgeted" (baseEligible treats a nil
// budget as always allowing), matching tests that don't care about the
// rate-limiting path.
func (f *fakeNeighbours) SendBudget(NodeID) *rate.Limiter { return nil }

// fakeMessageLayer records every dispatched message and guidance request;
// sent callbacks fire synchronously unless the test arranges otherwise.
type fakeMessageLayer struct {
	mu         sync.Mutex
	sent       []sentMessage
	guidance   []guidanceRequest
	autoFree   bool
	freeResult bool
}

type sentMessage struct {
	node   NodeID
	ttl    uint8
	onFree func(bool)
}

type guidanceRequest struct {
	node NodeID
	muid MUID
}

func newFakeMessageLayer() *fakeMessageLayer {
	return &fakeMessageLayer{autoFree: true, freeResult: true}
}

func (f *fakeMessageLayer) BuildMessage(tmpl QueryTemplate, ttl uint8) []byte {
	out := make([]byte, len(tmpl.Body)+1)
	copy(out, tmpl.Body)
	out[len(tmpl.Body)] = ttl
	return out
}

func (f *fakeMessageLayer) Send(node NodeID, msg []byte, onFree func(sent bool)) {
	f.mu.Lock()
	ttl := msg[len(msg)-1]
	f.sent = append(f.sent, sentMessage{node: node, ttl: ttl, onFree: onFree})
	auto, result := f.autoFree, f.freeResult
	f.mu.Unlock()
	if auto {
		onFree(result)
	}
}

func (f *fakeMessageLayer) SendGuidanceRequest(node NodeID, muid MUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guidance = append(f.guidance, guidanceRequest{node: node, muid: muid})
}

func (f *fakeMessageLayer) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeMessageLayer) guidanceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.guidance)
}

// fakeQRP admits every node unless explicitly excluded.
type fakeQRP struct {
	mu      sync.Mutex
	exclude map[NodeID]bool
}

func newFakeQRP() *fakeQRP { return &fakeQRP{exclude: make(map[NodeID]bool)} }

func (q *fakeQRP) NodeCanRoute(node NodeID, _ QueryHashVector) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.exclude[node]
}

// fakeAlivePings returns a fixed RTT pair for every origin.
type fakeAlivePings struct {
	avg, last time.Duration
}

func (a *fakeAlivePings) RTT(Origin) (time.Duration, time.Duration) { return a.avg, a.last }

// fakeOOBProxy hands out fresh proxy wire MUIDs for CreateProxy.
type fakeOOBProxy struct {
	mu      sync.Mutex
	proxied map[MUID]MUID
}

func newFakeOOBProxy() *fakeOOBProxy { return &fakeOOBProxy{proxied: make(map[MUID]MUID)} }

func (o *fakeOOBProxy) ProxiedOriginalMUID(wire MUID) (MUID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	leaf, ok := o.proxied[wire]
	return leaf, ok
}

func (o *fakeOOBProxy) CreateProxy(NodeID) MUID {
	return NewMUID()
}

// fakeLocalStore reports a fixed kept_results value per search handle.
type fakeLocalStore struct {
	mu   sync.Mutex
	kept map[SearchHandle]uint32
}

func newFakeLocalStore() *fakeLocalStore {
	return &fakeLocalStore{kept: make(map[SearchHandle]uint32)}
}

func (l *fakeLocalStore) KeptResults(h SearchHandle) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.kept[h]
}

func (l *fakeLocalStore) set(h SearchHandle, n uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kept[h] = n
}

// fakeStats counts every callback it receives.
type fakeStats struct {
	mu                  sync.Mutex
	leaf, local         int
	oobProxiedN         int
	full, partial, zero int
	lExtra, lCompleted  int
	lingerResultsTotal  uint32
}

func (s *fakeStats) LeafDynQuery()     { s.mu.Lock(); s.leaf++; s.mu.Unlock() }
func (s *fakeStats) LocalDynQuery()    { s.mu.Lock(); s.local++; s.mu.Unlock() }
func (s *fakeStats) OOBProxiedQuery()  { s.mu.Lock(); s.oobProxiedN++; s.mu.Unlock() }
func (s *fakeStats) CompletedFull()    { s.mu.Lock(); s.full++; s.mu.Unlock() }
func (s *fakeStats) CompletedPartial() { s.mu.Lock(); s.partial++; s.mu.Unlock() }
func (s *fakeStats) CompletedZero()    { s.mu.Lock(); s.zero++; s.mu.Unlock() }
func (s *fakeStats) LingerExtra()      { s.mu.Lock(); s.lExtra++; s.mu.Unlock() }
func (s *fakeStats) LingerCompleted()  { s.mu.Lock(); s.lCompleted++; s.mu.Unlock() }
func (s *fakeStats) LingerResults(n uint32) {
	s.mu.Lock()
	s.lingerResultsTotal += n
	s.mu.Unlock()
}

func nodeID(b byte) NodeID {
	var n NodeID
	n[0] = b
	return n
}
