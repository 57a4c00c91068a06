package tman

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dacav/grapes-overlay/pkg/grapes/nethelper"
	"github.com/dacav/grapes-overlay/pkg/grapes/types"
)

// Tunables, grounded on the TMAN_* constants in the source.
const (
	InitPeers         = 20
	MaxPreferredPeers = 10
	MaxGossipingPeers = 10
	IdleTime          = 10
	InitPeriod        = 1 * time.Second
	StdPeriod         = 3 * time.Second
)

type engineMetrics struct {
	gossipRounds *prometheus.CounterVec
	cacheSize    prometheus.Gauge
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		gossipRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grapes",
			Subsystem: "tman",
			Name:      "gossip_rounds_total",
			Help:      "Gossip messages processed, by direction.",
		}, []string{"direction"}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "grapes",
			Subsystem: "tman",
			Name:      "cache_size",
			Help:      "Occupied slots in the local ranked peer cache.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.gossipRounds, m.cacheSize)
	}
	return m
}

// Engine is the gossip-based topology manager, lifted off the
// source's module-globals into an explicit value the host owns (see
// the "Explicit *Engine" design note).
type Engine struct {
	self   *nethelper.NodeID
	myMeta []byte

	metaSize    int
	rank        RankFunc
	gossipPeers int

	cache           *Cache
	cacheSizeTarget int
	doResize        bool

	activeCounter int
	period        time.Duration
	currTime      time.Time

	log     types.Logger
	metrics *engineMetrics
}

// NewEngine builds a gossip engine for the local identity self, with
// its initial metadata myMeta (metaSize bytes) and rank as the
// similarity function. gossipPeers overrides MaxGossipingPeers when
// positive. reg, if non-nil, receives this engine's metrics (never
// the global registry).
func NewEngine(self *nethelper.NodeID, myMeta []byte, metaSize int, rank RankFunc, gossipPeers int, log types.Logger, reg prometheus.Registerer) *Engine {
	if gossipPeers <= 0 {
		gossipPeers = MaxGossipingPeers
	}
	e := &Engine{
		self:            self,
		myMeta:          append([]byte(nil), myMeta...),
		metaSize:        metaSize,
		rank:            rank,
		gossipPeers:     gossipPeers,
		cache:           NewCache(InitPeers, metaSize),
		cacheSizeTarget: InitPeers,
		activeCounter:   IdleTime,
		period:          InitPeriod,
		currTime:        time.Now(),
		log:             log,
		metrics:         newEngineMetrics(reg),
	}
	return e
}

// rankCache builds a fresh ranked view of c, excluding target, ordered
// by rank against targetMeta and bounded to limit entries — the
// outgoing view sent to a gossip partner. Both the Query view built in
// send and the Reply view built in ParseData use the engine's
// gossipPeers as limit (MaxGossipingPeers unless NewEngine overrode it).
func rankCache(c *Cache, rank RankFunc, target *nethelper.NodeID, targetMeta []byte, limit int) *Cache {
	data, metaSize := c.Metadata()
	res := NewCache(limit, metaSize)
	for i := 0; ; i++ {
		id, ok := c.NodeID(i)
		if !ok {
			break
		}
		if target != nil && nethelper.Equal(id, target) {
			continue
		}
		meta := data[i*metaSize : (i+1)*metaSize]
		res.AddRanked(id, meta, rank, targetMeta)
	}
	return res
}

// ParseData drives both the receive and the periodic send path, the
// same entry point as the source's tmanParseData. buf is empty when
// called purely to give the engine a chance to send (a timer tick);
// non-empty when a gossip message arrived. bootstrapPeers/
// bootstrapMeta are the host's fallback peer list used to re-seed an
// idle engine.
func (e *Engine) ParseData(buf []byte, bootstrapPeers []*nethelper.NodeID, bootstrapMeta []byte) int {
	if len(buf) > 0 {
		if ret, handled := e.handleInbound(buf); handled {
			return ret
		}
	}

	if e.timeToSend() {
		e.send(bootstrapPeers, bootstrapMeta)
	}

	return 0
}

func (e *Engine) handleInbound(buf []byte) (int, bool) {
	msgType, remote, err := decodeMessage(buf, e.cacheSizeTarget, e.metaSize)
	if err != nil {
		if e.log != nil {
			e.log.Warnf("tman: dropping malformed gossip message: %v", err)
		}
		return -1, true
	}

	if remote.metaSize != e.metaSize {
		if e.log != nil {
			e.log.Warnf("tman: metadata size mismatch: local %d != received %d", e.metaSize, remote.metaSize)
		}
		return 1, true
	}

	sender, ok := remote.NodeID(0)
	if !ok {
		return 1, true
	}
	senderMeta, _ := remote.Metadata()
	senderMeta = senderMeta[:e.metaSize]

	direction := "query"
	if msgType == Reply {
		direction = "reply"
	}
	e.metrics.gossipRounds.WithLabelValues(direction).Inc()

	if msgType == Query {
		view := rankCache(e.cache, e.rank, sender, senderMeta, e.gossipPeers)
		view.prepend(e.self, e.myMeta)
		if err := sendReply(e.self, sender, view); err != nil && e.log != nil {
			e.log.Warnf("tman: reply send failed: %v", err)
		}
	}

	idx, _ := e.cache.AddRanked(sender, senderMeta, e.rank, e.myMeta)
	merged, tookFromOther := MergeRanked(e.cache, remote, e.cacheSizeTarget, e.rank, e.myMeta)
	e.cache = merged
	e.metrics.cacheSize.Set(float64(e.cache.Len()))

	if tookFromOther || idx >= 0 {
		e.activeCounter = IdleTime
	} else {
		e.period = StdPeriod
		if e.activeCounter > 0 {
			e.activeCounter--
		}
	}
	e.doResize = false

	return 0, true
}

func (e *Engine) timeToSend() bool {
	now := time.Now()
	if now.Sub(e.currTime) > e.period {
		e.currTime = e.currTime.Add(e.period)
		return e.activeCounter > 0
	}
	return false
}

func (e *Engine) send(bootstrapPeers []*nethelper.NodeID, bootstrapMeta []byte) {
	e.cache.Update()

	if e.activeCounter == 0 && len(bootstrapPeers) > 0 {
		seed := NewCache(len(bootstrapPeers), e.metaSize)
		for i, p := range bootstrapPeers {
			meta := bootstrapMeta[i*e.metaSize : (i+1)*e.metaSize]
			if _, err := seed.AddRanked(p, meta, e.rank, e.myMeta); err != nil {
				break
			}
		}
		if seed.Len() > 0 {
			merged, tookFromOther := MergeRanked(e.cache, seed, e.cacheSizeTarget, e.rank, e.myMeta)
			e.cache = merged
			if tookFromOther {
				e.activeCounter = IdleTime
			}
			e.doResize = false
		}
	}

	target, targetMeta, ok := e.cache.RandPeer(MaxPreferredPeers)
	if !ok {
		return
	}
	view := rankCache(e.cache, e.rank, target, targetMeta, e.gossipPeers)
	view.prepend(e.self, e.myMeta)
	if err := sendQuery(e.self, target, view); err != nil && e.log != nil {
		e.log.Warnf("tman: query send failed: %v", err)
	}
	e.metrics.cacheSize.Set(float64(e.cache.Len()))
}

// GivePeers copies up to n peers (and their metadata) from the top of
// the local cache. Fewer than n available demotes the engine to idle,
// so the next send re-seeds from the host's bootstrap list.
func (e *Engine) GivePeers(n int) ([]*nethelper.NodeID, [][]byte) {
	peers := make([]*nethelper.NodeID, 0, n)
	metas := make([][]byte, 0, n)
	data, metaSize := e.cache.Metadata()
	i := 0
	for ; i < n; i++ {
		id, ok := e.cache.NodeID(i)
		if !ok {
			break
		}
		peers = append(peers, id)
		metas = append(metas, data[i*metaSize:(i+1)*metaSize])
	}
	if i != n {
		e.activeCounter = 0
	}
	return peers, metas
}

// NeighbourhoodSize reports the number of occupied cache slots.
func (e *Engine) NeighbourhoodSize() int {
	return e.cache.Len()
}

// AddNeighbour inserts neighbour (with its metadata) into the local
// cache, ranked against the engine's own metadata.
func (e *Engine) AddNeighbour(neighbour *nethelper.NodeID, metadata []byte) error {
	_, err := e.cache.AddRanked(neighbour, metadata, e.rank, e.myMeta)
	return err
}

// Metadata returns the neighbors' metadata blob (not the engine's
// own), mirroring tmanGetMetadata's "not self metadata" contract.
func (e *Engine) Metadata() ([]byte, int) {
	return e.cache.Metadata()
}

// ChangeMetadata pushes an updated metadata blob to peer via the topo
// protocol and, on success, adopts it as the engine's own metadata.
func (e *Engine) ChangeMetadata(peer *nethelper.NodeID, metadata []byte) error {
	view := NewCache(1, len(metadata))
	view.prepend(e.self, metadata)
	if err := sendQuery(e.self, peer, view); err != nil {
		return err
	}
	e.myMeta = append([]byte(nil), metadata...)
	return nil
}

// GrowNeighbourhood increases the cache's capacity target by at most
// its current value (so a single call never more than doubles it).
// Fails if a resize is already pending or n is non-positive.
func (e *Engine) GrowNeighbourhood(n int) (int, error) {
	if n <= 0 || e.doResize {
		return -1, types.ErrNoResize
	}
	if n > e.cacheSizeTarget {
		n = e.cacheSizeTarget
	}
	e.cacheSizeTarget += n
	e.cache.SetCapacity(e.cacheSizeTarget)
	e.doResize = true
	return e.cacheSizeTarget, nil
}

// ShrinkNeighbourhood decreases the cache's capacity target by n,
// refusing to go below 1 slot or to overlap a pending resize.
func (e *Engine) ShrinkNeighbourhood(n int) (int, error) {
	if n <= 0 || n >= e.cacheSizeTarget || e.doResize {
		return -1, types.ErrNoResize
	}
	e.cacheSizeTarget -= n
	e.cache.SetCapacity(e.cacheSizeTarget)
	e.doResize = true
	return e.cacheSizeTarget, nil
}
