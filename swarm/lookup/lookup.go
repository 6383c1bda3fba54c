// Package lookup implements the iterative parallel nearest-node search used to find nodes and announcers.
package lookup

import (
	"context"
	"errors"
	"sort"
	"time"

	"gitdht/datamodel/peer"
	"gitdht/metrics"
	"gitdht/oid"

	"github.com/google/uuid"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultK         = 20
	DefaultAlpha     = 3
	DefaultTimeout   = 30 * time.Second
	DefaultMaxValues = 100
)

// Querier sends lookup requests to remote nodes.
type Querier interface {
	FindNode(ctx context.Context, to peer.Peer, target oid.Oid) ([]peer.Peer, error)
	GetPeers(ctx context.Context, to peer.Peer, key oid.Oid) (values []peer.Peer, closer []peer.Peer, err error)
}

// Seeder provides the starting candidates, normally the routing table.
type Seeder interface {
	ClosestPeers(target oid.Oid, count int) []peer.Peer
}

type Config struct {
	K         int           // Size of the result set
	Alpha     int           // Parallel requests per round
	Timeout   time.Duration // Global deadline of one lookup
	MaxValues int           // A key lookup stops once this many announcers are known
}

type Result struct {
	Target   oid.Oid
	Closest  []peer.Peer // Up to K responding nodes, closest first
	Values   []peer.Peer // Announcers found by a key lookup, in arrival order
	Rounds   int
	Queried  int
	TimedOut bool // The deadline elapsed before convergence, the result is partial
}

type Engine struct {
	querier Querier
	seeder  Seeder
	cfg     Config
}

func New(querier Querier, seeder Seeder, cfg Config) *Engine {
	if cfg.K <= 0 {
		cfg.K = DefaultK
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = DefaultAlpha
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxValues <= 0 {
		cfg.MaxValues = DefaultMaxValues
	}
	return &Engine{
		querier: querier,
		seeder:  seeder,
		cfg:     cfg,
	}
}

func (e *Engine) K() int {
	return e.cfg.K
}

// FindNode looks up the K nodes closest to target.
func (e *Engine) FindNode(ctx context.Context, target oid.Oid) (*Result, error) {
	return e.run(ctx, target, false)
}

// GetPeers looks up the announcers of key. Closest holds the nodes near the key that answered.
func (e *Engine) GetPeers(ctx context.Context, key oid.Oid) (*Result, error) {
	return e.run(ctx, key, true)
}

type candidateState int

const (
	fresh candidateState = iota
	inflight
	responded
	failed
)

type candidate struct {
	peer     peer.Peer
	distance oid.Oid
	state    candidateState
}

type response struct {
	from   *candidate
	nodes  []peer.Peer
	values []peer.Peer
	err    error
}

// state is owned by a single lookup invocation.
type state struct {
	target     oid.Oid
	k          int
	candidates []*candidate // ordered by distance, failed ones removed
	seen       map[oid.Oid]struct{}
	values     []peer.Peer
	valueIDs   map[oid.Oid]struct{}
	queried    int
}

func (s *state) add(p peer.Peer) {
	if _, ok := s.seen[p.ID]; ok {
		return
	}
	s.seen[p.ID] = struct{}{}

	c := &candidate{peer: p, distance: oid.Xor(p.ID, s.target)}
	i := sort.Search(len(s.candidates), func(i int) bool {
		return c.distance.Less(s.candidates[i].distance)
	})
	s.candidates = append(s.candidates, nil)
	copy(s.candidates[i+1:], s.candidates[i:])
	s.candidates[i] = c
}

func (s *state) drop(c *candidate) {
	c.state = failed
	for i, x := range s.candidates {
		if x == c {
			s.candidates = append(s.candidates[:i], s.candidates[i+1:]...)
			return
		}
	}
}

// pick returns up to n unqueried candidates among the best K.
func (s *state) pick(n int) []*candidate {
	var batch []*candidate
	for i := 0; i < len(s.candidates) && i < s.k && len(batch) < n; i++ {
		if s.candidates[i].state == fresh {
			batch = append(batch, s.candidates[i])
		}
	}
	return batch
}

func (s *state) best() (oid.Oid, bool) {
	if len(s.candidates) == 0 {
		return oid.Oid{}, false
	}
	return s.candidates[0].distance, true
}

func (s *state) merge(r response) {
	if r.err != nil {
		s.drop(r.from)
		return
	}
	r.from.state = responded
	for _, p := range r.nodes {
		s.add(p)
	}
	for _, p := range r.values {
		if _, ok := s.valueIDs[p.ID]; ok {
			continue
		}
		s.valueIDs[p.ID] = struct{}{}
		s.values = append(s.values, p)
	}
}

func (s *state) result() *Result {
	r := &Result{Target: s.target, Queried: s.queried}
	for _, c := range s.candidates {
		if c.state == responded {
			r.Closest = append(r.Closest, c.peer)
			if len(r.Closest) == s.k {
				break
			}
		}
	}
	r.Values = append(r.Values, s.values...)
	return r
}

func (e *Engine) query(ctx context.Context, c *candidate, target oid.Oid, values bool, out chan<- response) {
	r := response{from: c}
	if err := ctx.Err(); err != nil {
		r.err = err
	} else if values {
		r.values, r.nodes, r.err = e.querier.GetPeers(ctx, c.peer, target)
	} else {
		r.nodes, r.err = e.querier.FindNode(ctx, c.peer, target)
	}
	// Buffered for the whole round, never blocks after the lookup returned
	out <- r
}

func (e *Engine) run(ctx context.Context, target oid.Oid, values bool) (*Result, error) {
	kind := "node"
	if values {
		kind = "value"
	}
	lg := log.WithFields(log.Fields{
		"lookup": uuid.NewString(),
		"kind":   kind,
		"target": target.Short(),
	})

	s := &state{
		target:   target,
		k:        e.cfg.K,
		seen:     make(map[oid.Oid]struct{}),
		valueIDs: make(map[oid.Oid]struct{}),
	}
	for _, p := range e.seeder.ClosestPeers(target, e.cfg.K) {
		s.add(p)
	}
	lg.Debugf("lookup: starting with %d seeds", len(s.candidates))

	lctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	rounds := 0
	bestDist, haveBest := s.best()
	sweep := false

	finish := func(timedOut bool) *Result {
		r := s.result()
		if len(r.Values) > e.cfg.MaxValues {
			r.Values = r.Values[:e.cfg.MaxValues]
		}
		r.Rounds = rounds
		r.TimedOut = timedOut
		result := "converged"
		if timedOut {
			result = "timeout"
		}
		metrics.Lookups.WithLabelValues(kind, result).Inc()
		metrics.LookupRounds.Observe(float64(rounds))
		lg.Debugf("lookup: %s after %d rounds, %d queried, %d closest, %d values", result, rounds, r.Queried, len(r.Closest), len(r.Values))
		return r
	}

	interrupted := func() (*Result, error) {
		if err := ctx.Err(); err != nil {
			metrics.Lookups.WithLabelValues(kind, "cancelled").Inc()
			lg.Debugf("lookup: cancelled after %d rounds", rounds)
			return nil, err
		}
		return finish(true), nil
	}

	for {
		if lctx.Err() != nil {
			return interrupted()
		}

		n := e.cfg.Alpha
		if sweep {
			n = e.cfg.K
		}
		batch := s.pick(n)
		if len(batch) == 0 {
			return finish(false), nil
		}

		rounds++
		results := make(chan response, len(batch))
		for _, c := range batch {
			c.state = inflight
			s.queried++
			go e.query(lctx, c, target, values, results)
		}

		for pending := len(batch); pending > 0; pending-- {
			select {
			case r := <-results:
				if lctx.Err() != nil {
					return interrupted()
				}
				if r.err != nil && !errors.Is(r.err, context.Canceled) {
					lg.Debugf("lookup: %s failed: %v", r.from.peer, r.err)
				}
				s.merge(r)
			case <-lctx.Done():
				return interrupted()
			}
		}

		if values && len(s.values) >= e.cfg.MaxValues {
			return finish(false), nil
		}

		d, ok := s.best()
		if ok && (!haveBest || d.Less(bestDist)) {
			bestDist, haveBest = d, true
			sweep = false
		} else {
			// No progress: query every remaining candidate of the best K once
			sweep = true
		}
	}
}
