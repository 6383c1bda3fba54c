// Package routing implements the Kademlia routing table: known peers grouped into buckets by
// the length of the prefix they share with the local node ID.
package routing

import (
	"context"
	"sort"
	"sync"
	"time"

	"gitdht/datamodel/peer"
	"gitdht/metrics"
	"gitdht/oid"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultK           = 20
	DefaultMaxFailures = 3
)

// Pinger checks whether a peer is alive.
type Pinger interface {
	Ping(ctx context.Context, p peer.Peer) error
}

// Outcome reports what InsertOrRefresh did with a peer.
type Outcome int

const (
	Ignored   Outcome = iota // Own ID or unusable address
	Refreshed                // Already known, last-seen updated
	Inserted                 // Added to a bucket with room
	Replaced                 // Added after evicting a dead peer
	Discarded                // Bucket full of live peers, or a liveness check already running
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Refreshed:
		return "refreshed"
	case Inserted:
		return "inserted"
	case Replaced:
		return "replaced"
	case Discarded:
		return "discarded"
	}
	return "unknown"
}

type Options struct {
	K           int
	MaxFailures int
	Pinger      Pinger
	Now         func() time.Time
}

type bucket struct {
	peers    []peer.Peer
	checking bool      // a liveness check of the oldest peer is in flight
	changed  time.Time // last insert, refresh or removal
}

func (b *bucket) find(id oid.Oid) int {
	for i := range b.peers {
		if b.peers[i].ID == id {
			return i
		}
	}
	return -1
}

func (b *bucket) oldest() int {
	o := 0
	for i := range b.peers {
		if b.peers[i].LastSeen.Before(b.peers[o].LastSeen) {
			o = i
		}
	}
	return o
}

func (b *bucket) remove(i int) {
	b.peers = append(b.peers[:i], b.peers[i+1:]...)
}

// BucketInfo describes a bucket's inclusive ID range.
type BucketInfo struct {
	Low     oid.Oid
	High    oid.Oid
	Peers   []peer.Peer
	Changed time.Time
}

// Table is safe for concurrent use.
type Table struct {
	self        oid.Oid
	k           int
	maxFailures int
	pinger      Pinger
	now         func() time.Time

	mu      sync.RWMutex
	buckets []*bucket
}

func NewTable(self oid.Oid, opts Options) *Table {
	if opts.K <= 0 {
		opts.K = DefaultK
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Table{
		self:        self,
		k:           opts.K,
		maxFailures: opts.MaxFailures,
		pinger:      opts.Pinger,
		now:         opts.Now,
		buckets:     []*bucket{{changed: opts.Now()}},
	}
}

// SetPinger sets the liveness checker. Must be called before the table is shared.
func (t *Table) SetPinger(p Pinger) {
	t.pinger = p
}

func (t *Table) Self() oid.Oid {
	return t.self
}

func (t *Table) K() int {
	return t.k
}

// bucketIndex must be called with the lock held.
func (t *Table) bucketIndex(id oid.Oid) int {
	cpl := oid.CommonPrefixLen(t.self, id)
	if last := len(t.buckets) - 1; cpl >= last {
		return last
	}
	return cpl
}

// split divides the last bucket in two. Must be called with the write lock held.
func (t *Table) split() {
	last := len(t.buckets) - 1
	old := t.buckets[last]
	near := &bucket{changed: old.changed}

	kept := old.peers[:0]
	for _, p := range old.peers {
		if oid.CommonPrefixLen(t.self, p.ID) > last {
			near.peers = append(near.peers, p)
		} else {
			kept = append(kept, p)
		}
	}
	old.peers = kept
	t.buckets = append(t.buckets, near)

	metrics.RoutingBuckets.Set(float64(len(t.buckets)))
	log.Debugf("routing: split bucket %d (%d/%d peers)", last, len(old.peers), len(near.peers))
}

func (t *Table) refresh(existing *peer.Peer, p peer.Peer) {
	// Last write wins on the timestamp
	if p.LastSeen.After(existing.LastSeen) {
		existing.LastSeen = p.LastSeen
		if p.Addr.IsValid() {
			existing.Addr = p.Addr
		}
	}
	if p.RTT > 0 {
		if existing.RTT == 0 {
			existing.RTT = p.RTT
		} else {
			existing.RTT = (7*existing.RTT + p.RTT) / 8
		}
	}
	existing.Failures = 0
}

// InsertOrRefresh records a peer. When its bucket is full and can not be split, the least recently seen
// peer is pinged outside the lock and replaced only if it does not answer.
func (t *Table) InsertOrRefresh(ctx context.Context, p peer.Peer) Outcome {
	if p.ID == t.self || !p.Valid() {
		return Ignored
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = t.now()
	}
	p.Failures = 0

	t.mu.Lock()
	var b *bucket
	for {
		idx := t.bucketIndex(p.ID)
		b = t.buckets[idx]

		if i := b.find(p.ID); i >= 0 {
			t.refresh(&b.peers[i], p)
			b.changed = t.now()
			t.mu.Unlock()
			return Refreshed
		}

		if len(b.peers) < t.k {
			b.peers = append(b.peers, p)
			b.changed = t.now()
			t.updateGauge()
			t.mu.Unlock()
			return Inserted
		}

		// Only the bucket covering our own ID may split
		if idx == len(t.buckets)-1 && len(t.buckets) < oid.Bits {
			t.split()
			continue
		}
		break
	}

	if b.checking || t.pinger == nil {
		t.mu.Unlock()
		return Discarded
	}
	b.checking = true
	oldest := b.peers[b.oldest()]
	t.mu.Unlock()

	err := t.pinger.Ping(ctx, oldest)

	t.mu.Lock()
	defer t.mu.Unlock()
	b.checking = false

	if err == nil {
		// Live peers are kept over newcomers
		if i := b.find(oldest.ID); i >= 0 {
			b.peers[i].LastSeen = t.now()
			b.peers[i].Failures = 0
		}
		return Discarded
	}

	if i := b.find(oldest.ID); i >= 0 {
		log.Debugf("routing: evicting unresponsive %s: %v", oldest, err)
		b.remove(i)
		metrics.RoutingEvictions.WithLabelValues("liveness").Inc()
	}
	if b.find(p.ID) >= 0 || len(b.peers) >= t.k {
		return Discarded
	}
	b.peers = append(b.peers, p)
	b.changed = t.now()
	t.updateGauge()
	return Replaced
}

// Touch refreshes a known peer. It returns false when the peer is not in the table.
func (t *Table) Touch(p peer.Peer) bool {
	if p.LastSeen.IsZero() {
		p.LastSeen = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.buckets[t.bucketIndex(p.ID)]
	i := b.find(p.ID)
	if i < 0 {
		return false
	}
	t.refresh(&b.peers[i], p)
	b.changed = t.now()
	return true
}

// Remove deletes a peer. It returns false when the peer was not known.
func (t *Table) Remove(id oid.Oid) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(id)
}

func (t *Table) removeLocked(id oid.Oid) bool {
	b := t.buckets[t.bucketIndex(id)]
	i := b.find(id)
	if i < 0 {
		return false
	}
	b.remove(i)
	b.changed = t.now()
	t.updateGauge()
	return true
}

// MarkStale records an unanswered request. The peer is removed after MaxFailures consecutive failures.
func (t *Table) MarkStale(id oid.Oid) (removed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.buckets[t.bucketIndex(id)]
	i := b.find(id)
	if i < 0 {
		return false
	}
	b.peers[i].Failures++
	if b.peers[i].Failures < t.maxFailures {
		return false
	}

	log.Debugf("routing: removing stale %s after %d failures", b.peers[i], b.peers[i].Failures)
	metrics.RoutingEvictions.WithLabelValues("stale").Inc()
	return t.removeLocked(id)
}

// ClosestPeers returns up to count peers ordered by XOR distance to target.
// Ties go to the most recently seen peer, then to the lower node ID.
func (t *Table) ClosestPeers(target oid.Oid, count int) []peer.Peer {
	all := t.AllPeers()
	SortByDistance(target, all)
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// SortByDistance orders peers by XOR distance to target, most recently seen first on ties, then by node ID.
func SortByDistance(target oid.Oid, peers []peer.Peer) {
	sort.SliceStable(peers, func(i, j int) bool {
		di := oid.Xor(peers[i].ID, target)
		dj := oid.Xor(peers[j].ID, target)
		if c := di.Compare(dj); c != 0 {
			return c < 0
		}
		if !peers[i].LastSeen.Equal(peers[j].LastSeen) {
			return peers[i].LastSeen.After(peers[j].LastSeen)
		}
		return peers[i].ID.Less(peers[j].ID)
	})
}

func (t *Table) AllPeers() []peer.Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var all []peer.Peer
	for _, b := range t.buckets {
		all = append(all, b.peers...)
	}
	return all
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lenLocked()
}

func (t *Table) lenLocked() int {
	n := 0
	for _, b := range t.buckets {
		n += len(b.peers)
	}
	return n
}

func (t *Table) updateGauge() {
	metrics.RoutingPeers.Set(float64(t.lenLocked()))
}

var (
	zeroOid oid.Oid
	onesOid = func() (o oid.Oid) {
		for i := range o {
			o[i] = 0xFF
		}
		return
	}()
)

// prefix returns the bits shared by every ID of bucket i and their count.
func (t *Table) prefix(i int) (oid.Oid, int) {
	if i == len(t.buckets)-1 {
		return t.self, i
	}
	return t.self.FlipBit(i), i + 1
}

func (t *Table) Buckets() []BucketInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	infos := make([]BucketInfo, len(t.buckets))
	for i, b := range t.buckets {
		p, n := t.prefix(i)
		infos[i] = BucketInfo{
			Low:     oid.WithPrefix(p, n, zeroOid),
			High:    oid.WithPrefix(p, n, onesOid),
			Peers:   append([]peer.Peer(nil), b.peers...),
			Changed: b.changed,
		}
	}
	return infos
}

// RefreshTargets returns a random ID inside every bucket that has not changed for olderThan.
func (t *Table) RefreshTargets(olderThan time.Duration) []oid.Oid {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cutoff := t.now().Add(-olderThan)
	var targets []oid.Oid
	for i, b := range t.buckets {
		if b.changed.After(cutoff) {
			continue
		}
		r, err := oid.Random()
		if err != nil {
			continue
		}
		p, n := t.prefix(i)
		targets = append(targets, oid.WithPrefix(p, n, r))
	}
	return targets
}
