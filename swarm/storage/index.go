// Package storage holds the announcements other peers made to this node.
package storage

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"gitdht/datamodel/peer"
	"gitdht/metrics"
	"gitdht/oid"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultCapacity       = 100000
	DefaultMaxPeersPerKey = 100
)

// Announcement is a peer's claim to serve a key until Expires.
type Announcement struct {
	Key     oid.Oid   `json:"key"`
	Peer    peer.Peer `json:"peer"`
	Expires time.Time `json:"expires"`

	index int // position in the expiry heap
}

type Options struct {
	Capacity       int // Total announcements kept. When full the soonest to expire is evicted
	MaxPeersPerKey int // Cap on the number of peers GetPeers returns
	Now            func() time.Time
}

// expiryHeap is a min-heap of announcements ordered by expiry.
type expiryHeap []*Announcement

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].Expires.Before(h[j].Expires) }
func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x any) {
	a := x.(*Announcement)
	a.index = len(*h)
	*h = append(*h, a)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	a.index = -1
	*h = old[:n-1]
	return a
}

// Index maps keys to the set of peers announcing them. Safe for concurrent use.
type Index struct {
	capacity       int
	maxPeersPerKey int
	now            func() time.Time

	mu      sync.Mutex
	entries map[oid.Oid]map[oid.Oid]*Announcement
	expiry  expiryHeap
}

func NewIndex(opts Options) *Index {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.MaxPeersPerKey <= 0 {
		opts.MaxPeersPerKey = DefaultMaxPeersPerKey
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Index{
		capacity:       opts.Capacity,
		maxPeersPerKey: opts.MaxPeersPerKey,
		now:            opts.Now,
		entries:        make(map[oid.Oid]map[oid.Oid]*Announcement),
	}
}

// Announce upserts the announcement of key by p. Re-announcing resets the expiry instead of adding a duplicate.
func (idx *Index) Announce(key oid.Oid, p peer.Peer, ttl time.Duration) {
	expires := idx.now().Add(ttl)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if a, ok := idx.entries[key][p.ID]; ok {
		a.Peer = p
		a.Expires = expires
		heap.Fix(&idx.expiry, a.index)
		return
	}

	if len(idx.expiry) >= idx.capacity {
		evicted := heap.Pop(&idx.expiry).(*Announcement)
		idx.unlink(evicted)
		metrics.StorageEvictions.WithLabelValues("full").Inc()
		log.Debugf("storage: full, evicted %s for key %s", evicted.Peer, evicted.Key.Short())
	}

	a := &Announcement{Key: key, Peer: p, Expires: expires}
	peers := idx.entries[key]
	if peers == nil {
		peers = make(map[oid.Oid]*Announcement)
		idx.entries[key] = peers
	}
	peers[p.ID] = a
	heap.Push(&idx.expiry, a)
	metrics.StoredAnnouncements.Set(float64(len(idx.expiry)))
}

// unlink removes an announcement from the key map only. Must be called with the lock held.
func (idx *Index) unlink(a *Announcement) {
	peers := idx.entries[a.Key]
	delete(peers, a.Peer.ID)
	if len(peers) == 0 {
		delete(idx.entries, a.Key)
	}
}

// Withdraw removes the announcement of key by id, if any.
func (idx *Index) Withdraw(key oid.Oid, id oid.Oid) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	a, ok := idx.entries[key][id]
	if !ok {
		return false
	}
	heap.Remove(&idx.expiry, a.index)
	idx.unlink(a)
	metrics.StoredAnnouncements.Set(float64(len(idx.expiry)))
	return true
}

// GetPeers returns the live announcers of key, latest expiry first.
func (idx *Index) GetPeers(key oid.Oid) []peer.Peer {
	now := idx.now()

	idx.mu.Lock()
	live := make([]*Announcement, 0, len(idx.entries[key]))
	for _, a := range idx.entries[key] {
		if a.Expires.After(now) {
			live = append(live, a)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		if !live[i].Expires.Equal(live[j].Expires) {
			return live[i].Expires.After(live[j].Expires)
		}
		return live[i].Peer.ID.Less(live[j].Peer.ID)
	})
	if len(live) > idx.maxPeersPerKey {
		live = live[:idx.maxPeersPerKey]
	}

	peers := make([]peer.Peer, len(live))
	for i, a := range live {
		peers[i] = a.Peer
	}
	idx.mu.Unlock()

	return peers
}

// ExpireOlderThan drops every announcement that expired at or before now and returns how many were dropped.
func (idx *Index) ExpireOlderThan(now time.Time) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n := 0
	for len(idx.expiry) > 0 && !idx.expiry[0].Expires.After(now) {
		a := heap.Pop(&idx.expiry).(*Announcement)
		idx.unlink(a)
		n++
	}
	if n > 0 {
		metrics.StorageEvictions.WithLabelValues("expired").Add(float64(n))
		metrics.StoredAnnouncements.Set(float64(len(idx.expiry)))
	}
	return n
}

// Len returns the number of announcements, expired ones not yet swept included.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.expiry)
}

func (idx *Index) Keys() []oid.Oid {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	keys := make([]oid.Oid, 0, len(idx.entries))
	for k := range idx.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Announcements returns a copy of all live announcements of key.
func (idx *Index) Announcements(key oid.Oid) []Announcement {
	now := idx.now()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	var out []Announcement
	for _, a := range idx.entries[key] {
		if a.Expires.After(now) {
			out = append(out, Announcement{Key: a.Key, Peer: a.Peer, Expires: a.Expires})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer.ID.Less(out[j].Peer.ID) })
	return out
}
