package node

import (
	"sort"
	"sync"

	"gitdht/datamodel/peer"
	"gitdht/oid"
)

type keyInfo struct {
	peers map[oid.Oid]peer.Peer
}

// AvailabilityTracker remembers which peers announced a key across repeated searches.
type AvailabilityTracker struct {
	mu   sync.Mutex
	keys map[oid.Oid]*keyInfo
}

func NewAvailabilityTracker() *AvailabilityTracker {
	return &AvailabilityTracker{
		keys: make(map[oid.Oid]*keyInfo),
	}
}

func (a *AvailabilityTracker) getKeyInfo(key oid.Oid) *keyInfo {
	// No lock here, lock is assumed to be acquired by caller
	if ki, ok := a.keys[key]; ok {
		return ki
	}

	ki := &keyInfo{
		peers: make(map[oid.Oid]peer.Peer),
	}
	a.keys[key] = ki
	return ki
}

// Update replaces the peers known for key with the result of a search and returns the difference.
// A peer whose address changed is reported as added.
func (a *AvailabilityTracker) Update(key oid.Oid, peers []peer.Peer) (added, removed []peer.Peer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ki := a.getKeyInfo(key)
	current := make(map[oid.Oid]peer.Peer, len(peers))
	for _, p := range peers {
		current[p.ID] = p
		if old, ok := ki.peers[p.ID]; !ok || old.Addr != p.Addr {
			added = append(added, p)
		}
	}
	for id, p := range ki.peers {
		if _, ok := current[id]; !ok {
			removed = append(removed, p)
		}
	}
	ki.peers = current

	sortPeers(removed)
	return added, removed
}

// WhoHas returns the peers last seen announcing key.
func (a *AvailabilityTracker) WhoHas(key oid.Oid) []peer.Peer {
	a.mu.Lock()
	defer a.mu.Unlock()

	ki, ok := a.keys[key]
	if !ok {
		return nil
	}

	peers := make([]peer.Peer, 0, len(ki.peers))
	for _, p := range ki.peers {
		peers = append(peers, p)
	}
	sortPeers(peers)
	return peers
}

func sortPeers(peers []peer.Peer) {
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ID.Less(peers[j].ID)
	})
}
