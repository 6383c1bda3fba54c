package routing

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"gitdht/datamodel/peer"
	"gitdht/oid"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	mu    sync.Mutex
	err   error
	calls []oid.Oid
	block chan struct{}
}

func (f *fakePinger) Ping(ctx context.Context, p peer.Peer) error {
	f.mu.Lock()
	f.calls = append(f.calls, p.ID)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	return f.err
}

var base = time.Unix(1700000000, 0)

func mkPeer(first byte, last byte, age time.Duration) peer.Peer {
	var id oid.Oid
	id[0] = first
	id[oid.Size-1] = last
	return peer.Peer{
		ID:       id,
		Addr:     netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, first, last}), 4000),
		LastSeen: base.Add(-age),
	}
}

func inRange(o oid.Oid, b BucketInfo) bool {
	return o.Compare(b.Low) >= 0 && o.Compare(b.High) <= 0
}

func TestClosestPeersSingleEntry(t *testing.T) {
	self, err := oid.Random()
	require.NoError(t, err)
	tbl := NewTable(self, Options{})

	var inserted []peer.Peer
	for i := 0; i < 50; i++ {
		id, err := oid.Random()
		require.NoError(t, err)
		p := peer.Peer{ID: id, Addr: netip.MustParseAddrPort("192.0.2.7:4000")}
		if tbl.InsertOrRefresh(context.Background(), p) == Inserted {
			inserted = append(inserted, p)
		}
	}
	require.NotEmpty(t, inserted)

	for _, p := range inserted {
		got := tbl.ClosestPeers(p.ID, 1)
		require.Len(t, got, 1)
		assert.Equal(t, p.ID, got[0].ID)
	}
}

func TestClosestPeersOrdering(t *testing.T) {
	tbl := NewTable(oid.Oid{}, Options{})
	for i := byte(1); i <= 10; i++ {
		tbl.InsertOrRefresh(context.Background(), mkPeer(i*16, i, 0))
	}

	var target oid.Oid
	target[0] = 0x50

	got := tbl.ClosestPeers(target, 4)
	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		assert.True(t, oid.CloserTo(target, got[i-1].ID, got[i].ID))
	}
	assert.Equal(t, byte(0x50), got[0].ID[0])
}

func TestBucketSplit(t *testing.T) {
	tbl := NewTable(oid.Oid{}, Options{K: 20})

	var all []peer.Peer
	for i := byte(0); i < 10; i++ {
		all = append(all, mkPeer(0x80|i, i, 0)) // top bit differs from self
	}
	for i := byte(0); i < 11; i++ {
		all = append(all, mkPeer(i+1, i, 0)) // shares at least one bit with self
	}
	require.Len(t, all, 21)

	for i, p := range all {
		out := tbl.InsertOrRefresh(context.Background(), p)
		assert.Equal(t, Inserted, out, "peer %d", i)
	}

	buckets := tbl.Buckets()
	require.Len(t, buckets, 2)
	assert.Len(t, buckets[0].Peers, 10)
	assert.Len(t, buckets[1].Peers, 11)
	assert.Equal(t, 21, tbl.Len())

	// The two halves cover the full space with no overlap
	var zero, ones, midLow, midHigh oid.Oid
	for i := range ones {
		ones[i] = 0xFF
		midLow[i] = 0x00
		midHigh[i] = 0xFF
	}
	midLow[0] = 0x80
	midHigh[0] = 0x7F
	assert.Equal(t, midLow, buckets[0].Low)
	assert.Equal(t, ones, buckets[0].High)
	assert.Equal(t, zero, buckets[1].Low)
	assert.Equal(t, midHigh, buckets[1].High)

	for _, p := range all {
		n := 0
		for _, b := range buckets {
			if inRange(p.ID, b) {
				n++
			}
		}
		assert.Equal(t, 1, n)
	}
}

func TestFullBucketEvictsDeadPeer(t *testing.T) {
	pinger := &fakePinger{err: errors.New("timeout")}
	tbl := NewTable(oid.Oid{}, Options{K: 2, Pinger: pinger})

	old := mkPeer(0x80, 1, time.Minute)
	young := mkPeer(0x81, 2, 0)
	newcomer := mkPeer(0x82, 3, 0)

	assert.Equal(t, Inserted, tbl.InsertOrRefresh(context.Background(), old))
	assert.Equal(t, Inserted, tbl.InsertOrRefresh(context.Background(), young))
	assert.Equal(t, Replaced, tbl.InsertOrRefresh(context.Background(), newcomer))

	assert.Equal(t, []oid.Oid{old.ID}, pinger.calls)
	ids := map[oid.Oid]bool{}
	for _, p := range tbl.AllPeers() {
		ids[p.ID] = true
	}
	assert.False(t, ids[old.ID])
	assert.True(t, ids[young.ID])
	assert.True(t, ids[newcomer.ID])
}

func TestFullBucketKeepsLivePeer(t *testing.T) {
	pinger := &fakePinger{}
	tbl := NewTable(oid.Oid{}, Options{K: 2, Pinger: pinger})

	old := mkPeer(0x80, 1, time.Minute)
	tbl.InsertOrRefresh(context.Background(), old)
	tbl.InsertOrRefresh(context.Background(), mkPeer(0x81, 2, 0))

	newcomer := mkPeer(0x82, 3, 0)
	assert.Equal(t, Discarded, tbl.InsertOrRefresh(context.Background(), newcomer))
	assert.Equal(t, 2, tbl.Len())
	assert.Len(t, tbl.ClosestPeers(old.ID, 1), 1)
	assert.Equal(t, old.ID, tbl.ClosestPeers(old.ID, 1)[0].ID)
}

func TestSingleLivenessCheckPerBucket(t *testing.T) {
	pinger := &fakePinger{err: errors.New("timeout"), block: make(chan struct{})}
	tbl := NewTable(oid.Oid{}, Options{K: 2, Pinger: pinger})

	tbl.InsertOrRefresh(context.Background(), mkPeer(0x80, 1, time.Minute))
	tbl.InsertOrRefresh(context.Background(), mkPeer(0x81, 2, 0))

	done := make(chan Outcome)
	go func() {
		done <- tbl.InsertOrRefresh(context.Background(), mkPeer(0x82, 3, 0))
	}()

	require.Eventually(t, func() bool {
		pinger.mu.Lock()
		defer pinger.mu.Unlock()
		return len(pinger.calls) == 1
	}, time.Second, time.Millisecond)

	// A second newcomer while the check is running is dropped
	assert.Equal(t, Discarded, tbl.InsertOrRefresh(context.Background(), mkPeer(0x83, 4, 0)))

	close(pinger.block)
	assert.Equal(t, Replaced, <-done)
	assert.Len(t, pinger.calls, 1)
}

func TestRefreshIsLastWriteWins(t *testing.T) {
	tbl := NewTable(oid.Oid{}, Options{})
	p := mkPeer(0x40, 1, 0)
	tbl.InsertOrRefresh(context.Background(), p)

	stale := p
	stale.LastSeen = base.Add(-time.Hour)
	stale.Addr = netip.MustParseAddrPort("192.0.2.99:1")
	assert.Equal(t, Refreshed, tbl.InsertOrRefresh(context.Background(), stale))

	got := tbl.ClosestPeers(p.ID, 1)[0]
	assert.Equal(t, p.LastSeen, got.LastSeen)
	assert.Equal(t, p.Addr, got.Addr)

	newer := p
	newer.LastSeen = base.Add(time.Hour)
	newer.Addr = netip.MustParseAddrPort("192.0.2.99:2")
	assert.True(t, tbl.Touch(newer))
	got = tbl.ClosestPeers(p.ID, 1)[0]
	assert.Equal(t, newer.Addr, got.Addr)

	assert.False(t, tbl.Touch(mkPeer(0x41, 9, 0)))
}

func TestMarkStaleRemovesAfterMaxFailures(t *testing.T) {
	tbl := NewTable(oid.Oid{}, Options{MaxFailures: 3})
	p := mkPeer(0x40, 1, 0)
	tbl.InsertOrRefresh(context.Background(), p)

	assert.False(t, tbl.MarkStale(p.ID))
	assert.False(t, tbl.MarkStale(p.ID))

	// A refresh clears the counter
	tbl.Touch(p)
	assert.False(t, tbl.MarkStale(p.ID))
	assert.False(t, tbl.MarkStale(p.ID))
	assert.True(t, tbl.MarkStale(p.ID))
	assert.Equal(t, 0, tbl.Len())
}

func TestIgnoresSelfAndInvalid(t *testing.T) {
	self := oid.Hash([]byte("self"))
	tbl := NewTable(self, Options{})

	assert.Equal(t, Ignored, tbl.InsertOrRefresh(context.Background(), peer.Peer{ID: self, Addr: netip.MustParseAddrPort("192.0.2.1:1")}))
	assert.Equal(t, Ignored, tbl.InsertOrRefresh(context.Background(), peer.Peer{ID: oid.Hash([]byte("x"))}))
	assert.Equal(t, 0, tbl.Len())
}

func TestRefreshTargetsStayInBucket(t *testing.T) {
	now := base
	tbl := NewTable(oid.Oid{}, Options{K: 2, Now: func() time.Time { return now }})
	for i := byte(0); i < 5; i++ {
		tbl.InsertOrRefresh(context.Background(), mkPeer(0x80>>i, i, 0))
	}

	assert.Empty(t, tbl.RefreshTargets(time.Minute))

	now = now.Add(time.Hour)
	targets := tbl.RefreshTargets(time.Minute)
	buckets := tbl.Buckets()
	require.Len(t, targets, len(buckets))
	for i, target := range targets {
		assert.True(t, inRange(target, buckets[i]), "target %d outside bucket", i)
	}
}
