package node

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"gitdht/config"
	"gitdht/datamodel/peer"
	"gitdht/datamodel/repo"
	"gitdht/datastore/leveldb"
	"gitdht/net/crpc"
	"gitdht/oid"
	"gitdht/swarm/announce"
	"gitdht/swarm/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	commit1 = "1111111111111111111111111111111111111111"
	commit2 = "2222222222222222222222222222222222222222"
)

type fakeSource struct {
	mu   sync.Mutex
	head string
}

func (s *fakeSource) Repositories() []string {
	return []string{"proj"}
}

func (s *fakeSource) ListRefs(ctx context.Context, repository string) ([]repo.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []repo.Ref{{Name: "refs/heads/main", Head: s.head}}, nil
}

func (s *fakeSource) setHead(head string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head = head
}

type emptyIter struct{}

func (emptyIter) Next() (string, error) { return "", io.EOF }
func (emptyIter) Close()                {}

func (s *fakeSource) CommitAncestors(ctx context.Context, repository string, commit string) (repo.CommitIter, error) {
	return emptyIter{}, nil
}

func testConfig(t *testing.T, seeds ...netip.AddrPort) *config.Config {
	t.Helper()

	cfg := config.NewEmptyConfig("")
	id, err := oid.Random()
	require.NoError(t, err)
	cfg.Node.ID = id
	cfg.Node.Listen = "127.0.0.1:0"

	cfg.Bootstrap.Service = ""
	for _, s := range seeds {
		cfg.Bootstrap.Peers = append(cfg.Bootstrap.Peers, s.String())
	}
	cfg.Bootstrap.RetryMax = config.Duration{Duration: 100 * time.Millisecond}
	cfg.Bootstrap.CheckInterval = config.Duration{Duration: 100 * time.Millisecond}

	cfg.DHT.RPCTimeout = config.Duration{Duration: 200 * time.Millisecond}
	cfg.DHT.RPCRetries = 1
	cfg.DHT.LookupTimeout = config.Duration{Duration: 2 * time.Second}

	cfg.Announce.TTL = config.Duration{Duration: 2 * time.Hour}
	cfg.Announce.Interval = config.Duration{Duration: time.Hour}
	cfg.Announce.PollInterval = config.Duration{Duration: 50 * time.Millisecond}
	cfg.Announce.HistoryDepth = 0
	return cfg
}

func newNode(t *testing.T, cfg *config.Config, contacts ContactStore, source repo.Source) *Node {
	t.Helper()

	tr, err := crpc.Listen(cfg.Node.Listen, cfg.Node.ID, crpc.Options{
		Timeout: cfg.DHT.RPCTimeout.Duration,
		Retries: cfg.DHT.RPCRetries,
	})
	require.NoError(t, err)

	n, err := New(cfg, tr, contacts, source, nil)
	require.NoError(t, err)
	n.resolveSRV = func(ctx context.Context, name string) ([]netip.AddrPort, error) {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return n
}

// start runs the node until the test ends.
func start(t *testing.T, n *Node) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("node did not stop")
		}
	})
}

func contains(peers []peer.Peer, id oid.Oid) bool {
	for _, p := range peers {
		if p.ID == id {
			return true
		}
	}
	return false
}

func TestAnnounceAndDiscover(t *testing.T) {
	// M is a bootstrap node, A carries a repository, B looks for it
	m := newNode(t, testConfig(t), nil, nil)
	start(t, m)
	mAddr := m.Transport.LocalAddr()

	source := &fakeSource{head: commit1}
	a := newNode(t, testConfig(t, mAddr), nil, source)
	require.NotNil(t, a.Announcer)
	start(t, a)

	b := newNode(t, testConfig(t, mAddr), nil, nil)
	assert.Nil(t, b.Announcer)
	start(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, b.WaitBootstrapped(ctx))

	refKey := announce.RefKey("proj", "main")
	require.Eventually(t, func() bool {
		peers, err := b.GetPeers(ctx, refKey)
		return err == nil && contains(peers, a.Self().ID)
	}, 5*time.Second, 50*time.Millisecond)

	// The commit key is announced right after the ref key
	var peers []peer.Peer
	require.Eventually(t, func() bool {
		var err error
		peers, err = b.GetPeers(ctx, announce.CommitKey("proj", commit1))
		return err == nil && contains(peers, a.Self().ID)
	}, 5*time.Second, 50*time.Millisecond)
	for _, p := range peers {
		if p.ID == a.Self().ID {
			assert.Equal(t, a.Transport.LocalAddr(), p.Addr)
		}
	}

	// The ref moves on: the new commit becomes discoverable, the ref keeps pointing at A
	source.setHead(commit2)
	require.Eventually(t, func() bool {
		peers, err := b.GetPeers(ctx, announce.CommitKey("proj", commit2))
		return err == nil && contains(peers, a.Self().ID)
	}, 5*time.Second, 50*time.Millisecond)

	peers, err := b.GetPeers(ctx, refKey)
	require.NoError(t, err)
	assert.True(t, contains(peers, a.Self().ID))

	// A knows it serves the keys without asking anyone
	assert.True(t, contains(a.Index.GetPeers(refKey), a.Self().ID))

	// Nobody announced this one
	peers, err = b.GetPeers(ctx, announce.RefKey("proj", "unknown"))
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestBootstrapWithoutSeeds(t *testing.T) {
	n := newNode(t, testConfig(t), nil, nil)
	defer n.Transport.Close()

	err := n.Bootstrap(context.Background())
	assert.ErrorIs(t, err, ErrNoSeeds)
	assert.False(t, n.Bootstrapped())
}

func TestBootstrapWithDeadSeed(t *testing.T) {
	// Reserve a port nobody answers on
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	dead := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	conn.Close()

	n := newNode(t, testConfig(t, dead), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Transport.Serve(ctx)

	err = n.Bootstrap(ctx)
	assert.ErrorIs(t, err, ErrIsolated)
	assert.False(t, n.Bootstrapped())

	wctx, wcancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer wcancel()
	assert.ErrorIs(t, n.WaitBootstrapped(wctx), context.DeadlineExceeded)
}

func TestContactsArePersisted(t *testing.T) {
	m := newNode(t, testConfig(t), nil, nil)
	start(t, m)

	contacts, err := leveldb.NewPeerIndex("")
	require.NoError(t, err)
	defer contacts.Close()

	// First run learns M from the configuration
	cfg := testConfig(t, m.Transport.LocalAddr())
	first := newNode(t, cfg, contacts, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()

	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	require.NoError(t, first.WaitBootstrapped(wctx))
	cancel()
	require.NoError(t, <-done)

	saved, err := contacts.Enumerate()
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, m.Self().ID, saved[0].ID)

	// Second run has no configured seed, only the saved contacts
	cfg2 := testConfig(t)
	cfg2.Node.ID = cfg.Node.ID
	second := newNode(t, cfg2, contacts, nil)
	start(t, second)
	require.NoError(t, second.WaitBootstrapped(wctx))
	assert.True(t, contains(second.RoutingPeers(), m.Self().ID))
}

// rawClient talks to a node without being a node itself.
func rawClient(t *testing.T) *crpc.Transport {
	t.Helper()
	id, err := oid.Random()
	require.NoError(t, err)
	tr, err := crpc.Listen("127.0.0.1:0", id, crpc.Options{Timeout: 200 * time.Millisecond, Retries: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go tr.Serve(ctx)
	t.Cleanup(cancel)
	return tr
}

func TestHandlers(t *testing.T) {
	n := newNode(t, testConfig(t), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Transport.Serve(ctx)
	to := n.Transport.LocalAddr()

	c := rawClient(t)
	require.NoError(t, c.Call(ctx, to, crpc.MsgPing, nil, &protocol.AckResponse{}))

	// The sender was added to the routing table
	require.Eventually(t, func() bool {
		return contains(n.RoutingPeers(), c.Self())
	}, time.Second, 10*time.Millisecond)

	key := oid.Hash([]byte("key"))

	// Nobody announced: the closest nodes come back
	res := &protocol.GetPeersResponse{}
	require.NoError(t, c.Call(ctx, to, crpc.MsgGetPeers, &protocol.GetPeersRequest{Key: key}, res))
	assert.Empty(t, res.Peers)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, c.Self(), res.Nodes[0].ID)

	// Port 0 stands for the source port
	require.NoError(t, c.Call(ctx, to, crpc.MsgAnnouncePeer, &protocol.AnnouncePeerRequest{Key: key}, &protocol.AckResponse{}))
	res = &protocol.GetPeersResponse{}
	require.NoError(t, c.Call(ctx, to, crpc.MsgGetPeers, &protocol.GetPeersRequest{Key: key}, res))
	require.Len(t, res.Peers, 1)
	assert.Equal(t, c.LocalAddr(), res.Peers[0].Peer().Addr)
	assert.Empty(t, res.Nodes)

	// An explicit port replaces the source port, never the address
	require.NoError(t, c.Call(ctx, to, crpc.MsgAnnouncePeer, &protocol.AnnouncePeerRequest{Key: key, Port: 4242}, &protocol.AckResponse{}))
	anns := n.Announcements(key)
	require.Len(t, anns, 1)
	assert.Equal(t, netip.AddrPortFrom(c.LocalAddr().Addr(), 4242), anns[0].Peer.Addr)

	nodes := &protocol.NodesResponse{}
	require.NoError(t, c.Call(ctx, to, crpc.MsgFindNode, &protocol.FindNodeRequest{Target: key}, nodes))
	require.Len(t, nodes.Nodes, 1)
}

func TestGetPeersSkipsUnusableAnnouncements(t *testing.T) {
	cfg := testConfig(t)
	cfg.Node.Listen = ":0"
	n := newNode(t, cfg, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Transport.Serve(ctx)
	to := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), n.Transport.LocalAddr().Port())

	// Listening on the wildcard address leaves us without an address others can use
	require.False(t, n.Self().Valid())
	key := oid.Hash([]byte("key"))
	n.Index.Announce(key, n.Self(), time.Minute)

	c := rawClient(t)
	require.NoError(t, c.Call(ctx, to, crpc.MsgPing, nil, &protocol.AckResponse{}))
	require.Eventually(t, func() bool {
		return contains(n.RoutingPeers(), c.Self())
	}, time.Second, 10*time.Millisecond)

	// The lookup can carry on with the closest nodes instead of stopping here
	res := &protocol.GetPeersResponse{}
	require.NoError(t, c.Call(ctx, to, crpc.MsgGetPeers, &protocol.GetPeersRequest{Key: key}, res))
	assert.Empty(t, res.Peers)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, c.Self(), res.Nodes[0].ID)

	// A usable announcement is still served
	other := peer.Peer{ID: oid.Hash([]byte("other")), Addr: netip.MustParseAddrPort("192.0.2.7:39148")}
	n.Index.Announce(key, other, time.Minute)
	res = &protocol.GetPeersResponse{}
	require.NoError(t, c.Call(ctx, to, crpc.MsgGetPeers, &protocol.GetPeersRequest{Key: key}, res))
	require.Len(t, res.Peers, 1)
	assert.Equal(t, other.Addr, res.Peers[0].Peer().Addr)
	assert.Empty(t, res.Nodes)
}

func TestPeerAnnouncementPingsThePeer(t *testing.T) {
	n := newNode(t, testConfig(t), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Transport.Serve(ctx)

	other := rawClient(t)
	other.Handle(crpc.MsgPing, func(ctx context.Context, req *crpc.Request) (any, error) {
		return &protocol.AckResponse{}, nil
	})

	handlers := &PubSub{node: n}
	from := netip.AddrPortFrom(other.LocalAddr().Addr(), 1) // multicast source port differs from the DHT port
	handlers.PeerAnnouncement(from, &protocol.PeerAnnouncementMessage{NodeID: other.Self(), Port: other.LocalAddr().Port()})

	require.Eventually(t, func() bool {
		return contains(n.RoutingPeers(), other.Self())
	}, 2*time.Second, 10*time.Millisecond)

	// Our own announcement is ignored
	handlers.PeerAnnouncement(from, &protocol.PeerAnnouncementMessage{NodeID: n.Self().ID, Port: 1})
	assert.Equal(t, 1, n.Table.Len())
}
