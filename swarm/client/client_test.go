package client

import (
	"context"
	"fmt"
	"net/netip"
	"testing"

	"gitdht/datamodel/peer"
	"gitdht/net/crpc"
	"gitdht/oid"
	"gitdht/swarm/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	self  oid.Oid
	err   error
	nodes []protocol.Contact
	peers []protocol.Contact
	calls []crpc.MessageType
}

func (f *fakeCaller) Self() oid.Oid { return f.self }

func (f *fakeCaller) Call(ctx context.Context, to netip.AddrPort, typ crpc.MessageType, args any, reply any) error {
	f.calls = append(f.calls, typ)
	if f.err != nil {
		return f.err
	}
	switch r := reply.(type) {
	case *protocol.NodesResponse:
		r.Nodes = f.nodes
	case *protocol.GetPeersResponse:
		r.Nodes = f.nodes
		r.Peers = f.peers
	}
	return nil
}

type staleRecorder struct {
	ids []oid.Oid
}

func (s *staleRecorder) MarkStale(id oid.Oid) bool {
	s.ids = append(s.ids, id)
	return false
}

func contact(name string, addr string) protocol.Contact {
	return protocol.Contact{ID: oid.Hash([]byte(name)), Addr: netip.MustParseAddrPort(addr)}
}

func TestFindNodeFiltersContacts(t *testing.T) {
	self := oid.Hash([]byte("self"))
	f := &fakeCaller{
		self: self,
		nodes: []protocol.Contact{
			contact("a", "192.0.2.1:1000"),
			contact("a", "192.0.2.1:1000"), // duplicate
			{ID: self, Addr: netip.MustParseAddrPort("192.0.2.9:1000")},
			contact("b", "0.0.0.0:1000"), // unspecified
			contact("c", "192.0.2.3:0"),  // no port
			{Addr: netip.MustParseAddrPort("192.0.2.4:1000")}, // no ID
			contact("d", "[::ffff:192.0.2.5]:1000"),
		},
	}
	c := New(f, nil)

	peers, err := c.FindNode(context.Background(), peer.Peer{}, oid.Oid{})
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, oid.Hash([]byte("a")), peers[0].ID)
	assert.Equal(t, netip.MustParseAddrPort("192.0.2.5:1000"), peers[1].Addr)
}

func TestGetPeersKeepsSelfAsValue(t *testing.T) {
	self := oid.Hash([]byte("self"))
	f := &fakeCaller{
		self:  self,
		peers: []protocol.Contact{{ID: self, Addr: netip.MustParseAddrPort("192.0.2.9:1000")}},
		nodes: []protocol.Contact{{ID: self, Addr: netip.MustParseAddrPort("192.0.2.9:1000")}},
	}
	c := New(f, nil)

	values, closer, err := c.GetPeers(context.Background(), peer.Peer{}, oid.Oid{})
	require.NoError(t, err)
	assert.Len(t, values, 1)
	assert.Empty(t, closer)
}

func TestUnreachableMarksStale(t *testing.T) {
	f := &fakeCaller{err: fmt.Errorf("%w: test", crpc.ErrUnreachable)}
	stale := &staleRecorder{}
	c := New(f, stale)

	to := peer.Peer{ID: oid.Hash([]byte("gone")), Addr: netip.MustParseAddrPort("192.0.2.1:1")}
	assert.ErrorIs(t, c.Ping(context.Background(), to), crpc.ErrUnreachable)
	assert.ErrorIs(t, c.AnnouncePeer(context.Background(), to, oid.Oid{}, 1), crpc.ErrUnreachable)
	assert.Equal(t, []oid.Oid{to.ID, to.ID}, stale.ids)

	// Seeds have no ID yet
	assert.Error(t, c.PingAddr(context.Background(), to.Addr))
	assert.Len(t, stale.ids, 2)

	// Remote errors are answers, the peer is alive
	f.err = crpc.RemoteError("nope")
	assert.Error(t, c.Ping(context.Background(), to))
	assert.Len(t, stale.ids, 2)
}
