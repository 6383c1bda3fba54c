// Package client implements typed DHT requests on top of the datagram transport.
package client

import (
	"context"
	"errors"
	"net/netip"

	"gitdht/datamodel/peer"
	"gitdht/net/crpc"
	"gitdht/oid"
	"gitdht/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

// Caller is the part of the transport the client needs.
type Caller interface {
	Call(ctx context.Context, to netip.AddrPort, typ crpc.MessageType, args any, reply any) error
	Self() oid.Oid
}

// StaleMarker is told about peers that did not answer.
type StaleMarker interface {
	MarkStale(id oid.Oid) bool
}

type Client struct {
	caller Caller
	stale  StaleMarker
}

// New creates a client. stale may be nil.
func New(caller Caller, stale StaleMarker) *Client {
	return &Client{
		caller: caller,
		stale:  stale,
	}
}

func (c *Client) call(ctx context.Context, to peer.Peer, typ crpc.MessageType, args any, reply any) error {
	err := c.caller.Call(ctx, to.Addr, typ, args, reply)
	if errors.Is(err, crpc.ErrUnreachable) && c.stale != nil && !to.ID.IsZero() {
		if c.stale.MarkStale(to.ID) {
			log.Debugf("client: dropped %s from routing table", to)
		}
	}
	return err
}

// toPeers converts contacts into peers, dropping unusable entries, duplicates and ourselves.
func (c *Client) toPeers(contacts []protocol.Contact) []peer.Peer {
	self := c.caller.Self()
	seen := make(map[oid.Oid]struct{}, len(contacts))
	peers := make([]peer.Peer, 0, len(contacts))
	for _, ct := range contacts {
		p := ct.Peer()
		if p.ID == self || !p.Valid() {
			continue
		}
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		peers = append(peers, p)
	}
	return peers
}

func (c *Client) Ping(ctx context.Context, to peer.Peer) error {
	return c.call(ctx, to, crpc.MsgPing, nil, &protocol.AckResponse{})
}

// PingAddr pings an address whose node ID is not known yet, e.g. a bootstrap seed.
func (c *Client) PingAddr(ctx context.Context, addr netip.AddrPort) error {
	return c.call(ctx, peer.Peer{Addr: addr}, crpc.MsgPing, nil, &protocol.AckResponse{})
}

func (c *Client) FindNode(ctx context.Context, to peer.Peer, target oid.Oid) ([]peer.Peer, error) {
	res := &protocol.NodesResponse{}
	if err := c.call(ctx, to, crpc.MsgFindNode, &protocol.FindNodeRequest{Target: target}, res); err != nil {
		return nil, err
	}
	return c.toPeers(res.Nodes), nil
}

// GetPeers asks a node for the announcers of key. values holds announcers, closer the nodes to continue the lookup with.
func (c *Client) GetPeers(ctx context.Context, to peer.Peer, key oid.Oid) (values []peer.Peer, closer []peer.Peer, err error) {
	res := &protocol.GetPeersResponse{}
	if err := c.call(ctx, to, crpc.MsgGetPeers, &protocol.GetPeersRequest{Key: key}, res); err != nil {
		return nil, nil, err
	}

	// Announcers may include ourselves, only routing contacts are filtered
	for _, ct := range res.Peers {
		if p := ct.Peer(); p.Valid() {
			values = append(values, p)
		}
	}
	return values, c.toPeers(res.Nodes), nil
}

func (c *Client) AnnouncePeer(ctx context.Context, to peer.Peer, key oid.Oid, port uint16) error {
	return c.call(ctx, to, crpc.MsgAnnouncePeer, &protocol.AnnouncePeerRequest{Key: key, Port: port}, &protocol.AckResponse{})
}
