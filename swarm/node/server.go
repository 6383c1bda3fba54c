package node

import (
	"context"
	"net/netip"
	"time"

	"gitdht/datamodel/peer"
	"gitdht/net/crpc"
	"gitdht/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

// Server answers the DHT requests of other nodes.
type Server struct {
	node *Node
}

// RPC: PING
func (s *Server) Ping(ctx context.Context, req *crpc.Request) (any, error) {
	return &protocol.AckResponse{}, nil
}

// RPC: FIND_NODE
func (s *Server) FindNode(ctx context.Context, req *crpc.Request) (any, error) {
	args := &protocol.FindNodeRequest{}
	if err := req.Decode(args); err != nil {
		return nil, err
	}
	peers := s.node.Table.ClosestPeers(args.Target, s.node.Table.K())
	return &protocol.NodesResponse{Nodes: protocol.ContactsFromPeers(peers)}, nil
}

// RPC: GET_PEERS
func (s *Server) GetPeers(ctx context.Context, req *crpc.Request) (any, error) {
	args := &protocol.GetPeersRequest{}
	if err := req.Decode(args); err != nil {
		return nil, err
	}

	if peers := usablePeers(s.node.Index.GetPeers(args.Key)); len(peers) > 0 {
		log.Debugf("Server.GetPeers for %s from %s: %d peers", args.Key.Short(), req.From, len(peers))
		return &protocol.GetPeersResponse{Peers: protocol.ContactsFromPeers(peers)}, nil
	}

	nodes := s.node.Table.ClosestPeers(args.Key, s.node.Table.K())
	return &protocol.GetPeersResponse{Nodes: protocol.ContactsFromPeers(nodes)}, nil
}

// usablePeers drops announcements nobody could connect to, like our own while we listen on a wildcard address.
func usablePeers(peers []peer.Peer) []peer.Peer {
	out := peers[:0]
	for _, p := range peers {
		if p.Valid() {
			out = append(out, p)
		}
	}
	return out
}

// RPC: ANNOUNCE_PEER
func (s *Server) AnnouncePeer(ctx context.Context, req *crpc.Request) (any, error) {
	args := &protocol.AnnouncePeerRequest{}
	if err := req.Decode(args); err != nil {
		return nil, err
	}

	// The address is always the one the request came from, only the port can be chosen
	port := args.Port
	if port == 0 {
		port = req.From.Port()
	}
	p := peer.Peer{
		ID:       req.Sender,
		Addr:     netip.AddrPortFrom(req.From.Addr(), port),
		LastSeen: time.Now(),
	}

	s.node.Index.Announce(args.Key, p, s.node.cfg.Announce.TTL.Duration)
	log.Debugf("Server.AnnouncePeer: %s serves %s", p, args.Key.Short())
	return &protocol.AckResponse{}, nil
}
