package node

import (
	"context"
	"net/netip"

	"gitdht/datamodel/peer"
	"gitdht/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

// PubSub handles LAN discovery messages.
type PubSub struct {
	node *Node
}

func (s *PubSub) PeerAnnouncement(from netip.AddrPort, msg *protocol.PeerAnnouncementMessage) {
	// Check if we received our own announcement
	if msg.NodeID == s.node.self.ID {
		return
	}

	port := msg.Port
	if port == 0 {
		port = from.Port()
	}
	p := peer.Peer{ID: msg.NodeID, Addr: netip.AddrPortFrom(from.Addr(), port)}
	if !p.Valid() {
		log.Debugf("PeerAnnouncement: ignoring unusable %s", p)
		return
	}

	log.Debugf("PeerAnnouncement: node %s", p)

	// The answer to the ping adds the peer to the routing table
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.node.pingTimeout())
		defer cancel()
		if err := s.node.Client.Ping(ctx, p); err != nil {
			log.Debugf("PeerAnnouncement: %s did not answer: %v", p, err)
		}
	}()
}

// This is run via the RunWithTicker() helper
func (n *Node) publishPeerAnnouncement(ctx context.Context) error {
	msg := &protocol.PeerAnnouncementMessage{
		NodeID: n.self.ID,
		Port:   n.Transport.LocalAddr().Port(),
	}

	if err := n.PubSub.Publish("PubSub.PeerAnnouncement", msg); err != nil {
		log.Errorf("Failed to publish peer announcement: %v", err)
	}

	return nil
}
