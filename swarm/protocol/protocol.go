// Package protocol defines the payloads carried by DHT messages.
package protocol

import (
	"gitdht/datamodel/peer"
	"gitdht/oid"
	"net/netip"
)

// Contact is the compact wire form of a peer.
type Contact struct {
	_    struct{}       `cbor:",toarray"`
	ID   oid.Oid        // Node identifier
	Addr netip.AddrPort // UDP address and port
}

func ContactFromPeer(p peer.Peer) Contact {
	return Contact{ID: p.ID, Addr: p.Addr}
}

func ContactsFromPeers(peers []peer.Peer) []Contact {
	contacts := make([]Contact, len(peers))
	for i, p := range peers {
		contacts[i] = ContactFromPeer(p)
	}
	return contacts
}

func (c Contact) Peer() peer.Peer {
	return peer.Peer{ID: c.ID, Addr: netip.AddrPortFrom(c.Addr.Addr().Unmap(), c.Addr.Port())}
}

// FIND_NODE
type FindNodeRequest struct {
	Target oid.Oid `cbor:"1,keyasint"` // ID to look up
}

type NodesResponse struct {
	Nodes []Contact `cbor:"1,keyasint,omitempty"` // Closest known nodes to the target
}

// GET_PEERS
type GetPeersRequest struct {
	Key oid.Oid `cbor:"1,keyasint"`
}

// GetPeersResponse carries Peers when the responder holds announcements for the key, and the closest known Nodes otherwise.
type GetPeersResponse struct {
	Peers []Contact `cbor:"1,keyasint,omitempty"`
	Nodes []Contact `cbor:"2,keyasint,omitempty"`
}

// ANNOUNCE_PEER
type AnnouncePeerRequest struct {
	Key  oid.Oid `cbor:"1,keyasint"`
	Port uint16  `cbor:"2,keyasint,omitempty"` // 0 means the source port of the request
}

type AckResponse struct{}

// Multicast
type PeerAnnouncementMessage struct {
	NodeID oid.Oid `cbor:"1,keyasint,omitempty"` // Node identifier
	Port   uint16  `cbor:"2,keyasint,omitempty"` // DHT port, the address is the datagram source
}
