package peer

import (
	"fmt"
	"net/netip"
	"time"

	"gitdht/oid"
)

// Peer describes a remote DHT node. The routing table owns the canonical copy, everybody else holds values.
type Peer struct {
	ID       oid.Oid        `cbor:"1,keyasint" json:"id"`                           // Node identifier
	Addr     netip.AddrPort `cbor:"2,keyasint" json:"addr"`                         // UDP address and port
	LastSeen time.Time      `cbor:"3,keyasint,omitempty" json:"last_seen"`          // Last time we heard from this node
	RTT      time.Duration  `cbor:"4,keyasint,omitempty" json:"rtt,omitempty"`      // Smoothed round-trip estimate
	Failures int            `cbor:"5,keyasint,omitempty" json:"failures,omitempty"` // Consecutive unanswered requests
}

func (p Peer) String() string {
	return fmt.Sprintf("%s@%s", p.ID.Short(), p.Addr)
}

// Valid reports whether the peer can be contacted at all.
func (p Peer) Valid() bool {
	return !p.ID.IsZero() && p.Addr.IsValid() && p.Addr.Port() != 0 && !p.Addr.Addr().IsUnspecified()
}

// PeerIndex defines the interface for persisting contacts between runs.
type PeerIndex interface {
	// Get retrieves a contact, given the node's ID.
	// It returns an error if the ID does not exist or an issue occurs.
	Get(oid.Oid) (*Peer, error)

	// Put stores or updates a contact.
	Put(*Peer) error

	// Delete removes a contact. Deleting a missing contact is not an error.
	Delete(oid.Oid) error

	// Enumerate returns all stored contacts.
	Enumerate() ([]*Peer, error)

	// Close releases any resources held by the index.
	Close() error
}
