package crpc

import (
	"fmt"

	"gitdht/oid"

	"github.com/fxamacker/cbor/v2"
)

// MessageType identifies the kind of a datagram.
type MessageType uint8

const (
	MsgPing MessageType = iota + 1
	MsgFindNode
	MsgGetPeers
	MsgAnnouncePeer
	MsgResponse
	MsgError
)

func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "PING"
	case MsgFindNode:
		return "FIND_NODE"
	case MsgGetPeers:
		return "GET_PEERS"
	case MsgAnnouncePeer:
		return "ANNOUNCE_PEER"
	case MsgResponse:
		return "RESPONSE"
	case MsgError:
		return "ERROR"
	}
	return fmt.Sprintf("TYPE(%d)", uint8(t))
}

func (t MessageType) IsRequest() bool {
	return t >= MsgPing && t <= MsgAnnouncePeer
}

// Message is the envelope of every datagram. The payload schema depends on the type.
type Message struct {
	TxID    uint64          `cbor:"1,keyasint"`
	Type    MessageType     `cbor:"2,keyasint"`
	Sender  oid.Oid         `cbor:"3,keyasint"`
	Payload cbor.RawMessage `cbor:"4,keyasint,omitempty"`
}

// ErrorPayload carries the reason of an ERROR message.
type ErrorPayload struct {
	Message string `cbor:"1,keyasint"`
}

var decMode, _ = cbor.DecOptions{
	MaxNestedLevels:  16,
	MaxArrayElements: 1024,
	MaxMapPairs:      64,
}.DecMode()

func encodeMessage(m *Message) ([]byte, error) {
	return cbor.Marshal(m)
}

func decodeMessage(data []byte) (*Message, error) {
	m := &Message{}
	if err := decMode.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type < MsgPing || m.Type > MsgError {
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformed, m.Type)
	}
	if m.Sender.IsZero() {
		return nil, fmt.Errorf("%w: missing sender", ErrMalformed)
	}
	return m, nil
}

// decodePayload unmarshals a payload into v. An empty payload leaves v untouched.
func decodePayload(payload cbor.RawMessage, v any) error {
	if v == nil || len(payload) == 0 {
		return nil
	}
	if err := decMode.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
