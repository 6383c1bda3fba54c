package crpc

import "errors"

var (
	ErrUnreachable = errors.New("peer unreachable")
	ErrMalformed   = errors.New("malformed message")
	ErrClosed      = errors.New("transport is closed")
	ErrNoHandler   = errors.New("no handler for message type")
)

// RemoteError is the reason a peer sent with an ERROR message.
type RemoteError string

func (e RemoteError) Error() string {
	return string(e)
}
