package p2pserver

import (
	"fmt"
	"net"
)

// PeerID is the identity of a remote peer, assigned during the handshake.
type PeerID uint64

// WorkerID identifies one worker slot of a server's pool. It is in
// [0, MaxPeers).
type WorkerID int

// Connection represents one open transport session with a peer.
type Connection interface {
	fmt.Stringer

	PeerID() PeerID
	Address() net.Addr

	// IsClosed reports whether Close was called or the transport
	// closed on its own. Once true, it stays true.
	IsClosed() bool

	// Close closes the transport. Calling it on a closed connection
	// does nothing.
	Close() error

	// SendBytes writes data to the peer.
	SendBytes(data []byte) error

	// Receive makes one bounded attempt to read available input into buf.
	// It returns 0 and a nil error if nothing arrived within its bound.
	Receive(buf []byte) (int, error)
}

// IncomingHandler parses and dispatches input received from a peer.
// An error disconnects that peer.
type IncomingHandler interface {
	HandleIncoming(connection Connection, data []byte) error
}

// IncomingHandlerFunc adapts a function to IncomingHandler.
type IncomingHandlerFunc func(connection Connection, data []byte) error

// HandleIncoming calls f(connection, data).
func (f IncomingHandlerFunc) HandleIncoming(connection Connection, data []byte) error {
	return f(connection, data)
}

// Listener accepts incoming peer connections. Accept returns connections
// that already completed their handshake.
type Listener interface {
	Accept() (Connection, error)
	Close() error
}

// ListenFunc binds a Listener to bindAddress.
type ListenFunc func(bindAddress string) (Listener, error)
