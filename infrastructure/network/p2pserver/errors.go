package p2pserver

import "github.com/pkg/errors"

var (
	// ErrGuardFailure means one of the server's shared structures could not
	// be accessed because an earlier operation panicked while holding it.
	ErrGuardFailure = errors.New("shared structure is unavailable")

	// ErrPeerNotFound means the referenced peer is not registered, or is
	// registered but not yet serviced by any worker.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrDuplicatePeerID means a connection was added for a peer id that
	// already has a live registration. It indicates an identity allocation
	// bug upstream of the server, or a remote peer impersonating another.
	ErrDuplicatePeerID = errors.New("peer id is already registered")

	// ErrChannelDelivery means a dispatch event or control message could not
	// be delivered because its receiving side is gone, or because a worker's
	// inbox already holds as many pending sends as it accepts.
	ErrChannelDelivery = errors.New("message could not be delivered")

	// ErrConnectionCloseFailure means closing the transport of a removed
	// connection failed. The connection is removed regardless.
	ErrConnectionCloseFailure = errors.New("connection close failed")

	// ErrMaxPeersReached means every peer slot is taken.
	ErrMaxPeersReached = errors.New("max peers reached")

	// ErrShuttingDown means the server is stopping and admits no new peers.
	ErrShuttingDown = errors.New("server is shutting down")

	// ErrInvalidConfig means the server configuration is invalid.
	ErrInvalidConfig = errors.New("invalid server configuration")

	// ErrAlreadyStarted means Start was called more than once.
	ErrAlreadyStarted = errors.New("server already started")

	// ErrServerStopped means Start was called again after the server was
	// stopped.
	ErrServerStopped = errors.New("server was stopped")

	// ErrUnknownStrategy means Config.Strategy names no known implementation.
	ErrUnknownStrategy = errors.New("unknown server strategy")
)
