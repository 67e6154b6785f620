package tcpconnection

import "github.com/pkg/errors"

var (
	// ErrSelfConnection means the remote side announced our own peer id.
	ErrSelfConnection = errors.New("connected to ourselves")

	// ErrUnsupportedVersion means the remote side speaks another handshake
	// version.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrInvalidHandshake means the remote handshake could not be parsed.
	ErrInvalidHandshake = errors.New("invalid handshake")
)
