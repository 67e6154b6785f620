package tcpconnection

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/kaspanet/peerpool/infrastructure/network/p2pserver"
	"github.com/kaspanet/peerpool/version"
)

// handshakeHeaderLength is the length of a handshake without its tag:
// version (1 byte), peer id (8 bytes, big endian), tag length (1 byte).
const handshakeHeaderLength = 1 + 8 + 1

type handshake struct {
	version byte
	peerID  p2pserver.PeerID
	tag     string
}

func (h *handshake) encode() []byte {
	encoded := make([]byte, handshakeHeaderLength+len(h.tag))
	encoded[0] = h.version
	binary.BigEndian.PutUint64(encoded[1:9], uint64(h.peerID))
	encoded[9] = byte(len(h.tag))
	copy(encoded[handshakeHeaderLength:], h.tag)
	return encoded
}

func readHandshake(r io.Reader) (*handshake, error) {
	header := make([]byte, handshakeHeaderLength)
	_, err := io.ReadFull(r, header)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read handshake header")
	}

	h := &handshake{
		version: header[0],
		peerID:  p2pserver.PeerID(binary.BigEndian.Uint64(header[1:9])),
	}
	if h.version != version.ProtocolVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "remote version %d, ours is %d",
			h.version, version.ProtocolVersion)
	}

	tagLength := int(header[9])
	if tagLength > p2pserver.MaxTagLength {
		return nil, errors.Wrapf(ErrInvalidHandshake, "tag of %d bytes is longer than %d",
			tagLength, p2pserver.MaxTagLength)
	}
	if tagLength > 0 {
		tag := make([]byte, tagLength)
		_, err := io.ReadFull(r, tag)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read handshake tag")
		}
		h.tag = string(tag)
	}
	return h, nil
}

// performHandshake sends our handshake on conn and reads the remote's.
// Both directions run at once so that it works over unbuffered transports.
func performHandshake(conn net.Conn, cfg *Config) (*handshake, error) {
	err := conn.SetDeadline(time.Now().Add(cfg.handshakeTimeout()))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer func() {
		// Clearing the deadline can only fail on a closed connection, which
		// the caller notices anyway.
		_ = conn.SetDeadline(time.Time{})
	}()

	ours := &handshake{version: version.ProtocolVersion, peerID: cfg.PeerID, tag: cfg.Tag}
	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(ours.encode())
		writeErr <- err
	}()

	remote, err := readHandshake(conn)
	if err != nil {
		return nil, err
	}
	err = <-writeErr
	if err != nil {
		return nil, errors.Wrap(err, "failed to write handshake")
	}

	if remote.peerID == cfg.PeerID {
		return nil, errors.Wrapf(ErrSelfConnection, "remote %s announced our peer id %d",
			conn.RemoteAddr(), remote.peerID)
	}
	return remote, nil
}
