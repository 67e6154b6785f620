package peerstore

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/kaspanet/peerpool/infrastructure/network/p2pserver"
)

// Record is what the store remembers about a peer.
type Record struct {
	PeerID   p2pserver.PeerID
	Address  string
	Tag      string
	LastSeen time.Time
}

const peerIDLength = 8

func peerIDKey(peerID p2pserver.PeerID) []byte {
	key := make([]byte, peerIDLength)
	binary.BigEndian.PutUint64(key, uint64(peerID))
	return key
}

func peerIDFromKey(key []byte) (p2pserver.PeerID, error) {
	if len(key) != peerIDLength {
		return 0, errors.Wrapf(ErrMalformedRecord, "key of %d bytes", len(key))
	}
	return p2pserver.PeerID(binary.BigEndian.Uint64(key)), nil
}

// serializeRecord encodes everything but the peer id, which is the key:
// last seen (8 bytes, unix nanoseconds, big endian, 0 if unknown), tag length (1 byte),
// tag, and the address in the remaining bytes.
func serializeRecord(record *Record) ([]byte, error) {
	if len(record.Tag) > p2pserver.MaxTagLength {
		return nil, errors.Errorf("tag %q is longer than %d bytes", record.Tag, p2pserver.MaxTagLength)
	}
	serialized := make([]byte, 8+1+len(record.Tag)+len(record.Address))
	if !record.LastSeen.IsZero() {
		binary.BigEndian.PutUint64(serialized[:8], uint64(record.LastSeen.UnixNano()))
	}
	serialized[8] = byte(len(record.Tag))
	copy(serialized[9:], record.Tag)
	copy(serialized[9+len(record.Tag):], record.Address)
	return serialized, nil
}

func deserializeRecord(peerID p2pserver.PeerID, serialized []byte) (*Record, error) {
	if len(serialized) < 9 {
		return nil, errors.Wrapf(ErrMalformedRecord, "record of peer %d is %d bytes long", peerID, len(serialized))
	}
	tagLength := int(serialized[8])
	if len(serialized) < 9+tagLength {
		return nil, errors.Wrapf(ErrMalformedRecord, "record of peer %d is truncated", peerID)
	}
	var lastSeen time.Time
	if lastSeenNanos := binary.BigEndian.Uint64(serialized[:8]); lastSeenNanos != 0 {
		lastSeen = time.Unix(0, int64(lastSeenNanos))
	}
	return &Record{
		PeerID:   peerID,
		LastSeen: lastSeen,
		Tag:      string(serialized[9 : 9+tagLength]),
		Address:  string(serialized[9+tagLength:]),
	}, nil
}
