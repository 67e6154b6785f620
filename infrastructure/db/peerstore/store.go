package peerstore

import (
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	ldbErrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/kaspanet/peerpool/infrastructure/network/p2pserver"
)

var (
	// ErrNotFound means the store has no record of the requested peer.
	ErrNotFound = errors.New("peer not found in the store")

	// ErrMalformedRecord means a stored record could not be decoded.
	ErrMalformedRecord = errors.New("malformed peer record")
)

// Store is a LevelDB-backed record of the peers we have connected to.
type Store struct {
	ldb *leveldb.DB
}

// Open opens the store at path, creating it if it doesn't exist.
func Open(path string) (*Store, error) {
	ldb, err := leveldb.OpenFile(path, Options())

	// If the database is corrupted, attempt to recover.
	if _, corrupted := err.(*ldbErrors.ErrCorrupted); corrupted {
		log.Warnf("Peer store corruption detected for path %s: %s", path, err)
		ldb, err = leveldb.RecoverFile(path, Options())
		if err != nil {
			return nil, errors.Wrapf(err, "failed to recover the peer store at %s", path)
		}
		log.Warnf("Peer store recovered from corruption for path %s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open the peer store at %s", path)
	}
	return &Store{ldb: ldb}, nil
}

// openStorage opens a store over an arbitrary leveldb storage.
func openStorage(stor storage.Storage) (*Store, error) {
	ldb, err := leveldb.Open(stor, Options())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Store{ldb: ldb}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return errors.WithStack(s.ldb.Close())
}

// Put stores record, replacing any earlier record of the same peer.
func (s *Store) Put(record *Record) error {
	serialized, err := serializeRecord(record)
	if err != nil {
		return err
	}
	return errors.WithStack(s.ldb.Put(peerIDKey(record.PeerID), serialized, nil))
}

// Get returns the record of peerID, or ErrNotFound.
func (s *Store) Get(peerID p2pserver.PeerID) (*Record, error) {
	serialized, err := s.ldb.Get(peerIDKey(peerID), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "peer %d", peerID)
		}
		return nil, errors.WithStack(err)
	}
	return deserializeRecord(peerID, serialized)
}

// Remove deletes the record of peerID. Removing an unknown peer does
// nothing.
func (s *Store) Remove(peerID p2pserver.PeerID) error {
	return errors.WithStack(s.ldb.Delete(peerIDKey(peerID), nil))
}

// All returns every stored record, ordered by peer id. Malformed records
// are skipped.
func (s *Store) All() ([]*Record, error) {
	iterator := s.ldb.NewIterator(nil, nil)
	defer iterator.Release()

	var records []*Record
	for iterator.Next() {
		peerID, err := peerIDFromKey(iterator.Key())
		if err != nil {
			log.Warnf("Skipping peer store entry: %s", err)
			continue
		}
		record, err := deserializeRecord(peerID, iterator.Value())
		if err != nil {
			log.Warnf("Skipping peer store entry: %s", err)
			continue
		}
		records = append(records, record)
	}
	err := iterator.Error()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return records, nil
}
