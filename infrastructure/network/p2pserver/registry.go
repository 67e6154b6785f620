package p2pserver

import (
	"github.com/pkg/errors"
)

// registration is one admission of a connection into the registry.
// sequence distinguishes successive registrations of the same peer id.
type registration struct {
	connection Connection
	sequence   uint64
}

func (r *registration) peerID() PeerID {
	return r.connection.PeerID()
}

// registry is the authoritative map from peer id to connection.
type registry struct {
	guard          *guard
	maxPeers       int
	registrations  map[PeerID]*registration
	lastSequence   uint64
	isShuttingDown bool
}

func newRegistry(maxPeers int) *registry {
	return &registry{
		guard:         newGuard("registry"),
		maxPeers:      maxPeers,
		registrations: make(map[PeerID]*registration, maxPeers),
	}
}

// add registers connection. Admission is refused once beginShutdown was
// called, when the peer id is already live, or when every slot is taken.
func (r *registry) add(connection Connection) (*registration, error) {
	peerID := connection.PeerID()
	var added *registration
	var refusal error
	err := r.guard.do("add connection", func() {
		if r.isShuttingDown {
			refusal = ErrShuttingDown
			return
		}
		if _, ok := r.registrations[peerID]; ok {
			refusal = ErrDuplicatePeerID
			return
		}
		if len(r.registrations) >= r.maxPeers {
			refusal = ErrMaxPeersReached
			return
		}
		r.lastSequence++
		added = &registration{connection: connection, sequence: r.lastSequence}
		r.registrations[peerID] = added
	})
	if err != nil {
		return nil, err
	}
	if refusal != nil {
		return nil, errors.Wrapf(refusal, "cannot add %s (peer %d)", connection, peerID)
	}
	return added, nil
}

// remove deletes the registration of peerID, if any.
func (r *registry) remove(peerID PeerID) (removed *registration, ok bool, err error) {
	err = r.guard.do("remove connection", func() {
		removed, ok = r.registrations[peerID]
		if ok {
			delete(r.registrations, peerID)
		}
	})
	return removed, ok, err
}

// removeRegistration deletes reg only if it is still the live registration
// of its peer id.
func (r *registry) removeRegistration(reg *registration) (ok bool, err error) {
	err = r.guard.do("remove registration", func() {
		current, exists := r.registrations[reg.peerID()]
		if exists && current.sequence == reg.sequence {
			delete(r.registrations, reg.peerID())
			ok = true
		}
	})
	return ok, err
}

// isCurrent reports whether reg is still the live registration of its peer id.
func (r *registry) isCurrent(reg *registration) (isCurrent bool, err error) {
	err = r.guard.do("check registration", func() {
		current, exists := r.registrations[reg.peerID()]
		isCurrent = exists && current.sequence == reg.sequence
	})
	return isCurrent, err
}

func (r *registry) get(peerID PeerID) (connection Connection, ok bool, err error) {
	err = r.guard.do("get connection", func() {
		var reg *registration
		reg, ok = r.registrations[peerID]
		if ok {
			connection = reg.connection
		}
	})
	return connection, ok, err
}

func (r *registry) count() (count int, err error) {
	err = r.guard.do("count connections", func() {
		count = len(r.registrations)
	})
	return count, err
}

func (r *registry) connections() (connections []Connection, err error) {
	err = r.guard.do("get connections", func() {
		connections = make([]Connection, 0, len(r.registrations))
		for _, reg := range r.registrations {
			connections = append(connections, reg.connection)
		}
	})
	return connections, err
}

func (r *registry) peerIDs() (peerIDs []PeerID, err error) {
	err = r.guard.do("get connection ids", func() {
		peerIDs = make([]PeerID, 0, len(r.registrations))
		for peerID := range r.registrations {
			peerIDs = append(peerIDs, peerID)
		}
	})
	return peerIDs, err
}

// beginShutdown makes every later add fail with ErrShuttingDown.
func (r *registry) beginShutdown() error {
	return r.guard.do("begin shutdown", func() {
		r.isShuttingDown = true
	})
}
