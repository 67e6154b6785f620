package p2pserver

// assignment records which worker services which registration of a peer.
type assignment struct {
	workerID WorkerID
	sequence uint64
}

// assignmentTable maps a peer id to the worker currently servicing it.
// A peer has an entry only between a worker claiming its registration and
// that registration being removed.
type assignmentTable struct {
	guard       *guard
	assignments map[PeerID]assignment
}

func newAssignmentTable(maxPeers int) *assignmentTable {
	return &assignmentTable{
		guard:       newGuard("worker assignments"),
		assignments: make(map[PeerID]assignment, maxPeers),
	}
}

func (t *assignmentTable) assign(peerID PeerID, a assignment) error {
	return t.guard.do("assign worker", func() {
		t.assignments[peerID] = a
	})
}

func (t *assignmentTable) lookup(peerID PeerID) (a assignment, ok bool, err error) {
	err = t.guard.do("look up worker", func() {
		a, ok = t.assignments[peerID]
	})
	return a, ok, err
}

// remove deletes the assignment of peerID if it belongs to the
// registration with the given sequence.
func (t *assignmentTable) remove(peerID PeerID, sequence uint64) (a assignment, ok bool, err error) {
	err = t.guard.do("remove assignment", func() {
		a, ok = t.assignments[peerID]
		if ok && a.sequence == sequence {
			delete(t.assignments, peerID)
			return
		}
		ok = false
	})
	return a, ok, err
}
