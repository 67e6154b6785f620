package p2pserver

// dispatchEvent is delivered through the dispatch queue to whichever idle
// worker dequeues it first.
type dispatchEvent interface {
	isDispatchEvent()
}

// newConnectionEvent asks a worker to service a registration.
type newConnectionEvent struct {
	registration *registration
}

// shutdownEvent makes the worker that dequeues it exit.
type shutdownEvent struct{}

func (newConnectionEvent) isDispatchEvent() {}
func (shutdownEvent) isDispatchEvent()      {}

// controlMessage is delivered to one specific worker's inbox. sequence names
// the registration it is meant for; a worker ignores messages for any
// registration other than the one it is servicing.
type controlMessage interface {
	targetSequence() uint64
}

// sendBytesMessage asks the worker to write data to its peer.
type sendBytesMessage struct {
	sequence uint64
	data     []byte
}

// exitMessage asks the worker to stop servicing its peer and become idle.
type exitMessage struct {
	sequence uint64
}

func (m sendBytesMessage) targetSequence() uint64 { return m.sequence }
func (m exitMessage) targetSequence() uint64      { return m.sequence }
