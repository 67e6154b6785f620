package p2pserver

import (
	"github.com/pkg/errors"
)

// scratchBufferSize is the size of the buffer a worker reads peer input
// into. One buffer is allocated per worker and reused for every read.
const scratchBufferSize = 512

// runWorker is the loop of one worker. While idle it waits on the dispatch
// queue; a new connection event makes it service that connection until the
// connection is closed or removed, and a shutdown event makes it return.
func (s *MultiThreadServer) runWorker(workerID WorkerID) error {
	workerInbox := newInbox(workerID)
	// The inbox must be reachable before this worker can be assigned a peer.
	mustSucceed(s.workerChannels.register(workerID, workerInbox))

	buf := make([]byte, scratchBufferSize)
	for {
		event, err := s.dispatchQueue.dequeue()
		if err != nil {
			if errors.Is(err, ErrGuardFailure) {
				panic(err)
			}
			return errors.Wrapf(err, "worker %d", workerID)
		}

		switch event := event.(type) {
		case shutdownEvent:
			log.Debugf("Worker %d exiting", workerID)
			return nil
		case newConnectionEvent:
			s.serviceRegistration(workerID, workerInbox, event.registration, buf)
		default:
			panic(errors.Errorf("unexpected dispatch event %T", event))
		}
	}
}

// serviceRegistration claims reg for workerID and services it until it is
// done, after which the worker is free for the next event.
func (s *MultiThreadServer) serviceRegistration(workerID WorkerID, workerInbox *inbox,
	reg *registration, buf []byte) {

	peerID := reg.peerID()
	connection := reg.connection
	mustSucceed(s.assignments.assign(peerID, assignment{workerID: workerID, sequence: reg.sequence}))

	// The registration may have been removed between being queued and being
	// claimed. A removal that happens after this check finds the assignment
	// above and sends us an exit message.
	isCurrent, err := s.registry.isCurrent(reg)
	mustSucceed(err)
	if isCurrent {
		log.Debugf("Worker %d is servicing %s", workerID, connection)
		s.metrics.incr(MetricWorkerClaimCount, 1, workerLabel(workerID))
		s.serviceConnection(workerInbox, reg, buf)
	}

	_, _, err = s.assignments.remove(peerID, reg.sequence)
	mustSucceed(err)

	// A connection whose transport ended on its own is still registered.
	// After an exit message the registration is already gone and this does
	// nothing.
	if isCurrent {
		removed, err := s.registry.removeRegistration(reg)
		mustSucceed(err)
		if removed {
			s.closeQuietly(connection)
			log.Infof("%s disconnected", connection)
			s.metrics.incr(MetricConnectionsRemoved, 1)
			s.updatePeerCountMetric()
		}
	}
	log.Debugf("Worker %d is idle", workerID)
}

// serviceConnection alternates between handling control messages and
// reading from the connection. It never blocks indefinitely.
func (s *MultiThreadServer) serviceConnection(workerInbox *inbox, reg *registration, buf []byte) {
	connection := reg.connection
	for !connection.IsClosed() {
		shouldExit := s.handleControlMessages(workerInbox, reg)
		if shouldExit {
			return
		}
		isAlive := s.receiveFrom(connection, buf)
		if !isAlive {
			return
		}
	}
}

// handleControlMessages handles every message currently in workerInbox and
// returns whether the worker was told to let go of its connection.
func (s *MultiThreadServer) handleControlMessages(workerInbox *inbox, reg *registration) (shouldExit bool) {
	messages := workerInbox.drain()
	if len(messages) > 0 {
		s.metrics.setInboxDepth(workerInbox.workerID, 0)
	}
	for _, message := range messages {
		if message.targetSequence() != reg.sequence {
			log.Tracef("Worker %d dropped a %T left over from an earlier connection",
				workerInbox.workerID, message)
			continue
		}

		switch message := message.(type) {
		case exitMessage:
			return true
		case sendBytesMessage:
			err := reg.connection.SendBytes(message.data)
			if err != nil {
				log.Warnf("Error while trying to send bytes to %s: %s", reg.connection, err)
				s.metrics.incr(MetricSendErrorCount, 1)
				continue
			}
			s.metrics.incr(MetricBytesSent, float32(len(message.data)))
		default:
			panic(errors.Errorf("unexpected control message %T", message))
		}
	}
	return false
}

// receiveFrom makes one bounded read attempt on connection and hands what
// it read to the incoming handler. Read and handler errors close the
// connection, in which case it returns false.
func (s *MultiThreadServer) receiveFrom(connection Connection, buf []byte) (isAlive bool) {
	n, err := connection.Receive(buf)
	if err != nil {
		if !connection.IsClosed() {
			log.Debugf("Error while reading from %s: %s", connection, err)
			s.metrics.incr(MetricReceiveErrorCount, 1)
			s.closeQuietly(connection)
		}
		return false
	}
	if n == 0 {
		return true
	}
	s.metrics.incr(MetricBytesReceived, float32(n))

	if s.incomingHandler == nil {
		return true
	}
	err = s.incomingHandler.HandleIncoming(connection, buf[:n])
	if err != nil {
		log.Warnf("Disconnecting %s: %s", connection, err)
		s.closeQuietly(connection)
		return false
	}
	return true
}

func (s *MultiThreadServer) closeQuietly(connection Connection) {
	err := connection.Close()
	if err != nil {
		log.Debugf("Error while closing %s: %s", connection, err)
	}
}

// mustSucceed panics on err. Workers treat guard failures as fatal, since
// resuming mid-connection could leave the assignments and the registry
// disagreeing.
func mustSucceed(err error) {
	if err != nil {
		panic(err)
	}
}
