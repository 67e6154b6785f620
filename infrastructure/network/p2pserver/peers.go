package p2pserver

import (
	"github.com/pkg/errors"
)

// AddConnection registers connection and hands it to the next idle worker.
//
// This is part of the Server interface
func (s *MultiThreadServer) AddConnection(connection Connection) error {
	reg, err := s.registry.add(connection)
	if err != nil {
		if errors.Is(err, ErrDuplicatePeerID) {
			log.Criticalf("Refusing connection with a duplicate peer id: %s", err)
		}
		s.metrics.incr(MetricConnectionsRejected, 1, LabelReason.M(rejectionReason(err)))
		return err
	}
	s.metrics.incr(MetricConnectionsAdded, 1)
	s.updatePeerCountMetric()

	err = s.dispatchQueue.enqueue(newConnectionEvent{registration: reg})
	if err != nil {
		// Nobody will ever service this registration. Drop it so it doesn't
		// hold a slot.
		_, removeErr := s.registry.removeRegistration(reg)
		if removeErr != nil {
			log.Errorf("Error while dropping undeliverable %s: %s", connection, removeErr)
		}
		s.updatePeerCountMetric()
		return errors.Wrapf(err, "cannot dispatch %s (peer %d)", connection, connection.PeerID())
	}
	log.Debugf("Registered %s as peer %d", connection, connection.PeerID())
	s.updateDispatchQueueDepthMetric()
	return nil
}

// RemoveConnection unregisters peerID, closes its connection and sends the
// worker servicing it, if any, back to idle. The removal completes even if
// closing the transport fails; that failure is returned afterwards, wrapped
// in ErrConnectionCloseFailure.
//
// This is part of the Server interface
func (s *MultiThreadServer) RemoveConnection(peerID PeerID) error {
	reg, ok, err := s.registry.remove(peerID)
	if err != nil {
		panic(err)
	}
	if !ok {
		return errors.Wrapf(ErrPeerNotFound, "cannot remove peer %d", peerID)
	}
	closeErr := s.closeConnection(reg.connection)
	log.Infof("%s disconnected", reg.connection)
	s.metrics.incr(MetricConnectionsRemoved, 1)
	s.updatePeerCountMetric()

	err = s.releaseWorker(reg)
	if err != nil {
		return err
	}
	return closeErr
}

// releaseWorker sends an exit message to the worker servicing reg. A
// registration that wasn't claimed yet has no worker to release; the worker
// that eventually claims it will notice it is gone.
func (s *MultiThreadServer) releaseWorker(reg *registration) error {
	a, ok, err := s.assignments.remove(reg.peerID(), reg.sequence)
	if err != nil {
		return errors.Wrapf(err, "trying to release the worker of peer %d", reg.peerID())
	}
	if !ok {
		return nil
	}
	workerInbox, err := s.workerInbox(a.workerID)
	if err != nil {
		return err
	}
	err = workerInbox.enqueue(exitMessage{sequence: reg.sequence})
	if errors.Is(err, ErrChannelDelivery) {
		// Only a worker that already exited has a closed inbox.
		log.Debugf("Worker %d of peer %d already exited", a.workerID, reg.peerID())
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "trying to release worker %d of peer %d", a.workerID, reg.peerID())
	}
	return nil
}

// SendToPeer queues data to be written to peerID by the worker servicing
// it. Sends to the same peer are written in call order.
//
// This is part of the Server interface
func (s *MultiThreadServer) SendToPeer(peerID PeerID, data []byte) error {
	a, ok, err := s.assignments.lookup(peerID)
	if err != nil {
		return errors.Wrapf(err, "send to peer %d", peerID)
	}
	if !ok {
		return errors.Wrapf(ErrPeerNotFound, "peer %d is not serviced by any worker", peerID)
	}
	workerInbox, err := s.workerInbox(a.workerID)
	if err != nil {
		return err
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	err = workerInbox.enqueue(sendBytesMessage{sequence: a.sequence, data: dataCopy})
	if err != nil {
		s.metrics.incr(MetricSendRejectedCount, 1, workerLabel(a.workerID))
		return errors.Wrapf(err, "send to peer %d", peerID)
	}
	s.metrics.setInboxDepth(a.workerID, workerInbox.length())
	return nil
}

// workerInbox returns the inbox of workerID. Every assigned worker has
// registered its inbox before claiming any connection, so a missing inbox
// is a broken invariant.
func (s *MultiThreadServer) workerInbox(workerID WorkerID) (*inbox, error) {
	workerInbox, ok, err := s.workerChannels.get(workerID)
	if err != nil {
		return nil, errors.Wrapf(err, "trying to get the channel of worker %d", workerID)
	}
	if !ok {
		panic(errors.Errorf("no channel found for worker %d", workerID))
	}
	return workerInbox, nil
}

// closeConnection closes connection unless it is closed already.
func (s *MultiThreadServer) closeConnection(connection Connection) error {
	if connection.IsClosed() {
		return nil
	}
	err := connection.Close()
	if err != nil {
		s.metrics.incr(MetricCloseErrorCount, 1)
		log.Warnf("Error while closing %s: %s", connection, err)
		return errors.Wrapf(ErrConnectionCloseFailure, "closing %s: %s", connection, err)
	}
	return nil
}

func (s *MultiThreadServer) updatePeerCountMetric() {
	count, err := s.registry.count()
	if err != nil {
		return
	}
	s.metrics.setPeerCount(count)
}

func (s *MultiThreadServer) updateDispatchQueueDepthMetric() {
	depth, err := s.dispatchQueue.length()
	if err != nil {
		return
	}
	s.metrics.setDispatchQueueDepth(depth)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicatePeerID):
		return "duplicate_peer_id"
	case errors.Is(err, ErrMaxPeersReached):
		return "max_peers"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	case errors.Is(err, ErrGuardFailure):
		return "guard_failure"
	default:
		return "unknown"
	}
}
