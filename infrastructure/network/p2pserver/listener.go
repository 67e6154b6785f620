package p2pserver

import (
	"net"

	"github.com/pkg/errors"
)

// listenNewConnections accepts connections from listener until the server
// stops, and admits every accepted connection that fits.
func (s *MultiThreadServer) listenNewConnections(listener Listener) error {
	for {
		connection, err := listener.Accept()
		if err != nil {
			if s.isStopping() {
				log.Debugf("Listener on %s closed", s.bindAddress)
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return errors.Wrapf(err, "listener on %s closed unexpectedly", s.bindAddress)
			}
			log.Warnf("Error accepting a connection on %s: %s", s.bindAddress, err)
			continue
		}

		err = s.admit(connection)
		if err != nil {
			return err
		}
	}
}

// admit adds an accepted connection, or closes it if it cannot be added.
// Only a dispatch failure is returned, since without a dispatch queue no
// worker can ever receive a connection again.
func (s *MultiThreadServer) admit(connection Connection) error {
	log.Infof("Accepted %s", connection)

	if !s.AcceptNewConnections() {
		log.Infof("Rejecting %s: max peers (%d) reached", connection, s.maxPeers)
		s.metrics.incr(MetricConnectionsRejected, 1, LabelReason.M(rejectionReason(ErrMaxPeersReached)))
		s.closeQuietly(connection)
		return nil
	}

	err := s.AddConnection(connection)
	if err != nil {
		log.Infof("Rejecting %s: %s", connection, err)
		s.closeQuietly(connection)
		if errors.Is(err, ErrChannelDelivery) && !s.isStopping() {
			return err
		}
	}
	return nil
}
