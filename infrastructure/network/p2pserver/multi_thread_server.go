package p2pserver

import (
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/kaspanet/peerpool/util/panics"
)

// MultiThreadServer services every peer on a dedicated worker goroutine.
// It runs exactly MaxPeers workers plus one listener goroutine. Idle
// workers compete for new connections on a shared dispatch queue, and every
// worker owns a private inbox through which the rest of the server asks it
// to write to, or let go of, its peer.
type MultiThreadServer struct {
	peerID          PeerID
	tag             string
	maxPeers        int
	bindAddress     string
	listen          ListenFunc
	incomingHandler IncomingHandler
	metrics         *serverMetrics

	registry       *registry
	assignments    *assignmentTable
	workerChannels *workerChannelTable
	dispatchQueue  *dispatchQueue

	started uint32
	stopped uint32

	listenerLock sync.Mutex
	listener     Listener
}

// NewMultiThreadServer creates a MultiThreadServer. It does not bind
// anything until Start is called.
func NewMultiThreadServer(cfg *Config) (*MultiThreadServer, error) {
	err := cfg.validate()
	if err != nil {
		return nil, err
	}

	return &MultiThreadServer{
		peerID:          cfg.PeerID,
		tag:             cfg.Tag,
		maxPeers:        cfg.MaxPeers,
		bindAddress:     cfg.BindAddress,
		listen:          cfg.Listen,
		incomingHandler: cfg.IncomingHandler,
		metrics:         newServerMetrics(cfg.MetricSink, cfg.MetricLabels),

		registry:       newRegistry(cfg.MaxPeers),
		assignments:    newAssignmentTable(cfg.MaxPeers),
		workerChannels: newWorkerChannelTable(cfg.MaxPeers),
		dispatchQueue:  newDispatchQueue(),
	}, nil
}

// Start binds the listener and runs the listener and worker goroutines
// until Stop is called and all of them returned. If Stop was called before
// Start got to run, Start returns nil right away. Calling Start again
// returns ErrAlreadyStarted while the server runs and ErrServerStopped once
// it was stopped.
//
// This is part of the Server interface
func (s *MultiThreadServer) Start() error {
	if !atomic.CompareAndSwapUint32(&s.started, 0, 1) {
		if s.isStopping() {
			return errors.WithStack(ErrServerStopped)
		}
		return errors.WithStack(ErrAlreadyStarted)
	}
	if s.isStopping() {
		s.teardown()
		log.Infof("P2P server stopped before it started")
		return nil
	}

	listener, err := s.listen(s.bindAddress)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.bindAddress)
	}
	s.setListener(listener)
	log.Infof("P2P server listening on %s with %d workers", s.bindAddress, s.maxPeers)

	group := &errgroup.Group{}
	s.goInGroup(group, "p2pserver.listenNewConnections", func() error {
		return s.listenNewConnections(listener)
	})
	for i := 0; i < s.maxPeers; i++ {
		workerID := WorkerID(i)
		s.goInGroup(group, "p2pserver.runWorker", func() error {
			return s.runWorker(workerID)
		})
	}

	err = group.Wait()
	s.teardown()
	if err != nil {
		return err
	}
	log.Infof("P2P server stopped")
	return nil
}

// goInGroup runs f in group. An error from f stops the whole server, since
// the rest of the group would otherwise wait for a Stop that may never come.
func (s *MultiThreadServer) goInGroup(group *errgroup.Group, name string, f func() error) {
	stackTrace := debug.Stack()
	group.Go(func() error {
		defer panics.HandlePanic(log, name, stackTrace)
		err := f()
		if err != nil {
			log.Errorf("%s returned an error: %+v", name, err)
			s.Stop()
		}
		return err
	})
}

func (s *MultiThreadServer) teardown() {
	err := s.dispatchQueue.close()
	if err != nil {
		log.Errorf("Error while closing the dispatch queue: %s", err)
	}
	err = s.workerChannels.closeAll()
	if err != nil {
		log.Errorf("Error while closing worker channels: %s", err)
	}
}

// Stop removes every connection, which sends every busy worker back to
// idle, and then queues one shutdown event per worker. Errors are logged
// and never interrupt the shutdown.
//
// This is part of the Server interface
func (s *MultiThreadServer) Stop() {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}
	log.Infof("Stopping P2P server")

	// From here on no connection can be admitted, so the set of connections
	// removed below is final.
	err := s.registry.beginShutdown()
	if err != nil {
		log.Errorf("Error while marking the server as shutting down: %s", err)
	}
	s.closeListener()

	peerIDs, err := s.ConnectionIDs()
	if err != nil {
		log.Errorf("Couldn't get connections to remove: %s", err)
	}
	for _, peerID := range peerIDs {
		err := s.RemoveConnection(peerID)
		if err != nil && !errors.Is(err, ErrPeerNotFound) {
			log.Warnf("Error while removing connection: %s", err)
		}
	}

	events := make([]dispatchEvent, s.maxPeers)
	for i := range events {
		events[i] = shutdownEvent{}
	}
	err = s.dispatchQueue.enqueue(events...)
	if err != nil {
		log.Warnf("Error while trying to stop workers: %s", err)
	}
}

func (s *MultiThreadServer) isStopping() bool {
	return atomic.LoadUint32(&s.stopped) != 0
}

func (s *MultiThreadServer) setListener(listener Listener) {
	s.listenerLock.Lock()
	s.listener = listener
	s.listenerLock.Unlock()

	// Stop may have run before the listener was set.
	if s.isStopping() {
		s.closeListener()
	}
}

func (s *MultiThreadServer) closeListener() {
	s.listenerLock.Lock()
	listener := s.listener
	s.listener = nil
	s.listenerLock.Unlock()

	if listener == nil {
		return
	}
	err := listener.Close()
	if err != nil {
		log.Warnf("Error while closing the listener: %s", err)
	}
}

// PeerID returns our own peer id.
func (s *MultiThreadServer) PeerID() PeerID {
	return s.peerID
}

// Tag returns our node tag, or an empty string if we have none.
func (s *MultiThreadServer) Tag() string {
	return s.tag
}

// MaxPeers returns the maximum number of peers this server services.
func (s *MultiThreadServer) MaxPeers() int {
	return s.maxPeers
}

// BindAddress returns the address Start listens on.
func (s *MultiThreadServer) BindAddress() string {
	return s.bindAddress
}

// IsMultiThreaded always returns true.
func (s *MultiThreadServer) IsMultiThreaded() bool {
	return true
}

// AcceptNewConnections returns whether a peer slot is available.
func (s *MultiThreadServer) AcceptNewConnections() bool {
	return s.PeerCount() < s.maxPeers
}

// PeerCount returns the number of registered peers.
func (s *MultiThreadServer) PeerCount() int {
	count, err := s.registry.count()
	if err != nil {
		panic(err)
	}
	return count
}

// SlotsAvailable returns how many more peers can be registered.
func (s *MultiThreadServer) SlotsAvailable() int {
	available := s.maxPeers - s.PeerCount()
	if available < 0 {
		return 0
	}
	return available
}

// IsConnectedTo returns whether peerID is registered. Our own peer id
// always counts as connected.
func (s *MultiThreadServer) IsConnectedTo(peerID PeerID) (bool, error) {
	if peerID == s.peerID {
		return true, nil
	}
	_, ok, err := s.registry.get(peerID)
	if err != nil {
		return false, errors.Wrapf(err, "is connected to %d", peerID)
	}
	return ok, nil
}

// IsConnectedToAddress returns whether a registered peer has the given
// address.
func (s *MultiThreadServer) IsConnectedToAddress(address net.Addr) (bool, error) {
	if address == nil {
		return false, nil
	}
	connections, err := s.Connections()
	if err != nil {
		return false, err
	}
	for _, connection := range connections {
		peerAddress := connection.Address()
		if peerAddress != nil && peerAddress.Network() == address.Network() &&
			peerAddress.String() == address.String() {
			return true, nil
		}
	}
	return false, nil
}

// Connection returns the connection registered for peerID.
func (s *MultiThreadServer) Connection(peerID PeerID) (Connection, error) {
	connection, ok, err := s.registry.get(peerID)
	if err != nil {
		return nil, errors.Wrapf(err, "trying to get %d", peerID)
	}
	if !ok {
		return nil, errors.Wrapf(ErrPeerNotFound, "peer %d", peerID)
	}
	return connection, nil
}

// Connections returns a snapshot of every registered connection.
func (s *MultiThreadServer) Connections() ([]Connection, error) {
	return s.registry.connections()
}

// ConnectionIDs returns a snapshot of every registered peer id.
func (s *MultiThreadServer) ConnectionIDs() ([]PeerID, error) {
	return s.registry.peerIDs()
}
