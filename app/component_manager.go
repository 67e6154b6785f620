package app

import (
	"fmt"
	"sync/atomic"

	"github.com/kaspanet/peerpool/infrastructure/config"
	"github.com/kaspanet/peerpool/infrastructure/db/peerstore"
	"github.com/kaspanet/peerpool/infrastructure/network/p2pserver"
	"github.com/kaspanet/peerpool/infrastructure/network/tcpconnection"
	"github.com/kaspanet/peerpool/util/panics"
)

// ComponentManager is a wrapper for all the peerpool services
type ComponentManager struct {
	cfg       *config.Config
	tcpConfig *tcpconnection.Config
	server    p2pserver.Server
	peerStore *peerstore.Store
	dialer    *dialer

	serverDone chan struct{}

	started, shutdown int32
}

// NewComponentManager returns a new ComponentManager instance. peerStore
// may be nil, in which case peers are not remembered.
// Use Start() to begin all services within this ComponentManager
func NewComponentManager(cfg *config.Config, peerStore *peerstore.Store) (*ComponentManager, error) {
	tcpConfig := cfg.TCPConfig()
	server, err := p2pserver.New(&p2pserver.Config{
		Strategy:        p2pserver.StrategyMultiThread,
		PeerID:          p2pserver.PeerID(cfg.PeerID),
		Tag:             cfg.Tag,
		MaxPeers:        cfg.MaxPeers,
		BindAddress:     cfg.Listen,
		Listen:          tcpconnection.Listen(tcpConfig),
		IncomingHandler: newIncomingHandler(),
	})
	if err != nil {
		return nil, err
	}

	return &ComponentManager{
		cfg:        cfg,
		tcpConfig:  tcpConfig,
		server:     server,
		peerStore:  peerStore,
		dialer:     newDialer(tcpConfig, server, peerStore),
		serverDone: make(chan struct{}),
	}, nil
}

// Start launches all the peerpool services.
func (a *ComponentManager) Start() {
	// Already started?
	if atomic.AddInt32(&a.started, 1) != 1 {
		return
	}

	log.Infof("Starting peerpool as peer %d", a.server.PeerID())

	spawn("ComponentManager.runServer", a.runServer)
	spawn("ComponentManager.connectToPeers", func() {
		a.dialer.connectToPeers(a.cfg.ConnectPeers)
	})
}

func (a *ComponentManager) runServer() {
	defer close(a.serverDone)

	err := a.server.Start()
	if err != nil && atomic.LoadInt32(&a.shutdown) == 0 {
		panics.Exit(log, fmt.Sprintf("Error running the p2p server: %+v", err))
	}
}

// Stop gracefully shuts down all the peerpool services.
func (a *ComponentManager) Stop() {
	// Make sure this only happens once.
	if atomic.AddInt32(&a.shutdown, 1) != 1 {
		log.Infof("Peerpool is already in the process of shutting down")
		return
	}

	log.Warnf("Peerpool shutting down")

	a.dialer.stop()
	a.server.Stop()
	if atomic.LoadInt32(&a.started) != 0 {
		<-a.serverDone
	}
}

// Server returns the p2p server run by this ComponentManager.
func (a *ComponentManager) Server() p2pserver.Server {
	return a.server
}
