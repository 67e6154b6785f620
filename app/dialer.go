package app

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/kaspanet/peerpool/infrastructure/db/peerstore"
	"github.com/kaspanet/peerpool/infrastructure/network/p2pserver"
	"github.com/kaspanet/peerpool/infrastructure/network/tcpconnection"
	"github.com/kaspanet/peerpool/util/panics"
)

// defaultRetryInterval is how long the dialer waits before dialing a
// requested peer it failed to connect to again.
const defaultRetryInterval = 5 * time.Second

var afterFunc = panics.AfterFuncWrapperFunc(log)

// dialer opens outbound connections and hands them to the server. Peers it
// connects to are remembered in the peer store, if there is one.
type dialer struct {
	tcpConfig     *tcpconnection.Config
	server        p2pserver.Server
	peerStore     *peerstore.Store
	retryInterval time.Duration
	isStopped     uint32
}

func newDialer(tcpConfig *tcpconnection.Config, server p2pserver.Server, peerStore *peerstore.Store) *dialer {
	return &dialer{
		tcpConfig:     tcpConfig,
		server:        server,
		peerStore:     peerStore,
		retryInterval: defaultRetryInterval,
	}
}

func (d *dialer) stop() {
	atomic.StoreUint32(&d.isStopped, 1)
}

func (d *dialer) stopped() bool {
	return atomic.LoadUint32(&d.isStopped) != 0
}

// connectToPeers connects to every address in addresses and then to known
// peers from the peer store while slots remain. Requested addresses that
// fail are retried until they connect or the dialer is stopped.
func (d *dialer) connectToPeers(addresses []string) {
	requested := make(map[string]struct{}, len(addresses))
	for _, address := range addresses {
		requested[address] = struct{}{}
		err := d.connect(address)
		if err != nil {
			log.Warnf("Couldn't connect to %s: %s", address, err)
			d.scheduleRetry(address, err)
		}
	}

	if d.peerStore == nil {
		return
	}
	records, err := d.peerStore.All()
	if err != nil {
		log.Errorf("Couldn't read known peers: %s", err)
		return
	}
	for _, record := range records {
		if _, ok := requested[record.Address]; ok {
			continue
		}
		if d.stopped() || d.server.SlotsAvailable() == 0 {
			return
		}
		err := d.connect(record.Address)
		if err == nil {
			continue
		}
		log.Debugf("Couldn't reconnect to known peer %d at %s: %s", record.PeerID, record.Address, err)
		if errors.Is(err, tcpconnection.ErrSelfConnection) {
			err := d.peerStore.Remove(record.PeerID)
			if err != nil {
				log.Warnf("Couldn't forget peer %d: %s", record.PeerID, err)
			}
		}
	}
}

func (d *dialer) scheduleRetry(address string, err error) {
	if d.stopped() || errors.Is(err, tcpconnection.ErrSelfConnection) {
		return
	}
	log.Debugf("Retrying %s in %s", address, d.retryInterval)
	afterFunc("dialer.retry", d.retryInterval, func() {
		err := d.connect(address)
		if err != nil {
			log.Debugf("Retry of %s failed: %s", address, err)
			d.scheduleRetry(address, err)
		}
	})
}

// connect dials address and adds the resulting connection to the server.
func (d *dialer) connect(address string) error {
	if d.stopped() {
		return nil
	}
	if !d.server.AcceptNewConnections() {
		return errors.Errorf("no slot left for %s", address)
	}

	connection, err := tcpconnection.Dial(d.tcpConfig, address)
	if err != nil {
		return err
	}

	isConnected, err := d.server.IsConnectedTo(connection.PeerID())
	if err != nil {
		d.closeQuietly(connection)
		return err
	}
	if isConnected {
		d.closeQuietly(connection)
		log.Debugf("Already connected to peer %d, dropping %s", connection.PeerID(), connection)
		return nil
	}

	err = d.server.AddConnection(connection)
	if err != nil {
		d.closeQuietly(connection)
		return err
	}
	log.Infof("Connected to %s", connection)

	if d.peerStore != nil {
		err := d.peerStore.Put(&peerstore.Record{
			PeerID:   connection.PeerID(),
			Address:  address,
			Tag:      connection.Tag(),
			LastSeen: time.Now(),
		})
		if err != nil {
			log.Warnf("Couldn't remember peer %d: %s", connection.PeerID(), err)
		}
	}
	return nil
}

func (d *dialer) closeQuietly(connection *tcpconnection.Connection) {
	err := connection.Close()
	if err != nil {
		log.Debugf("Error while closing %s: %s", connection, err)
	}
}
