package tcpconnection

import (
	"net"

	"github.com/pkg/errors"
)

// Dial connects to address, through cfg.Proxy if one is set, and
// handshakes with the remote side.
func Dial(cfg *Config, address string) (*Connection, error) {
	dial := net.DialTimeout
	if cfg.Proxy != nil {
		dial = cfg.Proxy.DialTimeout
	}

	conn, err := dial("tcp", address, cfg.handshakeTimeout())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", address)
	}

	remote, err := performHandshake(conn, cfg)
	if err != nil {
		closeErr := conn.Close()
		if closeErr != nil {
			log.Debugf("Error while closing %s: %s", address, closeErr)
		}
		return nil, errors.Wrapf(err, "handshake with %s failed", address)
	}
	log.Debugf("Connected to %s, peer %d", address, remote.peerID)
	return newConnection(conn, remote, cfg, true), nil
}
