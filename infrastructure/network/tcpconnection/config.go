package tcpconnection

import (
	"time"

	"github.com/btcsuite/go-socks/socks"

	"github.com/kaspanet/peerpool/infrastructure/network/p2pserver"
)

const (
	// DefaultReadTimeout is how long a single Receive waits for input.
	DefaultReadTimeout = 50 * time.Millisecond

	// DefaultHandshakeTimeout bounds dialing plus the handshake exchange.
	DefaultHandshakeTimeout = 10 * time.Second
)

// Config is the configuration shared by Listen and Dial.
type Config struct {
	// PeerID and Tag are what we announce in the handshake.
	PeerID p2pserver.PeerID
	Tag    string

	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration

	// Proxy, if not nil, is used for outbound connections.
	Proxy *socks.Proxy
}

func (cfg *Config) readTimeout() time.Duration {
	if cfg.ReadTimeout <= 0 {
		return DefaultReadTimeout
	}
	return cfg.ReadTimeout
}

func (cfg *Config) handshakeTimeout() time.Duration {
	if cfg.HandshakeTimeout <= 0 {
		return DefaultHandshakeTimeout
	}
	return cfg.HandshakeTimeout
}
