package p2pserver

import (
	"net"

	"github.com/hashicorp/go-metrics"
	"github.com/pkg/errors"
)

// MaxTagLength is the maximum length of a node tag, in bytes.
const MaxTagLength = 16

// Server represents a p2p server servicing up to MaxPeers peers.
type Server interface {
	// Start runs the server and blocks until Stop was called and every
	// goroutine of the server returned.
	Start() error
	// Stop disconnects every peer and makes Start return. It is safe to
	// call more than once.
	Stop()

	PeerID() PeerID
	Tag() string
	MaxPeers() int
	BindAddress() string
	IsMultiThreaded() bool

	AcceptNewConnections() bool
	PeerCount() int
	SlotsAvailable() int
	IsConnectedTo(peerID PeerID) (bool, error)
	IsConnectedToAddress(address net.Addr) (bool, error)

	AddConnection(connection Connection) error
	RemoveConnection(peerID PeerID) error
	Connection(peerID PeerID) (Connection, error)
	Connections() ([]Connection, error)
	ConnectionIDs() ([]PeerID, error)
	SendToPeer(peerID PeerID, data []byte) error
}

// Strategy selects the Server implementation built by New.
type Strategy int

const (
	// StrategyMultiThread services every peer on its own worker goroutine.
	StrategyMultiThread Strategy = iota
)

func (s Strategy) String() string {
	switch s {
	case StrategyMultiThread:
		return "multi-thread"
	default:
		return "unknown"
	}
}

// Config is the configuration of a Server.
type Config struct {
	Strategy Strategy

	// PeerID is our own identity.
	PeerID PeerID

	// Tag is an optional short name sent to peers during the handshake.
	// Empty means no tag.
	Tag string

	// MaxPeers is both the peer limit and the number of workers.
	MaxPeers int

	// BindAddress is where Listen binds, as ip:port.
	BindAddress string

	// Listen creates the listener Start accepts peers from.
	Listen ListenFunc

	// IncomingHandler receives everything our peers send. Input is
	// discarded if it is nil.
	IncomingHandler IncomingHandler

	// MetricSink to use for emitting metrics. Metrics are discarded if it
	// is nil.
	MetricSink metrics.MetricSink

	// MetricLabels to add to every metric emitted by the server.
	MetricLabels []metrics.Label
}

func (cfg *Config) validate() error {
	if len(cfg.Tag) > MaxTagLength {
		return errors.Wrapf(ErrInvalidConfig, "tag %q is longer than %d bytes", cfg.Tag, MaxTagLength)
	}
	if cfg.MaxPeers < 1 {
		return errors.Wrapf(ErrInvalidConfig, "max peers must be at least 1, got %d", cfg.MaxPeers)
	}
	if cfg.Listen == nil {
		return errors.Wrap(ErrInvalidConfig, "Listen is required")
	}
	return nil
}

// New builds the Server implementation selected by cfg.Strategy.
func New(cfg *Config) (Server, error) {
	switch cfg.Strategy {
	case StrategyMultiThread:
		server, err := NewMultiThreadServer(cfg)
		if err != nil {
			return nil, err
		}
		return server, nil
	default:
		return nil, errors.Wrapf(ErrUnknownStrategy, "strategy %d", cfg.Strategy)
	}
}
