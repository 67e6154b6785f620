package tcpconnection

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"

	"github.com/kaspanet/peerpool/infrastructure/logger"
	"github.com/kaspanet/peerpool/infrastructure/network/p2pserver"
)

// Connection is a p2pserver.Connection over a TCP stream that completed
// the handshake.
type Connection struct {
	conn        net.Conn
	peerID      p2pserver.PeerID
	tag         string
	isOutbound  bool
	readTimeout time.Duration

	writeLock sync.Mutex
	isClosed  uint32
}

func newConnection(conn net.Conn, remote *handshake, cfg *Config, isOutbound bool) *Connection {
	return &Connection{
		conn:        conn,
		peerID:      remote.peerID,
		tag:         remote.tag,
		isOutbound:  isOutbound,
		readTimeout: cfg.readTimeout(),
	}
}

func (c *Connection) String() string {
	direction := "inbound"
	if c.isOutbound {
		direction = "outbound"
	}
	if c.tag != "" {
		return fmt.Sprintf("%s %s (%s)", direction, c.conn.RemoteAddr(), c.tag)
	}
	return fmt.Sprintf("%s %s", direction, c.conn.RemoteAddr())
}

// PeerID returns the peer id the remote announced in the handshake.
func (c *Connection) PeerID() p2pserver.PeerID {
	return c.peerID
}

// Tag returns the tag the remote announced, or an empty string.
func (c *Connection) Tag() string {
	return c.tag
}

// Address returns the remote address. Connections dialed through a proxy
// return the proxied address rather than the proxy's.
func (c *Connection) Address() net.Addr {
	return c.conn.RemoteAddr()
}

// IsOutbound returns whether we dialed this connection.
func (c *Connection) IsOutbound() bool {
	return c.isOutbound
}

// IsClosed returns whether the connection was closed, either by Close or
// by the remote side.
func (c *Connection) IsClosed() bool {
	return atomic.LoadUint32(&c.isClosed) != 0
}

// Close closes the underlying stream. Closing a closed connection does
// nothing.
func (c *Connection) Close() error {
	if !atomic.CompareAndSwapUint32(&c.isClosed, 0, 1) {
		return nil
	}
	return errors.WithStack(c.conn.Close())
}

// SendBytes writes data to the remote side in full.
func (c *Connection) SendBytes(data []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	log.Tracef("Sending %d bytes to %s: %s", len(data), c, logger.NewLogClosure(func() string {
		return spew.Sdump(data)
	}))
	_, err := c.conn.Write(data)
	if err != nil {
		return errors.Wrapf(err, "failed to write to %s", c)
	}
	return nil
}

// Receive reads whatever input arrives within the read timeout. It
// returns 0 and no error when nothing arrived. When the remote side closes
// the stream the connection is marked closed.
func (c *Connection) Receive(buf []byte) (int, error) {
	err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to set read deadline on %s", c)
	}

	n, err := c.conn.Read(buf)
	if n > 0 {
		// A read error alongside input shows up again on the next read.
		return n, nil
	}
	if err == nil {
		return 0, nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return 0, nil
	}
	if errors.Is(err, io.EOF) {
		log.Debugf("%s closed by remote", c)
		closeErr := c.Close()
		if closeErr != nil {
			log.Debugf("Error while closing %s: %s", c, closeErr)
		}
	}
	return 0, errors.Wrapf(err, "failed to read from %s", c)
}
