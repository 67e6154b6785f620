package tcpconnection

import (
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/kaspanet/peerpool/infrastructure/network/p2pserver"
)

// MaxPendingHandshakes is how many inbound handshakes a Listener runs at
// once. Connections arriving while that many are pending are closed.
const MaxPendingHandshakes = 64

type acceptResult struct {
	connection *Connection
	err        error
}

// Listener accepts TCP connections and handshakes with each of them on its
// own goroutine, so a slow or silent client doesn't hold up anyone else.
type Listener struct {
	netListener net.Listener
	cfg         *Config

	results chan acceptResult
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error

	pendingLock sync.Mutex
	// pending is nil once the listener is closed
	pending map[net.Conn]struct{}
}

// Listen returns a p2pserver.ListenFunc that binds a TCP Listener.
func Listen(cfg *Config) p2pserver.ListenFunc {
	return func(bindAddress string) (p2pserver.Listener, error) {
		netListener, err := net.Listen("tcp", bindAddress)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to listen on %s", bindAddress)
		}
		l := &Listener{
			netListener: netListener,
			cfg:         cfg,
			results:     make(chan acceptResult),
			done:        make(chan struct{}),
			pending:     make(map[net.Conn]struct{}),
		}
		spawn("Listener.acceptLoop", l.acceptLoop)
		return l, nil
	}
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.netListener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if !l.deliver(acceptResult{err: errors.WithStack(err)}) {
				return
			}
			continue
		}

		if !l.addPending(conn) {
			closeQuietly(conn)
			continue
		}
		spawn("Listener.handshake", func() {
			l.handshake(conn)
		})
	}
}

func (l *Listener) handshake(conn net.Conn) {
	remote, err := performHandshake(conn, l.cfg)
	isOpen := l.removePending(conn)
	if err != nil {
		if isOpen {
			log.Warnf("Handshake with %s failed: %s", conn.RemoteAddr(), err)
		}
		closeQuietly(conn)
		return
	}
	if !isOpen {
		closeQuietly(conn)
		return
	}

	connection := newConnection(conn, remote, l.cfg, false)
	if !l.deliver(acceptResult{connection: connection}) {
		_ = connection.Close()
	}
}

// deliver hands result to Accept. It returns false if the listener was
// closed first.
func (l *Listener) deliver(result acceptResult) bool {
	select {
	case l.results <- result:
		return true
	case <-l.done:
		return false
	}
}

// addPending tracks conn until its handshake ends. It returns false if the
// listener is closed or already runs MaxPendingHandshakes handshakes.
func (l *Listener) addPending(conn net.Conn) bool {
	l.pendingLock.Lock()
	defer l.pendingLock.Unlock()

	if l.pending == nil {
		return false
	}
	if len(l.pending) >= MaxPendingHandshakes {
		log.Warnf("Dropping %s: %d handshakes are already pending", conn.RemoteAddr(), len(l.pending))
		return false
	}
	l.pending[conn] = struct{}{}
	return true
}

// removePending stops tracking conn and returns whether the listener is
// still open.
func (l *Listener) removePending(conn net.Conn) bool {
	l.pendingLock.Lock()
	defer l.pendingLock.Unlock()

	if l.pending == nil {
		return false
	}
	delete(l.pending, conn)
	return true
}

func (l *Listener) pendingCount() int {
	l.pendingLock.Lock()
	defer l.pendingLock.Unlock()

	return len(l.pending)
}

// Accept waits for the next connection that completes the handshake.
// Connections that fail the handshake are closed and skipped. Once the
// listener is closed, Accept returns an error matching net.ErrClosed.
func (l *Listener) Accept() (p2pserver.Connection, error) {
	select {
	case result := <-l.results:
		if result.err != nil {
			return nil, result.err
		}
		return result.connection, nil
	case <-l.done:
		return nil, errors.WithStack(net.ErrClosed)
	}
}

// Close stops the listener and closes every connection still handshaking.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.closeErr = errors.WithStack(l.netListener.Close())

		l.pendingLock.Lock()
		pending := l.pending
		l.pending = nil
		l.pendingLock.Unlock()

		for conn := range pending {
			closeQuietly(conn)
		}
	})
	return l.closeErr
}

// Addr returns the address the listener is bound to.
func (l *Listener) Addr() net.Addr {
	return l.netListener.Addr()
}

func closeQuietly(conn net.Conn) {
	err := conn.Close()
	if err != nil {
		log.Debugf("Error while closing %s: %s", conn.RemoteAddr(), err)
	}
}
