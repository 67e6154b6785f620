package p2pserver

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout      = 5 * time.Second
	testPollInterval = 5 * time.Millisecond
	fakeReadBound    = 2 * time.Millisecond
)

var errFakeClose = errors.New("fake close failure")

// fakeConnection is an in-memory Connection. Input pushed with deliver is
// returned by Receive, and everything written with SendBytes is recorded.
type fakeConnection struct {
	peerID  PeerID
	address net.Addr

	closed    uint32
	failClose bool

	input chan []byte
	// readError, if set, is returned by the next Receive
	readError atomic.Value

	sentLock sync.Mutex
	sent     [][]byte
}

func newFakeConnection(peerID PeerID) *fakeConnection {
	return &fakeConnection{
		peerID:  peerID,
		address: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10000 + int(peerID)},
		input:   make(chan []byte, 16),
	}
}

func (c *fakeConnection) String() string {
	return fmt.Sprintf("fake connection %d", c.peerID)
}

func (c *fakeConnection) PeerID() PeerID {
	return c.peerID
}

func (c *fakeConnection) Address() net.Addr {
	return c.address
}

func (c *fakeConnection) IsClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

func (c *fakeConnection) Close() error {
	atomic.StoreUint32(&c.closed, 1)
	if c.failClose {
		return errFakeClose
	}
	return nil
}

func (c *fakeConnection) SendBytes(data []byte) error {
	if c.IsClosed() {
		return errors.New("send on a closed fake connection")
	}
	c.sentLock.Lock()
	defer c.sentLock.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConnection) Receive(buf []byte) (int, error) {
	if err, ok := c.readError.Load().(error); ok {
		return 0, err
	}
	select {
	case data := <-c.input:
		return copy(buf, data), nil
	case <-time.After(fakeReadBound):
		return 0, nil
	}
}

func (c *fakeConnection) deliver(data []byte) {
	c.input <- data
}

func (c *fakeConnection) failReads(err error) {
	c.readError.Store(err)
}

func (c *fakeConnection) sentMessages() [][]byte {
	c.sentLock.Lock()
	defer c.sentLock.Unlock()
	messages := make([][]byte, len(c.sent))
	copy(messages, c.sent)
	return messages
}

// fakeListener yields the connections pushed into it with offer.
type fakeListener struct {
	connections chan Connection
	done        chan struct{}
	closeOnce   sync.Once
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		connections: make(chan Connection),
		done:        make(chan struct{}),
	}
}

func (l *fakeListener) Accept() (Connection, error) {
	select {
	case connection := <-l.connections:
		return connection, nil
	case <-l.done:
		return nil, errors.WithStack(net.ErrClosed)
	}
}

func (l *fakeListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	return nil
}

func (l *fakeListener) offer(t *testing.T, connection Connection) {
	select {
	case l.connections <- connection:
	case <-time.After(testTimeout):
		t.Fatalf("timed out offering %s to the listener", connection)
	}
}

func (l *fakeListener) listenFunc() ListenFunc {
	return func(string) (Listener, error) {
		return l, nil
	}
}

type testServer struct {
	*MultiThreadServer
	listener *fakeListener
	sink     *metrics.InmemSink
	startErr chan error
}

// newTestServer builds a server over a fake listener without starting it.
func newTestServer(t *testing.T, maxPeers int, handler IncomingHandler) *testServer {
	listener := newFakeListener()
	sink := metrics.NewInmemSink(time.Second, time.Minute)
	server, err := NewMultiThreadServer(&Config{
		PeerID:          1,
		Tag:             "test",
		MaxPeers:        maxPeers,
		BindAddress:     "127.0.0.1:0",
		Listen:          listener.listenFunc(),
		IncomingHandler: handler,
		MetricSink:      sink,
	})
	if err != nil {
		t.Fatalf("NewMultiThreadServer: %+v", err)
	}
	return &testServer{
		MultiThreadServer: server,
		listener:          listener,
		sink:              sink,
		startErr:          make(chan error, 1),
	}
}

// startTestServer builds a server and runs Start in the background.
func startTestServer(t *testing.T, maxPeers int, handler IncomingHandler) *testServer {
	server := newTestServer(t, maxPeers, handler)
	server.start()
	t.Cleanup(server.Stop)
	return server
}

func (s *testServer) start() {
	go func() {
		s.startErr <- s.Start()
	}()
}

// stopAndWait stops the server and waits for Start to return.
func (s *testServer) stopAndWait(t *testing.T) {
	s.Stop()
	select {
	case err := <-s.startErr:
		if err != nil {
			t.Fatalf("Start returned an error: %+v", err)
		}
	case <-time.After(testTimeout):
		t.Fatalf("Start did not return after Stop")
	}
}

func (s *testServer) isAssigned(peerID PeerID) bool {
	_, ok, err := s.assignments.lookup(peerID)
	return err == nil && ok
}

func (s *testServer) requireAssigned(t *testing.T, peerIDs ...PeerID) {
	for _, peerID := range peerIDs {
		peerID := peerID
		require.Eventually(t, func() bool { return s.isAssigned(peerID) }, testTimeout, testPollInterval,
			"peer %d was never claimed by a worker", peerID)
	}
}

func (s *testServer) workerOf(t *testing.T, peerID PeerID) WorkerID {
	a, ok, err := s.assignments.lookup(peerID)
	require.NoError(t, err)
	require.True(t, ok, "peer %d has no worker", peerID)
	return a.workerID
}

func (s *testServer) addConnections(t *testing.T, peerIDs ...PeerID) []*fakeConnection {
	connections := make([]*fakeConnection, 0, len(peerIDs))
	for _, peerID := range peerIDs {
		connection := newFakeConnection(peerID)
		err := s.AddConnection(connection)
		if err != nil {
			t.Fatalf("AddConnection(%d): %+v", peerID, err)
		}
		connections = append(connections, connection)
	}
	return connections
}

// counter sums a counter over every retained interval of sink.
func counter(sink *metrics.InmemSink, name string) float64 {
	sum := 0.0
	for _, interval := range sink.Data() {
		if value, ok := interval.Counters[name]; ok {
			sum += value.Sum
		}
	}
	return sum
}

func metricName(key []string, labels ...metrics.Label) string {
	name := strings.Join(key, ".")
	for _, label := range labels {
		name += fmt.Sprintf(";%s=%s", label.Name, label.Value)
	}
	return name
}
