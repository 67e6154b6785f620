package p2pserver

import (
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestPeerCount(t *testing.T) {
	server := newTestServer(t, 8, nil)

	for i := 0; i < 5; i++ {
		server.addConnections(t, PeerID(100+i))
		if server.PeerCount() != i+1 {
			t.Fatalf("TestPeerCount: expected %d peers after adding, got %d", i+1, server.PeerCount())
		}
	}

	for i, peerID := range []PeerID{101, 103} {
		err := server.RemoveConnection(peerID)
		if err != nil {
			t.Fatalf("TestPeerCount: RemoveConnection(%d): %+v", peerID, err)
		}
		if server.PeerCount() != 4-i {
			t.Fatalf("TestPeerCount: expected %d peers after removing, got %d", 4-i, server.PeerCount())
		}
	}

	// Removing an already removed peer changes nothing
	err := server.RemoveConnection(101)
	if !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("TestPeerCount: expected ErrPeerNotFound, got %+v", err)
	}
	if server.PeerCount() != 3 {
		t.Fatalf("TestPeerCount: expected 3 peers, got %d", server.PeerCount())
	}
}

func TestAddConnectionDuplicatePeerID(t *testing.T) {
	server := startTestServer(t, 4, nil)
	original := server.addConnections(t, 7)[0]

	duplicate := newFakeConnection(7)
	err := server.AddConnection(duplicate)
	if !errors.Is(err, ErrDuplicatePeerID) {
		t.Fatalf("TestAddConnectionDuplicatePeerID: expected ErrDuplicatePeerID, got %+v", err)
	}

	require.Equal(t, 1, server.PeerCount())
	connection, err := server.Connection(7)
	require.NoError(t, err)
	require.Same(t, original, connection, "the existing registration must be kept")
	require.False(t, original.IsClosed())

	rejected := metricName(MetricConnectionsRejected, LabelReason.M("duplicate_peer_id"))
	require.Equal(t, 1.0, counter(server.sink, rejected))
}

func TestAddConnectionAssignsWorker(t *testing.T) {
	server := startTestServer(t, 3, nil)
	server.addConnections(t, 10, 11, 12)
	server.requireAssigned(t, 10, 11, 12)

	workers := make(map[WorkerID]PeerID)
	for _, peerID := range []PeerID{10, 11, 12} {
		workerID := server.workerOf(t, peerID)
		if other, ok := workers[workerID]; ok {
			t.Fatalf("TestAddConnectionAssignsWorker: worker %d services both %d and %d",
				workerID, other, peerID)
		}
		workers[workerID] = peerID
	}

	peerIDs, err := server.ConnectionIDs()
	require.NoError(t, err)
	sort.Slice(peerIDs, func(i, j int) bool { return peerIDs[i] < peerIDs[j] })
	require.Equal(t, []PeerID{10, 11, 12}, peerIDs)

	connections, err := server.Connections()
	require.NoError(t, err)
	require.Len(t, connections, 3)

	require.Equal(t, 3.0, counter(server.sink, metricName(MetricConnectionsAdded)))
}

func TestRemoveConnectionAbsentPeer(t *testing.T) {
	server := startTestServer(t, 2, nil)
	connection := server.addConnections(t, 2)[0]
	server.requireAssigned(t, 2)

	err := server.RemoveConnection(99)
	if !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("TestRemoveConnectionAbsentPeer: expected ErrPeerNotFound, got %+v", err)
	}

	require.Equal(t, 1, server.PeerCount())
	require.False(t, connection.IsClosed())
	require.True(t, server.isAssigned(2))
	isConnected, err := server.IsConnectedTo(2)
	require.NoError(t, err)
	require.True(t, isConnected)
}

func TestRemoveConnectionReleasesWorker(t *testing.T) {
	server := startTestServer(t, 1, nil)
	first := server.addConnections(t, 2)[0]
	server.requireAssigned(t, 2)

	err := server.RemoveConnection(2)
	if err != nil {
		t.Fatalf("TestRemoveConnectionReleasesWorker: RemoveConnection: %+v", err)
	}

	isConnected, err := server.IsConnectedTo(2)
	require.NoError(t, err)
	require.False(t, isConnected)
	_, err = server.Connection(2)
	if !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("TestRemoveConnectionReleasesWorker: expected ErrPeerNotFound, got %+v", err)
	}
	require.True(t, first.IsClosed())

	// The only worker must be free to service the next connection
	server.addConnections(t, 3)
	server.requireAssigned(t, 3)
	require.Equal(t, WorkerID(0), server.workerOf(t, 3))
}

func TestSendToPeer(t *testing.T) {
	server := newTestServer(t, 1, nil)
	connection := server.addConnections(t, 2)[0]

	// Nothing services peer 2 before the server starts
	err := server.SendToPeer(2, []byte("too early"))
	if !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("TestSendToPeer: expected ErrPeerNotFound for an unclaimed peer, got %+v", err)
	}
	err = server.SendToPeer(42, []byte("nobody"))
	if !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("TestSendToPeer: expected ErrPeerNotFound for an unknown peer, got %+v", err)
	}
	require.Empty(t, connection.sentMessages())

	server.start()
	t.Cleanup(server.Stop)
	server.requireAssigned(t, 2)

	buf := []byte("first")
	require.NoError(t, server.SendToPeer(2, buf))
	copy(buf, "XXXXX")
	require.NoError(t, server.SendToPeer(2, []byte("second")))
	require.NoError(t, server.SendToPeer(2, []byte{0, 1, 2, 0xff}))

	expected := [][]byte{[]byte("first"), []byte("second"), {0, 1, 2, 0xff}}
	require.Eventually(t, func() bool { return len(connection.sentMessages()) == len(expected) },
		testTimeout, testPollInterval)
	require.Equal(t, expected, connection.sentMessages())
	require.Equal(t, float64(len("first")+len("second")+4), counter(server.sink, metricName(MetricBytesSent)))
}

func TestStopWithoutConnections(t *testing.T) {
	server := startTestServer(t, 4, nil)
	server.stopAndWait(t)
	require.Equal(t, 0, server.PeerCount())

	// Stopping again is harmless
	server.Stop()
}

func TestStopWithMaxPeersConnected(t *testing.T) {
	server := startTestServer(t, 3, nil)
	connections := server.addConnections(t, 20, 21, 22)
	server.requireAssigned(t, 20, 21, 22)

	server.stopAndWait(t)

	require.Equal(t, 0, server.PeerCount())
	for _, connection := range connections {
		if !connection.IsClosed() {
			t.Fatalf("TestStopWithMaxPeersConnected: %s was not closed", connection)
		}
	}
}

func TestStopWithUnclaimedConnections(t *testing.T) {
	server := newTestServer(t, 2, nil)
	server.addConnections(t, 30, 31)
	server.start()
	server.stopAndWait(t)
	require.Equal(t, 0, server.PeerCount())
}

func TestStartTwice(t *testing.T) {
	server := startTestServer(t, 1, nil)
	require.Eventually(t, func() bool { return atomic.LoadUint32(&server.started) == 1 },
		testTimeout, testPollInterval)

	err := server.Start()
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("TestStartTwice: expected ErrAlreadyStarted, got %+v", err)
	}
	server.stopAndWait(t)
}

func TestStartAfterStop(t *testing.T) {
	server := newTestServer(t, 1, nil)
	server.Stop()
	err := server.Start()
	if err != nil {
		t.Fatalf("TestStartAfterStop: Start after Stop: %+v", err)
	}

	err = server.Start()
	if !errors.Is(err, ErrServerStopped) {
		t.Fatalf("TestStartAfterStop: expected ErrServerStopped, got %+v", err)
	}
	err = server.AddConnection(newFakeConnection(5))
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("TestStartAfterStop: expected ErrShuttingDown, got %+v", err)
	}
}

func TestStopRightAfterStart(t *testing.T) {
	for i := 0; i < 50; i++ {
		server := newTestServer(t, 3, nil)
		server.start()
		server.stopAndWait(t)
		require.Equal(t, 0, server.PeerCount())

		err := server.Start()
		if !errors.Is(err, ErrServerStopped) {
			t.Fatalf("TestStopRightAfterStart: expected ErrServerStopped, got %+v", err)
		}
	}
}

func TestStartThenStop(t *testing.T) {
	server := startTestServer(t, 2, nil)
	require.Eventually(t, func() bool {
		server.listenerLock.Lock()
		defer server.listenerLock.Unlock()
		return server.MultiThreadServer.listener != nil
	}, testTimeout, testPollInterval)
	server.stopAndWait(t)

	err := server.Start()
	if !errors.Is(err, ErrServerStopped) {
		t.Fatalf("TestStartThenStop: expected ErrServerStopped, got %+v", err)
	}
}

func TestAddConnectionAfterStop(t *testing.T) {
	server := startTestServer(t, 2, nil)
	server.stopAndWait(t)

	err := server.AddConnection(newFakeConnection(5))
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("TestAddConnectionAfterStop: expected ErrShuttingDown, got %+v", err)
	}
	require.Equal(t, 0, server.PeerCount())
}

func TestAcceptNewConnectionsAndSlotsAvailable(t *testing.T) {
	const maxPeers = 3
	server := newTestServer(t, maxPeers, nil)

	for i := 0; i <= maxPeers; i++ {
		count := server.PeerCount()
		require.Equal(t, count < maxPeers, server.AcceptNewConnections())
		require.Equal(t, maxPeers-count, server.SlotsAvailable())
		if i < maxPeers {
			server.addConnections(t, PeerID(50+i))
		}
	}

	err := server.AddConnection(newFakeConnection(99))
	if !errors.Is(err, ErrMaxPeersReached) {
		t.Fatalf("TestAcceptNewConnectionsAndSlotsAvailable: expected ErrMaxPeersReached, got %+v", err)
	}
	require.Equal(t, maxPeers, server.PeerCount())
	require.Equal(t, 0, server.SlotsAvailable())
}

func TestMaxPeersTwo(t *testing.T) {
	server := startTestServer(t, 2, nil)

	server.addConnections(t, 0xA, 0xB)
	require.Equal(t, 2, server.PeerCount())
	require.False(t, server.AcceptNewConnections())
	server.requireAssigned(t, 0xA, 0xB)
	workerOfA := server.workerOf(t, 0xA)

	require.NoError(t, server.RemoveConnection(0xA))
	require.Equal(t, 1, server.PeerCount())
	require.True(t, server.AcceptNewConnections())

	server.addConnections(t, 0xC)
	server.requireAssigned(t, 0xC)
	require.Equal(t, workerOfA, server.workerOf(t, 0xC))
	require.Equal(t, 2, server.PeerCount())
}

func TestRemoveConnectionCloseFailure(t *testing.T) {
	server := startTestServer(t, 1, nil)
	connection := newFakeConnection(2)
	connection.failClose = true
	require.NoError(t, server.AddConnection(connection))
	server.requireAssigned(t, 2)

	err := server.RemoveConnection(2)
	if !errors.Is(err, ErrConnectionCloseFailure) {
		t.Fatalf("TestRemoveConnectionCloseFailure: expected ErrConnectionCloseFailure, got %+v", err)
	}

	isConnected, err := server.IsConnectedTo(2)
	require.NoError(t, err)
	require.False(t, isConnected)
	require.Equal(t, 1.0, counter(server.sink, metricName(MetricCloseErrorCount)))

	server.addConnections(t, 3)
	server.requireAssigned(t, 3)
}

func TestConnectionClosedByPeer(t *testing.T) {
	server := startTestServer(t, 1, nil)
	connection := server.addConnections(t, 2)[0]
	server.requireAssigned(t, 2)

	connection.failReads(io.EOF)
	require.Eventually(t, func() bool { return server.PeerCount() == 0 && !server.isAssigned(2) },
		testTimeout, testPollInterval)
	require.True(t, connection.IsClosed())
	require.Equal(t, 1.0, counter(server.sink, metricName(MetricReceiveErrorCount)))

	server.addConnections(t, 3)
	server.requireAssigned(t, 3)
}

func TestIncomingHandler(t *testing.T) {
	type received struct {
		peerID PeerID
		data   string
	}
	receivedChan := make(chan received, 4)
	handler := IncomingHandlerFunc(func(connection Connection, data []byte) error {
		if string(data) == "bye" {
			return errors.New("peer said bye")
		}
		receivedChan <- received{peerID: connection.PeerID(), data: string(data)}
		return nil
	})

	server := startTestServer(t, 1, handler)
	connection := server.addConnections(t, 2)[0]
	server.requireAssigned(t, 2)

	connection.deliver([]byte("ping"))
	select {
	case r := <-receivedChan:
		require.Equal(t, received{peerID: 2, data: "ping"}, r)
	case <-time.After(testTimeout):
		t.Fatalf("TestIncomingHandler: the handler never received the input")
	}

	connection.deliver([]byte("bye"))
	require.Eventually(t, func() bool { return server.PeerCount() == 0 }, testTimeout, testPollInterval)
	require.True(t, connection.IsClosed())
	require.Equal(t, float64(len("ping")+len("bye")), counter(server.sink, metricName(MetricBytesReceived)))
}

func TestListenerAdmitsConnections(t *testing.T) {
	server := startTestServer(t, 1, nil)

	first := newFakeConnection(2)
	server.listener.offer(t, first)
	require.Eventually(t, func() bool {
		isConnected, err := server.IsConnectedTo(2)
		return err == nil && isConnected
	}, testTimeout, testPollInterval)

	second := newFakeConnection(3)
	server.listener.offer(t, second)
	require.Eventually(t, second.IsClosed, testTimeout, testPollInterval)
	require.False(t, first.IsClosed())

	rejected := metricName(MetricConnectionsRejected, LabelReason.M("max_peers"))
	require.Equal(t, 1.0, counter(server.sink, rejected))
	server.stopAndWait(t)
}

func TestListenerFailureStopsServer(t *testing.T) {
	server := newTestServer(t, 2, nil)
	require.NoError(t, server.listener.Close())
	server.start()

	select {
	case err := <-server.startErr:
		if !errors.Is(err, net.ErrClosed) {
			t.Fatalf("TestListenerFailureStopsServer: expected net.ErrClosed, got %+v", err)
		}
	case <-time.After(testTimeout):
		t.Fatalf("TestListenerFailureStopsServer: Start did not return")
	}
	require.True(t, server.isStopping())
}

func TestIsConnectedTo(t *testing.T) {
	server := newTestServer(t, 2, nil)

	isConnected, err := server.IsConnectedTo(server.PeerID())
	require.NoError(t, err)
	require.True(t, isConnected, "our own peer id always counts as connected")

	connection := server.addConnections(t, 2)[0]
	isConnected, err = server.IsConnectedTo(2)
	require.NoError(t, err)
	require.True(t, isConnected)

	isConnected, err = server.IsConnectedToAddress(connection.Address())
	require.NoError(t, err)
	require.True(t, isConnected)

	isConnected, err = server.IsConnectedToAddress(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1})
	require.NoError(t, err)
	require.False(t, isConnected)

	isConnected, err = server.IsConnectedToAddress(nil)
	require.NoError(t, err)
	require.False(t, isConnected)
}

func TestStaleControlMessagesAreDropped(t *testing.T) {
	server := newTestServer(t, 1, nil)
	connection := newFakeConnection(2)
	current := &registration{connection: connection, sequence: 2}
	workerInbox := newInbox(0)

	require.NoError(t, workerInbox.enqueue(exitMessage{sequence: 1}))
	require.NoError(t, workerInbox.enqueue(sendBytesMessage{sequence: 1, data: []byte("old")}))
	require.NoError(t, workerInbox.enqueue(sendBytesMessage{sequence: 2, data: []byte("new")}))

	if server.handleControlMessages(workerInbox, current) {
		t.Fatalf("TestStaleControlMessagesAreDropped: an exit for an earlier registration was obeyed")
	}
	require.Equal(t, [][]byte{[]byte("new")}, connection.sentMessages())

	require.NoError(t, workerInbox.enqueue(exitMessage{sequence: 2}))
	if !server.handleControlMessages(workerInbox, current) {
		t.Fatalf("TestStaleControlMessagesAreDropped: exit for the current registration was ignored")
	}
}

func TestSendFailureDoesNotStopProcessing(t *testing.T) {
	server := newTestServer(t, 1, nil)
	connection := newFakeConnection(2)
	reg := &registration{connection: connection, sequence: 1}
	workerInbox := newInbox(0)

	atomic.StoreUint32(&connection.closed, 1)
	require.NoError(t, workerInbox.enqueue(sendBytesMessage{sequence: 1, data: []byte("a")}))
	require.NoError(t, workerInbox.enqueue(sendBytesMessage{sequence: 1, data: []byte("b")}))
	require.NoError(t, workerInbox.enqueue(exitMessage{sequence: 1}))

	require.True(t, server.handleControlMessages(workerInbox, reg))
	require.Empty(t, connection.sentMessages())
	require.Equal(t, 2.0, counter(server.sink, metricName(MetricSendErrorCount)))
}

func TestSendToPeerFullInbox(t *testing.T) {
	// No worker runs, so nothing drains the inbox
	server := newTestServer(t, 1, nil)
	workerInbox := newInbox(0)
	workerInbox.maxPendingSends = 1
	require.NoError(t, server.workerChannels.register(0, workerInbox))
	require.NoError(t, server.assignments.assign(7, assignment{workerID: 0, sequence: 1}))

	require.NoError(t, server.SendToPeer(7, []byte("first")))
	err := server.SendToPeer(7, []byte("second"))
	if !errors.Is(err, ErrChannelDelivery) {
		t.Fatalf("TestSendToPeerFullInbox: expected ErrChannelDelivery, got %+v", err)
	}
	require.Equal(t, 1.0, counter(server.sink, metricName(MetricSendRejectedCount, workerLabel(0))))
	require.Equal(t, 1, workerInbox.length())
}

func TestStopDuringConcurrentActivity(t *testing.T) {
	const (
		maxPeers  = 4
		clients   = 8
		addsFirst = 20
	)
	server := startTestServer(t, maxPeers, IncomingHandlerFunc(func(Connection, []byte) error { return nil }))

	var addedLock sync.Mutex
	var added []*fakeConnection
	var addCount int32
	done := make(chan struct{})

	var wg sync.WaitGroup
	for client := 0; client < clients; client++ {
		client := client
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lingering PeerID
			for i := 0; ; i++ {
				select {
				case <-done:
					return
				default:
				}
				if lingering != 0 {
					err := server.RemoveConnection(lingering)
					if err != nil && !errors.Is(err, ErrPeerNotFound) {
						t.Errorf("TestStopDuringConcurrentActivity: RemoveConnection: %+v", err)
					}
					lingering = 0
				}

				peerID := PeerID(1000 + client + i*clients)
				connection := newFakeConnection(peerID)
				err := server.AddConnection(connection)
				if err != nil {
					if !errors.Is(err, ErrMaxPeersReached) && !errors.Is(err, ErrShuttingDown) {
						t.Errorf("TestStopDuringConcurrentActivity: AddConnection: %+v", err)
					}
					continue
				}
				atomic.AddInt32(&addCount, 1)
				addedLock.Lock()
				added = append(added, connection)
				addedLock.Unlock()

				err = server.SendToPeer(peerID, []byte("ping"))
				if err != nil && !errors.Is(err, ErrPeerNotFound) && !errors.Is(err, ErrChannelDelivery) {
					t.Errorf("TestStopDuringConcurrentActivity: SendToPeer: %+v", err)
				}
				switch i % 3 {
				case 0:
					err := server.RemoveConnection(peerID)
					if err != nil && !errors.Is(err, ErrPeerNotFound) {
						t.Errorf("TestStopDuringConcurrentActivity: RemoveConnection: %+v", err)
					}
				case 1:
					// The transport ends on its own
					_ = connection.Close()
				default:
					lingering = peerID
				}
			}
		}()
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&addCount) >= addsFirst },
		testTimeout, time.Millisecond)
	server.stopAndWait(t)
	close(done)
	wg.Wait()

	require.Equal(t, 0, server.PeerCount())
	addedLock.Lock()
	defer addedLock.Unlock()
	for _, connection := range added {
		if !connection.IsClosed() {
			t.Fatalf("TestStopDuringConcurrentActivity: %s was left open", connection)
		}
	}
	err := server.AddConnection(newFakeConnection(5))
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("TestStopDuringConcurrentActivity: expected ErrShuttingDown, got %+v", err)
	}
}

func TestRemoveConnectionOfExitedWorker(t *testing.T) {
	server := newTestServer(t, 1, nil)
	reg, err := server.registry.add(newFakeConnection(7))
	require.NoError(t, err)

	// The worker that claimed the peer is gone and its inbox closed
	workerInbox := newInbox(0)
	require.NoError(t, server.workerChannels.register(0, workerInbox))
	require.NoError(t, server.assignments.assign(7, assignment{workerID: 0, sequence: reg.sequence}))
	workerInbox.close()

	err = server.RemoveConnection(7)
	if err != nil {
		t.Fatalf("TestRemoveConnectionOfExitedWorker: RemoveConnection: %+v", err)
	}
	require.True(t, reg.connection.IsClosed())
	require.False(t, server.isAssigned(7))
	require.Equal(t, 0, server.PeerCount())
}
