package p2pserver

import (
	"sync"

	"github.com/pkg/errors"
)

// defaultMaxPendingSends is how many SendBytes messages an inbox holds
// before refusing more.
const defaultMaxPendingSends = 1024

// inbox is a worker's private control message queue. Enqueue never blocks,
// and the owning worker drains it without blocking.
//
// Only SendBytes messages count against maxPendingSends. An exit message is
// always accepted, otherwise a worker stuck behind a slow peer could never be
// released.
type inbox struct {
	workerID        WorkerID
	maxPendingSends int
	messages        []controlMessage
	pendingSends    int
	// closed and lock protect us from enqueuing to an inbox whose worker is gone
	closed bool
	lock   sync.Mutex
}

func newInbox(workerID WorkerID) *inbox {
	return &inbox{workerID: workerID, maxPendingSends: defaultMaxPendingSends}
}

// enqueue appends message to the inbox.
func (i *inbox) enqueue(message controlMessage) error {
	i.lock.Lock()
	defer i.lock.Unlock()

	if i.closed {
		return errors.Wrapf(ErrChannelDelivery, "inbox of worker %d is closed", i.workerID)
	}
	if _, isSend := message.(sendBytesMessage); isSend {
		if i.pendingSends >= i.maxPendingSends {
			return errors.Wrapf(ErrChannelDelivery, "inbox of worker %d is full with %d sends pending", i.workerID, i.pendingSends)
		}
		i.pendingSends++
	}
	i.messages = append(i.messages, message)
	return nil
}

// length returns the number of queued messages.
func (i *inbox) length() int {
	i.lock.Lock()
	defer i.lock.Unlock()

	return len(i.messages)
}

// drain removes and returns every queued message in enqueue order.
func (i *inbox) drain() []controlMessage {
	i.lock.Lock()
	defer i.lock.Unlock()

	if len(i.messages) == 0 {
		return nil
	}
	messages := i.messages
	i.messages = nil
	i.pendingSends = 0
	return messages
}

func (i *inbox) close() {
	i.lock.Lock()
	defer i.lock.Unlock()

	i.closed = true
	i.messages = nil
	i.pendingSends = 0
}
