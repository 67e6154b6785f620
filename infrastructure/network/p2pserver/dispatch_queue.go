package p2pserver

import (
	"sync"

	"github.com/pkg/errors"
)

// dispatchQueue is the FIFO shared by every worker of a pool. Enqueue never
// blocks. Dequeue blocks until an event is available, and each event is
// handed to exactly one of the competing workers.
type dispatchQueue struct {
	guard    *guard
	notEmpty *sync.Cond
	events   []dispatchEvent
	closed   bool
}

func newDispatchQueue() *dispatchQueue {
	queueGuard := newGuard("dispatch queue")
	return &dispatchQueue{guard: queueGuard, notEmpty: queueGuard.newCond()}
}

func (q *dispatchQueue) enqueue(events ...dispatchEvent) error {
	isClosed := false
	err := q.guard.do("enqueue dispatch event", func() {
		if q.closed {
			isClosed = true
			return
		}
		q.events = append(q.events, events...)
		q.notEmpty.Broadcast()
	})
	if err != nil {
		return err
	}
	if isClosed {
		return errors.Wrap(ErrChannelDelivery, "dispatch queue is closed")
	}
	return nil
}

// dequeue blocks until an event is available or the queue is closed.
func (q *dispatchQueue) dequeue() (dispatchEvent, error) {
	var event dispatchEvent
	err := q.guard.do("dequeue dispatch event", func() {
		for len(q.events) == 0 && !q.closed {
			q.notEmpty.Wait()
		}
		if len(q.events) == 0 {
			return
		}
		event = q.events[0]
		q.events[0] = nil
		q.events = q.events[1:]
	})
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, errors.Wrap(ErrChannelDelivery, "dispatch queue is closed")
	}
	return event, nil
}

func (q *dispatchQueue) length() (length int, err error) {
	err = q.guard.do("dispatch queue length", func() {
		length = len(q.events)
	})
	return length, err
}

// close wakes every blocked dequeue and makes later enqueues fail. Events
// still queued are discarded.
func (q *dispatchQueue) close() error {
	return q.guard.do("close dispatch queue", func() {
		q.closed = true
		q.events = nil
		q.notEmpty.Broadcast()
	})
}
