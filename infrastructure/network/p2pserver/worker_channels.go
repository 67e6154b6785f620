package p2pserver

// workerChannelTable maps a worker id to its control inbox. Every worker
// registers its inbox once, before it first waits for work.
type workerChannelTable struct {
	guard   *guard
	inboxes map[WorkerID]*inbox
}

func newWorkerChannelTable(maxPeers int) *workerChannelTable {
	return &workerChannelTable{
		guard:   newGuard("worker channels"),
		inboxes: make(map[WorkerID]*inbox, maxPeers),
	}
}

func (t *workerChannelTable) register(workerID WorkerID, workerInbox *inbox) error {
	return t.guard.do("register worker channel", func() {
		t.inboxes[workerID] = workerInbox
	})
}

func (t *workerChannelTable) get(workerID WorkerID) (workerInbox *inbox, ok bool, err error) {
	err = t.guard.do("get worker channel", func() {
		workerInbox, ok = t.inboxes[workerID]
	})
	return workerInbox, ok, err
}

// closeAll closes every registered inbox. Used once the pool has exited.
func (t *workerChannelTable) closeAll() error {
	var inboxes []*inbox
	err := t.guard.do("close worker channels", func() {
		inboxes = make([]*inbox, 0, len(t.inboxes))
		for _, workerInbox := range t.inboxes {
			inboxes = append(inboxes, workerInbox)
		}
	})
	if err != nil {
		return err
	}
	for _, workerInbox := range inboxes {
		workerInbox.close()
	}
	return nil
}
