package app

import (
	"github.com/davecgh/go-spew/spew"

	"github.com/kaspanet/peerpool/infrastructure/logger"
	"github.com/kaspanet/peerpool/infrastructure/network/p2pserver"
)

// newIncomingHandler returns the handler peer input is delivered to. It
// only logs what it receives.
func newIncomingHandler() p2pserver.IncomingHandler {
	return p2pserver.IncomingHandlerFunc(func(connection p2pserver.Connection, data []byte) error {
		log.Debugf("Received %d bytes from %s", len(data), connection)
		log.Tracef("%s", logger.NewLogClosure(func() string {
			return spew.Sdump(data)
		}))
		return nil
	})
}
