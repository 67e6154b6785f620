package p2pserver

import (
	"github.com/kaspanet/peerpool/infrastructure/logger"
)

var log = logger.RegisterSubSystem("P2PS")
