package peerstore

import (
	"github.com/kaspanet/peerpool/infrastructure/logger"
)

var log = logger.RegisterSubSystem("PSTR")
