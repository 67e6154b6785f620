package tcpconnection

import (
	"github.com/kaspanet/peerpool/infrastructure/logger"
	"github.com/kaspanet/peerpool/util/panics"
)

var log = logger.RegisterSubSystem("TCPC")
var spawn = panics.GoroutineWrapperFunc(log)
