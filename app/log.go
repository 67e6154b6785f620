package app

import (
	"github.com/kaspanet/peerpool/infrastructure/logger"
	"github.com/kaspanet/peerpool/util/panics"
)

var log = logger.RegisterSubSystem("PPOL")
var spawn = panics.GoroutineWrapperFunc(log)
