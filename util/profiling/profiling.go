package profiling

import (
	"net"
	"net/http"

	// Required for profiling
	_ "net/http/pprof"

	"github.com/kaspanet/peerpool/infrastructure/logger"
	"github.com/kaspanet/peerpool/util/panics"
)

// Start starts the profiling server on port. handlers are served next to
// the pprof endpoints, keyed by path.
func Start(port string, log *logger.Logger, handlers map[string]http.Handler) {
	spawn := panics.GoroutineWrapperFunc(log)
	spawn("profiling.Start", func() {
		listenAddr := net.JoinHostPort("", port)
		log.Infof("Profile server listening on %s", listenAddr)
		profileRedirect := http.RedirectHandler("/debug/pprof", http.StatusSeeOther)
		http.Handle("/", profileRedirect)
		for path, handler := range handlers {
			http.Handle(path, handler)
		}
		log.Error(http.ListenAndServe(listenAddr, nil))
	})
}
