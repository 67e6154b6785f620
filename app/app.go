package app

import (
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/kaspanet/peerpool/infrastructure/config"
	"github.com/kaspanet/peerpool/infrastructure/db/peerstore"
	"github.com/kaspanet/peerpool/infrastructure/logger"
	"github.com/kaspanet/peerpool/infrastructure/os/signal"
	"github.com/kaspanet/peerpool/util/panics"
	"github.com/kaspanet/peerpool/util/profiling"
	"github.com/kaspanet/peerpool/version"
)

type peerpoolApp struct {
	cfg *config.Config
}

// StartApp starts the peerpool app, and blocks until it finishes running
func StartApp() error {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Load configuration and parse command line. Log levels are set here,
	// log files are attached right after.
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	logger.InitLog(cfg.LogFile(), cfg.ErrLogFile())
	defer logger.BackendLog.Close()
	defer panics.HandlePanic(log, "MAIN", nil)

	app := &peerpoolApp{cfg: cfg}
	return app.main(nil)
}

func (app *peerpoolApp) main(startedChan chan<- struct{}) error {
	// Get a channel that will be closed when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// signal.ShutdownRequestChannel.
	interrupt := signal.InterruptListener()
	defer log.Info("Shutdown complete")

	// Show version at startup.
	log.Infof("Version %s", version.Version())

	var peerStore *peerstore.Store
	if !app.cfg.NoPeerStore {
		var err error
		peerStore, err = peerstore.Open(app.cfg.PeerStorePath())
		if err != nil {
			log.Errorf("Loading peer store failed: %+v", err)
			return err
		}
		defer func() {
			log.Infof("Gracefully shutting down the peer store...")
			err := peerStore.Close()
			if err != nil {
				log.Errorf("Failed to close the peer store: %s", err)
			}
		}()
	}

	// Return now if an interrupt signal was triggered.
	if signal.InterruptRequested(interrupt) {
		return nil
	}

	componentManager, err := NewComponentManager(app.cfg, peerStore)
	if err != nil {
		log.Errorf("Unable to start peerpool: %+v", err)
		return err
	}
	defer func() {
		log.Infof("Gracefully shutting down peerpool...")
		componentManager.Stop()
	}()

	componentManager.Start()

	// Enable http profiling server if requested.
	if app.cfg.Profile != "" {
		profiling.Start(app.cfg.Profile, log, map[string]http.Handler{
			"/debug/peers": newPeersHandler(componentManager.Server()),
		})
	}

	if startedChan != nil {
		startedChan <- struct{}{}
	}

	// Wait until the interrupt signal is received from an OS signal or
	// shutdown is requested through signal.ShutdownRequestChannel.
	<-interrupt
	return nil
}
