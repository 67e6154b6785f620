package logger

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// BackendLog is the logging backend used to create all subsystem loggers.
var BackendLog = NewBackend()

var (
	subsystemLoggers     = make(map[string]*Logger)
	subsystemLoggersLock sync.Mutex
)

// RegisterSubSystem returns the logger of the given subsystem, creating it on
// BackendLog if it doesn't exist yet.
func RegisterSubSystem(subsystem string) *Logger {
	subsystemLoggersLock.Lock()
	defer subsystemLoggersLock.Unlock()

	logger, exists := subsystemLoggers[subsystem]
	if !exists {
		logger = BackendLog.Logger(subsystem)
		subsystemLoggers[subsystem] = logger
	}
	return logger
}

// Get returns the logger of the given subsystem, if it was registered.
func Get(subsystem string) (logger *Logger, ok bool) {
	subsystemLoggersLock.Lock()
	defer subsystemLoggersLock.Unlock()

	logger, ok = subsystemLoggers[subsystem]
	return logger, ok
}

// InitLog attaches log file and error log file to the backend log,
// mirrors everything to stdout and starts the backend.
func InitLog(logFile, errLogFile string) {
	err := BackendLog.AddLogFile(logFile, LevelTrace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error adding log file %s as log rotator for level %s: %s", logFile, LevelTrace, err)
		os.Exit(1)
	}
	err = BackendLog.AddLogFile(errLogFile, LevelWarn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error adding log file %s as log rotator for level %s: %s", errLogFile, LevelWarn, err)
		os.Exit(1)
	}
	err = BackendLog.AddLogWriter(os.Stdout, LevelInfo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error adding stdout to the loggerfor level %s: %s", LevelInfo, err)
		os.Exit(1)
	}
	err = BackendLog.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting the logger: %s ", err)
		os.Exit(1)
	}
}

// SetLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored.
func SetLogLevel(subsystemID string, logLevel string) {
	logger, ok := Get(subsystemID)
	if !ok {
		return
	}
	level, _ := LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all subsystem loggers to the passed
// level.
func SetLogLevels(logLevel string) {
	for _, subsystemID := range SupportedSubsystems() {
		SetLogLevel(subsystemID, logLevel)
	}
}

// SupportedSubsystems returns a sorted slice of the registered subsystems.
func SupportedSubsystems() []string {
	subsystemLoggersLock.Lock()
	defer subsystemLoggersLock.Unlock()

	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsystemID := range subsystemLoggers {
		subsystems = append(subsystems, subsystemID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// ParseAndSetLogLevels attempts to parse the specified debug level and set
// the levels accordingly. An appropriate error is returned if anything is
// invalid. The accepted forms are a single level for every subsystem, or a
// comma separated list of <subsystem>=<level> pairs. A bare level inside the
// list applies to every subsystem first.
func ParseAndSetLogLevels(debugLevel string) error {
	if !strings.Contains(debugLevel, "=") {
		if _, err := ParseLevel(debugLevel); err != nil {
			return err
		}
		SetLogLevels(debugLevel)
		return nil
	}

	levelPairs := strings.Split(debugLevel, ",")
	for _, logLevelPair := range levelPairs {
		if !strings.Contains(logLevelPair, "=") {
			if _, err := ParseLevel(logLevelPair); err != nil {
				return err
			}
			SetLogLevels(logLevelPair)
			continue
		}

		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			return errors.Errorf("the specified debug level has an invalid format [%s] -- use "+
				"format <subsystem>=<level>,<subsystem2>=<level2>,...", logLevelPair)
		}
		subsystemID, logLevel := fields[0], fields[1]

		if _, exists := Get(subsystemID); !exists {
			return errors.Errorf("the specified subsystem [%s] is invalid -- "+
				"supported subsystems %s", subsystemID, strings.Join(SupportedSubsystems(), ", "))
		}
		if _, err := ParseLevel(logLevel); err != nil {
			return err
		}
		SetLogLevel(subsystemID, logLevel)
	}
	return nil
}
