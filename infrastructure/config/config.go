// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/go-socks/socks"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	"github.com/kaspanet/peerpool/infrastructure/logger"
	"github.com/kaspanet/peerpool/infrastructure/network/p2pserver"
	"github.com/kaspanet/peerpool/infrastructure/network/tcpconnection"
	"github.com/kaspanet/peerpool/util/network"
	"github.com/kaspanet/peerpool/util/random"
	"github.com/kaspanet/peerpool/version"
)

const (
	defaultConfigFilename = "peerpool.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "peerpool.log"
	defaultErrLogFilename = "peerpool_err.log"
	defaultPeerStoreName  = "peers"
	defaultPort           = "17711"
	defaultMaxPeers       = 8
)

var (
	// DefaultAppDir is the default home directory for peerpool.
	DefaultAppDir = btcutil.AppDataDir("peerpool", false)

	defaultConfigFile = filepath.Join(DefaultAppDir, defaultConfigFilename)
	defaultListen     = net.JoinHostPort("0.0.0.0", defaultPort)
)

// Flags defines the configuration options for peerpool.
//
// See loadConfig for details on the configuration load process.
type Flags struct {
	ShowVersion      bool          `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile       string        `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDir           string        `short:"b" long:"appdir" description:"Directory to store data"`
	LogDir           string        `long:"logdir" description:"Directory to log output."`
	DebugLevel       string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	Listen           string        `long:"listen" description:"Interface/port to listen for connections (default all interfaces port: 17711)"`
	MaxPeers         int           `long:"maxpeers" description:"Max number of peers, which is also the number of workers"`
	Tag              string        `long:"tag" description:"Short name announced to peers (at most 16 bytes)"`
	PeerID           uint64        `long:"peerid" description:"Peer id announced to peers -- 0 picks a random one"`
	ConnectPeers     []string      `long:"connect" description:"Connect to the specified peers at startup"`
	Proxy            string        `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser        string        `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass        string        `long:"proxypass" default-mask:"-" description:"Password for proxy server"`
	TorIsolation     bool          `long:"torisolation" description:"Enable Tor stream isolation by randomizing user credentials for each connection."`
	ReadTimeout      time.Duration `long:"readtimeout" description:"How long a worker waits for peer input before checking its inbox again"`
	HandshakeTimeout time.Duration `long:"handshaketimeout" description:"Timeout for dialing and handshaking with a peer"`
	NoPeerStore      bool          `long:"nopeerstore" description:"Do not remember peers across restarts"`
	Profile          string        `long:"profile" description:"Enable HTTP profiling on given port -- NOTE port must be between 1024 and 65535"`
}

// Config defines the configuration options for peerpool.
//
// See loadConfig for details on the configuration load process.
type Config struct {
	*Flags

	// SocksProxy is set when outbound connections go through --proxy.
	SocksProxy *socks.Proxy
}

// LogFile returns the path of the main log file.
func (cfg *Config) LogFile() string {
	return filepath.Join(cfg.LogDir, defaultLogFilename)
}

// ErrLogFile returns the path of the error log file.
func (cfg *Config) ErrLogFile() string {
	return filepath.Join(cfg.LogDir, defaultErrLogFilename)
}

// PeerStorePath returns the path of the peer store database.
func (cfg *Config) PeerStorePath() string {
	return filepath.Join(cfg.AppDir, defaultPeerStoreName)
}

// TCPConfig returns the transport configuration matching cfg.
func (cfg *Config) TCPConfig() *tcpconnection.Config {
	return &tcpconnection.Config{
		PeerID:           p2pserver.PeerID(cfg.PeerID),
		Tag:              cfg.Tag,
		ReadTimeout:      cfg.ReadTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Proxy:            cfg.SocksProxy,
	}
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(DefaultAppDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

func defaultFlags() *Flags {
	return &Flags{
		ConfigFile:       defaultConfigFile,
		AppDir:           DefaultAppDir,
		DebugLevel:       defaultLogLevel,
		Listen:           defaultListen,
		MaxPeers:         defaultMaxPeers,
		ReadTimeout:      tcpconnection.DefaultReadTimeout,
		HandshakeTimeout: tcpconnection.DefaultHandshakeTimeout,
	}
}

// LoadConfig loads the configuration from the config file and the command
// line. It exits the process after --version or --debuglevel=show.
func LoadConfig() (*Config, error) {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		return nil, err
	}

	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if cfg.ShowVersion {
		fmt.Println(appName, "version", version.Version())
		os.Exit(0)
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", logger.SupportedSubsystems())
		os.Exit(0)
	}
	return cfg, nil
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
// 	1) Start with a default config with sane settings
// 	2) Pre-parse the command line to check for an alternative config file
// 	3) Load configuration file overwriting defaults with any specified options
// 	4) Parse CLI options and overwrite/add any specified options
//
// Command line options always take precedence.
func loadConfig(args []string) (*Config, error) {
	cfgFlags := defaultFlags()

	// Pre-parse the command line options to see if an alternative config
	// file or app dir was specified. Any errors aside from the help message
	// error can be ignored here since they will be caught by the final
	// parse below.
	preCfg := *cfgFlags
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.ParseArgs(args)
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			return nil, err
		}
	}
	if preCfg.ShowVersion {
		return &Config{Flags: &preCfg}, nil
	}

	configFile := preCfg.ConfigFile
	if configFile == defaultConfigFile && preCfg.AppDir != DefaultAppDir {
		configFile = filepath.Join(preCfg.AppDir, defaultConfigFilename)
	}

	// Load additional config from file. A missing config file is fine.
	parser := flags.NewParser(cfgFlags, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(cleanAndExpandPath(configFile))
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, errors.Wrapf(err, "error parsing config file %s", configFile)
		}
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.ParseArgs(args)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	cfg := &Config{Flags: cfgFlags}
	err = cfg.resolve()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve validates the parsed flags and fills in derived values.
func (cfg *Config) resolve() error {
	cfg.AppDir = cleanAndExpandPath(cfg.AppDir)
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppDir, defaultLogDirname)
	}
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	err := os.MkdirAll(cfg.AppDir, 0700)
	if err != nil {
		return errors.Wrapf(err, "failed to create app directory %s", cfg.AppDir)
	}

	if cfg.DebugLevel != "show" {
		err := logger.ParseAndSetLogLevels(cfg.DebugLevel)
		if err != nil {
			return err
		}
	}

	if cfg.MaxPeers < 1 {
		return errors.Errorf("the maxpeers option must be at least 1, got %d", cfg.MaxPeers)
	}
	if len(cfg.Tag) > p2pserver.MaxTagLength {
		return errors.Errorf("the tag option %q is longer than %d bytes", cfg.Tag, p2pserver.MaxTagLength)
	}
	if cfg.ReadTimeout <= 0 {
		return errors.Errorf("the readtimeout option must be positive, got %s", cfg.ReadTimeout)
	}
	if cfg.HandshakeTimeout <= 0 {
		return errors.Errorf("the handshaketimeout option must be positive, got %s", cfg.HandshakeTimeout)
	}

	cfg.Listen, err = network.NormalizeAddress(cfg.Listen, defaultPort)
	if err != nil {
		return errors.Wrap(err, "the listen option is invalid")
	}
	cfg.ConnectPeers, err = network.NormalizeAddresses(cfg.ConnectPeers, defaultPort)
	if err != nil {
		return errors.Wrap(err, "the connect option is invalid")
	}

	if cfg.Profile != "" {
		profilePort, err := strconv.Atoi(cfg.Profile)
		if err != nil || profilePort < 1024 || profilePort > 65535 {
			return errors.Errorf("the profile port must be between 1024 and 65535, got %q", cfg.Profile)
		}
	}

	if cfg.PeerID == 0 {
		peerID, err := random.NonZeroUint64()
		if err != nil {
			return errors.Wrap(err, "failed to pick a random peer id")
		}
		cfg.PeerID = peerID
	}

	if cfg.Proxy != "" {
		_, _, err := net.SplitHostPort(cfg.Proxy)
		if err != nil {
			return errors.Wrapf(err, "the proxy option %q is invalid", cfg.Proxy)
		}

		// Tor isolation flag means proxy credentials will be overridden.
		if cfg.TorIsolation && (cfg.ProxyUser != "" || cfg.ProxyPass != "") {
			fmt.Fprintln(os.Stderr, "Tor isolation set -- "+
				"overriding specified proxy user credentials")
		}
		cfg.SocksProxy = &socks.Proxy{
			Addr:         cfg.Proxy,
			Username:     cfg.ProxyUser,
			Password:     cfg.ProxyPass,
			TorIsolation: cfg.TorIsolation,
		}
	}
	return nil
}
