package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ezratameno/camupdate/internal/build"
	"github.com/ezratameno/camupdate/internal/client"
	"github.com/ezratameno/camupdate/internal/session"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "updateclient.conf"
	defaultLogFilename    = "updateclient.log"
	defaultStagingName    = "update.zip"
	defaultLogDirname     = "logs"
	defaultLogLevel       = "info"
	defaultServerHost     = "localhost"
	defaultServerPort     = 9876
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultLogCompressor  = build.Gzip
)

// protocolConfig holds the rate and window values of the update protocol.
type protocolConfig struct {
	PieceSize     uint32        `long:"piecesize" description:"Size of every requested piece in bytes. Must match the server"`
	MaxRequests   int           `long:"maxrequests" description:"Maximum number of piece requests sent per round"`
	MaxUpdateSize uint32        `long:"maxupdatesize" description:"Largest accepted update in bytes (exclusive)"`
	BeginInterval time.Duration `long:"begininterval" description:"Minimum time between two update begin requests"`
	PieceInterval time.Duration `long:"pieceinterval" description:"Minimum time between two rounds of piece requests"`
	PollInterval  time.Duration `long:"pollinterval" description:"Time the loop yields between iterations"`
}

// config defines the configuration options for updateclient.
type config struct {
	ConfigFile string `long:"configfile" description:"Path to configuration file"`

	Server string `long:"server" description:"Host name or address of the update server"`
	Port   uint16 `long:"port" description:"UDP port of the update server"`

	InstallDir  string `long:"installdir" description:"Directory the client is installed in. Holds the version manifest"`
	StagingFile string `long:"stagingfile" description:"Where the downloaded update archive is written. Defaults to <installdir>/update.zip"`

	LogDir         string `long:"logdir" description:"Directory to log output"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	LogCompressor  string `long:"logcompressor" description:"Compressor for rolled log files" choice:"gzip" choice:"zstd"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	MetricsListen string `long:"metricslisten" description:"Address to serve prometheus metrics on. Disabled when empty"`

	SkipSigCheck bool `long:"skipsigcheck" description:"Accept updates without checking their signature. Only for servers that do not sign"`

	Protocol *protocolConfig `group:"Protocol" namespace:"protocol"`
}

// defaultConfig returns a config with sane defaults.
func defaultConfig() config {
	policy := session.DefaultPolicy()

	return config{
		ConfigFile:     defaultConfigFilename,
		Server:         defaultServerHost,
		Port:           defaultServerPort,
		InstallDir:     ".",
		LogDir:         defaultLogDirname,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		LogCompressor:  defaultLogCompressor,
		DebugLevel:     defaultLogLevel,
		Protocol: &protocolConfig{
			PieceSize:     policy.PieceSize,
			MaxRequests:   policy.MaxRequests,
			MaxUpdateSize: policy.MaxUpdateSize,
			BeginInterval: policy.BeginInterval,
			PieceInterval: policy.PieceInterval,
			PollInterval:  client.DefaultPollInterval,
		},
	}
}

// policy returns the session policy of the config.
func (c *config) policy() session.Policy {
	return session.Policy{
		PieceSize:     c.Protocol.PieceSize,
		MaxRequests:   c.Protocol.MaxRequests,
		MaxUpdateSize: c.Protocol.MaxUpdateSize,
		BeginInterval: c.Protocol.BeginInterval,
		PieceInterval: c.Protocol.PieceInterval,
	}
}

// loadConfig initializes and parses the config using a config file and
// command line options. It returns the positional arguments left over.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, []string, error) {
	preCfg := defaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, nil, err
	}

	var configFileError error
	cfg := preCfg
	configFile := build.CleanAndExpandPath(preCfg.ConfigFile)
	if err := flags.IniParse(configFile, &cfg); err != nil {
		// Parse errors are fatal. A missing file is fine.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, nil, err
		}

		configFileError = err
	}

	args, err := flags.Parse(&cfg)
	if err != nil {
		return nil, nil, err
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, nil, err
	}

	if configFileError != nil && cfg.ConfigFile != defaultConfigFilename {
		return nil, nil, configFileError
	}

	return &cfg, args, nil
}

// validateConfig checks the config and fills in derived values.
func validateConfig(cfg *config) error {
	cfg.InstallDir = build.CleanAndExpandPath(cfg.InstallDir)
	cfg.LogDir = build.CleanAndExpandPath(cfg.LogDir)

	if cfg.StagingFile == "" {
		cfg.StagingFile = filepath.Join(cfg.InstallDir, defaultStagingName)
	}
	cfg.StagingFile = build.CleanAndExpandPath(cfg.StagingFile)

	if cfg.Server == "" {
		return errors.New("server must be set")
	}

	if cfg.Port == 0 {
		return errors.New("port must be set")
	}

	if err := cfg.policy().Validate(); err != nil {
		return fmt.Errorf("invalid protocol options: %w", err)
	}

	if cfg.Protocol.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}

	if cfg.MaxLogFiles < 0 || cfg.MaxLogFileSize <= 0 {
		return errors.New("invalid log rotation options")
	}

	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", logMgr.SupportedSubsystems())
		os.Exit(0)
	}

	return nil
}
