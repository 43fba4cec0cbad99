package main

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/ezratameno/camupdate/internal/build"
	"github.com/ezratameno/camupdate/internal/server"
	"github.com/ezratameno/camupdate/internal/session"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultListenHost     = "0.0.0.0"
	defaultListenPort     = 9876
	defaultKeyFilename    = "update.key"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "updateserver.log"
	defaultLogLevel       = "info"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultPollInterval   = 5 * time.Millisecond
)

// config defines the configuration options for updateserver.
type config struct {
	Listen string `long:"listen" description:"Address to listen on"`
	Port   uint16 `long:"port" description:"UDP port to listen on"`

	Payload string `long:"payload" description:"Update archive to serve" required:"true"`
	Version uint32 `long:"version" description:"Version the archive installs. Read from the archive manifest when 0"`
	KeyFile string `long:"keyfile" description:"Hex encoded signing key. Generated when missing"`

	PieceSize      uint32        `long:"piecesize" description:"Size of every served piece in bytes. Must match the clients"`
	SessionTimeout time.Duration `long:"sessiontimeout" description:"How long idle client sessions are kept"`
	PollInterval   time.Duration `long:"pollinterval" description:"Time the loop yields between iterations"`

	LogDir         string `long:"logdir" description:"Directory to log output"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical}"`
}

func defaultConfig() config {
	return config{
		Listen:         defaultListenHost,
		Port:           defaultListenPort,
		KeyFile:        defaultKeyFilename,
		PieceSize:      session.DefaultPieceSize,
		SessionTimeout: server.DefaultSessionTimeout,
		PollInterval:   defaultPollInterval,
		LogDir:         defaultLogDirname,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		DebugLevel:     defaultLogLevel,
	}
}

// loadConfig parses the command line on top of the defaults.
func loadConfig() (*config, error) {
	cfg := defaultConfig()
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	cfg.Payload = build.CleanAndExpandPath(cfg.Payload)
	cfg.KeyFile = build.CleanAndExpandPath(cfg.KeyFile)
	cfg.LogDir = build.CleanAndExpandPath(cfg.LogDir)

	// Pieces are checked against the same limits the client applies.
	policy := session.DefaultPolicy()
	policy.PieceSize = cfg.PieceSize
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	if cfg.PollInterval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}

	return &cfg, nil
}

func (c *config) logFile() string {
	return filepath.Join(c.LogDir, defaultLogFilename)
}
