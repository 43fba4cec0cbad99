package main

import (
	"path/filepath"

	"github.com/ezratameno/camupdate/internal/build"
	"github.com/ezratameno/camupdate/internal/client"
	"github.com/ezratameno/camupdate/internal/metrics"
	"github.com/ezratameno/camupdate/internal/session"
	"github.com/ezratameno/camupdate/internal/storage"
	"github.com/ezratameno/camupdate/internal/transport"
)

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend. Loggers write to stdout
// only until initLogRotator was called.
var (
	logRotator = build.NewRotatingLogWriter()
	logWriter  = &build.LogWriter{}
	logMgr     = build.NewSubLoggerManager(logWriter)

	log = logMgr.Logger("UPDC")
)

// Initialize package-global logger variables.
func init() {
	client.UseLogger(logMgr.Logger("UCLT"))
	session.UseLogger(logMgr.Logger("SESN"))
	transport.UseLogger(logMgr.Logger("TRNS"))
	storage.UseLogger(logMgr.Logger("STOR"))
	metrics.UseLogger(logMgr.Logger("MTRC"))
}

// initLogging starts writing to the rotating log file and applies the debug
// levels of cfg.
func initLogging(cfg *config) error {
	if cfg.MaxLogFiles > 0 {
		logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
		err := logRotator.InitLogRotator(&build.FileLoggerConfig{
			MaxLogFiles:    cfg.MaxLogFiles,
			MaxLogFileSize: cfg.MaxLogFileSize,
			Compressor:     cfg.LogCompressor,
		}, logFile)
		if err != nil {
			return err
		}

		logWriter.Rotator = logRotator
	}

	return logMgr.ParseAndSetDebugLevels(cfg.DebugLevel)
}
