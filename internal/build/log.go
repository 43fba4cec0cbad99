// Package build holds the logging plumbing shared by the command line
// programs: a writer that tees to stdout and a rotating log file, and the
// subsystem logger registry --debuglevel operates on.
package build

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btclog"
)

// LogWriter writes log lines to stdout and, once InitLogRotator was called,
// to the rotating log file.
type LogWriter struct {
	Rotator *RotatingLogWriter
}

// Write implements io.Writer.
func (w *LogWriter) Write(b []byte) (int, error) {
	os.Stdout.Write(b)
	if w.Rotator != nil {
		w.Rotator.Write(b)
	}

	return len(b), nil
}

// SubLoggers is a type that holds a map of subsystem loggers keyed by their
// subsystem name.
type SubLoggers map[string]btclog.Logger

// SubLoggerManager creates subsystem loggers on a shared backend and sets
// their levels.
type SubLoggerManager struct {
	backend *btclog.Backend

	mu      sync.Mutex
	loggers SubLoggers
}

// NewSubLoggerManager creates a manager for loggers writing to w.
func NewSubLoggerManager(w *LogWriter) *SubLoggerManager {
	return &SubLoggerManager{
		backend: btclog.NewBackend(w),
		loggers: make(SubLoggers),
	}
}

// Logger returns the logger of the given subsystem, creating it at info
// level if needed.
func (m *SubLoggerManager) Logger(subsystem string) btclog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()

	if logger, ok := m.loggers[subsystem]; ok {
		return logger
	}

	logger := m.backend.Logger(subsystem)
	logger.SetLevel(btclog.LevelInfo)
	m.loggers[subsystem] = logger

	return logger
}

// SupportedSubsystems returns the sorted names of all subsystems.
func (m *SubLoggerManager) SupportedSubsystems() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	subsystems := make([]string, 0, len(m.loggers))
	for subsystem := range m.loggers {
		subsystems = append(subsystems, subsystem)
	}
	sort.Strings(subsystems)

	return subsystems
}

// SetLogLevel sets the level of one subsystem. Unknown subsystems are
// ignored.
func (m *SubLoggerManager) SetLogLevel(subsystemID, logLevel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger, ok := m.loggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the level of every subsystem.
func (m *SubLoggerManager) SetLogLevels(logLevel string) {
	for _, subsystem := range m.SupportedSubsystems() {
		m.SetLogLevel(subsystem, logLevel)
	}
}

// ParseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly. The level is either a single level for every
// subsystem or <global-level>,<subsystem>=<level>,...
func (m *SubLoggerManager) ParseAndSetDebugLevels(level string) error {
	levels := strings.Split(level, ",")

	// If the first entry has no =, treat is as the log level for all
	// subsystems.
	globalLevel := levels[0]
	if !strings.Contains(globalLevel, "=") {
		if !validLogLevel(globalLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", globalLevel)
		}

		m.SetLogLevels(globalLevel)
		levels = levels[1:]
	}

	for _, logLevelPair := range levels {
		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level has an "+
				"invalid format [%v] -- use format "+
				"subsystem1=level1,subsystem2=level2",
				logLevelPair)
		}
		subsysID, logLevel := fields[0], fields[1]

		m.mu.Lock()
		_, exists := m.loggers[subsysID]
		m.mu.Unlock()
		if !exists {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems are %v",
				subsysID, m.SupportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", logLevel)
		}

		m.SetLogLevel(subsysID, logLevel)
	}

	return nil
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical", "off":
		return true
	}

	return false
}
