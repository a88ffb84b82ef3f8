// Package applog is the ambient structured logger shared by every
// component: a single stderr-backed log.Logger, plus per-component
// loggers carrying a name prefix.
//
// Grounded on vitadin-NeuroShell/internal/logger/logger.go's package-level
// Logger var, SetLevel/SetTimeFormat setup, and NewStyledLogger's
// component-prefixed sub-logger pattern — trimmed to drop the TUI-specific
// lipgloss styling, since this core has no terminal rendering surface of
// its own.
package applog

import (
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Logger is the process-wide logger. Components that want a named prefix
// should call Component instead of logging through this directly.
var Logger = log.New(os.Stderr)

func init() {
	Logger.SetTimeFormat("")
	Logger.SetLevel(log.InfoLevel)
	if strings.EqualFold(os.Getenv("GEMINI_DEV_MODE"), "true") {
		Logger.SetLevel(log.DebugLevel)
	}
}

// Component returns a logger that prefixes every line with name, sharing
// Logger's output destination and level.
func Component(name string) *log.Logger {
	l := log.NewWithOptions(os.Stderr, log.Options{Prefix: name + " "})
	l.SetTimeFormat("")
	l.SetLevel(Logger.GetLevel())
	return l
}

// Debug logs a debug message with optional key-value pairs.
func Debug(msg interface{}, keyvals ...interface{}) { Logger.Debug(msg, keyvals...) }

// Info logs an info message with optional key-value pairs.
func Info(msg interface{}, keyvals ...interface{}) { Logger.Info(msg, keyvals...) }

// Warn logs a warning message with optional key-value pairs.
func Warn(msg interface{}, keyvals ...interface{}) { Logger.Warn(msg, keyvals...) }

// Error logs an error message with optional key-value pairs.
func Error(msg interface{}, keyvals ...interface{}) { Logger.Error(msg, keyvals...) }
