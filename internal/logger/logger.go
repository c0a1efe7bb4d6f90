// Package logger is a small leveled wrapper over the standard log package
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Severity represents log message severity levels
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	// SeverityNone disables all output
	SeverityNone
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseSeverity converts a config value such as "info" or "warn" to a Severity
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return SeverityDebug, nil
	case "", "info":
		return SeverityInfo, nil
	case "warn", "warning":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	case "none", "off":
		return SeverityNone, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger is the logging contract used by the metadata walkers
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// StdLogger implements Logger with one standard logger per severity
type StdLogger struct {
	debugLog   *log.Logger
	infoLog    *log.Logger
	warningLog *log.Logger
	errorLog   *log.Logger
	minLevel   Severity
}

// NewStdLogger creates a logger writing to stdout, errors to stderr
func NewStdLogger(minLevel Severity) *StdLogger {
	return NewStdLoggerWithWriter(os.Stdout, os.Stderr, minLevel)
}

// NewStdLoggerWithWriter creates a standard logger with custom writers
func NewStdLoggerWithWriter(stdout, stderr io.Writer, minLevel Severity) *StdLogger {
	return &StdLogger{
		debugLog:   log.New(stdout, "DEBUG: ", log.Ltime|log.Lshortfile),
		infoLog:    log.New(stdout, "INFO: ", log.Ltime),
		warningLog: log.New(stdout, "WARNING: ", log.Ltime),
		errorLog:   log.New(stderr, "ERROR: ", log.Ltime|log.Lshortfile),
		minLevel:   minLevel,
	}
}

// SetMinLevel changes the minimum severity that is written
func (l *StdLogger) SetMinLevel(level Severity) {
	l.minLevel = level
}

func (l *StdLogger) output(severity Severity, target *log.Logger, format string, args ...any) {
	if severity < l.minLevel {
		return
	}
	target.Output(3, fmt.Sprintf(format, args...))
}

// Debugf logs a formatted debug message
func (l *StdLogger) Debugf(format string, args ...any) {
	l.output(SeverityDebug, l.debugLog, format, args...)
}

// Infof logs a formatted info message
func (l *StdLogger) Infof(format string, args ...any) {
	l.output(SeverityInfo, l.infoLog, format, args...)
}

// Warnf logs a formatted warning
func (l *StdLogger) Warnf(format string, args ...any) {
	l.output(SeverityWarning, l.warningLog, format, args...)
}

// Errorf logs a formatted error
func (l *StdLogger) Errorf(format string, args ...any) {
	l.output(SeverityError, l.errorLog, format, args...)
}

type discard struct{}

func (discard) Debugf(string, ...any) {}
func (discard) Infof(string, ...any)  {}
func (discard) Warnf(string, ...any)  {}
func (discard) Errorf(string, ...any) {}

// Discard is a Logger that drops every message
var Discard Logger = discard{}
