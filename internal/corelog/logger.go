// Package corelog provides the leveled, prefix-forking logger used across
// the proxy, and the shutdown coordination helper built on top of it.
package corelog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// LogLevel specifies the level of spew that should go to the log
type LogLevel int

const (
	// LogLevelUnknown is a default value for LogLevel. Its behavior is undefined.
	LogLevelUnknown LogLevel = iota
	// LogLevelPanic causes output of an error message followed by a panic
	LogLevelPanic
	// LogLevelFatal causes output of an error message followed by os.Exit(1)
	LogLevelFatal
	// LogLevelError is for unexpected error messages
	LogLevelError
	// LogLevelWarning is for warning messages
	LogLevelWarning
	// LogLevelInfo is for informational messages
	LogLevelInfo
	// LogLevelDebug is for debug messages
	LogLevelDebug
	// LogLevelTrace is for the noisiest trace-level messages
	LogLevelTrace
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace",
}

var nameToLogLevel = func() map[string]LogLevel {
	result := make(map[string]LogLevel)
	for i, name := range logLevelNames {
		result[name] = LogLevel(i)
	}
	return result
}()

// StringToLogLevel converts a string to a LogLevel (KERBSIDE_LOG_VERBOSE
// only toggles debug on/off, but this is used by tests and tooling that
// want finer control).
func StringToLogLevel(s string) LogLevel {
	result, ok := nameToLogLevel[strings.ToLower(s)]
	if !ok {
		result = LogLevelUnknown
	}
	return result
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelTrace {
		return logLevelNames[LogLevelUnknown]
	}
	return logLevelNames[x]
}

// MinLogger is a minimal logging interface for a logging component.
type MinLogger interface {
	Print(args ...interface{})
	Prefix() string
}

// GetLogLeveler is an interface for a logger that supports GetLogLevel().
type GetLogLeveler interface {
	GetLogLevel() LogLevel
}

// Logger is a leveled, prefix-forking logging component. Every worker,
// the supervisor, and the store each hold a Logger forked from the process
// root logger with a progressively more specific prefix (e.g.
// "supervisor: worker[3]: display").
type Logger interface {
	MinLogger
	GetLogLeveler

	Panic(args ...interface{})
	Panicf(f string, args ...interface{})
	PanicOnError(err error)
	Fatal(args ...interface{})
	Fatalf(f string, args ...interface{})

	Log(logLevel LogLevel, args ...interface{})
	Logf(logLevel LogLevel, f string, args ...interface{})

	ELog(args ...interface{})
	ELogf(f string, args ...interface{})
	WLog(args ...interface{})
	WLogf(f string, args ...interface{})
	ILog(args ...interface{})
	ILogf(f string, args ...interface{})
	DLog(args ...interface{})
	DLogf(f string, args ...interface{})
	TLog(args ...interface{})
	TLogf(f string, args ...interface{})

	Error(args ...interface{}) error
	Errorf(f string, args ...interface{}) error
	Sprint(args ...interface{}) string
	Sprintf(f string, args ...interface{}) string

	ELogError(args ...interface{}) error
	ELogErrorf(f string, args ...interface{}) error
	WLogError(args ...interface{}) error
	WLogErrorf(f string, args ...interface{}) error

	// Fork creates a new Logger that appends a formatted string onto this
	// logger's prefix (with ": " added between).
	Fork(prefix string, args ...interface{}) Logger

	SetLogLevel(logLevel LogLevel)
}

// BasicLogger is a logical log output stream with a level filter, a prefix
// added to each record, and an optional structured (JSON) output mode for
// KERBSIDE_LOG_OUTPUT_JSON.
type BasicLogger struct {
	prefix   string
	prefixC  string
	logger   *log.Logger
	logLevel LogLevel
	json     bool
}

const defaultLogFlags = log.Ldate | log.Ltime

// NewLogger creates a root Logger writing to os.Stderr with the given
// prefix and level. jsonOutput mirrors KERBSIDE_LOG_OUTPUT_JSON.
func NewLogger(prefix string, logLevel LogLevel, jsonOutput bool) Logger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	flags := defaultLogFlags
	if jsonOutput {
		// timestamps are embedded in the JSON payload instead
		flags = 0
	}
	return &BasicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		logger:   log.New(os.Stderr, "", flags),
		logLevel: logLevel,
		json:     jsonOutput,
	}
}

// jsonRecord is the shape written, one per line, when json output is enabled.
type jsonRecord struct {
	Time   string `json:"time"`
	Level  string `json:"level"`
	Prefix string `json:"prefix,omitempty"`
	Msg    string `json:"msg"`
}

func (l *BasicLogger) emit(logLevel LogLevel, msg string) {
	if l.json {
		rec := jsonRecord{
			Time:   time.Now().UTC().Format(time.RFC3339Nano),
			Level:  logLevel.String(),
			Prefix: l.prefix,
			Msg:    msg,
		}
		b, err := json.Marshal(rec)
		if err != nil {
			l.logger.Print(msg)
			return
		}
		l.logger.Print(string(b))
		return
	}
	l.logger.Print(l.prefixC + msg)
}

// Print outputs to a Logger unconditionally.
func (l *BasicLogger) Print(args ...interface{}) {
	l.emit(LogLevelInfo, fmt.Sprint(args...))
}

// Log outputs to a Logger iff logLevel is enabled, then panics/exits for
// LogLevelPanic/LogLevelFatal.
func (l *BasicLogger) Log(logLevel LogLevel, args ...interface{}) {
	if logLevel <= l.logLevel || logLevel <= LogLevelFatal {
		msg := fmt.Sprint(args...)
		l.emit(logLevel, msg)
		l.terminate(logLevel, msg)
	}
}

// Logf is the formatted counterpart of Log.
func (l *BasicLogger) Logf(logLevel LogLevel, f string, args ...interface{}) {
	if logLevel <= l.logLevel || logLevel <= LogLevelFatal {
		msg := fmt.Sprintf(f, args...)
		l.emit(logLevel, msg)
		l.terminate(logLevel, msg)
	}
}

func (l *BasicLogger) terminate(logLevel LogLevel, msg string) {
	if logLevel == LogLevelFatal {
		os.Exit(1)
	}
	if logLevel == LogLevelPanic {
		panic(msg)
	}
}

func (l *BasicLogger) logError(logLevel LogLevel, msg string) error {
	l.emit(logLevel, msg)
	return errors.New(l.prefixC + msg)
}

// Panic logs at LogLevelPanic and panics.
func (l *BasicLogger) Panic(args ...interface{}) { l.Log(LogLevelPanic, args...) }

// Panicf is the formatted counterpart of Panic.
func (l *BasicLogger) Panicf(f string, args ...interface{}) { l.Logf(LogLevelPanic, f, args...) }

// PanicOnError panics iff err is non-nil.
func (l *BasicLogger) PanicOnError(err error) {
	if err != nil {
		l.Panic(err)
	}
}

// Fatal logs at LogLevelFatal and exits the process.
func (l *BasicLogger) Fatal(args ...interface{}) { l.Log(LogLevelFatal, args...) }

// Fatalf is the formatted counterpart of Fatal.
func (l *BasicLogger) Fatalf(f string, args ...interface{}) { l.Logf(LogLevelFatal, f, args...) }

// ELog logs at LogLevelError.
func (l *BasicLogger) ELog(args ...interface{}) { l.Log(LogLevelError, args...) }

// ELogf is the formatted counterpart of ELog.
func (l *BasicLogger) ELogf(f string, args ...interface{}) { l.Logf(LogLevelError, f, args...) }

// WLog logs at LogLevelWarning.
func (l *BasicLogger) WLog(args ...interface{}) { l.Log(LogLevelWarning, args...) }

// WLogf is the formatted counterpart of WLog.
func (l *BasicLogger) WLogf(f string, args ...interface{}) { l.Logf(LogLevelWarning, f, args...) }

// ILog logs at LogLevelInfo.
func (l *BasicLogger) ILog(args ...interface{}) { l.Log(LogLevelInfo, args...) }

// ILogf is the formatted counterpart of ILog.
func (l *BasicLogger) ILogf(f string, args ...interface{}) { l.Logf(LogLevelInfo, f, args...) }

// DLog logs at LogLevelDebug.
func (l *BasicLogger) DLog(args ...interface{}) { l.Log(LogLevelDebug, args...) }

// DLogf is the formatted counterpart of DLog.
func (l *BasicLogger) DLogf(f string, args ...interface{}) { l.Logf(LogLevelDebug, f, args...) }

// TLog logs at LogLevelTrace.
func (l *BasicLogger) TLog(args ...interface{}) { l.Log(LogLevelTrace, args...) }

// TLogf is the formatted counterpart of TLog.
func (l *BasicLogger) TLogf(f string, args ...interface{}) { l.Logf(LogLevelTrace, f, args...) }

// Error returns (without logging) an error carrying this logger's prefix.
func (l *BasicLogger) Error(args ...interface{}) error {
	return errors.New(l.prefixC + fmt.Sprint(args...))
}

// Errorf is the formatted counterpart of Error.
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.prefixC + fmt.Sprintf(f, args...))
}

// Sprint returns a string carrying this logger's prefix.
func (l *BasicLogger) Sprint(args ...interface{}) string {
	return l.prefixC + fmt.Sprint(args...)
}

// Sprintf is the formatted counterpart of Sprint.
func (l *BasicLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

// ELogError logs at LogLevelError and returns an error with the same text.
func (l *BasicLogger) ELogError(args ...interface{}) error {
	return l.logError(LogLevelError, fmt.Sprint(args...))
}

// ELogErrorf is the formatted counterpart of ELogError.
func (l *BasicLogger) ELogErrorf(f string, args ...interface{}) error {
	return l.logError(LogLevelError, fmt.Sprintf(f, args...))
}

// WLogError logs at LogLevelWarning and returns an error with the same text.
func (l *BasicLogger) WLogError(args ...interface{}) error {
	return l.logError(LogLevelWarning, fmt.Sprint(args...))
}

// WLogErrorf is the formatted counterpart of WLogError.
func (l *BasicLogger) WLogErrorf(f string, args ...interface{}) error {
	return l.logError(LogLevelWarning, fmt.Sprintf(f, args...))
}

// Fork creates a child Logger whose prefix extends this one's.
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	suffix := fmt.Sprintf(prefix, args...)
	newPrefix := suffix
	if l.prefix != "" {
		newPrefix = l.prefix + ": " + suffix
	}
	return &BasicLogger{
		prefix:   newPrefix,
		prefixC:  newPrefix + ": ",
		logger:   l.logger,
		logLevel: l.logLevel,
		json:     l.json,
	}
}

// Prefix returns the logger's prefix string, without the ": " trailer.
func (l *BasicLogger) Prefix() string { return l.prefix }

// GetLogLevel returns the current log level.
func (l *BasicLogger) GetLogLevel() LogLevel { return l.logLevel }

// SetLogLevel changes the current log level.
func (l *BasicLogger) SetLogLevel(logLevel LogLevel) { l.logLevel = logLevel }
