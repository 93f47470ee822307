package client

import (
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LogLevel is the minimum severity a logger built by NewLogger emits.
type LogLevel int

const (
	LogDisabled LogLevel = iota
	LogCritical
	LogError
	LogWarn
	LogInfo
	LogDebug
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogDisabled:
		return "DISABLED"
	case LogCritical:
		return "CRITICAL"
	case LogError:
		return "ERROR"
	case LogWarn:
		return "WARN"
	case LogInfo:
		return "INFO"
	case LogDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a string to a LogLevel. Unknown names map to INFO.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "DISABLED", "NONE", "OFF":
		return LogDisabled
	case "CRITICAL":
		return LogCritical
	case "ERROR":
		return LogError
	case "WARN", "WARNING":
		return LogWarn
	case "DEBUG":
		return LogDebug
	default:
		return LogInfo
	}
}

func (l LogLevel) option() level.Option {
	switch l {
	case LogDisabled:
		return level.AllowNone()
	case LogCritical, LogError:
		return level.AllowError()
	case LogWarn:
		return level.AllowWarn()
	case LogDebug:
		return level.AllowDebug()
	default:
		return level.AllowInfo()
	}
}

// NewLogger returns a logfmt logger writing to w (stderr when nil) that
// drops records below lvl and redacts sensitive values.
func NewLogger(w io.Writer, lvl string) log.Logger {
	if w == nil {
		w = os.Stderr
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = redactingLogger{next: logger}
	logger = level.NewFilter(logger, ParseLogLevel(lvl).option())
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"token":         true,
	"secret":        true,
	"authorization": true,
	"credentials":   true,
	"auth":          true,
}

// redactingLogger masks values for sensitive keys.
type redactingLogger struct {
	next log.Logger
}

func (l redactingLogger) Log(keyvals ...interface{}) error {
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if ok && sensitiveKeys[strings.ToLower(key)] {
			keyvals[i+1] = "[REDACTED]"
		}
	}
	return l.next.Log(keyvals...)
}

func loggerOrNop(l log.Logger) log.Logger {
	if l == nil {
		return log.NewNopLogger()
	}
	return l
}
