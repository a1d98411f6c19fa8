package pkg

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// LogLevel represents the logging level of the emulator
type LogLevel int

const (
	// LogLevelError represents error level logging
	LogLevelError LogLevel = iota
	// LogLevelWarn represents warning level logging
	LogLevelWarn
	// LogLevelInfo represents info level logging
	LogLevelInfo
	// LogLevelDebug represents debug level logging
	LogLevelDebug
)

// Logger wraps the logrus logger shared by every emulator component
type Logger struct {
	logger *log.Logger
}

var defaultLogger *Logger

func init() {
	defaultLogger = NewLogger(LogLevelInfo)
	defaultLogger.logger.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// NewLogger creates a new logger with the specified level
func NewLogger(level LogLevel) *Logger {
	logger := log.New()
	logger.SetLevel(level.logrus())
	return &Logger{logger: logger}
}

func (l LogLevel) logrus() log.Level {
	switch l {
	case LogLevelDebug:
		return log.DebugLevel
	case LogLevelWarn:
		return log.WarnLevel
	case LogLevelError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// ParseLogLevel converts a level name from flags or config files
func ParseLogLevel(levelStr string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return LogLevelDebug, nil
	case "info", "":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	}
	return LogLevelInfo, fmt.Errorf("invalid log level: %s", levelStr)
}

// SetLogLevel sets the log level for the default logger
func SetLogLevel(level LogLevel) {
	defaultLogger.logger.SetLevel(level.logrus())
}

// SetLogLevelFromString sets the log level from a string
func SetLogLevelFromString(levelStr string) error {
	level, err := ParseLogLevel(levelStr)
	if err != nil {
		return err
	}
	SetLogLevel(level)
	return nil
}

// Debug logs a debug message
func Debug(format string, args ...interface{}) {
	defaultLogger.logger.Debugf(format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	defaultLogger.logger.Infof(format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	defaultLogger.logger.Warnf(format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	defaultLogger.logger.Errorf(format, args...)
}

// GetLogger returns the default logger instance
func GetLogger() *Logger {
	return defaultLogger
}

// Logrus exposes the underlying logrus logger, e.g. for grpc server hooks
func (l *Logger) Logrus() *log.Logger {
	return l.logger
}

// IsDebugEnabled returns true if debug logging is enabled.
// Register access paths check it before building fields.
func IsDebugEnabled() bool {
	return defaultLogger.logger.IsLevelEnabled(log.DebugLevel)
}

// IsInfoEnabled returns true if info logging is enabled
func IsInfoEnabled() bool {
	return defaultLogger.logger.IsLevelEnabled(log.InfoLevel)
}

// SetFormatter sets the formatter for the default logger
func SetFormatter(formatter log.Formatter) {
	defaultLogger.logger.SetFormatter(formatter)
}

// SetOutput sets the output for the default logger
func SetOutput(output io.Writer) {
	defaultLogger.logger.SetOutput(output)
}

// Component returns an entry tagged with the emitting component
func Component(name string) *log.Entry {
	return defaultLogger.logger.WithField("component", name)
}

// WithField adds a field to the logger
func WithField(key string, value interface{}) *log.Entry {
	return defaultLogger.logger.WithField(key, value)
}

// WithFields adds multiple fields to the logger
func WithFields(fields log.Fields) *log.Entry {
	return defaultLogger.logger.WithFields(fields)
}

// WithError adds an error field to the logger
func WithError(err error) *log.Entry {
	return defaultLogger.logger.WithError(err)
}
