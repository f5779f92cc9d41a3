package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l Level) logrus() logrus.Level {
	switch l {
	case DEBUG:
		return logrus.DebugLevel
	case WARN:
		return logrus.WarnLevel
	case ERROR:
		return logrus.ErrorLevel
	case FATAL:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger provides structured logging with optional file output
type Logger struct {
	base    *logrus.Logger
	entry   *logrus.Entry
	logFile *os.File
}

// NewLogger creates a logger writing to stdout
func NewLogger(level Level, jsonFormat bool) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetLevel(level.logrus())
	if jsonFormat {
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	return &Logger{base: base, entry: logrus.NewEntry(base)}
}

// NewFileLogger creates a logger that writes to both path and stdout
func NewFileLogger(path string, level Level, jsonFormat bool) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
	}

	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	logger := NewLogger(level, jsonFormat)
	logger.base.SetOutput(io.MultiWriter(logFile, os.Stdout))
	logger.logFile = logFile

	logger.Debug("Logger initialized", map[string]interface{}{"path": path})
	return logger, nil
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	logger := NewLogger(ERROR, false)
	logger.base.SetOutput(io.Discard)
	return logger
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

// SetLevel changes the minimum level for this logger and all derived loggers
func (l *Logger) SetLevel(level Level) {
	l.base.SetLevel(level.logrus())
}

// Enabled reports whether messages at level would be written
func (l *Logger) Enabled(level Level) bool {
	return l.base.IsLevelEnabled(level.logrus())
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	entry := l.entry
	if len(fields) > 0 {
		entry = entry.WithFields(logrus.Fields(fields))
	}

	switch level {
	case DEBUG:
		entry.Debug(message)
	case INFO:
		entry.Info(message)
	case WARN:
		entry.Warn(message)
	case ERROR:
		entry.Error(message)
	case FATAL:
		entry.Fatal(message)
	}
}

func firstFields(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(DEBUG, message, firstFields(fields))
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(INFO, message, firstFields(fields))
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(WARN, message, firstFields(fields))
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.log(ERROR, message, firstFields(fields))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...map[string]interface{}) {
	l.log(FATAL, message, firstFields(fields))
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{base: l.base, entry: l.entry.WithField(key, value)}
}

// WithFields adds several fields to the logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{base: l.base, entry: l.entry.WithFields(logrus.Fields(fields))}
}

// ParseLevel parses a log level string, defaulting to INFO
func ParseLevel(level string) Level {
	lvl, ok := lookupLevel(level)
	if !ok {
		return INFO
	}
	return lvl
}

// IsValidLevel reports whether level names a known log level
func IsValidLevel(level string) bool {
	_, ok := lookupLevel(level)
	return ok
}

func lookupLevel(level string) (Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG, true
	case "INFO":
		return INFO, true
	case "WARN", "WARNING":
		return WARN, true
	case "ERROR":
		return ERROR, true
	case "FATAL", "CRITICAL":
		return FATAL, true
	default:
		return INFO, false
	}
}

// Close closes the log file if opened
func (l *Logger) Close() error {
	if l.logFile != nil {
		l.Debug("Logger closing")
		return l.logFile.Close()
	}
	return nil
}
