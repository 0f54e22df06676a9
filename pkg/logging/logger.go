package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
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

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	case FATAL:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger provides structured logging with optional file output
type Logger struct {
	zl        zerolog.Logger
	level     Level
	json      bool
	logFile   *os.File
	component string
}

// NewLogger creates a logger writing to stdout. Non-JSON output uses the
// zerolog console writer.
func NewLogger(level Level, jsonFormat bool) *Logger {
	return newLogger(os.Stdout, level, jsonFormat)
}

func newLogger(w io.Writer, level Level, jsonFormat bool) *Logger {
	out := w
	if !jsonFormat {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	}
	return &Logger{
		zl:    zerolog.New(out).Level(level.zerolog()).With().Timestamp().Logger(),
		level: level,
		json:  jsonFormat,
	}
}

// NewFileLogger creates a logger that writes to <dir>/<component>/<sub>.log
// and stdout. An empty dir falls back to ./logs/service so job artifact
// directories stay free of service logs.
func NewFileLogger(dir, component, subComponent string, level Level, jsonFormat bool) (*Logger, error) {
	if dir == "" {
		dir = filepath.Join(".", "logs", "service")
	}
	logDir := filepath.Join(dir, component)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}

	logFileName := component + ".log"
	if subComponent != "" {
		logFileName = subComponent + ".log"
	}
	logPath := filepath.Join(logDir, logFileName)

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	logger := newLogger(io.MultiWriter(logFile, os.Stdout), level, jsonFormat)
	logger.logFile = logFile
	logger.component = component + "/" + subComponent
	logger.zl = logger.zl.With().Str("component", logger.component).Logger()

	logger.Info(fmt.Sprintf("Logger initialized: %s -> %s", logger.component, logPath))
	return logger, nil
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	out := w
	if !l.json {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	}
	l.zl = l.zl.Output(out)
}

func (l *Logger) log(ev *zerolog.Event, message string, fields []map[string]interface{}) {
	if len(fields) > 0 && fields[0] != nil {
		ev = ev.Fields(fields[0])
	}
	ev.Msg(message)
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(l.zl.Debug(), message, fields)
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(l.zl.Info(), message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(l.zl.Warn(), message, fields)
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.log(l.zl.Error(), message, fields)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...map[string]interface{}) {
	l.log(l.zl.Fatal(), message, fields)
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	c := *l
	c.zl = l.zl.With().Interface(key, value).Logger()
	c.logFile = nil
	return &c
}

// Zerolog exposes the underlying logger for HTTP middleware
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// Level returns the minimum level that is written
func (l *Logger) Level() Level {
	return l.level
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// Close closes the log file if opened
func (l *Logger) Close() error {
	if l.logFile != nil {
		l.Info("Logger closing")
		return l.logFile.Close()
	}
	return nil
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), level: FATAL + 1, json: true}
}
