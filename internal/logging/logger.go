// Package logging provides the leveled, field-carrying logger used across Isabella.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
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
	default:
		return "UNKNOWN"
	}
}

func (l Level) Color() string {
	switch l {
	case DEBUG:
		return "\033[36m" // Cyan
	case INFO:
		return "\033[32m" // Green
	case WARN:
		return "\033[33m" // Yellow
	case ERROR:
		return "\033[31m" // Red
	default:
		return "\033[0m"
	}
}

// ParseLevel maps a config string ("debug", "WARN", ...) to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG, nil
	case "", "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", s)
	}
}

// sink is shared by a logger and every child derived from it
type sink struct {
	mu     sync.Mutex
	output io.Writer
	color  bool
}

// Logger is a structured logger. Child loggers created with WithField share
// the parent's output and lock.
type Logger struct {
	level  Level
	sink   *sink
	fields map[string]any
}

// New creates a logger writing to w at the given level
func New(w io.Writer, level Level) *Logger {
	return &Logger{
		level:  level,
		sink:   &sink{output: w, color: true},
		fields: make(map[string]any),
	}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return New(io.Discard, ERROR+1)
}

var defaultLogger = New(os.Stdout, INFO)

// Default returns the process-wide logger
func Default() *Logger {
	return defaultLogger
}

// SetLevel sets the global log level
func SetLevel(level Level) {
	defaultLogger.level = level
}

// SetOutput sets the output writer
func SetOutput(w io.Writer) {
	defaultLogger.sink.mu.Lock()
	defaultLogger.sink.output = w
	defaultLogger.sink.mu.Unlock()
}

// SetColor toggles ANSI level colors on the global logger
func SetColor(enabled bool) {
	defaultLogger.sink.mu.Lock()
	defaultLogger.sink.color = enabled
	defaultLogger.sink.mu.Unlock()
}

// WithField returns a logger with a field added
func WithField(key string, value any) *Logger {
	return defaultLogger.WithField(key, value)
}

// WithFields returns a logger with multiple fields added
func WithFields(fields map[string]any) *Logger {
	return defaultLogger.WithFields(fields)
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value any) *Logger {
	return l.WithFields(map[string]any{key: value})
}

// WithFields adds multiple fields
func (l *Logger) WithFields(fields map[string]any) *Logger {
	child := &Logger{
		level:  l.level,
		sink:   l.sink,
		fields: make(map[string]any, len(l.fields)+len(fields)),
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	for k, v := range fields {
		child.fields[k] = v
	}
	return child
}

// WithError attaches err under the "error" key
func (l *Logger) WithError(err error) *Logger {
	return l.WithField("error", err)
}

// Level reports the minimum level written
func (l *Logger) Level() Level {
	return l.level
}

func (l *Logger) log(level Level, msg string, args ...any) {
	if level < l.level {
		return
	}

	formatted := msg
	if len(args) > 0 {
		formatted = fmt.Sprintf(msg, args...)
	}

	// Fields are sorted so lines are stable
	var fieldsStr strings.Builder
	if len(l.fields) > 0 {
		keys := make([]string, 0, len(l.fields))
		for k := range l.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fieldsStr.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&fieldsStr, " %s=%v", k, l.fields[k])
		}
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	if l.sink.color {
		fmt.Fprintf(l.sink.output, "%s %s[%s]\033[0m %s%s\n",
			timestamp, level.Color(), level.String(), formatted, fieldsStr.String())
		return
	}
	fmt.Fprintf(l.sink.output, "%s [%s] %s%s\n",
		timestamp, level.String(), formatted, fieldsStr.String())
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	defaultLogger.log(DEBUG, msg, args...)
}

// Info logs an info message
func Info(msg string, args ...any) {
	defaultLogger.log(INFO, msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	defaultLogger.log(WARN, msg, args...)
}

// Error logs an error message
func Error(msg string, args ...any) {
	defaultLogger.log(ERROR, msg, args...)
}

// Logger methods
func (l *Logger) Debug(msg string, args ...any) { l.log(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(ERROR, msg, args...) }
