// Package logger provides the structured, leveled logging used by every
// agent and by the transport layer.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the level.
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

// ParseLevel parses a string log level, defaulting to INFO.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "DEBUG", "debug":
		return DEBUG, nil
	case "INFO", "info", "":
		return INFO, nil
	case "WARN", "warn", "WARNING", "warning":
		return WARN, nil
	case "ERROR", "error":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s", s)
	}
}

// Entry is a single structured log record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Agent     string         `json:"agent,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Logger writes structured entries in JSON or text form.
type Logger struct {
	mu         sync.RWMutex
	level      Level
	output     io.Writer
	agentName  string
	fields     map[string]any
	jsonFormat bool
}

var (
	globalLogger *Logger
	once         sync.Once
)

// New creates a logger writing text entries to stdout at INFO.
func New() *Logger {
	return &Logger{
		level:  INFO,
		output: os.Stdout,
		fields: make(map[string]any),
	}
}

// Global returns the process-wide logger instance.
func Global() *Logger {
	once.Do(func() {
		if globalLogger == nil {
			globalLogger = New()
		}
	})
	return globalLogger
}

// SetLevel sets the minimum level written.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput sets the destination writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// SetJSONFormat switches between JSON and text output.
func (l *Logger) SetJSONFormat(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jsonFormat = enabled
}

// Named returns a child logger stamped with an agent name.
func (l *Logger) Named(agent string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	child := &Logger{
		level:      l.level,
		output:     l.output,
		agentName:  agent,
		fields:     make(map[string]any, len(l.fields)),
		jsonFormat: l.jsonFormat,
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	return child
}

// WithField returns a child logger carrying an additional field.
func (l *Logger) WithField(key string, value any) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	child := &Logger{
		level:      l.level,
		output:     l.output,
		agentName:  l.agentName,
		fields:     make(map[string]any, len(l.fields)+1),
		jsonFormat: l.jsonFormat,
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	child.fields[key] = value
	return child
}

func (l *Logger) log(level Level, msg string, err error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if level < l.level {
		return
	}

	entry := Entry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   msg,
		Agent:     l.agentName,
		Fields:    l.fields,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	if l.jsonFormat {
		data, marshalErr := json.Marshal(entry)
		if marshalErr != nil {
			fmt.Fprintf(l.output, "failed to marshal log entry: %v\n", marshalErr)
			return
		}
		fmt.Fprintln(l.output, string(data))
		return
	}

	out := fmt.Sprintf("[%s] [%s] ", entry.Timestamp.Format("2006-01-02 15:04:05"), entry.Level)
	if entry.Agent != "" {
		out += fmt.Sprintf("[%s] ", entry.Agent)
	}
	out += entry.Message
	if entry.Error != "" {
		out += fmt.Sprintf(" error=%s", entry.Error)
	}
	for k, v := range entry.Fields {
		out += fmt.Sprintf(" %s=%v", k, v)
	}
	fmt.Fprintln(l.output, out)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) { l.log(DEBUG, msg, nil) }

// Debugf logs a formatted debug message.
func (l *Logger) Debugf(format string, args ...any) { l.log(DEBUG, fmt.Sprintf(format, args...), nil) }

// Info logs an info message.
func (l *Logger) Info(msg string) { l.log(INFO, msg, nil) }

// Infof logs a formatted info message.
func (l *Logger) Infof(format string, args ...any) { l.log(INFO, fmt.Sprintf(format, args...), nil) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string) { l.log(WARN, msg, nil) }

// Warnf logs a formatted warning message.
func (l *Logger) Warnf(format string, args ...any) { l.log(WARN, fmt.Sprintf(format, args...), nil) }

// Error logs an error message with its cause.
func (l *Logger) Error(msg string, err error) { l.log(ERROR, msg, err) }

// Errorf logs a formatted error message.
func (l *Logger) Errorf(format string, args ...any) { l.log(ERROR, fmt.Sprintf(format, args...), nil) }
