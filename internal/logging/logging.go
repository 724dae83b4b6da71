package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents logging verbosity level
type Level int

const (
	// LevelError only logs errors
	LevelError Level = iota
	// LevelWarn logs warnings and errors
	LevelWarn
	// LevelInfo logs info, warnings, and errors (default)
	LevelInfo
	// LevelDebug logs everything including debug messages
	LevelDebug
)

// Format selects how log lines are rendered
type Format int

const (
	// FormatText renders "2006-01-02 15:04:05 [LEVEL] [component] message"
	FormatText Format = iota
	// FormatJSON renders one JSON object per line
	FormatJSON
)

// Logger provides leveled logging
type Logger struct {
	mu     sync.Mutex
	level  Level
	format Format
	output io.Writer
}

var (
	defaultLogger = &Logger{
		level:  LevelInfo,
		output: os.Stdout,
	}
)

// ParseLevel converts a string to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("unknown verbosity level: %s (valid: debug, info, warn, error)", s)
	}
}

// String returns the string representation of a level
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// SetLevel sets the global log level
func SetLevel(level Level) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.level = level
}

// SetFormat switches between "text" and "json" output. Unknown values select text.
func SetFormat(format string) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	if strings.EqualFold(format, "json") {
		defaultLogger.format = FormatJSON
		return
	}
	defaultLogger.format = FormatText
}

// SetOutput sets the output destination for logging. A nil writer restores stdout.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	defaultLogger.output = w
}

// GetLevel returns the current log level
func GetLevel() Level {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	return defaultLogger.level
}

// Debug logs a debug message
func Debug(format string, args ...interface{}) {
	defaultLogger.log(LevelDebug, "", format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	defaultLogger.log(LevelInfo, "", format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	defaultLogger.log(LevelWarn, "", format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	defaultLogger.log(LevelError, "", format, args...)
}

// Print always prints regardless of level (for progress bars, summaries)
func Print(format string, args ...interface{}) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	fmt.Fprintf(defaultLogger.output, format, args...)
}

// Println always prints with newline regardless of level
func Println(args ...interface{}) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	fmt.Fprintln(defaultLogger.output, args...)
}

// Component tags every line it writes with a component name, e.g. the stage
// that produced it.
type Component struct {
	name string
}

// For returns a logger for the named component.
func For(name string) Component {
	return Component{name: name}
}

// Name returns the component name
func (c Component) Name() string { return c.name }

// Debug logs a debug message for the component
func (c Component) Debug(format string, args ...interface{}) {
	defaultLogger.log(LevelDebug, c.name, format, args...)
}

// Info logs an info message for the component
func (c Component) Info(format string, args ...interface{}) {
	defaultLogger.log(LevelInfo, c.name, format, args...)
}

// Warn logs a warning message for the component
func (c Component) Warn(format string, args ...interface{}) {
	defaultLogger.log(LevelWarn, c.name, format, args...)
}

// Error logs an error message for the component
func (c Component) Error(format string, args ...interface{}) {
	defaultLogger.log(LevelError, c.name, format, args...)
}

type jsonEntry struct {
	TS        string `json:"ts"`
	Level     string `json:"level"`
	Component string `json:"component,omitempty"`
	Msg       string `json:"msg"`
}

func (l *Logger) log(level Level, component, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	msg := fmt.Sprintf(format, args...)

	if l.format == FormatJSON {
		entry := jsonEntry{
			TS:        time.Now().Format(time.RFC3339),
			Level:     strings.ToLower(level.String()),
			Component: component,
			Msg:       strings.TrimSpace(msg),
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return
		}
		l.output.Write(append(data, '\n'))
		return
	}

	if strings.HasPrefix(msg, "\n") {
		// Handle leading newlines (preserve blank line formatting)
		msg = strings.TrimPrefix(msg, "\n")
		fmt.Fprint(l.output, "\n")
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	if component != "" {
		fmt.Fprintf(l.output, "%s [%s] [%s] %s", timestamp, level.String(), component, msg)
		return
	}
	fmt.Fprintf(l.output, "%s [%s] %s", timestamp, level.String(), msg)
}

// IsDebug returns true if debug level is enabled
func IsDebug() bool {
	return GetLevel() >= LevelDebug
}

// IsInfo returns true if info level is enabled
func IsInfo() bool {
	return GetLevel() >= LevelInfo
}
