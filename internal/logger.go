package internal

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Logger writes leveled, redacted log lines. Child loggers created with
// WithField share the parent's output and level.
type Logger struct {
	core   *loggerCore
	fields map[string]interface{}
}

type loggerCore struct {
	mu        sync.RWMutex
	logger    *log.Logger
	level     LogLevel
	debug     bool
	quiet     bool
	redactors []Redactor
}

// Redactor defines an interface for redacting sensitive information
type Redactor interface {
	Redact(input string) string
}

// CookieRedactor redacts cookie and authorization values
type CookieRedactor struct{}

func (r *CookieRedactor) Redact(input string) string {
	patterns := []string{
		"Cookie:",
		"Set-Cookie:",
		"Authorization:",
		"Bearer ",
	}
	return redactAfter(input, patterns, func(c byte) bool {
		return c == ' ' || c == ';' || c == '\n' || c == '\r'
	})
}

// URLRedactor redacts signed query parameters that media CDNs embed in URLs
type URLRedactor struct{}

func (r *URLRedactor) Redact(input string) string {
	params := []string{
		"access_token=",
		"token=",
		"key=",
		"signature=",
		"sig=",
		"secret=",
		"password=",
	}
	return redactAfter(input, params, func(c byte) bool {
		return c == '&' || c == ' ' || c == '\n'
	})
}

// redactAfter replaces the value following every occurrence of each pattern
func redactAfter(input string, patterns []string, stop func(byte) bool) string {
	result := input
	for _, pattern := range patterns {
		lowerPattern := strings.ToLower(pattern)
		searchFrom := 0
		for {
			lower := strings.ToLower(result)
			idx := strings.Index(lower[searchFrom:], lowerPattern)
			if idx == -1 {
				break
			}
			start := searchFrom + idx + len(pattern)
			// Bearer values follow "Authorization: " so skip a leading scheme word
			if strings.HasSuffix(lowerPattern, ":") {
				for start < len(result) && result[start] == ' ' {
					start++
				}
				if strings.HasPrefix(strings.ToLower(result[start:]), "bearer ") {
					searchFrom = start
					continue
				}
			}
			end := start
			for end < len(result) && !stop(result[end]) {
				end++
			}
			if end > start && result[start:end] != "[REDACTED]" {
				result = result[:start] + "[REDACTED]" + result[end:]
			}
			searchFrom = start + len("[REDACTED]")
			if searchFrom >= len(result) {
				break
			}
		}
	}
	return result
}

// NewLogger creates a new logger writing to output
func NewLogger(output io.Writer, level LogLevel, debug, quiet bool) *Logger {
	core := &loggerCore{
		logger: log.New(output, "", 0),
		level:  level,
		debug:  debug,
		quiet:  quiet,
		redactors: []Redactor{
			&CookieRedactor{},
			&URLRedactor{},
		},
	}
	if quiet {
		core.level = LogLevelError
	}
	return &Logger{core: core}
}

// NewDefaultLogger creates a logger with default settings
func NewDefaultLogger(debug, quiet bool) *Logger {
	level := LogLevelInfo
	if debug {
		level = LogLevelDebug
	}
	return NewLogger(os.Stderr, level, debug, quiet)
}

// NewNopLogger discards everything; used by components constructed without a logger
func NewNopLogger() *Logger {
	return NewLogger(io.Discard, LogLevelError, false, true)
}

// WithField returns a child logger that appends key=value to every line
func (l *Logger) WithField(key string, value interface{}) *Logger {
	fields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Logger{core: l.core, fields: fields}
}

func (l *Logger) redactSensitiveData(input string) string {
	l.core.mu.RLock()
	redactors := l.core.redactors
	l.core.mu.RUnlock()

	result := input
	for _, redactor := range redactors {
		result = redactor.Redact(result)
	}
	return result
}

func (l *Logger) formatMessage(level LogLevel, message string, debug bool) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05")

	if len(l.fields) > 0 {
		keys := make([]string, 0, len(l.fields))
		for k := range l.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%v", k, l.fields[k]))
		}
		message = message + " " + strings.Join(pairs, " ")
	}

	if debug {
		for depth := 3; depth <= 5; depth++ {
			_, file, line, ok := runtime.Caller(depth)
			if ok && !strings.HasSuffix(file, "logger.go") && !strings.HasSuffix(file, "log.go") {
				parts := strings.Split(file, "/")
				return fmt.Sprintf("[%s] %s %s:%d %s", timestamp, level.String(), parts[len(parts)-1], line, message)
			}
		}
	}

	return fmt.Sprintf("[%s] %s %s", timestamp, level.String(), message)
}

func (l *Logger) shouldLog(level LogLevel) bool {
	l.core.mu.RLock()
	defer l.core.mu.RUnlock()
	if l.core.quiet && level > LogLevelError {
		return false
	}
	return level <= l.core.level
}

func (l *Logger) output(level LogLevel, format string, args ...interface{}) {
	if !l.shouldLog(level) {
		return
	}

	l.core.mu.RLock()
	debug := l.core.debug
	l.core.mu.RUnlock()

	line := l.formatMessage(level, fmt.Sprintf(format, args...), debug)
	l.core.logger.Print(l.redactSensitiveData(line))
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.output(LogLevelError, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.output(LogLevelWarn, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.output(LogLevelInfo, format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.output(LogLevelDebug, format, args...)
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.level = level
}
