// Leveled logging for the RIO host.
//
// Loggers carry a component prefix ("rio", "servo", "vfd") and write
// either colorized text for a terminal or one JSON object per line
// for collectors. Structured context rides on entries built with
// WithField and WithError.
//
// Copyright (C) 2026  RIO Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel orders message severities. Messages below the logger's
// level are dropped.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l LogLevel) String() string {
	if l < DEBUG || l > ERROR {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel maps a config string to a level. Unknown strings fall
// back to INFO so a typo in a profile never silences the log.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// OutputFormat selects between terminal text and line-delimited JSON.
type OutputFormat int

const (
	FormatText OutputFormat = iota
	FormatJSON
)

// Fields carries structured key-value context on one entry.
type Fields map[string]interface{}

const textTimeFormat = "2006-01-02 15:04:05.000"

var levelColors = [...]string{
	DEBUG: "\x1b[36m",
	INFO:  "\x1b[32m",
	WARN:  "\x1b[33m",
	ERROR: "\x1b[31m",
}

const colorReset = "\x1b[0m"

// Logger writes leveled messages for one component.
type Logger struct {
	mu       sync.Mutex
	prefix   string
	writer   io.Writer
	level    LogLevel
	format   OutputFormat
	colorize bool
}

// New returns an INFO-level text logger on stderr. Colors follow the
// NO_COLOR convention.
func New(prefix string) *Logger {
	return &Logger{
		prefix:   prefix,
		writer:   os.Stderr,
		level:    INFO,
		format:   FormatText,
		colorize: os.Getenv("NO_COLOR") == "",
	}
}

func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) SetWriter(w io.Writer) {
	l.mu.Lock()
	l.writer = w
	l.mu.Unlock()
}

func (l *Logger) SetFormat(format OutputFormat) {
	l.mu.Lock()
	l.format = format
	l.mu.Unlock()
}

func (l *Logger) SetColorize(enable bool) {
	l.mu.Lock()
	l.colorize = enable
	l.mu.Unlock()
}

// WithPrefix returns a logger sharing this one's settings under a
// different component name.
func (l *Logger) WithPrefix(prefix string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{
		prefix:   prefix,
		writer:   l.writer,
		level:    l.level,
		format:   l.format,
		colorize: l.colorize,
	}
}

// Debug logs at DEBUG level with Printf-style formatting.
func (l *Logger) Debug(msg string, args ...interface{}) { l.emit(DEBUG, msg, args, nil) }

// Info logs at INFO level with Printf-style formatting.
func (l *Logger) Info(msg string, args ...interface{}) { l.emit(INFO, msg, args, nil) }

// Warn logs at WARN level with Printf-style formatting.
func (l *Logger) Warn(msg string, args ...interface{}) { l.emit(WARN, msg, args, nil) }

// Error logs at ERROR level with Printf-style formatting.
func (l *Logger) Error(msg string, args ...interface{}) { l.emit(ERROR, msg, args, nil) }

// Errorf is an alias for Error kept for call sites that read better
// with the explicit formatting name.
func (l *Logger) Errorf(msg string, args ...interface{}) { l.emit(ERROR, msg, args, nil) }

// WithField starts an entry carrying one structured field.
func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{logger: l, fields: Fields{key: value}}
}

// WithError starts an entry carrying the error message as a field.
func (l *Logger) WithError(err error) *Entry {
	return l.WithField("error", err.Error())
}

func (l *Logger) emit(level LogLevel, msg string, args []interface{}, fields Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	if l.format == FormatJSON {
		fmt.Fprint(l.writer, l.renderJSON(level, msg, fields))
		return
	}
	fmt.Fprint(l.writer, l.renderText(level, msg, fields))
}

func (l *Logger) renderText(level LogLevel, msg string, fields Fields) string {
	var sb strings.Builder
	sb.WriteString(time.Now().Format(textTimeFormat))
	fmt.Fprintf(&sb, " [%-5s] ", level)
	if l.colorize {
		sb.WriteString(levelColors[level])
	}
	sb.WriteString(l.prefix)
	if l.colorize {
		sb.WriteString(colorReset)
	}
	sb.WriteString(": ")
	sb.WriteString(msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, fields[k])
		}
		sb.WriteByte('}')
	}
	sb.WriteByte('\n')
	return sb.String()
}

type jsonEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Logger    string                 `json:"logger"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) renderJSON(level LogLevel, msg string, fields Fields) string {
	entry := jsonEntry{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Level:     level.String(),
		Logger:    l.prefix,
		Message:   msg,
		Fields:    fields,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Sprintf(`{"error":"marshal log entry: %v"}`+"\n", err)
	}
	return string(data) + "\n"
}

// Entry is a pending message with structured fields attached.
type Entry struct {
	logger *Logger
	fields Fields
}

// WithField adds one more field, leaving the receiver untouched.
func (e *Entry) WithField(key string, value interface{}) *Entry {
	fields := make(Fields, len(e.fields)+1)
	for k, v := range e.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Entry{logger: e.logger, fields: fields}
}

func (e *Entry) Debug(msg string) { e.logger.emit(DEBUG, msg, nil, e.fields) }
func (e *Entry) Info(msg string)  { e.logger.emit(INFO, msg, nil, e.fields) }
func (e *Entry) Warn(msg string)  { e.logger.emit(WARN, msg, nil, e.fields) }
func (e *Entry) Error(msg string) { e.logger.emit(ERROR, msg, nil, e.fields) }

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// SetDefaultLogger replaces the logger GetLogger derives from.
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

// GetLogger returns a component logger derived from the default one.
func GetLogger(prefix string) *Logger {
	defaultMu.Lock()
	if defaultLogger == nil {
		defaultLogger = New("rio")
	}
	l := defaultLogger
	defaultMu.Unlock()
	return l.WithPrefix(prefix)
}

// ConfigureFromEnv applies the RIO_LOG_LEVEL, RIO_LOG_FORMAT and
// NO_COLOR environment variables to the logger. Profile settings are
// applied first; the environment wins when both are set.
func ConfigureFromEnv(l *Logger) {
	if s := os.Getenv("RIO_LOG_LEVEL"); s != "" {
		l.SetLevel(ParseLevel(s))
	}
	switch strings.ToLower(os.Getenv("RIO_LOG_FORMAT")) {
	case "json":
		l.SetFormat(FormatJSON)
	case "text":
		l.SetFormat(FormatText)
	}
	if os.Getenv("NO_COLOR") != "" {
		l.SetColorize(false)
	}
}
