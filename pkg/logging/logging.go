// Package logging provides structured logging for runguard.
//
// Diagnostics go to stderr as JSON lines (or logfmt text) so they can be
// collected from cron mail or a journal without mixing into the guarded
// command's own output.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// Level represents a log level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelOff   Level = "off"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelOff:   4,
}

// ParseLevel converts s to a Level. "warning" is accepted for warn.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if l == "warning" {
		l = LevelWarn
	}
	if _, ok := levelRank[l]; !ok {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// Format selects the encoding of log lines.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// ParseFormat converts s to a Format; empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatText:
		return f, nil
	case "":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown log format %q", s)
	}
}

// Fields are structured key/value pairs attached to a line.
type Fields = map[string]any

// sink is shared by a logger and every logger derived from it.
type sink struct {
	mu     sync.Mutex
	level  Level
	format Format
	out    io.Writer
	clock  clock.PassiveClock
}

// Logger writes leveled, structured lines. Loggers derived with WithFields
// share their parent's output, level and format.
type Logger struct {
	sink   *sink
	fields Fields
}

// LogEntry is the JSON shape of one line.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     Level  `json:"level"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
}

// New returns a logger writing to w.
func New(w io.Writer, level Level, format Format) *Logger {
	if format == "" {
		format = FormatJSON
	}
	return &Logger{sink: &sink{level: level, format: format, out: w, clock: clock.RealClock{}}}
}

// NewLogger returns a JSON logger writing to stderr.
func NewLogger(level Level) *Logger {
	return New(os.Stderr, level, FormatJSON)
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return New(io.Discard, LevelOff, FormatJSON)
}

// WithFields returns a logger that adds fields to every line.
func (l *Logger) WithFields(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{sink: l.sink, fields: merged}
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.enabled(level)
}

func (s *sink) enabled(level Level) bool {
	return s.level != LevelOff && levelRank[level] >= levelRank[s.level]
}

func (l *Logger) Debug(msg string, fields ...Fields) { l.log(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields ...Fields)  { l.log(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Fields)  { l.log(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields ...Fields) { l.log(LevelError, msg, fields) }

// ErrorErr logs msg at error level with err under the "error" key.
func (l *Logger) ErrorErr(msg string, err error, fields ...Fields) {
	l.log(LevelError, msg, append(fields, Fields{"error": err.Error()}))
}

func (l *Logger) log(level Level, msg string, extra []Fields) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
	}
	if n := len(l.fields) + len(extra); n > 0 {
		entry.Fields = make(Fields, len(l.fields))
		for k, v := range l.fields {
			entry.Fields[k] = v
		}
		for _, f := range extra {
			for k, v := range f {
				entry.Fields[k] = v
			}
		}
		if len(entry.Fields) == 0 {
			entry.Fields = nil
		}
	}

	if s.format == FormatText {
		io.WriteString(s.out, entry.logfmt())
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(s.out, "{\"level\":\"error\",\"message\":%q}\n", "unencodable log entry: "+msg)
		return
	}
	s.out.Write(append(data, '\n'))
}

// logfmt renders e as "time=... level=... msg=... k=v", sorted by key.
func (e LogEntry) logfmt() string {
	var b strings.Builder
	b.WriteString("time=" + e.Timestamp)
	b.WriteString(" level=" + string(e.Level))
	b.WriteString(" msg=" + logfmtValue(e.Message))
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" " + k + "=" + logfmtValue(fmt.Sprint(e.Fields[k])))
	}
	b.WriteByte('\n')
	return b.String()
}

func logfmtValue(s string) string {
	if s == "" || strings.ContainsAny(s, " =\"\t\n") {
		return strconv.Quote(s)
	}
	return s
}

// SetOutput redirects the logger and every logger derived from it.
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.out = w
}

// SetLevel changes the minimum level.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// SetFormat changes the line encoding.
func (l *Logger) SetFormat(format Format) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.format = format
}

// SetClock replaces the timestamp source.
func (l *Logger) SetClock(c clock.PassiveClock) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.clock = c
}

var global atomic.Pointer[Logger]

func init() {
	global.Store(NewLogger(LevelInfo))
}

// SetGlobal sets the global logger.
func SetGlobal(l *Logger) { global.Store(l) }

// Global returns the global logger.
func Global() *Logger { return global.Load() }

func Debug(msg string, fields ...Fields) { Global().Debug(msg, fields...) }
func Info(msg string, fields ...Fields)  { Global().Info(msg, fields...) }
func Warn(msg string, fields ...Fields)  { Global().Warn(msg, fields...) }
func Error(msg string, fields ...Fields) { Global().Error(msg, fields...) }

// ErrorErr logs to the global logger with an error.
func ErrorErr(msg string, err error, fields ...Fields) {
	Global().ErrorErr(msg, err, fields...)
}

// WithFields derives from the global logger.
func WithFields(fields Fields) *Logger {
	return Global().WithFields(fields)
}
