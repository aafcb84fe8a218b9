package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Level orders log severities.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

const envLogLevel = "LOG_LEVEL"

var minLevel atomic.Int32

func init() {
	minLevel.Store(int32(ParseLevel(os.Getenv(envLogLevel))))
}

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(raw string) Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel changes the minimum level emitted by every logger.
func SetLevel(level Level) {
	minLevel.Store(int32(level))
}

func enabled(level Level) bool {
	return int32(level) >= minLevel.Load()
}

// Logger is a component-scoped logger carrying bound key/value fields.
type Logger struct {
	component string
	fields    []interface{}
}

// New returns a logger for the given component.
func New(component string) *Logger {
	return &Logger{component: component}
}

// With returns a copy of the logger with extra key/value fields bound.
func (l *Logger) With(kv ...interface{}) *Logger {
	if l == nil {
		return New("").With(kv...)
	}
	fields := make([]interface{}, 0, len(l.fields)+len(kv))
	fields = append(fields, l.fields...)
	fields = append(fields, kv...)
	return &Logger{component: l.component, fields: fields}
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.emit(LevelDebug, msg, kv) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.emit(LevelInfo, msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.emit(LevelWarn, msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.emit(LevelError, msg, kv) }

func (l *Logger) emit(level Level, msg string, kv []interface{}) {
	if !enabled(level) {
		return
	}
	component := ""
	var fields []interface{}
	if l != nil {
		component = l.component
		fields = append(fields, l.fields...)
	}
	fields = append(fields, kv...)
	log.Printf("[%s] %s%s%s", strings.ToUpper(component), levelPrefix(level), msg, formatFields(fields...))
}

func levelPrefix(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG "
	case LevelWarn:
		return "WARN "
	case LevelError:
		return "ERROR "
	default:
		return ""
	}
}

// Info logs a message with key/value fields using a consistent prefix.
func Info(component, msg string, kv ...interface{}) {
	New(component).Info(msg, kv...)
}

// Warn logs a warning with key/value fields using a consistent prefix.
func Warn(component, msg string, kv ...interface{}) {
	New(component).Warn(msg, kv...)
}

// Error logs an error message with key/value fields using a consistent prefix.
func Error(component, msg string, kv ...interface{}) {
	New(component).Error(msg, kv...)
}

func formatFields(kv ...interface{}) string {
	if len(kv) == 0 {
		return ""
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	var b strings.Builder
	b.WriteString(" ")
	for i := 0; i < len(kv); i += 2 {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(strings.TrimSpace(toString(kv[i])))
		b.WriteString("=")
		b.WriteString(toString(kv[i+1]))
	}
	return b.String()
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		if strings.ContainsAny(t, " \t\n") {
			return fmt.Sprintf("%q", t)
		}
		return t
	case error:
		if t == nil {
			return "<nil>"
		}
		return fmt.Sprintf("%q", t.Error())
	default:
		return strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(strings.TrimSpace(fmt.Sprintf("%v", t)), "\n", " "), "\t", " "))
	}
}
