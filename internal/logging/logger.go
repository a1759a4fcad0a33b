// Package logging provides the structured logger and the error collector used
// by the ledger core. Records are emitted through zerolog; collected errors
// are additionally kept in a bounded in-memory tail so the admin surface can
// report recent failures.
package logging

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Flag identifies the subsystem a log record belongs to.
type Flag string

// FlagTokens marks every record emitted by the token ledger core.
const FlagTokens Flag = "TOKENS"

// FlagRPC marks records emitted by the RPC and websocket surface.
const FlagRPC Flag = "RPC"

// FlagWorker marks records emitted by background workers.
const FlagWorker Flag = "WORKER"

// Event is a single structured log record.
type Event struct {
	Flag    Flag
	Action  string
	Message string
	Data    map[string]any
}

// Fields carries structured context for a collected error.
type Fields map[string]any

// Logger is the logging facade handed to ledger components. Collected errors
// never propagate to callers: AddError records and returns.
type Logger struct {
	zl zerolog.Logger

	mu     sync.Mutex
	tail   []CollectedError
	maxLen int
}

// CollectedError is one entry in the recorded-error tail.
type CollectedError struct {
	Time    time.Time      `json:"time"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Options configures logger construction.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Console switches from JSON output to human-readable console output.
	Console bool
	// Component is stamped on every record.
	Component string
	// ErrorTailSize bounds the recorded-error tail. Zero means 256.
	ErrorTailSize int
}

// New creates a Logger writing to stderr.
func New(opts Options) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var out zerolog.Logger
	if opts.Console {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		out = zerolog.New(os.Stderr)
	}

	level := zerolog.InfoLevel
	switch opts.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	component := opts.Component
	if component == "" {
		component = "tokend"
	}

	tailSize := opts.ErrorTailSize
	if tailSize <= 0 {
		tailSize = 256
	}

	zl := out.Level(level).With().
		Timestamp().
		Str("component", component).
		Logger()

	return &Logger{zl: zl, maxLen: tailSize}
}

// NewNop returns a logger that discards output. Used in tests.
func NewNop() *Logger {
	return &Logger{zl: zerolog.Nop(), maxLen: 256}
}

// Debug emits a debug-level message.
func (l *Logger) Debug(msg string) {
	l.zl.Debug().Msg(msg)
}

// Debugf emits a formatted debug-level message.
func (l *Logger) Debugf(format string, args ...any) {
	l.zl.Debug().Msgf(format, args...)
}

// WriteLog emits a structured info record for a ledger action.
func (l *Logger) WriteLog(e Event) {
	flag := e.Flag
	if flag == "" {
		flag = FlagTokens
	}
	ev := l.zl.Info().Str("flag", string(flag))
	if e.Action != "" {
		ev = ev.Str("action", e.Action)
	}
	for k, v := range e.Data {
		ev = ev.Interface(k, v)
	}
	ev.Msg(e.Message)
}

// AddError records a failure without interrupting the caller. The record is
// logged at error level and appended to the bounded tail.
func (l *Logger) AddError(msg string, fields Fields) {
	ev := l.zl.Error()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.tail = append(l.tail, CollectedError{
		Time:    time.Now().UTC(),
		Message: msg,
		Fields:  fields,
	})
	if len(l.tail) > l.maxLen {
		l.tail = l.tail[len(l.tail)-l.maxLen:]
	}
}

// RecentErrors returns a copy of the recorded-error tail, newest last.
func (l *Logger) RecentErrors() []CollectedError {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CollectedError, len(l.tail))
	copy(out, l.tail)
	return out
}

// ErrorCount returns how many errors are currently retained in the tail.
func (l *Logger) ErrorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tail)
}
