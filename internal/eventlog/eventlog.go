// Package eventlog wraps log/slog for the server. Operational logging goes
// through plain slog; security-relevant events additionally carry a graded
// severity so that High events can be escalated by the log pipeline.
package eventlog

import (
	"context"
	"log/slog"

	"github.com/mr-tron/base58"
)

// SecurityGrade ranks how strongly an event suggests abuse.
type SecurityGrade int

const (
	GradeLow SecurityGrade = iota
	GradeMedium
	GradeHigh
)

func (g SecurityGrade) String() string {
	switch g {
	case GradeLow:
		return "low"
	case GradeMedium:
		return "medium"
	case GradeHigh:
		return "high"
	}
	return "unknown"
}

const securityKey = "security_grade"

// Logger is the server-wide event logger.
type Logger struct {
	slog *slog.Logger
}

// New wraps an slog handler. A nil handler falls back to slog.Default.
func New(handler slog.Handler) *Logger {
	if handler == nil {
		return &Logger{slog: slog.Default()}
	}
	return &Logger{slog: slog.New(handler)}
}

// With returns a logger carrying the given attributes on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...)}
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// Security records a graded security event. Low grades log at Info, Medium
// at Warn, High at Error.
func (l *Logger) Security(grade SecurityGrade, msg string, args ...any) {
	args = append(args, securityKey, grade.String())
	switch grade {
	case GradeLow:
		l.slog.Info(msg, args...)
	case GradeMedium:
		l.slog.Warn(msg, args...)
	default:
		l.slog.Error(msg, args...)
	}
}

// Handler exposes the underlying slog handler for wrapping.
func (l *Logger) Handler() slog.Handler {
	return l.slog.Handler()
}

// Enabled reports whether the underlying handler would emit at level.
func (l *Logger) Enabled(level slog.Level) bool {
	return l.slog.Enabled(context.Background(), level)
}

// ShortID renders a binary identifier (session ID, nonce) in base58 for log
// output. Raw identifier bytes never reach the log stream.
func ShortID(id []byte) string {
	if len(id) == 0 {
		return ""
	}
	return base58.Encode(id)
}
