package log

import "context"

// nopLogger drops every entry. A single instance is shared so loggers
// derived from it compare equal.
type nopLogger struct{}

var nop = &nopLogger{}

// NewNop returns the shared no-op logger.
//
//nolint:ireturn
func NewNop() Logger {
	return nop
}

// OrNop returns logger, or the no-op logger when logger is nil. Constructors
// taking an optional logger use it so callers may pass nil.
//
//nolint:ireturn
func OrNop(logger Logger) Logger {
	if logger == nil {
		return nop
	}

	return logger
}

func (l *nopLogger) Log(context.Context, Level, string, ...Field) {}

//nolint:ireturn
func (l *nopLogger) With(...Field) Logger { return l }

//nolint:ireturn
func (l *nopLogger) WithGroup(string) Logger { return l }

func (l *nopLogger) Enabled(Level) bool { return false }

func (l *nopLogger) Sync(context.Context) error { return nil }
