package zap

import (
	"context"

	logpkg "github.com/LerianStudio/lib-settlement/settlement/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// addressFields are the field keys that carry ledger account addresses.
var addressFields = map[string]struct{}{
	"address":     {},
	"authority":   {},
	"buyer":       {},
	"destination": {},
	"owner":       {},
	"seller":      {},
	"treasury":    {},
	"vault":       {},
}

// Logger implements log.Logger on top of zap.
type Logger struct {
	logger        *zap.Logger
	atomicLevel   zap.AtomicLevel
	maskAddresses bool
}

var _ logpkg.Logger = (*Logger)(nil)

// NewFromZap wraps an existing zap logger. Addresses are logged unmasked.
func NewFromZap(logger *zap.Logger, level zap.AtomicLevel) *Logger {
	return &Logger{logger: logger, atomicLevel: level}
}

func (l *Logger) base() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}

	return l.logger
}

func (l *Logger) derive(logger *zap.Logger) *Logger {
	child := &Logger{logger: logger}
	if l != nil {
		child.atomicLevel = l.atomicLevel
		child.maskAddresses = l.maskAddresses
	}

	return child
}

// Log writes msg at level. An active span in ctx adds trace_id and span_id
// so settlement entries line up with their traces.
func (l *Logger) Log(ctx context.Context, level logpkg.Level, msg string, fields ...logpkg.Field) {
	zl := l.base()

	if ce := zl.Check(zapLevel(level), msg); ce != nil {
		zapFields := l.convert(fields)

		if ctx != nil {
			if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
				zapFields = append(zapFields,
					zap.String("trace_id", sc.TraceID().String()),
					zap.String("span_id", sc.SpanID().String()),
				)
			}
		}

		ce.Write(zapFields...)
	}
}

//nolint:ireturn
func (l *Logger) With(fields ...logpkg.Field) logpkg.Logger {
	return l.derive(l.base().With(l.convert(fields)...))
}

// WithGroup nests subsequent fields under name.
//
//nolint:ireturn
func (l *Logger) WithGroup(name string) logpkg.Logger {
	return l.derive(l.base().With(zap.Namespace(name)))
}

func (l *Logger) Enabled(level logpkg.Level) bool {
	return l.base().Core().Enabled(zapLevel(level))
}

// Sync flushes buffered entries unless ctx ends first.
func (l *Logger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() {
		done <- l.base().Sync()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Raw returns the underlying zap logger.
func (l *Logger) Raw() *zap.Logger {
	return l.base()
}

// Level returns the runtime-adjustable level handle.
func (l *Logger) Level() zap.AtomicLevel {
	if l == nil {
		return zap.AtomicLevel{}
	}

	return l.atomicLevel
}

func zapLevel(level logpkg.Level) zapcore.Level {
	switch level {
	case logpkg.LevelDebug:
		return zapcore.DebugLevel
	case logpkg.LevelWarn:
		return zapcore.WarnLevel
	case logpkg.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *Logger) convert(fields []logpkg.Field) []zap.Field {
	out := make([]zap.Field, len(fields))
	mask := l != nil && l.maskAddresses

	for i, f := range fields {
		if err, ok := f.Value.(error); ok && f.Key == "error" {
			out[i] = zap.Error(err)
			continue
		}

		if s, ok := f.Value.(string); ok {
			if _, isAddress := addressFields[f.Key]; isAddress && mask {
				s = logpkg.MaskAddress(s)
			}

			out[i] = zap.String(f.Key, s)

			continue
		}

		out[i] = zap.Any(f.Key, f.Value)
	}

	return out
}
