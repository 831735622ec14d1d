package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/lib-settlement/settlement/log"
)

// Logger is the subset of log.Logger needed to report a recovered panic.
type Logger interface {
	Log(ctx context.Context, level log.Level, msg string, fields ...log.Field)
}

// PanicPolicy decides what happens after a panic has been recovered and reported.
type PanicPolicy int

const (
	// KeepRunning swallows the panic after reporting it.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after reporting.
	CrashProcess
)

// ErrPanic wraps a recovered panic value.
var ErrPanic = errors.New("panic recovered")

// SafeGo runs fn in a new goroutine, recovering and reporting any panic
// according to policy.
func SafeGo(logger Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer recoverWithPolicy(context.Background(), logger, "", name, policy)

		fn()
	}()
}

// SafeGoWithContext is SafeGo with a context used for span and metric
// correlation and passed through to fn.
func SafeGoWithContext(ctx context.Context, logger Logger, component, name string, policy PanicPolicy, fn func(context.Context)) {
	go func() {
		defer recoverWithPolicy(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}

// RecoverAndLog recovers a panic in the calling goroutine and logs it.
// It must be called directly by defer.
func RecoverAndLog(logger Logger, name string) {
	if r := recover(); r != nil {
		handlePanicValue(context.Background(), logger, r, "", name)
	}
}

// RecoverAndLogWithContext is RecoverAndLog with span and metric correlation.
// It must be called directly by defer.
func RecoverAndLogWithContext(ctx context.Context, logger Logger, component, name string) {
	if r := recover(); r != nil {
		handlePanicValue(ctx, logger, r, component, name)
	}
}

// RecoverToError recovers a panic and stores it in *errp wrapped in ErrPanic.
// It must be called directly by defer.
func RecoverToError(ctx context.Context, logger Logger, component, name string, errp *error) {
	if r := recover(); r != nil {
		handlePanicValue(ctx, logger, r, component, name)

		if errp != nil {
			*errp = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}
}

func recoverWithPolicy(ctx context.Context, logger Logger, component, name string, policy PanicPolicy) {
	r := recover()
	if r == nil {
		return
	}

	handlePanicValue(ctx, logger, r, component, name)

	if policy == CrashProcess {
		panic(r)
	}
}

func handlePanicValue(ctx context.Context, logger Logger, value any, component, name string) {
	if ctx == nil {
		ctx = context.Background()
	}

	stack := debug.Stack()

	logPanicWithStack(ctx, logger, name, value, stack)
	RecordPanicToSpanWithComponent(ctx, value, stack, component, name)
	recordPanicMetric(ctx, component, name)
}

func logPanicWithStack(ctx context.Context, logger Logger, name string, value any, stack []byte) {
	if logger == nil {
		return
	}

	if IsProductionMode() {
		logger.Log(ctx, log.LevelError, redactedPanicMsg, log.String("goroutine", name))

		return
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("goroutine", name),
		log.String("panic", fmt.Sprint(value)),
		log.String("stack", string(stack)),
	)
}
