package assert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"runtime/debug"
	"strconv"
	"strings"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the subset of log.Logger used to report failures.
type Logger interface {
	Log(ctx context.Context, level log.Level, msg string, fields ...log.Field)
}

// Asserter evaluates invariants for one component and operation.
type Asserter struct {
	ctx       context.Context
	logger    Logger
	component string
	operation string
}

// ErrAssertionFailed is the sentinel error for failed assertions.
var ErrAssertionFailed = errors.New("assertion failed")

// AssertionError describes a failed assertion.
type AssertionError struct {
	Assertion string
	Message   string
	Component string
	Operation string
	Details   string
}

func (e *AssertionError) Error() string {
	if e == nil {
		return ErrAssertionFailed.Error()
	}

	if e.Details == "" {
		return "assertion failed: " + e.Message
	}

	return "assertion failed: " + e.Message + "\n" + e.Details
}

// Unwrap returns ErrAssertionFailed.
func (e *AssertionError) Unwrap() error {
	return ErrAssertionFailed
}

// New creates an Asserter. component and operation label telemetry.
//
//nolint:contextcheck
func New(ctx context.Context, logger Logger, component, operation string) *Asserter {
	if ctx == nil {
		ctx = context.Background()
	}

	return &Asserter{ctx: ctx, logger: logger, component: component, operation: operation}
}

// That fails when ok is false.
//
//	if err := a.That(ctx, fee <= price, "fee must not exceed price", "fee", fee, "price", price); err != nil {
//		return err
//	}
func (a *Asserter) That(ctx context.Context, ok bool, msg string, kv ...any) error {
	if ok {
		return nil
	}

	return a.fail(ctx, "That", msg, kv...)
}

// NotNil fails when v is nil, including typed nils held in an interface.
func (a *Asserter) NotNil(ctx context.Context, v any, msg string, kv ...any) error {
	if !isNil(v) {
		return nil
	}

	return a.fail(ctx, "NotNil", msg, kv...)
}

// NotEmpty fails when s is empty.
func (a *Asserter) NotEmpty(ctx context.Context, s, msg string, kv ...any) error {
	if s != "" {
		return nil
	}

	return a.fail(ctx, "NotEmpty", msg, kv...)
}

// NoError fails when err is not nil. The error text and type are added to
// the reported context.
func (a *Asserter) NoError(ctx context.Context, err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}

	pairs := make([]any, 0, len(kv)+4)
	pairs = append(pairs, "error", err.Error(), "error_type", fmt.Sprintf("%T", err))
	pairs = append(pairs, kv...)

	return a.fail(ctx, "NoError", msg, pairs...)
}

// Never always fails. Use it on unreachable paths.
func (a *Asserter) Never(ctx context.Context, msg string, kv ...any) error {
	return a.fail(ctx, "Never", msg, kv...)
}

const maxValueLength = 200

func truncateValue(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) <= maxValueLength {
		return s
	}

	return s[:maxValueLength] + "... (truncated " + strconv.Itoa(len(s)-maxValueLength) + " chars)"
}

func (a *Asserter) fail(ctx context.Context, assertion, msg string, kv ...any) error {
	ctx, logger, component, operation := a.values(ctx)

	pairs := make([]any, 0, len(kv)+6)
	pairs = append(pairs, "assertion", assertion)

	if component != "" {
		pairs = append(pairs, "component", component)
	}

	if operation != "" {
		pairs = append(pairs, "operation", operation)
	}

	details := formatKeyValueLines(append(pairs, kv...))

	var stack []byte
	if shouldIncludeStack() {
		stack = debug.Stack()
	}

	message := formatLogMessage(msg, details, stack)
	if logger != nil {
		logger.Log(ctx, log.LevelError, message)
	} else {
		fmt.Fprintln(os.Stderr, message)
	}

	recordAssertionToSpan(ctx, assertion, msg, component, operation)
	GetAssertionMetrics().RecordAssertionFailed(ctx, component, operation, assertion)

	return &AssertionError{
		Assertion: assertion,
		Message:   msg,
		Component: component,
		Operation: operation,
		Details:   details,
	}
}

func (a *Asserter) values(ctx context.Context) (context.Context, Logger, string, string) {
	if a == nil {
		if ctx == nil {
			ctx = context.Background()
		}

		return ctx, nil, "", ""
	}

	if ctx == nil {
		ctx = a.ctx
	}

	return ctx, a.logger, a.component, a.operation
}

func shouldIncludeStack() bool {
	if runtime.IsProductionMode() {
		return false
	}

	return !strings.EqualFold(strings.TrimSpace(os.Getenv("ENV")), "production")
}

func formatKeyValueLines(kv []any) string {
	var sb strings.Builder

	for i := 0; i < len(kv); i += 2 {
		if i > 0 {
			sb.WriteString("\n")
		}

		var value any = "MISSING_VALUE"
		if i+1 < len(kv) {
			value = kv[i+1]
		}

		fmt.Fprintf(&sb, "    %v=%v", kv[i], truncateValue(value))
	}

	return sb.String()
}

func formatLogMessage(msg, details string, stack []byte) string {
	var sb strings.Builder

	sb.WriteString("ASSERTION FAILED: ")
	sb.WriteString(msg)

	if details != "" {
		sb.WriteString("\n")
		sb.WriteString(details)
	}

	if len(stack) > 0 {
		sb.WriteString("\nstack trace:\n")
		sb.Write(stack)
	}

	return sb.String()
}

func recordAssertionToSpan(ctx context.Context, assertion, msg, component, operation string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent(constant.EventAssertionFailed, trace.WithAttributes(
		attribute.String("assertion.type", assertion),
		attribute.String("assertion.message", msg),
		attribute.String("assertion.component", component),
		attribute.String("assertion.operation", operation),
	))
	span.SetStatus(codes.Error, "assertion failed: "+msg)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}

	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
		return rv.IsNil()
	default:
		return false
	}
}
