package settlement

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ErrNilParentContext indicates that a nil parent context was provided.
var ErrNilParentContext = errors.New("cannot create context from nil parent")

const defaultInstrumentation = "lib-settlement"

type customContextKey string

// CustomContextKey is the context key used to store CustomContextKeyValue.
var CustomContextKey = customContextKey("custom_context")

// CustomContextKeyValue holds the request-scoped facilities attached to a context.
type CustomContextKeyValue struct {
	HeaderID      string
	Tracer        trace.Tracer
	Logger        log.Logger
	MetricFactory *metrics.MetricsFactory
}

// withValues copies the current values, applies set and stores the copy, so
// a child context never mutates what its parent sees.
func withValues(ctx context.Context, set func(v *CustomContextKeyValue)) context.Context {
	var values CustomContextKeyValue
	if current, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok && current != nil {
		values = *current
	}

	set(&values)

	return context.WithValue(ctx, CustomContextKey, &values)
}

// NewLoggerFromContext returns the context logger or a no-op logger.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) log.Logger {
	if v, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok && v.Logger != nil {
		return v.Logger
	}

	return log.NewNop()
}

// ContextWithLogger returns a context carrying logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	return withValues(ctx, func(v *CustomContextKeyValue) { v.Logger = logger })
}

// ContextWithTracer returns a context carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	return withValues(ctx, func(v *CustomContextKeyValue) { v.Tracer = tracer })
}

// ContextWithMetricFactory returns a context carrying factory.
func ContextWithMetricFactory(ctx context.Context, factory *metrics.MetricsFactory) context.Context {
	return withValues(ctx, func(v *CustomContextKeyValue) { v.MetricFactory = factory })
}

// ContextWithHeaderID returns a context carrying the request correlation id.
func ContextWithHeaderID(ctx context.Context, headerID string) context.Context {
	return withValues(ctx, func(v *CustomContextKeyValue) { v.HeaderID = headerID })
}

// NewTrackingFromContext returns the logger, tracer, correlation id and
// metrics factory of ctx. Missing components are replaced by a no-op logger,
// the global tracer, a fresh UUID and a factory over the global meter.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string, *metrics.MetricsFactory) {
	var v CustomContextKeyValue
	if current, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok && current != nil {
		v = *current
	}

	logger := log.OrNop(v.Logger)

	tracer := v.Tracer
	if tracer == nil {
		tracer = otel.Tracer(defaultInstrumentation)
	}

	headerID := strings.TrimSpace(v.HeaderID)
	if headerID == "" {
		headerID = uuid.New().String()
	}

	factory := v.MetricFactory
	if factory == nil {
		factory = defaultMetricFactory()
	}

	return logger, tracer, headerID, factory
}

func defaultMetricFactory() *metrics.MetricsFactory {
	factory, err := metrics.NewMetricsFactory(otel.GetMeterProvider().Meter(defaultInstrumentation), log.NewNop())
	if err != nil {
		return metrics.NewNopFactory()
	}

	return factory
}

// WithTimeoutSafe creates a context with timeout unless the parent already
// has an earlier deadline, in which case only a cancel func is added.
func WithTimeoutSafe(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	if parent == nil {
		return nil, nil, ErrNilParentContext
	}

	if deadline, ok := parent.Deadline(); ok && time.Until(deadline) < timeout {
		ctx, cancel := context.WithCancel(parent)

		return ctx, cancel, nil
	}

	ctx, cancel := context.WithTimeout(parent, timeout)

	return ctx, cancel, nil
}
