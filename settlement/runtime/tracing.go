package runtime

import (
	"context"
	"fmt"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RecordPanicToSpanWithComponent adds a panic event to the active span of
// ctx and marks the span as failed. It is a no-op without a recording span.
func RecordPanicToSpanWithComponent(ctx context.Context, value any, stack []byte, component, name string) {
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("panic.goroutine_name", name),
	}

	if component != "" {
		attrs = append(attrs, attribute.String("panic.component", component))
	}

	if IsProductionMode() {
		attrs = append(attrs, attribute.String("panic.value", "redacted"))
	} else {
		attrs = append(attrs,
			attribute.String("panic.value", fmt.Sprint(value)),
			attribute.String("panic.stack", string(stack)),
		)
	}

	span.AddEvent(constant.EventPanicRecovered, trace.WithAttributes(attrs...))
	span.RecordError(fmt.Errorf("%w: %v", ErrPanic, value))
	span.SetStatus(codes.Error, ErrPanic.Error())
}
