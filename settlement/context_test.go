//go:build unit

package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry/metrics"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewTrackingFromContext_Defaults(t *testing.T) {
	t.Parallel()

	logger, tracer, headerID, factory := NewTrackingFromContext(context.Background())

	assert.NotNil(t, logger)
	assert.NotNil(t, tracer)
	assert.NotNil(t, factory)

	_, err := uuid.Parse(headerID)
	require.NoError(t, err)
}

func TestNewTrackingFromContext_ReturnsStoredComponents(t *testing.T) {
	t.Parallel()

	logger := log.NewNop()
	tracer := sdktrace.NewTracerProvider().Tracer("test")
	factory := metrics.NewNopFactory()

	ctx := ContextWithLogger(context.Background(), logger)
	ctx = ContextWithTracer(ctx, tracer)
	ctx = ContextWithMetricFactory(ctx, factory)
	ctx = ContextWithHeaderID(ctx, "  req-1  ")

	gotLogger, gotTracer, headerID, gotFactory := NewTrackingFromContext(ctx)

	assert.Same(t, logger, gotLogger)
	assert.Equal(t, tracer, gotTracer)
	assert.Same(t, factory, gotFactory)
	assert.Equal(t, "req-1", headerID)
	assert.Same(t, logger, NewLoggerFromContext(ctx))
}

func TestContextWith_DoesNotMutateParent(t *testing.T) {
	t.Parallel()

	parent := ContextWithHeaderID(context.Background(), "parent")
	child := ContextWithHeaderID(parent, "child")

	_, _, parentID, _ := NewTrackingFromContext(parent)
	_, _, childID, _ := NewTrackingFromContext(child)

	assert.Equal(t, "parent", parentID)
	assert.Equal(t, "child", childID)
}

func TestNewLoggerFromContext_Nop(t *testing.T) {
	t.Parallel()

	assert.Same(t, log.NewNop(), NewLoggerFromContext(context.Background()))
}

func TestWithTimeoutSafe(t *testing.T) {
	t.Parallel()

	//nolint:staticcheck
	_, _, err := WithTimeoutSafe(nil, time.Second)
	require.ErrorIs(t, err, ErrNilParentContext)

	ctx, cancel, err := WithTimeoutSafe(context.Background(), time.Minute)
	require.NoError(t, err)
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)

	short, shortCancel := context.WithTimeout(context.Background(), time.Second)
	defer shortCancel()

	inherited, cancel2, err := WithTimeoutSafe(short, time.Hour)
	require.NoError(t, err)
	defer cancel2()

	want, _ := short.Deadline()
	got, _ := inherited.Deadline()
	assert.Equal(t, want, got)
}
