package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-settlement/settlement"
	"github.com/LerianStudio/lib-settlement/settlement/backoff"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry/metrics"
	"github.com/LerianStudio/lib-settlement/settlement/runtime"
)

var (
	metricEventsDispatched = metrics.Metric{
		Name:        "outbox_events_dispatched",
		Description: "Number of outbox events successfully published",
		Unit:        "{event}",
	}
	metricEventsFailed = metrics.Metric{
		Name:        "outbox_events_failed",
		Description: "Number of outbox events that failed to publish",
		Unit:        "{event}",
	}
	metricEventsStateFailed = metrics.Metric{
		Name:        "outbox_events_state_update_failed",
		Description: "Number of outbox events published but not persisted as published",
		Unit:        "{event}",
	}
	metricDispatchLatency = metrics.Metric{
		Name:        "outbox_dispatch_latency_ms",
		Description: "Time taken per dispatch cycle",
		Unit:        "ms",
	}
)

// Dispatcher publishes outbox events through registered handlers.
type Dispatcher struct {
	repo            Repository
	handlers        *HandlerRegistry
	retryClassifier RetryClassifier
	logger          log.Logger
	tracer          trace.Tracer
	metrics         *metrics.MetricsFactory
	cfg             DispatcherConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup
}

var _ settlement.App = (*Dispatcher)(nil)

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Processed         int
	Published         int
	Failed            int
	StateUpdateFailed int
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(
	repo Repository,
	handlers *HandlerRegistry,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if handlers == nil {
		return nil, ErrHandlerRegistryRequired
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("settlement.noop")
	}

	logger = log.OrNop(logger)

	dispatcher := &Dispatcher{
		repo:            repo,
		handlers:        handlers,
		retryClassifier: DefaultRetryClassifier,
		logger:          logger,
		tracer:          tracer,
		cfg:             DefaultDispatcherConfig(),
		stop:            make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	if dispatcher.metrics == nil {
		dispatcher.metrics = metrics.NewNopFactory()
	}

	return dispatcher, nil
}

// Config returns the normalized dispatcher configuration.
func (dispatcher *Dispatcher) Config() DispatcherConfig {
	return dispatcher.cfg
}

// Run starts the dispatcher loop until Stop is called.
func (dispatcher *Dispatcher) Run(launcher *settlement.Launcher) error {
	return dispatcher.RunContext(context.Background(), launcher)
}

// RunContext starts the dispatcher loop until Stop is called or ctx is cancelled.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context, launcher *settlement.Launcher) error {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.handlers == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(ctx, log.LevelInfo, "outbox dispatcher started")
		defer launcher.Logger.Log(ctx, log.LevelInfo, "outbox dispatcher stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, dispatcher.logger, "outbox", "dispatcher_run")

	ticker := time.NewTicker(dispatcher.cfg.DispatchInterval)
	defer ticker.Stop()

	dispatcher.tick(ctx, "outbox.dispatcher.initial_dispatch")

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			dispatcher.tick(ctx, "outbox.dispatcher.dispatch_once")
		}
	}
}

func (dispatcher *Dispatcher) tick(ctx context.Context, spanName string) {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()

	tickCtx, span := dispatcher.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLogWithContext(tickCtx, dispatcher.logger, "outbox", "dispatcher_tick")

	dispatcher.DispatchOnce(tickCtx)
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.cancelFunc != nil {
		dispatcher.cancelFunc()
	}

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

// Stop signals the dispatcher loop to stop.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight dispatch cycle.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "outbox.dispatcher_shutdown_wait", runtime.KeepRunning, func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce processes one dispatch cycle and returns its counters.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) DispatchResult {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.handlers == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	events, err := dispatcher.collectEvents(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list pending outbox events", err)
		dispatcher.logger.Log(ctx, log.LevelError, "failed to list pending outbox events", log.Err(err))

		return DispatchResult{}
	}

	var result DispatchResult

	// Publish happens before MarkPublished; a crash in between re-delivers.
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}

		if event == nil {
			continue
		}

		result.Processed++

		if err := dispatcher.publishEventWithRetry(ctx, event); err != nil {
			dispatcher.handlePublishError(ctx, event, err)

			result.Failed++

			continue
		}

		result.Published++

		if err := dispatcher.repo.MarkPublished(ctx, event.ID, time.Now().UTC()); err != nil {
			dispatcher.logger.Log(ctx, log.LevelError,
				"outbox event published but failed to persist PUBLISHED state; it will be reclaimed after the processing timeout and re-delivered",
				log.String("event_id", event.ID.String()),
				log.String("error", sanitizeError(err)),
			)

			result.StateUpdateFailed++
		}
	}

	span.SetAttributes(
		attribute.Int("outbox.processed", result.Processed),
		attribute.Int("outbox.published", result.Published),
		attribute.Int("outbox.failed", result.Failed),
	)

	dispatcher.recordCycle(ctx, result, time.Since(start))

	return result
}

// collectEvents reclaims stuck PROCESSING events first, then fills the rest
// of the batch with pending ones. Reclaim runs before the claim so events
// taken in this cycle are never reclaimed by it.
func (dispatcher *Dispatcher) collectEvents(ctx context.Context) ([]*Event, error) {
	processingBefore := time.Now().UTC().Add(-dispatcher.cfg.ProcessingTimeout)

	stuck, err := dispatcher.repo.ResetStuckProcessing(
		ctx,
		dispatcher.cfg.BatchSize,
		processingBefore,
		dispatcher.cfg.MaxDispatchAttempts,
	)
	if err != nil {
		// A failed reclaim must not block fresh events.
		dispatcher.logger.Log(ctx, log.LevelWarn, "failed to reclaim stuck outbox events",
			log.String("error", sanitizeError(err)),
		)

		stuck = nil
	}

	if len(stuck) > 0 {
		dispatcher.logger.Log(ctx, log.LevelWarn, "reclaimed stuck outbox events",
			log.Int("count", len(stuck)),
		)
	}

	remaining := dispatcher.cfg.BatchSize - len(stuck)
	if remaining <= 0 {
		return stuck, nil
	}

	pending, err := dispatcher.repo.ListPending(ctx, remaining)
	if err != nil {
		if len(stuck) > 0 {
			return stuck, nil
		}

		return nil, err
	}

	return append(stuck, pending...), nil
}

func (dispatcher *Dispatcher) recordCycle(ctx context.Context, result DispatchResult, elapsed time.Duration) {
	add := func(m metrics.Metric, n int) {
		if n == 0 {
			return
		}

		counter, err := dispatcher.metrics.Counter(m)
		if err == nil {
			err = counter.Add(ctx, int64(n))
		}

		if err != nil {
			dispatcher.logger.Log(ctx, log.LevelWarn, "failed to record outbox metric", log.String("metric", m.Name), log.Err(err))
		}
	}

	add(metricEventsDispatched, result.Published)
	add(metricEventsFailed, result.Failed)
	add(metricEventsStateFailed, result.StateUpdateFailed)

	histogram, err := dispatcher.metrics.Histogram(metricDispatchLatency)
	if err == nil {
		err = histogram.Record(ctx, elapsed.Milliseconds())
	}

	if err != nil {
		dispatcher.logger.Log(ctx, log.LevelWarn, "failed to record outbox latency", log.Err(err))
	}
}

func (dispatcher *Dispatcher) publishEventWithRetry(ctx context.Context, event *Event) error {
	maxAttempts := dispatcher.cfg.PublishMaxAttempts

	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := dispatcher.publishEvent(ctx, event)
		if err == nil {
			return nil
		}

		lastErr = fmt.Errorf("publish attempt %d/%d failed: %w", attempt+1, maxAttempts, err)
		if dispatcher.isNonRetryableError(err) || attempt == maxAttempts-1 {
			break
		}

		delay := backoff.ExponentialWithJitter(dispatcher.cfg.PublishBackoff, attempt)
		if waitErr := backoff.WaitContext(ctx, delay); waitErr != nil {
			lastErr = fmt.Errorf("publish retry wait interrupted: %w", waitErr)
			break
		}
	}

	return lastErr
}

func (dispatcher *Dispatcher) publishEvent(ctx context.Context, event *Event) error {
	if len(event.Payload) == 0 {
		return ErrEventPayloadRequired
	}

	return dispatcher.handlers.Handle(ctx, event)
}

func (dispatcher *Dispatcher) handlePublishError(ctx context.Context, event *Event, err error) {
	dispatcher.logger.Log(ctx, log.LevelWarn, "outbox event publish failed",
		log.String("event_id", event.ID.String()),
		log.String("event_type", event.EventType),
		log.Err(err),
	)

	if dispatcher.isNonRetryableError(err) {
		if markErr := dispatcher.repo.MarkInvalid(ctx, event.ID, sanitizeError(err)); markErr != nil {
			dispatcher.logger.Log(ctx, log.LevelError, "failed to mark outbox invalid", log.String("error", sanitizeError(markErr)))
		}

		return
	}

	if markErr := dispatcher.repo.MarkFailed(ctx, event.ID, sanitizeError(err), dispatcher.cfg.MaxDispatchAttempts); markErr != nil {
		dispatcher.logger.Log(ctx, log.LevelError, "failed to mark outbox failed", log.String("error", sanitizeError(markErr)))
	}
}

func (dispatcher *Dispatcher) isNonRetryableError(err error) bool {
	if err == nil || dispatcher.retryClassifier == nil {
		return false
	}

	return dispatcher.retryClassifier.IsNonRetryable(err)
}

// sanitizeError bounds the stored error message.
func sanitizeError(err error) string {
	if err == nil {
		return ""
	}

	msg := strings.TrimSpace(err.Error())
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength-len("...")] + "..."
	}

	return msg
}
