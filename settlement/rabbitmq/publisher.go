package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/circuitbreaker"
	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry"
	"github.com/LerianStudio/lib-settlement/settlement/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultConfirmTimeout = 5 * time.Second

var (
	// ErrPublisherClosed is returned after Close.
	ErrPublisherClosed = errors.New("rabbitmq: publisher closed")
	// ErrPublishNacked is returned when the broker rejects a message.
	ErrPublishNacked = errors.New("rabbitmq: publish nacked")
	// ErrConfirmTimeout is returned when no confirm arrives in time.
	ErrConfirmTimeout = errors.New("rabbitmq: confirm timeout")
)

// Publisher publishes with confirms. Calls are serialized so each confirm
// matches the message just sent.
type Publisher struct {
	ch             Channel
	exchange       string
	confirms       chan amqp.Confirmation
	confirmTimeout time.Duration
	breaker        circuitbreaker.Manager
	logger         log.Logger
	tracer         trace.Tracer

	mu     sync.Mutex
	closed bool
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a broker confirm.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// WithCircuitBreaker routes publishes through manager's broker breaker.
func WithCircuitBreaker(manager circuitbreaker.Manager) PublisherOption {
	return func(p *Publisher) {
		p.breaker = manager
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) PublisherOption {
	return func(p *Publisher) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// NewPublisher puts ch in confirm mode and returns a Publisher for exchange.
func NewPublisher(ch Channel, exchange string, opts ...PublisherOption) (*Publisher, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}

	if exchange == "" {
		exchange = defaultExchange
	}

	p := &Publisher{
		ch:             ch,
		exchange:       exchange,
		confirmTimeout: defaultConfirmTimeout,
		logger:         log.NewNop(),
		tracer:         noop.NewTracerProvider().Tracer("rabbitmq"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable confirms: %w", err)
	}

	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	if p.breaker != nil {
		p.breaker.GetOrCreate(circuitbreaker.ServiceBroker, circuitbreaker.BrokerConfig())
	}

	return p, nil
}

// Publish sends body under routingKey and waits for the broker confirm.
func (p *Publisher) Publish(ctx context.Context, routingKey, messageID string, body []byte, headers map[string]any) error {
	if p.breaker == nil {
		return p.publish(ctx, routingKey, messageID, body, headers)
	}

	_, err := p.breaker.Execute(circuitbreaker.ServiceBroker, func() (any, error) {
		return nil, p.publish(ctx, routingKey, messageID, body, headers)
	})

	return err
}

func (p *Publisher) publish(ctx context.Context, routingKey, messageID string, body []byte, headers map[string]any) error {
	ctx, span := p.tracer.Start(ctx, "rabbitmq.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", constant.DBSystemRabbitMQ),
		attribute.String("messaging.destination.name", p.exchange),
		attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
	)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table(opentelemetry.PrepareQueueHeaders(ctx, headers)),
		Body:         body,
	}

	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, true, false, msg); err != nil {
		opentelemetry.HandleSpanError(span, "publish failed", err)

		return fmt.Errorf("publish: %w", err)
	}

	if err := p.waitForConfirm(ctx); err != nil {
		opentelemetry.HandleSpanError(span, "confirm failed", err)
		p.logger.Log(ctx, log.LevelWarn, "publish not confirmed",
			log.String("routing_key", routingKey), log.String("message_id", messageID), log.Err(err))

		return err
	}

	return nil
}

func (p *Publisher) waitForConfirm(ctx context.Context) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirmed, ok := <-p.confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Handler returns an outbox handler that publishes each event's payload
// with its type as routing key and its id as message id.
func (p *Publisher) Handler() outbox.EventHandler {
	return func(ctx context.Context, event *outbox.Event) error {
		if event == nil {
			return outbox.ErrEventRequired
		}

		headers := map[string]any{
			"x-event-type":   event.EventType,
			"x-aggregate-id": event.AggregateID,
		}

		return p.Publish(ctx, event.EventType, event.ID.String(), event.Payload, headers)
	}
}

// Close stops publishing. It does not close the channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true

	return nil
}
