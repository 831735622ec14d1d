package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultExchange     = "settlement.events"
	defaultExchangeType = "topic"
	defaultDLXExchange  = "settlement.events.dlx"
	defaultDLQName      = "settlement.events.dlq"
	defaultDialTimeout  = 10 * time.Second
)

var (
	// ErrURLRequired is returned by Dial without a broker URL.
	ErrURLRequired = errors.New("rabbitmq: url is required")
	// ErrChannelRequired is returned when a nil channel is supplied.
	ErrChannelRequired = errors.New("rabbitmq: channel is required")

	credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
)

// Channel is the subset of *amqp.Channel used by this package.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Config configures the broker connection and topology.
type Config struct {
	URL          string
	Exchange     string
	ExchangeType string
	// Queue, when set, is declared durable and bound to every event type
	// with dead-lettering to DLQName.
	Queue       string
	DLXExchange string
	DLQName     string
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = defaultExchange
	}

	if c.ExchangeType == "" {
		c.ExchangeType = defaultExchangeType
	}

	if c.DLXExchange == "" {
		c.DLXExchange = defaultDLXExchange
	}

	if c.DLQName == "" {
		c.DLQName = defaultDLQName
	}

	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}

	return c
}

// Connection is an open broker connection and its publishing channel.
type Connection struct {
	Config  Config
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Dial connects to the broker and declares the topology.
func Dial(ctx context.Context, cfg Config, logger log.Logger) (*Connection, error) {
	cfg = cfg.withDefaults()

	logger = log.OrNop(logger)

	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrURLRequired
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Dial: amqp.DefaultDial(cfg.DialTimeout)})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq", log.String("error", sanitize(err)))

		return nil, fmt.Errorf("dial rabbitmq: %s", sanitize(err))
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := DeclareTopology(ch, cfg); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, err
	}

	logger.Log(ctx, log.LevelInfo, "connected to rabbitmq", log.String("exchange", cfg.Exchange))

	return &Connection{Config: cfg, conn: conn, channel: ch}, nil
}

// Channel returns the publishing channel.
func (c *Connection) Channel() Channel {
	return c.channel
}

// Close closes the channel and the connection.
func (c *Connection) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}

	var errs []error

	if c.channel != nil {
		errs = append(errs, c.channel.Close())
	}

	errs = append(errs, c.conn.Close())

	return errors.Join(errs...)
}

// DeclareTopology declares the event exchange, the dead-letter exchange and
// queue, and the optional consumer queue.
func DeclareTopology(ch Channel, cfg Config) error {
	if ch == nil {
		return ErrChannelRequired
	}

	cfg = cfg.withDefaults()

	if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.DLXExchange, defaultExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.DLQName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}

	if err := ch.QueueBind(cfg.DLQName, "#", cfg.DLXExchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	if cfg.Queue == "" {
		return nil
	}

	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false,
		amqp.Table{"x-dead-letter-exchange": cfg.DLXExchange}); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(cfg.Queue, "#", cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	return nil
}

func sanitize(err error) string {
	return credentialsPattern.ReplaceAllString(err.Error(), "://***@")
}
