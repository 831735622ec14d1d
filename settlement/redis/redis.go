package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry/metrics"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrNilClient is returned by methods called on a nil *Client.
	ErrNilClient = errors.New("redis: client is nil")
	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("redis: invalid config")
)

var connectionFailuresMetric = metrics.Metric{
	Name:        "redis_connection_failures_total",
	Unit:        "1",
	Description: "Total number of redis connection failures",
}

// Config configures a Client. One address selects standalone mode; several
// select cluster mode, or sentinel mode when MasterName is set.
type Config struct {
	Addresses      []string
	MasterName     string
	Password       string
	DB             int
	TLS            bool
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PoolSize       int
	Logger         log.Logger
	MetricsFactory *metrics.MetricsFactory
}

func normalizeConfig(cfg Config) (Config, error) {
	addrs := make([]string, 0, len(cfg.Addresses))

	for _, addr := range cfg.Addresses {
		if addr = strings.TrimSpace(addr); addr != "" {
			addrs = append(addrs, addr)
		}
	}

	if len(addrs) == 0 {
		return Config{}, fmt.Errorf("%w: at least one address is required", ErrInvalidConfig)
	}

	cfg.Addresses = addrs

	cfg.Logger = log.OrNop(cfg.Logger)

	if cfg.MetricsFactory == nil {
		cfg.MetricsFactory = metrics.NewNopFactory()
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	return cfg, nil
}

// Client wraps a go-redis universal client.
type Client struct {
	mu     sync.RWMutex
	cfg    Config
	client redis.UniversalClient
}

// New validates cfg, connects and pings.
func New(ctx context.Context, cfg Config) (*Client, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: normalized}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect (re)opens the connection.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	ctx, span := otel.Tracer("redis").Start(ctx, "redis.connect")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemRedis))

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		if counter, cErr := c.cfg.MetricsFactory.Counter(connectionFailuresMetric); cErr == nil {
			_ = counter.AddOne(ctx)
		}

		opentelemetry.HandleSpanError(span, "failed to connect to redis", err)

		return err
	}

	return nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	opts := &redis.UniversalOptions{
		Addrs:        c.cfg.Addresses,
		MasterName:   c.cfg.MasterName,
		Password:     c.cfg.Password,
		DB:           c.cfg.DB,
		DialTimeout:  c.cfg.DialTimeout,
		ReadTimeout:  c.cfg.ReadTimeout,
		WriteTimeout: c.cfg.WriteTimeout,
		PoolSize:     c.cfg.PoolSize,
	}

	if c.cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewUniversalClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		c.cfg.Logger.Log(ctx, log.LevelError, "redis ping failed", log.Err(err))

		return fmt.Errorf("redis connect: ping: %w", err)
	}

	if c.client != nil {
		_ = c.client.Close()
	}

	c.client = rdb

	if !c.cfg.TLS {
		c.cfg.Logger.Log(ctx, log.LevelWarn, "redis connection established without TLS")
	}

	c.cfg.Logger.Log(ctx, log.LevelInfo, "connected to redis", log.Int("addresses", len(c.cfg.Addresses)))

	return nil
}

// GetClient returns the connected client, reconnecting if it was closed.
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client != nil {
		return client, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.client, nil
}

// IsConnected reports whether a client is open.
func (c *Client) IsConnected() (bool, error) {
	if c == nil {
		return false, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.client != nil, nil
}

// Close closes the client.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil

	return err
}
