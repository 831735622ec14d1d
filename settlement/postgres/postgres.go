package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/store/sqlstore"
	"github.com/bxcodec/dbresolver/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("postgres: context is nil")
	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("postgres: invalid config")
	// ErrNotConnected is returned when the client has no open pool.
	ErrNotConnected = errors.New("postgres: not connected")
	// ErrNilClient is returned by methods called on a nil *Client.
	ErrNilClient = errors.New("postgres: client is nil")
)

var (
	dbOpenFn = sql.Open

	createResolverFn = func(primary, replica *sql.DB, logger log.Logger) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				logger.Log(context.Background(), log.LevelError, "resolver construction panicked", log.Any("panic", recovered))
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		resolver := dbresolver.New(
			dbresolver.WithPrimaryDBs(primary),
			dbresolver.WithReplicaDBs(replica),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)
		if resolver == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return resolver, nil
	}

	credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	passwordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Config configures a Client.
type Config struct {
	PrimaryDSN string
	// ReplicaDSN defaults to PrimaryDSN.
	ReplicaDSN         string
	Logger             log.Logger
	MaxOpenConnections int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
}

func (c Config) withDefaults() Config {
	c.Logger = log.OrNop(c.Logger)

	if strings.TrimSpace(c.ReplicaDSN) == "" {
		c.ReplicaDSN = c.PrimaryDSN
	}

	if c.MaxOpenConnections <= 0 {
		c.MaxOpenConnections = defaultMaxOpenConns
	}

	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = defaultMaxIdleConns
	}

	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = defaultConnMaxIdleTime
	}

	return c
}

func (c Config) validate() error {
	if strings.TrimSpace(c.PrimaryDSN) == "" {
		return fmt.Errorf("%w: primary dsn is required", ErrInvalidConfig)
	}

	if c.MaxIdleConnections > c.MaxOpenConnections {
		return fmt.Errorf("%w: max idle connections %d exceed max open %d", ErrInvalidConfig,
			c.MaxIdleConnections, c.MaxOpenConnections)
	}

	return nil
}

// Client owns the primary/replica pool.
type Client struct {
	cfg      Config
	mu       sync.RWMutex
	resolver dbresolver.DB
	primary  *sql.DB
	replica  *sql.DB
}

// New validates cfg and returns an unconnected Client.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Client{cfg: cfg}, nil
}

// Connect opens both pools and pings them. On failure the previous pool, if
// any, stays in place.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		return ErrNilContext
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	c.cfg.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	primary, err := c.open(c.cfg.PrimaryDSN)
	if err != nil {
		c.cfg.Logger.Log(ctx, log.LevelError, "failed to open primary database", log.Err(err))

		return newSanitizedError(err, "failed to open primary database")
	}

	replica, err := c.open(c.cfg.ReplicaDSN)
	if err != nil {
		_ = primary.Close()

		c.cfg.Logger.Log(ctx, log.LevelError, "failed to open replica database", log.Err(err))

		return newSanitizedError(err, "failed to open replica database")
	}

	resolver, err := createResolverFn(primary, replica, c.cfg.Logger)
	if err != nil {
		_ = primary.Close()
		_ = replica.Close()

		return err
	}

	if err := resolver.PingContext(ctx); err != nil {
		_ = resolver.Close()

		c.cfg.Logger.Log(ctx, log.LevelError, "failed to ping database", log.Err(err))

		return newSanitizedError(err, "failed to ping database")
	}

	if c.resolver != nil {
		if err := c.resolver.Close(); err != nil {
			c.cfg.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection", log.Err(err))
		}
	}

	c.resolver, c.primary, c.replica = resolver, primary, replica

	c.cfg.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

func (c *Client) open(dsn string) (*sql.DB, error) {
	db, err := dbOpenFn("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConnections)
	db.SetMaxIdleConns(c.cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.cfg.ConnMaxIdleTime)

	return db, nil
}

// Resolver returns the pool, connecting lazily on first use.
func (c *Client) Resolver(ctx context.Context) (dbresolver.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	if ctx == nil {
		return nil, ErrNilContext
	}

	c.mu.RLock()
	resolver := c.resolver
	c.mu.RUnlock()

	if resolver != nil {
		return resolver, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		return c.resolver, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.resolver, nil
}

// Primary returns the primary pool.
func (c *Client) Primary() (*sql.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.primary == nil {
		return nil, ErrNotConnected
	}

	return c.primary, nil
}

// IsConnected reports whether a pool is open.
func (c *Client) IsConnected() (bool, error) {
	if c == nil {
		return false, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.resolver != nil, nil
}

// Store returns a settlement store whose transactions run on the primary.
// Closing the store closes the client.
func (c *Client) Store(ctx context.Context, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	resolver, err := c.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	begin := func(ctx context.Context) (sqlstore.Conn, error) {
		tx, err := resolver.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
		if err != nil {
			return nil, err
		}

		return tx, nil
	}

	return sqlstore.New(begin, sqlstore.Postgres, append([]sqlstore.Option{sqlstore.WithCloser(c.Close)}, opts...)...)
}

// Close releases the pool. It is safe to call more than once.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		err := c.resolver.Close()
		c.resolver, c.primary, c.replica = nil, nil, nil

		return err
	}

	var errs []error

	for _, db := range []*sql.DB{c.primary, c.replica} {
		if db != nil {
			errs = append(errs, db.Close())
		}
	}

	c.primary, c.replica = nil, nil

	return errors.Join(errs...)
}

// SanitizedError carries a database error with credentials stripped. It does
// not unwrap, so the original message cannot leak through errors.As.
type SanitizedError struct {
	msg string
}

func newSanitizedError(err error, prefix string) *SanitizedError {
	if err == nil {
		return nil
	}

	return &SanitizedError{msg: prefix + ": " + sanitizeSensitiveString(err.Error())}
}

func (e *SanitizedError) Error() string {
	return e.msg
}

// Unwrap returns nil.
func (e *SanitizedError) Unwrap() error {
	return nil
}

func sanitizeSensitiveString(s string) string {
	s = credentialsPattern.ReplaceAllString(s, "://***@")

	return passwordPattern.ReplaceAllString(s, "${1}***")
}
