package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/engine"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

const minJWTSecretLength = 16

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full settlementd configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	HTTP      HTTPConfig      `yaml:"http"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Engine    EngineConfig    `yaml:"engine"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Outbox    OutboxConfig    `yaml:"outbox"`
}

type ServiceConfig struct {
	Name        string `yaml:"name" env:"SETTLEMENT_SERVICE_NAME"`
	Version     string `yaml:"version" env:"SETTLEMENT_VERSION"`
	Environment string `yaml:"environment" env:"SETTLEMENT_ENV"`
	LogLevel    string `yaml:"log_level" env:"SETTLEMENT_LOG_LEVEL"`
}

type HTTPConfig struct {
	Address         string        `yaml:"address" env:"SETTLEMENT_HTTP_ADDRESS"`
	BodyLimit       int           `yaml:"body_limit" env:"SETTLEMENT_HTTP_BODY_LIMIT"`
	JWTSecret       string        `yaml:"jwt_secret" env:"SETTLEMENT_JWT_SECRET"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SETTLEMENT_SHUTDOWN_TIMEOUT"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled" env:"SETTLEMENT_TELEMETRY_ENABLED"`
	Endpoint string `yaml:"endpoint" env:"SETTLEMENT_OTEL_ENDPOINT"`
}

// EngineConfig selects the fee policy and the rent charged when the engine
// or the listing flow opens a holding.
type EngineConfig struct {
	FeePolicy       string `yaml:"fee_policy" env:"SETTLEMENT_FEE_POLICY"`
	DestinationRent int64  `yaml:"destination_rent" env:"SETTLEMENT_DESTINATION_RENT"`
	VaultRent       int64  `yaml:"vault_rent" env:"SETTLEMENT_VAULT_RENT"`
}

type StoreConfig struct {
	Backend            string `yaml:"backend" env:"SETTLEMENT_STORE"`
	SQLiteDSN          string `yaml:"sqlite_dsn" env:"SETTLEMENT_SQLITE_DSN"`
	PostgresDSN        string `yaml:"postgres_dsn" env:"SETTLEMENT_POSTGRES_DSN"`
	PostgresReplicaDSN string `yaml:"postgres_replica_dsn" env:"SETTLEMENT_POSTGRES_REPLICA_DSN"`
	PostgresDBName     string `yaml:"postgres_db_name" env:"SETTLEMENT_POSTGRES_DB"`
	MaxOpenConns       int    `yaml:"max_open_conns" env:"SETTLEMENT_POSTGRES_MAX_OPEN_CONNS"`
}

// RedisConfig enables the distributed purchase lock and the idempotency
// cache when Addresses is not empty.
type RedisConfig struct {
	Addresses      []string      `yaml:"addresses" env:"SETTLEMENT_REDIS_ADDRESSES"`
	MasterName     string        `yaml:"master_name" env:"SETTLEMENT_REDIS_MASTER"`
	Password       string        `yaml:"password" env:"SETTLEMENT_REDIS_PASSWORD"`
	DB             int           `yaml:"db" env:"SETTLEMENT_REDIS_DB"`
	TLS            bool          `yaml:"tls" env:"SETTLEMENT_REDIS_TLS"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" env:"SETTLEMENT_IDEMPOTENCY_TTL"`
}

// RabbitMQConfig enables the outbox dispatcher when URL is set.
type RabbitMQConfig struct {
	URL      string `yaml:"url" env:"SETTLEMENT_RABBITMQ_URL"`
	Exchange string `yaml:"exchange" env:"SETTLEMENT_RABBITMQ_EXCHANGE"`
	Queue    string `yaml:"queue" env:"SETTLEMENT_RABBITMQ_QUEUE"`
}

type OutboxConfig struct {
	DispatchInterval   time.Duration `yaml:"dispatch_interval" env:"SETTLEMENT_OUTBOX_INTERVAL"`
	BatchSize          int           `yaml:"batch_size" env:"SETTLEMENT_OUTBOX_BATCH_SIZE"`
	MaxDispatchAttempt int           `yaml:"max_dispatch_attempts" env:"SETTLEMENT_OUTBOX_MAX_ATTEMPTS"`
	ProcessingTimeout  time.Duration `yaml:"processing_timeout" env:"SETTLEMENT_OUTBOX_PROCESSING_TIMEOUT"`
}

// Default returns a configuration that runs locally with no external
// backends.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "settlementd",
			Version:     "dev",
			Environment: "local",
			LogLevel:    "info",
		},
		HTTP: HTTPConfig{
			Address:         ":8080",
			BodyLimit:       64 * 1024,
			ShutdownTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			FeePolicy: engine.FlatFee{}.Name(),
		},
		Store: StoreConfig{
			Backend:        BackendMemory,
			PostgresDBName: "settlement",
		},
		Outbox: OutboxConfig{
			DispatchInterval:   2 * time.Second,
			BatchSize:          50,
			MaxDispatchAttempt: 10,
			ProcessingTimeout:  10 * time.Minute,
		},
	}
}

// Load reads path when it is not empty, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config %s: %w", path, err)
	}

	return nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error

	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	switch c.Service.Environment {
	case "production", "staging", "development", "local":
	default:
		invalid("unknown environment %q", c.Service.Environment)
	}

	if strings.TrimSpace(c.HTTP.Address) == "" {
		invalid("http address is required")
	}

	if c.HTTP.BodyLimit < 0 {
		invalid("http body limit must not be negative")
	}

	if c.HTTP.JWTSecret != "" && len(c.HTTP.JWTSecret) < minJWTSecretLength {
		invalid("jwt secret must have at least %d bytes", minJWTSecretLength)
	}

	if c.Telemetry.Enabled && strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		invalid("telemetry endpoint is required when telemetry is enabled")
	}

	if _, err := engine.ParseFeePolicy(c.Engine.FeePolicy); err != nil {
		invalid("%v", err)
	}

	if c.Engine.DestinationRent < 0 || c.Engine.VaultRent < 0 {
		invalid("rent must not be negative")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.Store.SQLiteDSN) == "" {
			invalid("sqlite_dsn is required for the sqlite backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			invalid("postgres_dsn is required for the postgres backend")
		}
	default:
		invalid("unknown store backend %q", c.Store.Backend)
	}

	if c.Redis.DB < 0 {
		invalid("redis db must not be negative")
	}

	if c.Outbox.BatchSize < 0 || c.Outbox.MaxDispatchAttempt < 0 || c.Outbox.DispatchInterval < 0 ||
		c.Outbox.ProcessingTimeout < 0 {
		invalid("outbox settings must not be negative")
	}

	return errors.Join(errs...)
}

// RedisEnabled reports whether a redis deployment is configured.
func (c *Config) RedisEnabled() bool {
	return len(c.Redis.Addresses) > 0
}

// RabbitMQEnabled reports whether outbox events are published to a broker.
func (c *Config) RabbitMQEnabled() bool {
	return strings.TrimSpace(c.RabbitMQ.URL) != ""
}
