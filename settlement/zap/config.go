package zap

import (
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const callerSkipFrames = 1

// ErrServiceNameRequired is returned by New without a service name.
var ErrServiceNameRequired = errors.New("service name is required")

// Environment selects the logger profile. It mirrors the service
// environment in the settlement config.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

// Config builds a settlement logger.
type Config struct {
	Environment Environment
	// Level overrides the environment default (debug for development and
	// local, info otherwise).
	Level string
	// ServiceName is stamped on every entry as "service" and names the
	// OpenTelemetry log scope.
	ServiceName string
	// Version is stamped on every entry as "version" when set.
	Version string
	// RevealAddresses disables account address masking in production and
	// staging.
	RevealAddresses bool
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return ErrServiceNameRequired
	}

	if !c.Environment.valid() {
		return fmt.Errorf("invalid environment %q", c.Environment)
	}

	return nil
}

func (e Environment) valid() bool {
	switch e {
	case EnvironmentProduction, EnvironmentStaging, EnvironmentDevelopment, EnvironmentLocal:
		return true
	default:
		return false
	}
}

func (e Environment) verbose() bool {
	return e == EnvironmentDevelopment || e == EnvironmentLocal
}

// New builds the service logger: JSON to stderr teed into the otelzap bridge,
// with service and version fields on every entry. Account addresses are
// masked outside development and local unless RevealAddresses is set.
func New(cfg Config) (*Logger, zap.AtomicLevel, error) {
	if err := cfg.validate(); err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid zap config: %w", err)
	}

	level, err := resolveLevel(cfg)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	base := zap.NewProductionConfig()
	if cfg.Environment.verbose() {
		base = zap.NewDevelopmentConfig()
	}

	base.Encoding = "json"
	base.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	base.Level = level
	base.DisableStacktrace = true

	built, err := base.Build(
		zap.AddCallerSkip(callerSkipFrames),
		zap.Fields(serviceFields(cfg)...),
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, otelzap.NewCore(cfg.ServiceName))
		}),
	)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}

	logger := NewFromZap(built, level)
	logger.maskAddresses = !cfg.Environment.verbose() && !cfg.RevealAddresses

	return logger, level, nil
}

func serviceFields(cfg Config) []zap.Field {
	fields := []zap.Field{
		zap.String("service", cfg.ServiceName),
		zap.String("environment", string(cfg.Environment)),
	}

	if v := strings.TrimSpace(cfg.Version); v != "" {
		fields = append(fields, zap.String("version", v))
	}

	return fields
}

func resolveLevel(cfg Config) (zap.AtomicLevel, error) {
	if strings.TrimSpace(cfg.Level) == "" {
		if cfg.Environment.verbose() {
			return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
		}

		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}

	var parsed zapcore.Level
	if err := parsed.Set(cfg.Level); err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("invalid level %q: %w", cfg.Level, err)
	}

	return zap.NewAtomicLevelAt(parsed), nil
}
