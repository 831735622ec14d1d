package outbox

import (
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry/metrics"
)

const (
	defaultDispatchInterval    = 2 * time.Second
	defaultBatchSize           = 50
	defaultPublishMaxAttempts  = 3
	defaultPublishBackoff      = 200 * time.Millisecond
	defaultMaxDispatchAttempts = 10
	defaultProcessingTimeout   = 10 * time.Minute
	maxErrorLength             = 512
)

// DispatcherConfig controls dispatcher polling and retry behavior.
type DispatcherConfig struct {
	// DispatchInterval is the periodic interval between dispatch cycles.
	DispatchInterval time.Duration
	// BatchSize is the max number of events processed per cycle.
	BatchSize int
	// PublishMaxAttempts is the max publish attempts for one event within a cycle.
	PublishMaxAttempts int
	// PublishBackoff is the base backoff between publish retries.
	PublishBackoff time.Duration
	// MaxDispatchAttempts is the max failed cycles before an event is parked as INVALID.
	MaxDispatchAttempts int
	// ProcessingTimeout is how long an event may stay PROCESSING before a
	// later cycle reclaims it.
	ProcessingTimeout time.Duration
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DispatchInterval:    defaultDispatchInterval,
		BatchSize:           defaultBatchSize,
		PublishMaxAttempts:  defaultPublishMaxAttempts,
		PublishBackoff:      defaultPublishBackoff,
		MaxDispatchAttempts: defaultMaxDispatchAttempts,
		ProcessingTimeout:   defaultProcessingTimeout,
	}
}

func (cfg *DispatcherConfig) normalize() {
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaultDispatchInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	if cfg.PublishMaxAttempts <= 0 {
		cfg.PublishMaxAttempts = defaultPublishMaxAttempts
	}

	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = defaultPublishBackoff
	}

	if cfg.MaxDispatchAttempts <= 0 {
		cfg.MaxDispatchAttempts = defaultMaxDispatchAttempts
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = defaultProcessingTimeout
	}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.BatchSize = size
	}
}

func WithDispatchInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.DispatchInterval = interval
	}
}

func WithPublishMaxAttempts(maxAttempts int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.PublishMaxAttempts = maxAttempts
	}
}

func WithPublishBackoff(backoff time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.PublishBackoff = backoff
	}
}

func WithMaxDispatchAttempts(maxAttempts int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.MaxDispatchAttempts = maxAttempts
	}
}

// WithProcessingTimeout sets how long a claimed event may sit in PROCESSING
// before it is reclaimed. Non-positive values keep the default.
func WithProcessingTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.ProcessingTimeout = timeout
	}
}

// WithRetryClassifier replaces DefaultRetryClassifier.
func WithRetryClassifier(classifier RetryClassifier) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.retryClassifier = classifier
	}
}

// WithMetricsFactory sets the factory used for dispatcher counters.
func WithMetricsFactory(factory *metrics.MetricsFactory) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.metrics = factory
	}
}
