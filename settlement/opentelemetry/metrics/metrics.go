package metrics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/LerianStudio/lib-settlement/settlement/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MetricsFactory creates OpenTelemetry instruments lazily and caches them by
// name, so concurrent callers share one instrument per metric.
type MetricsFactory struct {
	meter      metric.Meter
	counters   sync.Map // string -> metric.Int64Counter
	gauges     sync.Map // string -> metric.Int64Gauge
	histograms sync.Map // string -> metric.Int64Histogram
	logger     log.Logger
}

// ErrNilMeter indicates that a nil OTEL meter was provided.
var ErrNilMeter = errors.New("metric meter cannot be nil")

// Metric describes an instrument.
type Metric struct {
	Name        string
	Description string
	Unit        string
	// Histogram bucket boundaries. Nil selects a default by name.
	Buckets []float64
}

var (
	// DefaultLatencyBuckets are millisecond boundaries for operation latency.
	DefaultLatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

	// DefaultAmountBuckets are boundaries for settled amounts in base units.
	DefaultAmountBuckets = []float64{100, 1_000, 10_000, 100_000, 1_000_000, 10_000_000, 100_000_000, 1_000_000_000}
)

// NewMetricsFactory creates a new MetricsFactory instance.
func NewMetricsFactory(meter metric.Meter, logger log.Logger) (*MetricsFactory, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}

	logger = log.OrNop(logger)

	return &MetricsFactory{
		meter:  meter,
		logger: logger,
	}, nil
}

// NewNopFactory returns a MetricsFactory backed by the no-op meter.
func NewNopFactory() *MetricsFactory {
	return &MetricsFactory{
		meter:  noop.NewMeterProvider().Meter("nop"),
		logger: log.NewNop(),
	}
}

// Counter creates or retrieves a counter and returns a builder for it.
func (f *MetricsFactory) Counter(m Metric) (*CounterBuilder, error) {
	counter, err := loadOrCreate(f, &f.counters, m.Name, "counter", func() (metric.Int64Counter, error) {
		return f.meter.Int64Counter(m.Name, metric.WithDescription(m.Description), metric.WithUnit(m.Unit))
	})
	if err != nil {
		return nil, err
	}

	return &CounterBuilder{counter: counter, name: m.Name}, nil
}

// Gauge creates or retrieves a gauge and returns a builder for it.
func (f *MetricsFactory) Gauge(m Metric) (*GaugeBuilder, error) {
	gauge, err := loadOrCreate(f, &f.gauges, m.Name, "gauge", func() (metric.Int64Gauge, error) {
		return f.meter.Int64Gauge(m.Name, metric.WithDescription(m.Description), metric.WithUnit(m.Unit))
	})
	if err != nil {
		return nil, err
	}

	return &GaugeBuilder{gauge: gauge, name: m.Name}, nil
}

// Histogram creates or retrieves a histogram and returns a builder for it.
// Histograms with different bucket layouts are cached separately.
func (f *MetricsFactory) Histogram(m Metric) (*HistogramBuilder, error) {
	if m.Buckets == nil {
		m.Buckets = selectDefaultBuckets(m.Name)
	}

	histogram, err := loadOrCreate(f, &f.histograms, histogramCacheKey(m.Name, m.Buckets), "histogram", func() (metric.Int64Histogram, error) {
		return f.meter.Int64Histogram(m.Name,
			metric.WithDescription(m.Description),
			metric.WithUnit(m.Unit),
			metric.WithExplicitBucketBoundaries(m.Buckets...),
		)
	})
	if err != nil {
		return nil, err
	}

	return &HistogramBuilder{histogram: histogram, name: m.Name}, nil
}

func loadOrCreate[T any](f *MetricsFactory, cache *sync.Map, key, kind string, create func() (T, error)) (T, error) {
	var zero T

	if cached, ok := cache.Load(key); ok {
		if inst, ok := cached.(T); ok {
			return inst, nil
		}

		return zero, fmt.Errorf("%s cache contains invalid type for %q", kind, key)
	}

	inst, err := create()
	if err != nil {
		f.logger.Log(context.Background(), log.LevelError, "failed to create "+kind+" metric",
			log.String("metric_name", key), log.Err(err))

		return zero, fmt.Errorf("create %s %q: %w", kind, key, err)
	}

	actual, _ := cache.LoadOrStore(key, inst)

	stored, ok := actual.(T)
	if !ok {
		return zero, fmt.Errorf("%s cache contains invalid type for %q", kind, key)
	}

	return stored, nil
}

func selectDefaultBuckets(name string) []float64 {
	nameL := strings.ToLower(name)

	for _, substr := range []string{"volume", "amount", "fee"} {
		if strings.Contains(nameL, substr) {
			return DefaultAmountBuckets
		}
	}

	return DefaultLatencyBuckets
}

func histogramCacheKey(name string, buckets []float64) string {
	if len(buckets) == 0 {
		return name
	}

	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)

	parts := make([]string, len(sorted))
	for i, b := range sorted {
		parts[i] = strconv.FormatFloat(b, 'g', -1, 64)
	}

	return name + ":" + strings.Join(parts, ",")
}
