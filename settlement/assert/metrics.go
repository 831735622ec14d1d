package assert

import (
	"context"
	"sync"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry/metrics"
)

// AssertionMetrics counts failed assertions.
type AssertionMetrics struct {
	factory *metrics.MetricsFactory
}

var assertionFailedMetric = metrics.Metric{
	Name:        constant.MetricAssertionFailedTotal,
	Unit:        "1",
	Description: "Total number of failed assertions",
}

var (
	assertionMetricsInstance *AssertionMetrics
	assertionMetricsMu       sync.RWMutex
)

// InitAssertionMetrics installs the factory used to count failed assertions.
// Calls after the first are no-ops.
func InitAssertionMetrics(factory *metrics.MetricsFactory) {
	assertionMetricsMu.Lock()
	defer assertionMetricsMu.Unlock()

	if factory == nil || assertionMetricsInstance != nil {
		return
	}

	assertionMetricsInstance = &AssertionMetrics{factory: factory}
}

// GetAssertionMetrics returns the installed AssertionMetrics, or nil.
func GetAssertionMetrics() *AssertionMetrics {
	assertionMetricsMu.RLock()
	defer assertionMetricsMu.RUnlock()

	return assertionMetricsInstance
}

// ResetAssertionMetrics clears the installed AssertionMetrics. Intended for tests.
func ResetAssertionMetrics() {
	assertionMetricsMu.Lock()
	defer assertionMetricsMu.Unlock()

	assertionMetricsInstance = nil
}

// RecordAssertionFailed increments assertion_failed_total. Nil-safe.
func (am *AssertionMetrics) RecordAssertionFailed(ctx context.Context, component, operation, assertion string) {
	if am == nil || am.factory == nil {
		return
	}

	counter, err := am.factory.Counter(assertionFailedMetric)
	if err != nil {
		return
	}

	_ = counter.WithLabels(map[string]string{
		"component": constant.SanitizeMetricLabel(component),
		"operation": constant.SanitizeMetricLabel(operation),
		"assertion": constant.SanitizeMetricLabel(assertion),
	}).AddOne(ctx)
}
