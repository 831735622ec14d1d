package metrics

import (
	"context"
	"errors"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"go.opentelemetry.io/otel/attribute"
)

// Settlement outcomes used as the "outcome" label.
const (
	OutcomeSettled  = "settled"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

var (
	// MetricSettlements counts settlement attempts by outcome and error code.
	MetricSettlements = Metric{
		Name:        constant.MetricSettlementsTotal,
		Unit:        "1",
		Description: "Number of settlement attempts by outcome.",
	}

	// MetricSettlementDuration measures wall time of a settlement in milliseconds.
	MetricSettlementDuration = Metric{
		Name:        constant.MetricSettlementDuration,
		Unit:        "ms",
		Description: "Duration of settlement attempts.",
		Buckets:     DefaultLatencyBuckets,
	}

	// MetricSettledVolume sums listing prices of committed settlements.
	MetricSettledVolume = Metric{
		Name:        constant.MetricSettledVolume,
		Unit:        "1",
		Description: "Total price of settled listings in base units.",
	}

	// MetricFeesCollected sums marketplace fees routed to treasuries.
	MetricFeesCollected = Metric{
		Name:        constant.MetricFeesCollected,
		Unit:        "1",
		Description: "Total marketplace fees collected in base units.",
	}
)

// RecordSettlementOutcome counts a settlement attempt and records its duration.
// code is empty for successful settlements.
func (f *MetricsFactory) RecordSettlementOutcome(ctx context.Context, outcome, code string, durationMs int64, attrs ...attribute.KeyValue) error {
	labels := append([]attribute.KeyValue{
		attribute.String(constant.AttrOutcome, outcome),
		attribute.String(constant.AttrErrorCode, constant.SanitizeMetricLabel(code)),
	}, attrs...)

	counter, err := f.Counter(MetricSettlements)
	if err != nil {
		return err
	}

	histogram, err := f.Histogram(MetricSettlementDuration)
	if err != nil {
		return err
	}

	return errors.Join(
		counter.WithAttributes(labels...).AddOne(ctx),
		histogram.WithAttributes(attribute.String(constant.AttrOutcome, outcome)).Record(ctx, durationMs),
	)
}

// RecordSettledAmounts adds a committed settlement's price and fee to the
// volume counters.
func (f *MetricsFactory) RecordSettledAmounts(ctx context.Context, price, fee int64, attrs ...attribute.KeyValue) error {
	volume, err := f.Counter(MetricSettledVolume)
	if err != nil {
		return err
	}

	fees, err := f.Counter(MetricFeesCollected)
	if err != nil {
		return err
	}

	return errors.Join(
		volume.WithAttributes(attrs...).Add(ctx, price),
		fees.WithAttributes(attrs...).Add(ctx, fee),
	)
}
