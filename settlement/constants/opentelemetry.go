package constant

// TelemetrySDKName identifies this library in OTEL telemetry resource attributes.
const TelemetrySDKName = "lib-settlement/opentelemetry"

// MaxMetricLabelLength is the maximum length for metric labels.
const MaxMetricLabelLength = 64

// Telemetry attribute keys.
const (
	AttrMarketplace = "settlement.marketplace"
	AttrListing     = "settlement.listing"
	AttrMint        = "settlement.mint"
	AttrStep        = "settlement.step"
	AttrOutcome     = "settlement.outcome"
	AttrErrorCode   = "settlement.error_code"

	AttrDBSystem = "db.system"
)

// Database system identifiers used as values for AttrDBSystem.
const (
	DBSystemPostgreSQL = "postgresql"
	DBSystemSQLite     = "sqlite"
	DBSystemRedis      = "redis"
	DBSystemRabbitMQ   = "rabbitmq"
)

// Telemetry metric names.
const (
	MetricPanicRecoveredTotal  = "panic_recovered_total"
	MetricAssertionFailedTotal = "assertion_failed_total"
	MetricSettlementsTotal     = "settlements_total"
	MetricSettlementDuration   = "settlement_duration_ms"
	MetricSettledVolume        = "settlement_volume"
	MetricFeesCollected        = "settlement_fees_collected"
)

// Telemetry event names.
const (
	EventAssertionFailed = "assertion.failed"
	EventPanicRecovered  = "panic.recovered"
)

// SanitizeMetricLabel truncates a label value to MaxMetricLabelLength.
func SanitizeMetricLabel(value string) string {
	if len(value) > MaxMetricLabelLength {
		return value[:MaxMetricLabelLength]
	}

	return value
}
