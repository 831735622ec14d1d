package circuitbreaker

import "time"

// Service names used by the settlement runtime.
const (
	ServiceBroker = "rabbitmq"
	ServiceLocker = "redis"
)

// DefaultConfig provides balanced settings.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 15,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// BrokerConfig trips quickly: the outbox keeps undelivered events, so
// fast-failing a publish loses nothing.
func BrokerConfig() Config {
	return Config{
		MaxRequests:         2,
		Interval:            time.Minute,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.4,
		MinRequests:         5,
	}
}

// LockerConfig tolerates more failures before refusing purchases.
func LockerConfig() Config {
	return Config{
		MaxRequests:         5,
		Interval:            3 * time.Minute,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 20,
		FailureRatio:        0.6,
		MinRequests:         15,
	}
}
