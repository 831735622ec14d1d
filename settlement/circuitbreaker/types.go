package circuitbreaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

var (
	// ErrBreakerNotFound is returned by Execute for an unregistered service.
	ErrBreakerNotFound = errors.New("circuit breaker not found")
	// ErrServiceUnavailable wraps gobreaker's open and half-open rejections.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// Manager owns one breaker per service.
type Manager interface {
	GetOrCreate(serviceName string, config Config) CircuitBreaker
	Execute(serviceName string, fn func() (any, error)) (any, error)
	GetState(serviceName string) State
	GetCounts(serviceName string) Counts
	// IsHealthy is true only while the breaker is closed.
	IsHealthy(serviceName string) bool
	Reset(serviceName string)
	RegisterStateChangeListener(listener StateChangeListener)
}

// CircuitBreaker is a single breaker.
type CircuitBreaker interface {
	Execute(fn func() (any, error)) (any, error)
	State() State
	Counts() Counts
}

// Config holds breaker thresholds.
type Config struct {
	MaxRequests         uint32        // requests allowed while half-open
	Interval            time.Duration // closed-state counter reset period
	Timeout             time.Duration // open-state duration before half-open
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32 // requests before FailureRatio applies
}

// State is a breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Counts mirrors gobreaker.Counts.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// StateChangeListener is notified asynchronously on every transition.
type StateChangeListener interface {
	OnStateChange(serviceName string, from State, to State)
}

// StateChangeFunc adapts a function to StateChangeListener.
type StateChangeFunc func(serviceName string, from State, to State)

// OnStateChange calls f.
func (f StateChangeFunc) OnStateChange(serviceName string, from State, to State) {
	f(serviceName, from, to)
}

type circuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
}

func (cb *circuitBreaker) Execute(fn func() (any, error)) (any, error) {
	return cb.breaker.Execute(fn)
}

func (cb *circuitBreaker) State() State {
	return convertState(cb.breaker.State())
}

func (cb *circuitBreaker) Counts() Counts {
	return convertCounts(cb.breaker.Counts())
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

func convertCounts(c gobreaker.Counts) Counts {
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}
