package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/sony/gobreaker"
)

type manager struct {
	breakers  map[string]*gobreaker.CircuitBreaker
	configs   map[string]Config
	listeners []StateChangeListener
	mu        sync.RWMutex
	logger    log.Logger
}

// NewManager creates a Manager. A nil logger discards output.
func NewManager(logger log.Logger) Manager {
	logger = log.OrNop(logger)

	return &manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]Config),
		logger:   logger,
	}
}

func (m *manager) settings(serviceName string, config Config) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "service-" + serviceName,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= config.ConsecutiveFailures {
				return true
			}

			if counts.Requests == 0 || counts.Requests < config.MinRequests {
				return false
			}

			return float64(counts.TotalFailures)/float64(counts.Requests) >= config.FailureRatio
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			m.handleStateChange(serviceName, from, to)
		},
	}
}

func (m *manager) GetOrCreate(serviceName string, config Config) CircuitBreaker {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if exists {
		return &circuitBreaker{breaker: breaker}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, exists = m.breakers[serviceName]; exists {
		return &circuitBreaker{breaker: breaker}
	}

	breaker = gobreaker.NewCircuitBreaker(m.settings(serviceName, config))
	m.breakers[serviceName] = breaker
	m.configs[serviceName] = config

	m.logger.Log(context.Background(), log.LevelInfo, "created circuit breaker", log.String("service", serviceName))

	return &circuitBreaker{breaker: breaker}
}

func (m *manager) lookup(serviceName string) (*gobreaker.CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	breaker, ok := m.breakers[serviceName]

	return breaker, ok
}

func (m *manager) Execute(serviceName string, fn func() (any, error)) (any, error) {
	breaker, ok := m.lookup(serviceName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBreakerNotFound, serviceName)
	}

	result, err := breaker.Execute(fn)

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		m.logger.Log(context.Background(), log.LevelWarn, "circuit breaker open, request rejected", log.String("service", serviceName))

		return nil, fmt.Errorf("%w: %s (circuit breaker open): %w", ErrServiceUnavailable, serviceName, err)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		m.logger.Log(context.Background(), log.LevelWarn, "circuit breaker half-open, too many requests", log.String("service", serviceName))

		return nil, fmt.Errorf("%w: %s (recovering): %w", ErrServiceUnavailable, serviceName, err)
	}

	return result, err
}

func (m *manager) GetState(serviceName string) State {
	breaker, ok := m.lookup(serviceName)
	if !ok {
		return StateUnknown
	}

	return convertState(breaker.State())
}

func (m *manager) GetCounts(serviceName string) Counts {
	breaker, ok := m.lookup(serviceName)
	if !ok {
		return Counts{}
	}

	return convertCounts(breaker.Counts())
}

func (m *manager) IsHealthy(serviceName string) bool {
	return m.GetState(serviceName) == StateClosed
}

func (m *manager) Reset(serviceName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	config, ok := m.configs[serviceName]
	if !ok {
		return
	}

	m.breakers[serviceName] = gobreaker.NewCircuitBreaker(m.settings(serviceName, config))

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker reset", log.String("service", serviceName))
}

func (m *manager) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

func (m *manager) handleStateChange(serviceName string, from, to gobreaker.State) {
	level := log.LevelInfo
	if to == gobreaker.StateOpen {
		level = log.LevelError
	}

	m.logger.Log(context.Background(), level, "circuit breaker state changed",
		log.String("service", serviceName), log.String("from", from.String()), log.String("to", to.String()))

	fromState, toState := convertState(from), convertState(to)

	m.mu.RLock()
	listeners := append([]StateChangeListener(nil), m.listeners...)
	m.mu.RUnlock()

	for _, listener := range listeners {
		go func(l StateChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Log(context.Background(), log.LevelError, "circuit breaker listener panicked",
						log.String("service", serviceName), log.Any("panic", r))
				}
			}()

			l.OnStateChange(serviceName, fromState, toState)
		}(listener)
	}
}
