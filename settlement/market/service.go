package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/custody"
	"github.com/LerianStudio/lib-settlement/settlement/engine"
	"github.com/LerianStudio/lib-settlement/settlement/store"
)

// ErrInvalidServiceConfig is returned by New for unusable options.
var ErrInvalidServiceConfig = errors.New("invalid market service config")

// Locker serializes work on one key across processes.
// redis.RedisLockManager satisfies it.
type Locker interface {
	WithLock(ctx context.Context, lockKey string, fn func(context.Context) error) error
}

type noLock struct{}

func (noLock) WithLock(ctx context.Context, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}

// Service exposes the marketplace operations.
type Service struct {
	store     store.Store
	engine    *engine.Engine
	locker    Locker
	vaultRent int64
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLocker guards listing flows with l. Without it the store transaction
// alone provides isolation.
func WithLocker(l Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithVaultRent sets the rent the seller pays to open a listing vault. It is
// refunded to the seller when the vault closes.
func WithVaultRent(rent int64) Option {
	return func(s *Service) {
		s.vaultRent = rent
	}
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a Service over st, settling purchases with eng.
func New(st store.Store, eng *engine.Engine, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidServiceConfig)
	}

	if eng == nil {
		return nil, fmt.Errorf("%w: engine is required", ErrInvalidServiceConfig)
	}

	s := &Service{
		store:  st,
		engine: eng,
		locker: noLock{},
		now:    time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if s.vaultRent < 0 {
		return nil, fmt.Errorf("%w: vault rent %d", ErrInvalidServiceConfig, s.vaultRent)
	}

	return s, nil
}

// LockKey is the Locker key for the listing of mint under marketplace.
func LockKey(marketplace, mint string) string {
	return constant.ListingLockPrefix + marketplace + ":" + mint
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{constant.ErrInvalidSettlementInput}, args...)...)
}

// recordError maps custody validation failures to the input sentinel.
func recordError(err error) error {
	if errors.Is(err, custody.ErrInvalidRecord) || errors.Is(err, custody.ErrInvalidAmount) ||
		errors.Is(err, custody.ErrInvalidSeeds) {
		return fmt.Errorf("%w: %w", constant.ErrInvalidSettlementInput, err)
	}

	return err
}

// fundsError maps a failed debit to the insufficient funds sentinel.
func fundsError(err error) error {
	if errors.Is(err, custody.ErrInsufficientFunds) {
		return fmt.Errorf("%w: %w", constant.ErrInsufficientFunds, err)
	}

	return err
}

func (s *Service) marketplace(ctx context.Context, tx store.Tx, id string) (*custody.Marketplace, error) {
	mp, err := tx.Marketplace(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: marketplace %s", constant.ErrMarketplaceNotFound, id)
	}

	return mp, err
}
