package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement"
	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry"
	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
)

const maxLockTries = 1000

var (
	// ErrLockBusy is returned when another holder keeps the lock for every try.
	// It also matches constant.ErrSettlementInProgress.
	ErrLockBusy = errors.New("lock is held by another process")
	// ErrLockNotHeld is returned when releasing an expired or foreign lock.
	ErrLockNotHeld = errors.New("lock was not held or already expired")
	// ErrNilLockManager is returned by methods called on a nil manager.
	ErrNilLockManager = errors.New("lock manager is nil")
	// ErrNilLockFn is returned when WithLock receives a nil function.
	ErrNilLockFn = errors.New("lock function is nil")
	// ErrEmptyLockKey is returned for a blank lock key.
	ErrEmptyLockKey = errors.New("lock key cannot be empty")
	// ErrInvalidLockOptions is returned for out-of-range LockOptions.
	ErrInvalidLockOptions = errors.New("invalid lock options")
)

// LockManager runs functions under a distributed lock.
type LockManager interface {
	WithLock(ctx context.Context, lockKey string, fn func(context.Context) error) error
	WithLockOptions(ctx context.Context, lockKey string, opts LockOptions, fn func(context.Context) error) error
}

// LockOptions tune acquisition.
type LockOptions struct {
	// Expiry bounds how long a crashed holder blocks others.
	Expiry      time.Duration
	Tries       int
	RetryDelay  time.Duration
	DriftFactor float64
}

// DefaultLockOptions returns general-purpose settings.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:      10 * time.Second,
		Tries:       3,
		RetryDelay:  500 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

// PurchaseLockOptions fails fast: a buyer racing another buyer for the same
// listing is told the purchase is in progress instead of queueing.
func PurchaseLockOptions() LockOptions {
	return LockOptions{
		Expiry:      5 * time.Second,
		Tries:       2,
		RetryDelay:  50 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

type clientPool struct {
	conn *Client
}

func (p *clientPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := p.conn.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis client for lock pool: %w", err)
	}

	return goredis.NewPool(rdb).Get(ctx)
}

// RedisLockManager implements LockManager with redsync.
type RedisLockManager struct {
	redsync  *redsync.Redsync
	defaults LockOptions
}

var _ LockManager = (*RedisLockManager)(nil)

// NewRedisLockManager builds a manager over conn.
func NewRedisLockManager(conn *Client) (*RedisLockManager, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	return &RedisLockManager{
		redsync:  redsync.New(&clientPool{conn: conn}),
		defaults: DefaultLockOptions(),
	}, nil
}

// WithDefaultOptions returns a manager sharing dl's pool whose WithLock uses
// opts.
func (dl *RedisLockManager) WithDefaultOptions(opts LockOptions) *RedisLockManager {
	if dl == nil {
		return nil
	}

	return &RedisLockManager{redsync: dl.redsync, defaults: opts}
}

// WithLock runs fn under lockKey with the manager's default options.
func (dl *RedisLockManager) WithLock(ctx context.Context, lockKey string, fn func(context.Context) error) error {
	if dl == nil {
		return ErrNilLockManager
	}

	return dl.WithLockOptions(ctx, lockKey, dl.defaults, fn)
}

// WithLockOptions runs fn while holding lockKey. The lock is released when
// fn returns or panics. fn's error is returned unchanged.
func (dl *RedisLockManager) WithLockOptions(ctx context.Context, lockKey string, opts LockOptions, fn func(context.Context) error) error {
	if dl == nil || dl.redsync == nil {
		return ErrNilLockManager
	}

	if fn == nil {
		return ErrNilLockFn
	}

	if strings.TrimSpace(lockKey) == "" {
		return ErrEmptyLockKey
	}

	if err := validateLockOptions(opts); err != nil {
		return err
	}

	logger, tracer, _, _ := settlement.NewTrackingFromContext(ctx)
	safeKey := safeLockKeyForLogs(lockKey)

	ctx, span := tracer.Start(ctx, "redis.lock.with_lock")
	defer span.End()

	mutex := dl.redsync.NewMutex(lockKey,
		redsync.WithExpiry(opts.Expiry),
		redsync.WithTries(opts.Tries),
		redsync.WithRetryDelay(opts.RetryDelay),
		redsync.WithDriftFactor(opts.DriftFactor),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			logger.Log(ctx, log.LevelDebug, "lock busy", log.String("lock_key", safeKey))
			opentelemetry.HandleSpanBusinessErrorEvent(span, "lock busy", err)

			return fmt.Errorf("%w: %w: %s", ErrLockBusy, constant.ErrSettlementInProgress, safeKey)
		}

		logger.Log(ctx, log.LevelError, "failed to acquire lock", log.String("lock_key", safeKey), log.Err(err))
		opentelemetry.HandleSpanError(span, "failed to acquire lock", err)

		return fmt.Errorf("failed to acquire lock %s: %w", safeKey, err)
	}

	defer func() {
		// Release with a fresh context so a cancelled request still unlocks.
		if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			logger.Log(ctx, log.LevelWarn, "failed to release lock",
				log.String("lock_key", safeKey), log.Bool("unlock_ok", ok), log.Err(err))
		}
	}()

	return fn(ctx)
}

func isContention(err error) bool {
	return errors.Is(err, redsync.ErrFailed) ||
		strings.Contains(err.Error(), "lock already taken")
}

func validateLockOptions(opts LockOptions) error {
	switch {
	case opts.Expiry <= 0:
		return fmt.Errorf("%w: expiry must be positive", ErrInvalidLockOptions)
	case opts.Tries < 1 || opts.Tries > maxLockTries:
		return fmt.Errorf("%w: tries must be in 1..%d", ErrInvalidLockOptions, maxLockTries)
	case opts.RetryDelay < 0:
		return fmt.Errorf("%w: retry delay cannot be negative", ErrInvalidLockOptions)
	case opts.DriftFactor < 0 || opts.DriftFactor >= 1:
		return fmt.Errorf("%w: drift factor must be in [0, 1)", ErrInvalidLockOptions)
	}

	return nil
}

func safeLockKeyForLogs(lockKey string) string {
	const maxLen = 128

	quoted := strconv.QuoteToASCII(lockKey)
	if len(quoted) <= maxLen {
		return quoted
	}

	return quoted[:maxLen] + "...(truncated)"
}
