//go:build unit

package redis

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	client, err := New(context.Background(), Config{Addresses: []string{mr.Addr()}})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestNew_RequiresAddress(t *testing.T) {
	_, err := New(context.Background(), Config{Addresses: []string{" ", ""}})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_PingFailure(t *testing.T) {
	_, err := New(context.Background(), Config{
		Addresses:   []string{"127.0.0.1:1"},
		DialTimeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping")
}

func TestClient_NilReceiver(t *testing.T) {
	var c *Client

	_, err := c.GetClient(context.Background())
	assert.ErrorIs(t, err, ErrNilClient)
	assert.ErrorIs(t, c.Close(), ErrNilClient)

	_, err = c.IsConnected()
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestClient_CloseAndReconnect(t *testing.T) {
	client, _ := newTestClient(t)

	connected, err := client.IsConnected()
	require.NoError(t, err)
	assert.True(t, connected)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	connected, _ = client.IsConnected()
	assert.False(t, connected)

	rdb, err := client.GetClient(context.Background())
	require.NoError(t, err)
	require.NoError(t, rdb.Ping(context.Background()).Err())
}

func TestWithLock_RunsFunction(t *testing.T) {
	client, _ := newTestClient(t)

	locks, err := NewRedisLockManager(client)
	require.NoError(t, err)

	ran := false
	err = locks.WithLock(context.Background(), "settlement:listing:a", func(context.Context) error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithLock_ReturnsFunctionError(t *testing.T) {
	client, _ := newTestClient(t)
	locks, _ := NewRedisLockManager(client)

	boom := errors.New("boom")
	err := locks.WithLock(context.Background(), "k", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestWithLock_ReleasesOnReturn(t *testing.T) {
	client, mr := newTestClient(t)
	locks, _ := NewRedisLockManager(client)

	require.NoError(t, locks.WithLock(context.Background(), "k", func(context.Context) error {
		assert.True(t, mr.Exists("k"))
		return nil
	}))

	assert.False(t, mr.Exists("k"))
}

func TestWithLock_BusyWhenHeld(t *testing.T) {
	client, _ := newTestClient(t)
	locks, _ := NewRedisLockManager(client)

	held := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		_ = locks.WithLock(context.Background(), "listing", func(context.Context) error {
			close(held)
			<-release

			return nil
		})
	}()

	<-held

	err := locks.WithLockOptions(context.Background(), "listing", PurchaseLockOptions(), func(context.Context) error {
		t.Fatal("must not run while lock is held")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockBusy)
	assert.ErrorIs(t, err, constant.ErrSettlementInProgress)

	err = locks.WithDefaultOptions(PurchaseLockOptions()).WithLock(context.Background(), "listing", func(context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrLockBusy)

	close(release)
	wg.Wait()
}

func TestWithLock_SerializesSameKey(t *testing.T) {
	client, _ := newTestClient(t)
	locks, _ := NewRedisLockManager(client)

	opts := DefaultLockOptions()
	opts.Tries = 50
	opts.RetryDelay = 10 * time.Millisecond

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)

	for i := 0; i < 5; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := locks.WithLockOptions(context.Background(), "shared", opts, func(context.Context) error {
				n := inside.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}

				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)

				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestWithLock_ReleasesOnPanic(t *testing.T) {
	client, mr := newTestClient(t)
	locks, _ := NewRedisLockManager(client)

	assert.Panics(t, func() {
		_ = locks.WithLock(context.Background(), "p", func(context.Context) error {
			panic("boom")
		})
	})

	assert.False(t, mr.Exists("p"))
}

func TestWithLock_Guards(t *testing.T) {
	client, _ := newTestClient(t)
	locks, _ := NewRedisLockManager(client)
	noop := func(context.Context) error { return nil }

	assert.ErrorIs(t, locks.WithLock(context.Background(), "  ", noop), ErrEmptyLockKey)
	assert.ErrorIs(t, locks.WithLock(context.Background(), "k", nil), ErrNilLockFn)

	var nilManager *RedisLockManager
	assert.ErrorIs(t, nilManager.WithLock(context.Background(), "k", noop), ErrNilLockManager)

	_, err := NewRedisLockManager(nil)
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestValidateLockOptions(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*LockOptions)
	}{
		{"zero expiry", func(o *LockOptions) { o.Expiry = 0 }},
		{"zero tries", func(o *LockOptions) { o.Tries = 0 }},
		{"too many tries", func(o *LockOptions) { o.Tries = maxLockTries + 1 }},
		{"negative delay", func(o *LockOptions) { o.RetryDelay = -time.Second }},
		{"drift of one", func(o *LockOptions) { o.DriftFactor = 1 }},
	}

	require.NoError(t, validateLockOptions(DefaultLockOptions()))
	require.NoError(t, validateLockOptions(PurchaseLockOptions()))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultLockOptions()
			tt.modify(&opts)
			assert.ErrorIs(t, validateLockOptions(opts), ErrInvalidLockOptions)
		})
	}
}

func TestSafeLockKeyForLogs(t *testing.T) {
	assert.Equal(t, `"settlement:listing:x"`, safeLockKeyForLogs("settlement:listing:x"))

	long := safeLockKeyForLogs(strings.Repeat("a", 500))
	assert.True(t, strings.HasSuffix(long, "...(truncated)"))
	assert.Equal(t, `"a\n"`, safeLockKeyForLogs("a\n"))
}

func TestIdempotency_ReserveCompleteReplay(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	store, err := NewIdempotencyStore(client, time.Minute)
	require.NoError(t, err)

	cached, err := store.Reserve(ctx, "buyer", "key-1", "fp-1")
	require.NoError(t, err)
	assert.Nil(t, cached)
	assert.True(t, mr.Exists("settlement:idempotency:buyer:key-1"))

	_, err = store.Reserve(ctx, "buyer", "key-1", "fp-1")
	assert.ErrorIs(t, err, ErrRequestInFlight)

	got, err := store.Get(ctx, "buyer", "key-1")
	require.NoError(t, err)
	assert.Nil(t, got, "a reservation is not a completed response")

	resp := CachedResponse{Fingerprint: "fp-1", Status: http.StatusCreated, ContentType: "application/json", Body: []byte(`{"ok":true}`)}
	require.NoError(t, store.Complete(ctx, "buyer", "key-1", resp))

	cached, err = store.Reserve(ctx, "buyer", "key-1", "fp-1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, resp, *cached)

	other, err := store.Reserve(ctx, "someone-else", "key-1", "fp-1")
	require.NoError(t, err)
	assert.Nil(t, other)

	assert.Equal(t, time.Minute, mr.TTL("settlement:idempotency:buyer:key-1"))
}

func TestIdempotency_KeyReusedForDifferentRequest(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	store, _ := NewIdempotencyStore(client, time.Minute)

	_, err := store.Reserve(ctx, "buyer", "order-1", "fp-alice")
	require.NoError(t, err)

	_, err = store.Reserve(ctx, "buyer", "order-1", "fp-bob")
	assert.ErrorIs(t, err, ErrIdempotencyKeyReused, "in-flight reservation belongs to another request")

	require.NoError(t, store.Complete(ctx, "buyer", "order-1",
		CachedResponse{Fingerprint: "fp-alice", Status: http.StatusCreated, Body: []byte(`{"buyer":"alice"}`)}))

	cached, err := store.Reserve(ctx, "buyer", "order-1", "fp-bob")
	assert.ErrorIs(t, err, ErrIdempotencyKeyReused)
	assert.Nil(t, cached, "the first request's response is never handed to another")
}

func TestIdempotency_ReleaseAllowsRetry(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	store, _ := NewIdempotencyStore(client, 0)

	assert.Equal(t, DefaultIdempotencyTTL, store.ttl)

	_, err := store.Reserve(ctx, "s", "k", "fp")
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "s", "k"))

	cached, err := store.Reserve(ctx, "s", "k", "other-fp")
	require.NoError(t, err, "a released key may be reused by any request")
	assert.Nil(t, cached)

	got, err := store.Get(ctx, "s", "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIdempotency_Guards(t *testing.T) {
	_, err := NewIdempotencyStore(nil, 0)
	assert.ErrorIs(t, err, ErrNilClient)

	client, _ := newTestClient(t)
	store, _ := NewIdempotencyStore(client, 0)

	_, err = store.Reserve(context.Background(), "s", " ", "fp")
	assert.ErrorIs(t, err, ErrIdempotencyKeyRequired)
}
