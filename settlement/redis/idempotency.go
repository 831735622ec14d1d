package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/redis/go-redis/v9"
)

// DefaultIdempotencyTTL is how long a completed response is replayable.
const DefaultIdempotencyTTL = 24 * time.Hour

var (
	// ErrIdempotencyKeyRequired is returned for a blank key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrRequestInFlight is returned by Reserve while another request with
	// the same key has not completed.
	ErrRequestInFlight = errors.New("request with this idempotency key is in flight")
	// ErrIdempotencyKeyReused is returned by Reserve when the key was first
	// used for a request with a different fingerprint.
	ErrIdempotencyKeyReused = errors.New("idempotency key was already used for a different request")
)

// CachedResponse is a completed response stored under an idempotency key.
// Fingerprint identifies the request that produced it. A zero Status marks
// a reservation whose request has not completed yet.
type CachedResponse struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body"`
}

// IdempotencyStore reserves keys and caches the responses of completed
// requests so retries receive the original answer.
type IdempotencyStore struct {
	conn *Client
	ttl  time.Duration
}

// NewIdempotencyStore builds a store; ttl <= 0 selects DefaultIdempotencyTTL.
func NewIdempotencyStore(conn *Client, ttl time.Duration) (*IdempotencyStore, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}

	return &IdempotencyStore{conn: conn, ttl: ttl}, nil
}

func idempotencyKey(scope, key string) string {
	return constant.IdempotencyPrefix + scope + ":" + key
}

// Reserve claims key for scope on behalf of the request identified by
// fingerprint. When the key already holds a completed response for the same
// fingerprint it is returned with a nil error and the caller should replay
// it. ErrIdempotencyKeyReused means the key belongs to a different request;
// ErrRequestInFlight means the same request has not completed yet.
func (s *IdempotencyStore) Reserve(ctx context.Context, scope, key, fingerprint string) (*CachedResponse, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrIdempotencyKeyRequired
	}

	rdb, err := s.conn.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	fullKey := idempotencyKey(scope, key)

	pending, err := json.Marshal(CachedResponse{Fingerprint: fingerprint})
	if err != nil {
		return nil, fmt.Errorf("encode idempotency reservation: %w", err)
	}

	ok, err := rdb.SetNX(ctx, fullKey, pending, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}

	if ok {
		return nil, nil
	}

	record, err := s.read(ctx, rdb, fullKey)
	if err != nil {
		return nil, err
	}

	if record == nil {
		return nil, ErrRequestInFlight
	}

	if record.Fingerprint != fingerprint {
		return nil, ErrIdempotencyKeyReused
	}

	if record.Status == 0 {
		return nil, ErrRequestInFlight
	}

	return record, nil
}

// Complete stores resp under key, replacing the reservation. resp should
// carry the fingerprint passed to Reserve.
func (s *IdempotencyStore) Complete(ctx context.Context, scope, key string, resp CachedResponse) error {
	rdb, err := s.conn.GetClient(ctx)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}

	if err := rdb.Set(ctx, idempotencyKey(scope, key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("store idempotent response: %w", err)
	}

	return nil
}

// Get returns the completed response for key, or nil when none is stored.
func (s *IdempotencyStore) Get(ctx context.Context, scope, key string) (*CachedResponse, error) {
	rdb, err := s.conn.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	return s.get(ctx, rdb, idempotencyKey(scope, key))
}

// Release drops a reservation so the request can be retried, for example
// after a server error.
func (s *IdempotencyStore) Release(ctx context.Context, scope, key string) error {
	rdb, err := s.conn.GetClient(ctx)
	if err != nil {
		return err
	}

	return rdb.Del(ctx, idempotencyKey(scope, key)).Err()
}

func (s *IdempotencyStore) get(ctx context.Context, rdb redis.UniversalClient, fullKey string) (*CachedResponse, error) {
	record, err := s.read(ctx, rdb, fullKey)
	if err != nil || record == nil || record.Status == 0 {
		return nil, err
	}

	return record, nil
}

func (s *IdempotencyStore) read(ctx context.Context, rdb redis.UniversalClient, fullKey string) (*CachedResponse, error) {
	raw, err := rdb.Get(ctx, fullKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}

	var record CachedResponse
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("decode idempotent response: %w", err)
	}

	return &record, nil
}
