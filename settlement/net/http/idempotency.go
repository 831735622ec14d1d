package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/LerianStudio/lib-settlement/settlement"
	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/redis"
	"github.com/gofiber/fiber/v2"
)

// IdempotencyStore caches completed responses by key.
// redis.IdempotencyStore satisfies it.
type IdempotencyStore interface {
	Reserve(ctx context.Context, scope, key, fingerprint string) (*redis.CachedResponse, error)
	Complete(ctx context.Context, scope, key string, resp redis.CachedResponse) error
	Release(ctx context.Context, scope, key string) error
}

// WithIdempotency replays the stored response for a repeated X-Idempotency
// key. Keys are scoped by principal and path; without a principal the string
// field actorField of the JSON body stands in. The key is bound to a SHA-256
// fingerprint of method, path and body, and reusing it for a different
// request fails with redis.ErrIdempotencyKeyReused. Requests without the
// header pass through. Responses with a 5xx status release the key so the
// request can be retried; everything else is cached, including business
// rejections.
func WithIdempotency(store IdempotencyStore, actorField string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get(constant.IdempotencyKey)
		if key == "" || store == nil {
			return c.Next()
		}

		ctx := c.UserContext()
		logger := settlement.NewLoggerFromContext(ctx)
		scope := idempotencyScope(c, actorField) + ":" + c.Path()
		fingerprint := requestFingerprint(c)

		cached, err := store.Reserve(ctx, scope, key, fingerprint)
		if err != nil {
			if errors.Is(err, redis.ErrRequestInFlight) || errors.Is(err, redis.ErrIdempotencyKeyReused) {
				return err
			}

			logger.Log(ctx, log.LevelWarn, "idempotency store unavailable", log.Err(err))

			return c.Next()
		}

		if cached != nil {
			c.Set(constant.IdempotencyReplayed, "true")

			if cached.ContentType != "" {
				c.Set(fiber.HeaderContentType, cached.ContentType)
			}

			return c.Status(cached.Status).Send(cached.Body)
		}

		c.Set(constant.IdempotencyReplayed, "false")

		if err := c.Next(); err != nil {
			// Render now so the outcome can be cached.
			if renderErr := c.App().ErrorHandler(c, err); renderErr != nil {
				_ = store.Release(ctx, scope, key)

				return renderErr
			}
		}

		status := c.Response().StatusCode()
		if status >= fiber.StatusInternalServerError {
			if err := store.Release(ctx, scope, key); err != nil {
				logger.Log(ctx, log.LevelWarn, "failed to release idempotency key", log.Err(err))
			}

			return nil
		}

		resp := redis.CachedResponse{
			Fingerprint: fingerprint,
			Status:      status,
			ContentType: string(c.Response().Header.ContentType()),
			Body:        append([]byte(nil), c.Response().Body()...),
		}

		if err := store.Complete(ctx, scope, key, resp); err != nil {
			logger.Log(ctx, log.LevelWarn, "failed to store idempotent response", log.Err(err))
		}

		return nil
	}
}

// idempotencyScope names who a key belongs to: the authenticated principal,
// else the body's actor field, else "anonymous".
func idempotencyScope(c *fiber.Ctx, actorField string) string {
	if principal := Principal(c); principal != "" {
		return principal
	}

	if actorField != "" && len(c.Body()) > 0 {
		var body map[string]any
		if err := c.App().Config().JSONDecoder(c.Body(), &body); err == nil {
			if actor, ok := body[actorField].(string); ok && actor != "" {
				return actor
			}
		}
	}

	return "anonymous"
}

func requestFingerprint(c *fiber.Ctx) string {
	h := sha256.New()
	h.Write([]byte(c.Method()))
	h.Write([]byte{0})
	h.Write([]byte(c.Path()))
	h.Write([]byte{0})
	h.Write(c.Body())

	return hex.EncodeToString(h.Sum(nil))
}
