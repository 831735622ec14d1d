package http

import (
	"errors"

	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/market"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry/metrics"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ErrNilService is returned by NewRouter without a market service.
var ErrNilService = errors.New("market service is required")

// RouterConfig wires the API.
type RouterConfig struct {
	Service *market.Service
	Logger  log.Logger
	Tracer  trace.Tracer
	Metrics *metrics.MetricsFactory
	// JWTSecret enables bearer-token authentication when set. /health stays
	// open.
	JWTSecret []byte
	// Idempotency enables X-Idempotency replay for purchases when set.
	Idempotency IdempotencyStore
	BodyLimit   int
}

// NewRouter builds the fiber app serving the settlement API.
func NewRouter(cfg RouterConfig) (*fiber.App, error) {
	if cfg.Service == nil {
		return nil, ErrNilService
	}

	cfg.Logger = log.OrNop(cfg.Logger)

	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("settlement-http")
	}

	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 64 * 1024
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          FiberErrorHandler,
		BodyLimit:             cfg.BodyLimit,
	})

	h := NewHandler(cfg.Service)

	app.Use(WithRequestID())
	app.Use(WithTelemetry(cfg.Tracer, cfg.Metrics))
	app.Use(WithHTTPLogging(cfg.Logger))
	app.Use(WithRecover(cfg.Logger))

	app.Get("/health", h.Health)

	v1 := app.Group("/v1")
	if len(cfg.JWTSecret) > 0 {
		v1.Use(WithJWTPrincipal(cfg.JWTSecret))
	}

	v1.Post("/marketplaces", h.CreateMarketplace)
	v1.Get("/marketplaces/:marketplace", h.GetMarketplace)
	v1.Post("/marketplaces/:marketplace/listings", h.List)
	v1.Get("/marketplaces/:marketplace/listings/:mint", h.GetListing)
	v1.Post("/marketplaces/:marketplace/listings/:mint/delist", h.Delist)
	v1.Post("/marketplaces/:marketplace/listings/:mint/purchase", WithIdempotency(cfg.Idempotency, "buyer"), h.Purchase)
	v1.Post("/accounts/:address/deposits", h.Deposit)
	v1.Get("/accounts/:address", h.GetAccount)
	v1.Post("/assets", h.IssueAsset)

	return app, nil
}
