package http

import (
	"time"

	"github.com/LerianStudio/lib-settlement/settlement"
	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry/metrics"
	"github.com/LerianStudio/lib-settlement/settlement/runtime"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// WithRequestID ensures every request carries an X-Request-Id, echoes it on
// the response and stores it in the user context.
func WithRequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		headerID := c.Get(constant.HeaderID)
		if headerID == "" {
			headerID = uuid.NewString()
			c.Request().Header.Set(constant.HeaderID, headerID)
		}

		c.Set(constant.HeaderID, headerID)
		c.SetUserContext(settlement.ContextWithHeaderID(c.UserContext(), headerID))

		return c.Next()
	}
}

// WithTelemetry starts a server span per request, continuing any W3C trace
// context sent by the caller, and exposes tracer and metrics factory to the
// handlers through the user context.
func WithTelemetry(tracer trace.Tracer, factory *metrics.MetricsFactory) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := opentelemetry.ExtractHTTPContext(c)

		ctx, span := tracer.Start(ctx, "http.request", trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", c.Method()),
			attribute.String("http.target", c.Path()),
		)

		ctx = settlement.ContextWithTracer(ctx, tracer)
		if factory != nil {
			ctx = settlement.ContextWithMetricFactory(ctx, factory)
		}

		c.SetUserContext(ctx)

		err := c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Response().StatusCode()))

		return err
	}
}

// WithHTTPLogging attaches a request-scoped logger to the user context and
// writes one access log line per request. /health is not logged.
func WithHTTPLogging(logger log.Logger) fiber.Handler {
	logger = log.OrNop(logger)

	return func(c *fiber.Ctx) error {
		if c.Path() == "/health" {
			return c.Next()
		}

		start := time.Now()
		requestID := c.Get(constant.HeaderID)

		reqLogger := logger.With(log.String("request_id", requestID))
		c.SetUserContext(settlement.ContextWithLogger(c.UserContext(), reqLogger))

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = StatusFor(err)
		}

		level := log.LevelInfo
		if status >= fiber.StatusInternalServerError {
			level = log.LevelError
		}

		reqLogger.Log(c.UserContext(), level, "http request",
			log.String("method", c.Method()),
			log.String("path", c.OriginalURL()),
			log.Int("status", status),
			log.Int("size", len(c.Response().Body())),
			log.String("remote_addr", c.IP()),
			log.Duration("duration", time.Since(start)),
		)

		return err
	}
}

// WithRecover turns a handler panic into an internal error response.
func WithRecover(logger log.Logger) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer runtime.RecoverToError(c.UserContext(), logger, "http", c.Path(), &err)

		return c.Next()
	}
}

// FiberErrorHandler renders errors that escape the handlers.
func FiberErrorHandler(c *fiber.Ctx, err error) error {
	ctx := c.UserContext()

	if StatusFor(err) >= fiber.StatusInternalServerError {
		opentelemetry.HandleSpanError(trace.SpanFromContext(ctx), "handler error", err)

		logger := settlement.NewLoggerFromContext(ctx)
		logger.Log(ctx, log.LevelError, "handler error",
			log.String("method", c.Method()),
			log.String("path", c.Path()),
			log.Err(err),
		)
	}

	return RenderError(c, "", err)
}
