// Package opentelemetry bootstraps tracing, metrics and log export for the
// settlement services and provides the span and propagation helpers used by
// the engine, the HTTP layer and the outbox publisher.
package opentelemetry
