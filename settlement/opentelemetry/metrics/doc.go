// Package metrics wraps an OpenTelemetry meter with a cached instrument
// factory and the settlement-specific recorders built on top of it.
package metrics
