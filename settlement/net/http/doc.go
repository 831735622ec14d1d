// Package http is the fiber HTTP API of the settlement service.
//
// NewRouter mounts the marketplace routes behind request-id, telemetry,
// access logging and optional bearer-token middleware. Purchases accept an
// X-Idempotency header; with an IdempotencyStore configured, retries of a
// completed purchase replay the original response.
package http
