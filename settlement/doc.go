// Package settlement provides the request-scoped context helpers, business
// error responses and application launcher shared by the settlement
// subpackages.
//
// Typical usage at request ingress:
//
//	ctx = settlement.ContextWithLogger(ctx, logger)
//	ctx = settlement.ContextWithTracer(ctx, tracer)
//	ctx = settlement.ContextWithHeaderID(ctx, requestID)
//
// The engine, the store backends and the HTTP layer live in subpackages.
package settlement
