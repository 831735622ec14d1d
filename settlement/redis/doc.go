// Package redis provides the Redis client used by the settlement service,
// a redsync lock manager that serializes purchases of one listing across
// service instances, and the idempotency store behind the HTTP layer.
package redis
