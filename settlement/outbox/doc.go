// Package outbox stores domain events next to the state change that produced
// them and publishes them asynchronously.
//
// Events are appended inside the same store transaction as the settlement, so
// a rolled-back purchase never emits listing.settled. The Dispatcher claims
// pending events, routes them through a HandlerRegistry and records the
// outcome. Delivery is at-least-once; consumers must be idempotent.
package outbox
