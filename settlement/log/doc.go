// Package log defines the logging interface used across the settlement packages
// and the typed fields attached to each entry.
//
// Adapters (such as the zap package) implement Logger so the engine, stores and
// transports log the same way regardless of backend.
package log
