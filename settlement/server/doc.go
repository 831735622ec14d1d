// Package server runs the settlement HTTP API and shuts the process down in
// order: stop accepting requests, drain background workers, flush telemetry,
// then close backends.
package server
