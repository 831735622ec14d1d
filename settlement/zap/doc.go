// Package zap adapts go.uber.org/zap to the settlement log.Logger interface and
// tees every entry into the OpenTelemetry log bridge.
package zap
