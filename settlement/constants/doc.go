// Package constant holds the error codes, header names and telemetry names
// shared by the settlement packages.
//
// Keep this package free of runtime behavior.
package constant
