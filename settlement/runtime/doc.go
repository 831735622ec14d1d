// Package runtime provides panic recovery for goroutines and request handlers.
//
// Recovered panics are logged with their stack, recorded on the active span
// and counted in panic_recovered_total. In production mode panic values and
// stacks are redacted from logs and span events.
package runtime
