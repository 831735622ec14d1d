// Package backoff computes exponential retry delays with full jitter.
package backoff
