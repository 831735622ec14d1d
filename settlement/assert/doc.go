// Package assert checks internal invariants at runtime and returns errors
// instead of panicking.
//
// A failed assertion is logged with its key/value context, recorded as a
// span event on the active span and counted in assertion_failed_total.
package assert
