// Package circuitbreaker guards calls to settlement dependencies that can
// fail independently of the ledger, such as the event broker and the lock
// service, with sony/gobreaker breakers keyed by service name.
package circuitbreaker
