// Package safe provides overflow-checked integer arithmetic and decimal
// helpers for ledger amounts.
package safe
