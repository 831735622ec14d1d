// Package engine settles a custodial marketplace purchase.
//
// Settle validates every precondition before touching state, then runs a
// fixed sequence against the supplied Primitives: open the buyer's
// destination holding if needed, pay the seller, pay the treasury, move the
// escrowed unit out of the vault under the listing's derived authority, close
// the vault and retire the listing.
//
// The engine does no locking and no compensation. Callers run Settle inside
// one host transaction (see store.Store.WithinTx) so a failure at any step
// discards every earlier step. Every failure is a *SettlementError carrying a
// sentinel code from the constants package and a Class that tells the caller
// whether to fix input, add funds or escalate.
package engine
