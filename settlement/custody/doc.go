// Package custody holds the records of the marketplace custody substrate
// (marketplaces, listings, holding accounts, ledger accounts and mints) and
// the deterministic address derivation that backs custody authorities.
//
// A vault is a holding account whose owner is a listing address. Nobody holds
// a key for that address: whoever can present the seeds and bump that derive
// it is allowed to move the vault's units, which is how settlement moves an
// escrowed asset without the seller being present.
package custody
