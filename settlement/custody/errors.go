package custody

import "errors"

var (
	// ErrInvalidSeeds is returned when seeds cannot be derived into an address.
	ErrInvalidSeeds = errors.New("custody: invalid seeds")
	// ErrNoCanonicalBump is returned when no bump yields a canonical address.
	ErrNoCanonicalBump = errors.New("custody: no canonical bump")
	// ErrInvalidAmount is returned for negative amounts or unit counts.
	ErrInvalidAmount = errors.New("custody: invalid amount")
	// ErrInvalidRecord is returned when a record fails validation.
	ErrInvalidRecord = errors.New("custody: invalid record")

	// ErrInsufficientFunds is returned when a ledger debit exceeds the balance.
	ErrInsufficientFunds = errors.New("custody: insufficient funds")
	// ErrAccountNotFound is returned when a ledger account or holding is unknown.
	ErrAccountNotFound = errors.New("custody: account not found")
	// ErrHoldingNotEmpty is returned when closing a holding that still has units.
	ErrHoldingNotEmpty = errors.New("custody: holding not empty")
	// ErrInsufficientUnits is returned when a holding has fewer units than requested.
	ErrInsufficientUnits = errors.New("custody: insufficient units")
	// ErrAuthorityMismatch is returned when an authority does not derive the holding owner.
	ErrAuthorityMismatch = errors.New("custody: authority mismatch")
	// ErrMintMismatch is returned when a holding is for a different mint.
	ErrMintMismatch = errors.New("custody: mint mismatch")
	// ErrHoldingExists is returned when opening a holding at an address already in use.
	ErrHoldingExists = errors.New("custody: holding already exists")
)
