package engine

import (
	"context"

	"github.com/LerianStudio/lib-settlement/settlement/custody"
)

// Ledger moves fungible value between accounts.
type Ledger interface {
	// Transfer debits from and credits to by exactly amount. It fails with
	// custody.ErrInsufficientFunds when from cannot cover amount.
	Transfer(ctx context.Context, from, to string, amount int64) error
	Balance(ctx context.Context, address string) (int64, error)
}

// Custody manages holding accounts of non-fungible units.
type Custody interface {
	// OpenHolding creates owner's associated holding for mint, funded with
	// rent paid by payer.
	OpenHolding(ctx context.Context, owner, mint, payer string, rent int64) (*custody.HoldingAccount, error)
	// TransferAsset moves count units of mint from vault to destination.
	// authority must derive the vault's owner.
	TransferAsset(ctx context.Context, vault, mint, destination string, authority custody.Authority, count int64) error
	// CloseHolding deletes an empty vault and credits its rent to
	// residualTo, returning the refunded amount.
	CloseHolding(ctx context.Context, vault, residualTo string, authority custody.Authority) (int64, error)
}

// ListingRegistry removes consumed listings.
type ListingRegistry interface {
	RetireListing(ctx context.Context, listingID string) error
}

// Primitives is everything Settle mutates. A store transaction implements it.
type Primitives interface {
	Ledger
	Custody
	ListingRegistry
}
