// Package store defines the host transaction boundary for settlements.
//
// A Store runs a function inside one atomic unit: every mutation made through
// the Tx commits together when the function returns nil and is discarded
// otherwise. Tx implements engine.Primitives, so the settlement engine runs
// directly against it. Backends live in store/memory and store/sqlstore.
package store

import (
	"context"
	"errors"

	"github.com/LerianStudio/lib-settlement/settlement/custody"
	"github.com/LerianStudio/lib-settlement/settlement/engine"
	"github.com/LerianStudio/lib-settlement/settlement/outbox"
)

var (
	// ErrNotFound is returned when a record lookup misses.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrTxClosed is returned when a Tx is used after WithinTx returned.
	ErrTxClosed = errors.New("transaction already closed")
	// ErrNilTxFunc is returned by WithinTx when fn is nil.
	ErrNilTxFunc = errors.New("transaction function is nil")
)

// Tx is the set of operations available inside one transaction.
type Tx interface {
	engine.Primitives

	Marketplace(ctx context.Context, id string) (*custody.Marketplace, error)
	CreateMarketplace(ctx context.Context, mp *custody.Marketplace) error

	Listing(ctx context.Context, id string) (*custody.Listing, error)
	// LockListing reads a listing and holds it exclusively until the
	// transaction ends.
	LockListing(ctx context.Context, id string) (*custody.Listing, error)
	CreateListing(ctx context.Context, listing *custody.Listing) error

	Holding(ctx context.Context, address string) (*custody.HoldingAccount, error)
	Mint(ctx context.Context, address string) (*custody.Mint, error)

	// Credit deposits amount into address, creating the account if needed.
	Credit(ctx context.Context, address string, amount int64) error
	// IssueAsset creates a non-fungible mint and owner's associated holding
	// with its single unit.
	IssueAsset(ctx context.Context, mint custody.Mint, owner string) (*custody.HoldingAccount, error)
	// TransferOwned moves units out of a holding on its owner's behalf.
	TransferOwned(ctx context.Context, source, mint, destination, owner string, count int64) error

	AppendOutbox(ctx context.Context, event *outbox.Event) error
}

// Store is a transactional backend. It also serves the outbox dispatcher.
type Store interface {
	outbox.Repository

	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}
