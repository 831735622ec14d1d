package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/custody"
	"github.com/LerianStudio/lib-settlement/settlement/outbox"
	"github.com/LerianStudio/lib-settlement/settlement/safe"
	"github.com/LerianStudio/lib-settlement/settlement/store"
)

type tx struct {
	state  *state
	events []*outbox.Event
	now    func() time.Time
	closed bool
}

var _ store.Tx = (*tx)(nil)

func (t *tx) check(ctx context.Context) error {
	if t.closed {
		return store.ErrTxClosed
	}

	return ctx.Err()
}

func (t *tx) Balance(ctx context.Context, address string) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}

	return t.state.accounts[address], nil
}

func (t *tx) debit(address string, amount int64) error {
	balance := t.state.accounts[address]
	if balance < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", custody.ErrInsufficientFunds, address, balance, amount)
	}

	t.state.accounts[address] = balance - amount

	return nil
}

func (t *tx) credit(address string, amount int64) error {
	balance, err := safe.Add(t.state.accounts[address], amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", address, err)
	}

	t.state.accounts[address] = balance

	return nil
}

func (t *tx) Transfer(ctx context.Context, from, to string, amount int64) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	if amount < 0 {
		return fmt.Errorf("%w: transfer of %d", custody.ErrInvalidAmount, amount)
	}

	if err := t.debit(from, amount); err != nil {
		return err
	}

	return t.credit(to, amount)
}

func (t *tx) Credit(ctx context.Context, address string, amount int64) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	if address == "" || amount <= 0 {
		return fmt.Errorf("%w: deposit of %d to %q", custody.ErrInvalidAmount, amount, address)
	}

	return t.credit(address, amount)
}

func (t *tx) OpenHolding(ctx context.Context, owner, mint, payer string, rent int64) (*custody.HoldingAccount, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}

	address, err := custody.AssociatedHolding(owner, mint)
	if err != nil {
		return nil, err
	}

	if err := custody.CheckOpen(address, owner, mint, rent); err != nil {
		return nil, err
	}

	if _, ok := t.state.mints[mint]; !ok {
		return nil, fmt.Errorf("%w: mint %s", custody.ErrAccountNotFound, mint)
	}

	if _, ok := t.state.holdings[address]; ok {
		return nil, fmt.Errorf("%w: %s", custody.ErrHoldingExists, address)
	}

	if err := t.debit(payer, rent); err != nil {
		return nil, err
	}

	if err := t.credit(address, rent); err != nil {
		return nil, err
	}

	holding := custody.HoldingAccount{Address: address, Mint: mint, Owner: owner, CreatedAt: t.now().UTC()}
	t.state.holdings[address] = holding

	return &holding, nil
}

func (t *tx) holding(address string) *custody.HoldingAccount {
	h, ok := t.state.holdings[address]
	if !ok {
		return nil
	}

	return &h
}

func (t *tx) TransferAsset(ctx context.Context, vault, mint, destination string, authority custody.Authority, count int64) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	source, dest := t.holding(vault), t.holding(destination)
	if err := custody.CheckTransfer(source, mint, dest, authority, count); err != nil {
		return err
	}

	return t.move(source, dest, count)
}

func (t *tx) TransferOwned(ctx context.Context, source, mint, destination, owner string, count int64) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	src, dest := t.holding(source), t.holding(destination)
	if src == nil || dest == nil {
		return custody.ErrAccountNotFound
	}

	if src.Owner != owner {
		return fmt.Errorf("%w: %s is not owned by %s", custody.ErrAuthorityMismatch, source, owner)
	}

	if src.Mint != mint || dest.Mint != mint {
		return custody.ErrMintMismatch
	}

	if count <= 0 {
		return fmt.Errorf("%w: unit count %d", custody.ErrInvalidAmount, count)
	}

	if src.Amount < count {
		return fmt.Errorf("%w: holding %s has %d, need %d", custody.ErrInsufficientUnits, source, src.Amount, count)
	}

	return t.move(src, dest, count)
}

func (t *tx) move(source, dest *custody.HoldingAccount, count int64) error {
	if source.Address == dest.Address {
		return nil
	}

	amount, err := safe.Add(dest.Amount, count)
	if err != nil {
		return err
	}

	source.Amount -= count
	dest.Amount = amount
	t.state.holdings[source.Address] = *source
	t.state.holdings[dest.Address] = *dest

	return nil
}

func (t *tx) CloseHolding(ctx context.Context, vault, residualTo string, authority custody.Authority) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}

	if err := custody.CheckClose(t.holding(vault), authority); err != nil {
		return 0, err
	}

	refund := t.state.accounts[vault]

	delete(t.state.accounts, vault)
	delete(t.state.holdings, vault)

	if refund > 0 {
		if err := t.credit(residualTo, refund); err != nil {
			return 0, err
		}
	}

	return refund, nil
}

func (t *tx) RetireListing(ctx context.Context, listingID string) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	if _, ok := t.state.listings[listingID]; !ok {
		return fmt.Errorf("%w: listing %s", custody.ErrAccountNotFound, listingID)
	}

	delete(t.state.listings, listingID)

	return nil
}

func (t *tx) Marketplace(ctx context.Context, id string) (*custody.Marketplace, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}

	mp, ok := t.state.marketplaces[id]
	if !ok {
		return nil, fmt.Errorf("marketplace %s: %w", id, store.ErrNotFound)
	}

	return &mp, nil
}

func (t *tx) CreateMarketplace(ctx context.Context, mp *custody.Marketplace) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	if _, ok := t.state.marketplaces[mp.ID]; ok {
		return fmt.Errorf("marketplace %s: %w", mp.ID, store.ErrAlreadyExists)
	}

	t.state.marketplaces[mp.ID] = *mp

	return nil
}

func (t *tx) Listing(ctx context.Context, id string) (*custody.Listing, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}

	listing, ok := t.state.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, store.ErrNotFound)
	}

	return &listing, nil
}

// LockListing is Listing: the store mutex already serializes transactions.
func (t *tx) LockListing(ctx context.Context, id string) (*custody.Listing, error) {
	return t.Listing(ctx, id)
}

func (t *tx) CreateListing(ctx context.Context, listing *custody.Listing) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	if _, ok := t.state.listings[listing.ID]; ok {
		return fmt.Errorf("listing %s: %w", listing.ID, store.ErrAlreadyExists)
	}

	t.state.listings[listing.ID] = *listing

	return nil
}

func (t *tx) Holding(ctx context.Context, address string) (*custody.HoldingAccount, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}

	h := t.holding(address)
	if h == nil {
		return nil, fmt.Errorf("holding %s: %w", address, store.ErrNotFound)
	}

	return h, nil
}

func (t *tx) Mint(ctx context.Context, address string) (*custody.Mint, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}

	m, ok := t.state.mints[address]
	if !ok {
		return nil, fmt.Errorf("mint %s: %w", address, store.ErrNotFound)
	}

	return &m, nil
}

func (t *tx) IssueAsset(ctx context.Context, mint custody.Mint, owner string) (*custody.HoldingAccount, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}

	if mint.Address == "" || owner == "" {
		return nil, fmt.Errorf("%w: issue requires mint and owner", custody.ErrInvalidRecord)
	}

	if _, ok := t.state.mints[mint.Address]; ok {
		return nil, fmt.Errorf("mint %s: %w", mint.Address, store.ErrAlreadyExists)
	}

	address, err := custody.AssociatedHolding(owner, mint.Address)
	if err != nil {
		return nil, err
	}

	now := t.now().UTC()
	mint.Supply, mint.Decimals, mint.CreatedAt = 1, 0, now
	t.state.mints[mint.Address] = mint

	holding := custody.HoldingAccount{Address: address, Mint: mint.Address, Owner: owner, Amount: 1, CreatedAt: now}
	t.state.holdings[address] = holding

	return &holding, nil
}

func (t *tx) AppendOutbox(ctx context.Context, event *outbox.Event) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	if event == nil {
		return outbox.ErrEventRequired
	}

	t.events = append(t.events, event.Clone())

	return nil
}
