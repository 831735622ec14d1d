package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/custody"
	"github.com/LerianStudio/lib-settlement/settlement/outbox"
	"github.com/LerianStudio/lib-settlement/settlement/safe"
	"github.com/LerianStudio/lib-settlement/settlement/store"
)

type tx struct {
	conn   Conn
	d      Dialect
	now    func() time.Time
	closed bool
}

var _ store.Tx = (*tx)(nil)

func (t *tx) exec(ctx context.Context, query string, args ...any) (int64, error) {
	if t.closed {
		return 0, store.ErrTxClosed
	}

	res, err := t.conn.ExecContext(ctx, t.d.Rebind(query), args...)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (t *tx) queryRow(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	if t.closed {
		return nil, store.ErrTxClosed
	}

	return t.conn.QueryRowContext(ctx, t.d.Rebind(query), args...), nil
}

func (t *tx) Balance(ctx context.Context, address string) (int64, error) {
	row, err := t.queryRow(ctx, "SELECT balance FROM accounts WHERE address = ?", address)
	if err != nil {
		return 0, err
	}

	var balance int64
	if err := row.Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}

		return 0, fmt.Errorf("balance of %s: %w", address, err)
	}

	return balance, nil
}

func (t *tx) debit(ctx context.Context, address string, amount int64) error {
	if amount == 0 {
		return nil
	}

	n, err := t.exec(ctx, "UPDATE accounts SET balance = balance - ? WHERE address = ? AND balance >= ?", amount, address, amount)
	if err != nil {
		return fmt.Errorf("debit %s: %w", address, err)
	}

	if n == 0 {
		balance, _ := t.Balance(ctx, address)

		return fmt.Errorf("%w: %s has %d, needs %d", custody.ErrInsufficientFunds, address, balance, amount)
	}

	return nil
}

func (t *tx) credit(ctx context.Context, address string, amount int64) error {
	if amount == 0 {
		return nil
	}

	balance, err := t.Balance(ctx, address)
	if err != nil {
		return err
	}

	if _, err := safe.Add(balance, amount); err != nil {
		return fmt.Errorf("credit %s: %w", address, err)
	}

	_, err = t.exec(ctx,
		"INSERT INTO accounts (address, balance) VALUES (?, ?) "+
			"ON CONFLICT (address) DO UPDATE SET balance = accounts.balance + excluded.balance",
		address, amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", address, err)
	}

	return nil
}

func (t *tx) Transfer(ctx context.Context, from, to string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: transfer of %d", custody.ErrInvalidAmount, amount)
	}

	if err := t.debit(ctx, from, amount); err != nil {
		return err
	}

	return t.credit(ctx, to, amount)
}

func (t *tx) Credit(ctx context.Context, address string, amount int64) error {
	if address == "" || amount <= 0 {
		return fmt.Errorf("%w: deposit of %d to %q", custody.ErrInvalidAmount, amount, address)
	}

	return t.credit(ctx, address, amount)
}

const holdingColumns = "address, mint, owner, amount, created_at"

func (t *tx) holding(ctx context.Context, address string, lock bool) (*custody.HoldingAccount, error) {
	query := "SELECT " + holdingColumns + " FROM holdings WHERE address = ?"
	if lock {
		query = t.d.ForUpdate(query)
	}

	row, err := t.queryRow(ctx, query, address)
	if err != nil {
		return nil, err
	}

	var h custody.HoldingAccount
	if err := row.Scan(&h.Address, &h.Mint, &h.Owner, &h.Amount, &h.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("holding %s: %w", address, err)
	}

	h.CreatedAt = h.CreatedAt.UTC()

	return &h, nil
}

func (t *tx) OpenHolding(ctx context.Context, owner, mint, payer string, rent int64) (*custody.HoldingAccount, error) {
	address, err := custody.AssociatedHolding(owner, mint)
	if err != nil {
		return nil, err
	}

	if err := custody.CheckOpen(address, owner, mint, rent); err != nil {
		return nil, err
	}

	if _, err := t.Mint(ctx, mint); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: mint %s", custody.ErrAccountNotFound, mint)
		}

		return nil, err
	}

	h := custody.HoldingAccount{Address: address, Mint: mint, Owner: owner, CreatedAt: t.now().UTC()}

	n, err := t.exec(ctx,
		"INSERT INTO holdings ("+holdingColumns+") VALUES (?, ?, ?, 0, ?) ON CONFLICT DO NOTHING",
		h.Address, h.Mint, h.Owner, h.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("open holding %s: %w", address, err)
	}

	if n == 0 {
		return nil, fmt.Errorf("%w: %s", custody.ErrHoldingExists, address)
	}

	if err := t.debit(ctx, payer, rent); err != nil {
		return nil, err
	}

	if err := t.credit(ctx, address, rent); err != nil {
		return nil, err
	}

	return &h, nil
}

func (t *tx) TransferAsset(ctx context.Context, vault, mint, destination string, authority custody.Authority, count int64) error {
	source, err := t.holding(ctx, vault, true)
	if err != nil {
		return err
	}

	dest, err := t.holding(ctx, destination, true)
	if err != nil {
		return err
	}

	if err := custody.CheckTransfer(source, mint, dest, authority, count); err != nil {
		return err
	}

	return t.move(ctx, source, dest, count)
}

func (t *tx) TransferOwned(ctx context.Context, source, mint, destination, owner string, count int64) error {
	src, err := t.holding(ctx, source, true)
	if err != nil {
		return err
	}

	dest, err := t.holding(ctx, destination, true)
	if err != nil {
		return err
	}

	switch {
	case src == nil || dest == nil:
		return custody.ErrAccountNotFound
	case src.Owner != owner:
		return fmt.Errorf("%w: %s is not owned by %s", custody.ErrAuthorityMismatch, source, owner)
	case src.Mint != mint || dest.Mint != mint:
		return custody.ErrMintMismatch
	case count <= 0:
		return fmt.Errorf("%w: unit count %d", custody.ErrInvalidAmount, count)
	case src.Amount < count:
		return fmt.Errorf("%w: holding %s has %d, need %d", custody.ErrInsufficientUnits, source, src.Amount, count)
	}

	return t.move(ctx, src, dest, count)
}

func (t *tx) move(ctx context.Context, source, dest *custody.HoldingAccount, count int64) error {
	if source.Address == dest.Address {
		return nil
	}

	if _, err := safe.Add(dest.Amount, count); err != nil {
		return err
	}

	n, err := t.exec(ctx, "UPDATE holdings SET amount = amount - ? WHERE address = ? AND amount >= ?", count, source.Address, count)
	if err != nil {
		return fmt.Errorf("debit holding %s: %w", source.Address, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: holding %s", custody.ErrInsufficientUnits, source.Address)
	}

	if _, err := t.exec(ctx, "UPDATE holdings SET amount = amount + ? WHERE address = ?", count, dest.Address); err != nil {
		return fmt.Errorf("credit holding %s: %w", dest.Address, err)
	}

	return nil
}

func (t *tx) CloseHolding(ctx context.Context, vault, residualTo string, authority custody.Authority) (int64, error) {
	h, err := t.holding(ctx, vault, true)
	if err != nil {
		return 0, err
	}

	if err := custody.CheckClose(h, authority); err != nil {
		return 0, err
	}

	refund, err := t.Balance(ctx, vault)
	if err != nil {
		return 0, err
	}

	if _, err := t.exec(ctx, "DELETE FROM accounts WHERE address = ?", vault); err != nil {
		return 0, fmt.Errorf("close account %s: %w", vault, err)
	}

	if _, err := t.exec(ctx, "DELETE FROM holdings WHERE address = ?", vault); err != nil {
		return 0, fmt.Errorf("close holding %s: %w", vault, err)
	}

	if err := t.credit(ctx, residualTo, refund); err != nil {
		return 0, err
	}

	return refund, nil
}

func (t *tx) RetireListing(ctx context.Context, listingID string) error {
	n, err := t.exec(ctx, "DELETE FROM listings WHERE id = ?", listingID)
	if err != nil {
		return fmt.Errorf("retire listing %s: %w", listingID, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: listing %s", custody.ErrAccountNotFound, listingID)
	}

	return nil
}

const marketplaceColumns = "id, name, admin, fee_rate, bump, treasury, treasury_bump, rewards_mint, rewards_bump, created_at"

func (t *tx) Marketplace(ctx context.Context, id string) (*custody.Marketplace, error) {
	row, err := t.queryRow(ctx, "SELECT "+marketplaceColumns+" FROM marketplaces WHERE id = ?", id)
	if err != nil {
		return nil, err
	}

	var (
		mp                              custody.Marketplace
		bump, treasuryBump, rewardsBump int64
	)

	if err := row.Scan(&mp.ID, &mp.Name, &mp.Admin, &mp.FeeRate, &bump, &mp.Treasury, &treasuryBump,
		&mp.RewardsMint, &rewardsBump, &mp.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("marketplace %s: %w", id, store.ErrNotFound)
		}

		return nil, fmt.Errorf("marketplace %s: %w", id, err)
	}

	mp.Bump, mp.TreasuryBump, mp.RewardsBump = uint8(bump), uint8(treasuryBump), uint8(rewardsBump)
	mp.CreatedAt = mp.CreatedAt.UTC()

	return &mp, nil
}

func (t *tx) CreateMarketplace(ctx context.Context, mp *custody.Marketplace) error {
	n, err := t.exec(ctx,
		"INSERT INTO marketplaces ("+marketplaceColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING",
		mp.ID, mp.Name, mp.Admin, mp.FeeRate, int64(mp.Bump), mp.Treasury, int64(mp.TreasuryBump),
		mp.RewardsMint, int64(mp.RewardsBump), mp.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create marketplace %s: %w", mp.ID, err)
	}

	if n == 0 {
		return fmt.Errorf("marketplace %s: %w", mp.ID, store.ErrAlreadyExists)
	}

	return nil
}

const listingColumns = "id, marketplace, mint, seller, price, bump, created_at"

func (t *tx) listing(ctx context.Context, id string, lock bool) (*custody.Listing, error) {
	query := "SELECT " + listingColumns + " FROM listings WHERE id = ?"
	if lock {
		query = t.d.ForUpdate(query)
	}

	row, err := t.queryRow(ctx, query, id)
	if err != nil {
		return nil, err
	}

	var (
		l    custody.Listing
		bump int64
	)

	if err := row.Scan(&l.ID, &l.Marketplace, &l.Mint, &l.Seller, &l.Price, &bump, &l.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("listing %s: %w", id, store.ErrNotFound)
		}

		return nil, fmt.Errorf("listing %s: %w", id, err)
	}

	l.Bump = uint8(bump)
	l.CreatedAt = l.CreatedAt.UTC()

	return &l, nil
}

func (t *tx) Listing(ctx context.Context, id string) (*custody.Listing, error) {
	return t.listing(ctx, id, false)
}

func (t *tx) LockListing(ctx context.Context, id string) (*custody.Listing, error) {
	return t.listing(ctx, id, true)
}

func (t *tx) CreateListing(ctx context.Context, l *custody.Listing) error {
	n, err := t.exec(ctx,
		"INSERT INTO listings ("+listingColumns+") VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING",
		l.ID, l.Marketplace, l.Mint, l.Seller, l.Price, int64(l.Bump), l.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create listing %s: %w", l.ID, err)
	}

	if n == 0 {
		return fmt.Errorf("listing %s: %w", l.ID, store.ErrAlreadyExists)
	}

	return nil
}

func (t *tx) Holding(ctx context.Context, address string) (*custody.HoldingAccount, error) {
	h, err := t.holding(ctx, address, false)
	if err != nil {
		return nil, err
	}

	if h == nil {
		return nil, fmt.Errorf("holding %s: %w", address, store.ErrNotFound)
	}

	return h, nil
}

func (t *tx) Mint(ctx context.Context, address string) (*custody.Mint, error) {
	row, err := t.queryRow(ctx, "SELECT address, supply, decimals, authority, created_at FROM mints WHERE address = ?", address)
	if err != nil {
		return nil, err
	}

	var (
		m        custody.Mint
		decimals int64
	)

	if err := row.Scan(&m.Address, &m.Supply, &decimals, &m.Authority, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("mint %s: %w", address, store.ErrNotFound)
		}

		return nil, fmt.Errorf("mint %s: %w", address, err)
	}

	m.Decimals = uint8(decimals)
	m.CreatedAt = m.CreatedAt.UTC()

	return &m, nil
}

func (t *tx) IssueAsset(ctx context.Context, mint custody.Mint, owner string) (*custody.HoldingAccount, error) {
	if mint.Address == "" || owner == "" {
		return nil, fmt.Errorf("%w: issue requires mint and owner", custody.ErrInvalidRecord)
	}

	address, err := custody.AssociatedHolding(owner, mint.Address)
	if err != nil {
		return nil, err
	}

	now := t.now().UTC()

	n, err := t.exec(ctx,
		"INSERT INTO mints (address, supply, decimals, authority, created_at) VALUES (?, 1, 0, ?, ?) ON CONFLICT DO NOTHING",
		mint.Address, mint.Authority, now)
	if err != nil {
		return nil, fmt.Errorf("issue mint %s: %w", mint.Address, err)
	}

	if n == 0 {
		return nil, fmt.Errorf("mint %s: %w", mint.Address, store.ErrAlreadyExists)
	}

	h := custody.HoldingAccount{Address: address, Mint: mint.Address, Owner: owner, Amount: 1, CreatedAt: now}

	if _, err := t.exec(ctx,
		"INSERT INTO holdings ("+holdingColumns+") VALUES (?, ?, ?, ?, ?)",
		h.Address, h.Mint, h.Owner, h.Amount, h.CreatedAt); err != nil {
		return nil, fmt.Errorf("issue holding %s: %w", address, err)
	}

	return &h, nil
}

func (t *tx) AppendOutbox(ctx context.Context, event *outbox.Event) error {
	if event == nil {
		return outbox.ErrEventRequired
	}

	var publishedAt any
	if event.PublishedAt != nil {
		publishedAt = event.PublishedAt.UTC()
	}

	_, err := t.exec(ctx,
		"INSERT INTO outbox_events ("+outboxColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		event.ID.String(), event.EventType, event.AggregateID, string(event.Payload), string(event.Status),
		event.Attempts, publishedAt, event.LastError, event.CreatedAt.UTC(), event.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append outbox event %s: %w", event.ID, err)
	}

	return nil
}
