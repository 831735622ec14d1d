//go:build unit

package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/custody"
	"github.com/LerianStudio/lib-settlement/settlement/engine"
	"github.com/LerianStudio/lib-settlement/settlement/store"
	"github.com/LerianStudio/lib-settlement/settlement/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type world struct {
	store   *memory.Store
	mp      *custody.Marketplace
	listing *custody.Listing
	vault   string
}

// newWorld lists one unit of mint at price under a marketplace charging fee.
func newWorld(t *testing.T, fee, price int64, buyers map[string]int64) world {
	t.Helper()

	s := memory.New(memory.WithClock(func() time.Time { return fixedNow }))

	mp, err := custody.NewMarketplace("bazaar", "admin", fee, fixedNow)
	require.NoError(t, err)

	listing, err := custody.NewListing(mp.ID, "mint-1", "seller", price, fixedNow)
	require.NoError(t, err)

	var vault string

	require.NoError(t, s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.CreateMarketplace(ctx, mp))

		for buyer, balance := range buyers {
			if balance > 0 {
				require.NoError(t, tx.Credit(ctx, buyer, balance))
			}
		}

		require.NoError(t, tx.Credit(ctx, "seller", 3))

		held, err := tx.IssueAsset(ctx, custody.Mint{Address: "mint-1", Authority: "seller"}, "seller")
		require.NoError(t, err)

		v, err := tx.OpenHolding(ctx, listing.ID, "mint-1", "seller", 3)
		require.NoError(t, err)

		vault = v.Address

		require.NoError(t, tx.TransferOwned(ctx, held.Address, "mint-1", vault, "seller", 1))

		return tx.CreateListing(ctx, listing)
	}))

	return world{store: s, mp: mp, listing: listing, vault: vault}
}

func (w world) balances() map[string]int64 {
	out := map[string]int64{}
	for _, a := range w.store.Accounts() {
		out[a.Address] = a.Balance
	}

	return out
}

func (w world) holdingAmount(t *testing.T, address string) (int64, bool) {
	t.Helper()

	var (
		amount int64
		found  bool
	)

	require.NoError(t, w.store.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		h, err := tx.Holding(ctx, address)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		amount, found = h.Amount, true

		return nil
	}))

	return amount, found
}

func (w world) listingExists(t *testing.T) bool {
	t.Helper()

	var exists bool

	require.NoError(t, w.store.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.Listing(ctx, w.listing.ID)
		exists = err == nil

		return nil
	}))

	return exists
}

func settle(ctx context.Context, w world, e *engine.Engine, buyer string, wrap func(store.Tx) engine.Primitives) (*engine.Receipt, error) {
	var receipt *engine.Receipt

	err := w.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		listing, err := tx.LockListing(ctx, w.listing.ID)
		if errors.Is(err, store.ErrNotFound) {
			return engine.ListingNotFound(w.listing.ID, err)
		}

		if err != nil {
			return err
		}

		mp, err := tx.Marketplace(ctx, listing.Marketplace)
		if err != nil {
			return err
		}

		vault, err := tx.Holding(ctx, w.vault)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		destAddr, err := custody.AssociatedHolding(buyer, listing.Mint)
		if err != nil {
			return err
		}

		dest, err := tx.Holding(ctx, destAddr)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		var p engine.Primitives = tx
		if wrap != nil {
			p = wrap(tx)
		}

		receipt, err = e.Settle(ctx, p, engine.Settlement{
			Buyer:       buyer,
			Marketplace: *mp,
			Listing:     listing,
			Vault:       vault,
			Destination: dest,
		})

		return err
	})

	return receipt, err
}

func mustEngine(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()

	e, err := engine.New(opts...)
	require.NoError(t, err)

	return e
}

func TestSettle_Scenario_Price1000Fee50(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 50, 1000, map[string]int64{"buyer": 1000})
	before := w.balances()

	receipt, err := settle(context.Background(), w, mustEngine(t), "buyer", nil)
	require.NoError(t, err)

	after := w.balances()

	assert.Equal(t, int64(950), after["seller"]-before["seller"]-receipt.RentRefunded)
	assert.Equal(t, int64(50), after[w.mp.Treasury])
	assert.Equal(t, before["buyer"]-1000, after["buyer"])
	assert.Equal(t, int64(3), receipt.RentRefunded)
	assert.Equal(t, receipt.Price, receipt.SellerAmount+receipt.Fee)

	amount, found := w.holdingAmount(t, receipt.Destination)
	require.True(t, found)
	assert.Equal(t, int64(1), amount)

	_, vaultFound := w.holdingAmount(t, w.vault)
	assert.False(t, vaultFound, "vault must be closed")
	assert.False(t, w.listingExists(t), "listing must be retired")

	_, vaultAccount := after[w.vault]
	assert.False(t, vaultAccount, "vault rent account must be closed")
}

func TestSettle_Scenario_Balance40(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 50, 1000, map[string]int64{"buyer": 40})
	before := w.balances()

	_, err := settle(context.Background(), w, mustEngine(t), "buyer", nil)
	require.ErrorIs(t, err, constant.ErrInsufficientFunds)
	assert.Equal(t, engine.ClassResource, engine.ClassOf(err))

	assert.Equal(t, before, w.balances())
	assert.True(t, w.listingExists(t))

	amount, found := w.holdingAmount(t, w.vault)
	require.True(t, found)
	assert.Equal(t, int64(1), amount)
}

func TestSettle_FeeBound(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 1001, 1000, map[string]int64{"buyer": 5000})
	before := w.balances()

	_, err := settle(context.Background(), w, mustEngine(t), "buyer", nil)
	require.ErrorIs(t, err, constant.ErrFeeExceedsPrice)
	assert.Equal(t, engine.ClassInvariant, engine.ClassOf(err))
	assert.Equal(t, before, w.balances())
}

func TestSettle_Conservation(t *testing.T) {
	t.Parallel()

	cases := []struct{ fee, price, rent int64 }{
		{0, 0, 0}, {0, 1, 0}, {1, 1, 0}, {50, 1000, 0}, {999, 1000, 10}, {7, 123456789, 2},
	}

	for _, c := range cases {
		c := c
		t.Run(fmt.Sprintf("fee=%d/price=%d/rent=%d", c.fee, c.price, c.rent), func(t *testing.T) {
			t.Parallel()

			w := newWorld(t, c.fee, c.price, map[string]int64{"buyer": c.price + c.rent + 17})
			before := w.balances()

			receipt, err := settle(context.Background(), w, mustEngine(t, engine.WithDestinationRent(c.rent)), "buyer", nil)
			require.NoError(t, err)

			after := w.balances()

			assert.Equal(t, c.price, receipt.SellerAmount+receipt.Fee)
			assert.Equal(t, before["buyer"]-c.price-c.rent, after["buyer"])

			var totalBefore, totalAfter int64
			for _, v := range before {
				totalBefore += v
			}

			for _, v := range after {
				totalAfter += v
			}

			assert.Equal(t, totalBefore, totalAfter, "settlement must not create or destroy value")
		})
	}
}

type faultyTx struct {
	store.Tx
	failOn    string
	transfers int
}

var errInjected = errors.New("injected failure")

func (f *faultyTx) OpenHolding(ctx context.Context, owner, mint, payer string, rent int64) (*custody.HoldingAccount, error) {
	h, err := f.Tx.OpenHolding(ctx, owner, mint, payer, rent)
	if err == nil && f.failOn == "OpenHolding" {
		return nil, errInjected
	}

	return h, err
}

func (f *faultyTx) Transfer(ctx context.Context, from, to string, amount int64) error {
	f.transfers++

	if err := f.Tx.Transfer(ctx, from, to, amount); err != nil {
		return err
	}

	if f.failOn == fmt.Sprintf("Transfer#%d", f.transfers) {
		return errInjected
	}

	return nil
}

func (f *faultyTx) TransferAsset(ctx context.Context, vault, mint, destination string, authority custody.Authority, count int64) error {
	if err := f.Tx.TransferAsset(ctx, vault, mint, destination, authority, count); err != nil {
		return err
	}

	if f.failOn == "TransferAsset" {
		return errInjected
	}

	return nil
}

func (f *faultyTx) CloseHolding(ctx context.Context, vault, residualTo string, authority custody.Authority) (int64, error) {
	refund, err := f.Tx.CloseHolding(ctx, vault, residualTo, authority)
	if err == nil && f.failOn == "CloseHolding" {
		return 0, errInjected
	}

	return refund, err
}

func (f *faultyTx) RetireListing(ctx context.Context, listingID string) error {
	if err := f.Tx.RetireListing(ctx, listingID); err != nil {
		return err
	}

	if f.failOn == "RetireListing" {
		return errInjected
	}

	return nil
}

func TestSettle_AtomicityUnderFailureInjection(t *testing.T) {
	t.Parallel()

	for _, failOn := range []string{"OpenHolding", "Transfer#1", "Transfer#2", "TransferAsset", "CloseHolding", "RetireListing"} {
		failOn := failOn
		t.Run(failOn, func(t *testing.T) {
			t.Parallel()

			w := newWorld(t, 50, 1000, map[string]int64{"buyer": 2000})
			before := w.balances()

			_, err := settle(context.Background(), w, mustEngine(t, engine.WithDestinationRent(4)), "buyer", func(tx store.Tx) engine.Primitives {
				return &faultyTx{Tx: tx, failOn: failOn}
			})
			require.ErrorIs(t, err, errInjected)
			require.ErrorIs(t, err, constant.ErrCustodyFailure)

			assert.Equal(t, before, w.balances(), "no partial debit may survive")
			assert.True(t, w.listingExists(t))

			amount, found := w.holdingAmount(t, w.vault)
			require.True(t, found)
			assert.Equal(t, int64(1), amount)

			dest, err := custody.AssociatedHolding("buyer", "mint-1")
			require.NoError(t, err)

			_, destFound := w.holdingAmount(t, dest)
			assert.False(t, destFound, "destination opening must roll back")
		})
	}
}

func TestSettle_ConcurrentPurchasesSettleOnce(t *testing.T) {
	t.Parallel()

	const buyers = 8

	funded := map[string]int64{}
	for i := 0; i < buyers; i++ {
		funded[fmt.Sprintf("buyer-%d", i)] = 1000
	}

	w := newWorld(t, 50, 1000, funded)
	e := mustEngine(t)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		notFound  int
	)

	for i := 0; i < buyers; i++ {
		wg.Add(1)

		go func(buyer string) {
			defer wg.Done()

			_, err := settle(context.Background(), w, e, buyer, nil)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				successes++
			case engine.ClassOf(err) == engine.ClassNotFound:
				notFound++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(fmt.Sprintf("buyer-%d", i))
	}

	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, buyers-1, notFound)
	assert.Equal(t, int64(50), w.balances()[w.mp.Treasury])
}

func TestSettle_StaleSnapshotRetryFailsDeterministically(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 50, 1000, map[string]int64{"alice": 1000, "bob": 1000})
	e := mustEngine(t)

	var snapshot engine.Settlement

	require.NoError(t, w.store.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		listing, err := tx.Listing(ctx, w.listing.ID)
		require.NoError(t, err)

		mp, err := tx.Marketplace(ctx, listing.Marketplace)
		require.NoError(t, err)

		vault, err := tx.Holding(ctx, w.vault)
		require.NoError(t, err)

		snapshot = engine.Settlement{Marketplace: *mp, Listing: listing, Vault: vault}

		return nil
	}))

	_, err := settle(context.Background(), w, e, "alice", nil)
	require.NoError(t, err)

	before := w.balances()

	err = w.store.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		s := snapshot
		s.Buyer = "bob"

		_, err := e.Settle(ctx, tx, s)

		return err
	})

	require.ErrorIs(t, err, constant.ErrListingNotFound)
	assert.Equal(t, engine.ClassNotFound, engine.ClassOf(err))
	assert.Equal(t, before, w.balances(), "bob must not be charged for a listing that is gone")
}
