//go:build unit

package sqlstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/custody"
	"github.com/LerianStudio/lib-settlement/settlement/engine"
	"github.com/LerianStudio/lib-settlement/settlement/outbox"
	"github.com/LerianStudio/lib-settlement/settlement/sqlite"
	"github.com/LerianStudio/lib-settlement/settlement/store"
	"github.com/LerianStudio/lib-settlement/settlement/store/sqlstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func openStore(t *testing.T) *sqlstore.Store {
	t.Helper()

	s, err := sqlite.Open(context.Background(), sqlite.MemoryDSN, nil,
		sqlstore.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

type listed struct {
	mp      *custody.Marketplace
	listing *custody.Listing
	vault   string
}

func listAsset(t *testing.T, s *sqlstore.Store, fee, price, rent int64) listed {
	t.Helper()

	mp, err := custody.NewMarketplace("bazaar", "admin", fee, fixedNow)
	require.NoError(t, err)

	listing, err := custody.NewListing(mp.ID, "mint-1", "seller", price, fixedNow)
	require.NoError(t, err)

	var vault string

	require.NoError(t, s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.CreateMarketplace(ctx, mp))
		require.NoError(t, tx.Credit(ctx, "seller", rent+1))

		held, err := tx.IssueAsset(ctx, custody.Mint{Address: "mint-1", Authority: "seller"}, "seller")
		require.NoError(t, err)

		v, err := tx.OpenHolding(ctx, listing.ID, "mint-1", "seller", rent)
		require.NoError(t, err)

		vault = v.Address

		require.NoError(t, tx.TransferOwned(ctx, held.Address, "mint-1", vault, "seller", 1))

		return tx.CreateListing(ctx, listing)
	}))

	return listed{mp: mp, listing: listing, vault: vault}
}

func balance(t *testing.T, s *sqlstore.Store, address string) int64 {
	t.Helper()

	var b int64

	require.NoError(t, s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		b, err = tx.Balance(ctx, address)

		return err
	}))

	return b
}

func settle(ctx context.Context, s *sqlstore.Store, l listed, buyer string) (*engine.Receipt, error) {
	e, err := engine.New()
	if err != nil {
		return nil, err
	}

	var receipt *engine.Receipt

	err = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		listing, err := tx.LockListing(ctx, l.listing.ID)
		if errors.Is(err, store.ErrNotFound) {
			return engine.ListingNotFound(l.listing.ID, err)
		}

		if err != nil {
			return err
		}

		mp, err := tx.Marketplace(ctx, listing.Marketplace)
		if err != nil {
			return err
		}

		vault, err := tx.Holding(ctx, l.vault)
		if err != nil {
			return err
		}

		receipt, err = e.Settle(ctx, tx, engine.Settlement{Buyer: buyer, Marketplace: *mp, Listing: listing, Vault: vault})

		return err
	})

	return receipt, err
}

func TestOpen_RequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := sqlite.Open(context.Background(), " ", nil)
	require.ErrorIs(t, err, sqlite.ErrDSNRequired)
}

func TestNew_Guards(t *testing.T) {
	t.Parallel()

	_, err := sqlstore.New(nil, sqlstore.SQLite)
	require.ErrorIs(t, err, sqlstore.ErrBeginRequired)

	_, err = sqlstore.FromDB(nil, sqlstore.SQLite)
	require.ErrorIs(t, err, sqlstore.ErrDBRequired)
}

func TestDialect(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", sqlstore.Postgres.Rebind("SELECT 1 WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT 1 WHERE a = ?", sqlstore.SQLite.Rebind("SELECT 1 WHERE a = ?"))
	assert.Equal(t, "SELECT 1 FOR UPDATE", sqlstore.Postgres.ForUpdate("SELECT 1"))
	assert.Equal(t, "SELECT 1 FOR UPDATE SKIP LOCKED", sqlstore.Postgres.SkipLocked("SELECT 1"))
	assert.Equal(t, "SELECT 1", sqlstore.SQLite.ForUpdate("SELECT 1"))
}

func TestWithinTx_CommitAndRollback(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	require.ErrorIs(t, s.WithinTx(ctx, nil), store.ErrNilTxFunc)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.Credit(ctx, "alice", 100)
	}))

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.Transfer(ctx, "alice", "bob", 60))

		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, int64(100), balance(t, s, "alice"))
	assert.Zero(t, balance(t, s, "bob"))

	var leaked store.Tx

	require.NoError(t, s.WithinTx(ctx, func(_ context.Context, tx store.Tx) error {
		leaked = tx
		return nil
	}))
	require.ErrorIs(t, leaked.Credit(ctx, "alice", 1), store.ErrTxClosed)
}

func TestLedger(t *testing.T) {
	t.Parallel()

	s := openStore(t)

	require.NoError(t, s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		require.ErrorIs(t, tx.Credit(ctx, "alice", 0), custody.ErrInvalidAmount)
		require.NoError(t, tx.Credit(ctx, "alice", 100))
		require.ErrorIs(t, tx.Transfer(ctx, "alice", "bob", -1), custody.ErrInvalidAmount)
		require.ErrorIs(t, tx.Transfer(ctx, "alice", "bob", 101), custody.ErrInsufficientFunds)
		require.NoError(t, tx.Transfer(ctx, "alice", "bob", 40))
		require.NoError(t, tx.Transfer(ctx, "alice", "bob", 0))

		alice, err := tx.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(60), alice)

		bob, err := tx.Balance(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, int64(40), bob)

		return nil
	}))
}

func TestCustodyLifecycle(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	l := listAsset(t, s, 50, 1000, 7)

	require.NoError(t, s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		vault, err := tx.Holding(ctx, l.vault)
		require.NoError(t, err)
		assert.Equal(t, int64(1), vault.Amount)
		assert.Equal(t, l.listing.ID, vault.Owner)

		got, err := tx.Marketplace(ctx, l.mp.ID)
		require.NoError(t, err)
		assert.Equal(t, *l.mp, *got)

		listing, err := tx.LockListing(ctx, l.listing.ID)
		require.NoError(t, err)
		assert.Equal(t, *l.listing, *listing)

		_, err = tx.OpenHolding(ctx, l.listing.ID, "mint-1", "seller", 0)
		require.ErrorIs(t, err, custody.ErrHoldingExists)

		_, err = tx.OpenHolding(ctx, "buyer", "unknown-mint", "buyer", 0)
		require.ErrorIs(t, err, custody.ErrAccountNotFound)

		dest, err := tx.OpenHolding(ctx, "buyer", "mint-1", "buyer", 0)
		require.NoError(t, err)

		require.ErrorIs(t, tx.TransferAsset(ctx, l.vault, "mint-1", dest.Address, l.listing.Authority(), 2), custody.ErrInsufficientUnits)

		_, err = tx.CloseHolding(ctx, l.vault, "seller", l.listing.Authority())
		require.ErrorIs(t, err, custody.ErrHoldingNotEmpty)

		require.NoError(t, tx.TransferAsset(ctx, l.vault, "mint-1", dest.Address, l.listing.Authority(), 1))

		refund, err := tx.CloseHolding(ctx, l.vault, "seller", l.listing.Authority())
		require.NoError(t, err)
		assert.Equal(t, int64(7), refund)

		_, err = tx.Holding(ctx, l.vault)
		require.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, tx.RetireListing(ctx, l.listing.ID))
		require.ErrorIs(t, tx.RetireListing(ctx, l.listing.ID), custody.ErrAccountNotFound)

		return nil
	}))
}

func TestRecords_Conflicts(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	l := listAsset(t, s, 50, 1000, 0)

	require.NoError(t, s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		require.ErrorIs(t, tx.CreateMarketplace(ctx, l.mp), store.ErrAlreadyExists)
		require.ErrorIs(t, tx.CreateListing(ctx, l.listing), store.ErrAlreadyExists)

		_, err := tx.IssueAsset(ctx, custody.Mint{Address: "mint-1"}, "other")
		require.ErrorIs(t, err, store.ErrAlreadyExists)

		m, err := tx.Mint(ctx, "mint-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), m.Supply)

		_, err = tx.Mint(ctx, "nope")
		require.ErrorIs(t, err, store.ErrNotFound)

		_, err = tx.Listing(ctx, "nope")
		require.ErrorIs(t, err, store.ErrNotFound)

		return nil
	}))
}

func TestSettle_Price1000Fee50(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	l := listAsset(t, s, 50, 1000, 3)

	require.NoError(t, s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Credit(ctx, "buyer", 1000)
	}))

	sellerBefore := balance(t, s, "seller")

	receipt, err := settle(context.Background(), s, l, "buyer")
	require.NoError(t, err)

	assert.Equal(t, int64(950), receipt.SellerAmount)
	assert.Equal(t, int64(50), receipt.Fee)
	assert.Equal(t, int64(3), receipt.RentRefunded)
	assert.Zero(t, balance(t, s, "buyer"))
	assert.Equal(t, sellerBefore+950+3, balance(t, s, "seller"))
	assert.Equal(t, int64(50), balance(t, s, l.mp.Treasury))
	assert.Zero(t, balance(t, s, l.vault))

	_, err = settle(context.Background(), s, l, "buyer")
	assert.Equal(t, engine.ClassNotFound, engine.ClassOf(err))
}

func TestSettle_InsufficientFundsLeavesNoTrace(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	l := listAsset(t, s, 50, 1000, 3)

	require.NoError(t, s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Credit(ctx, "buyer", 40)
	}))

	_, err := settle(context.Background(), s, l, "buyer")
	require.Error(t, err)
	assert.Equal(t, engine.ClassResource, engine.ClassOf(err))

	assert.Equal(t, int64(40), balance(t, s, "buyer"))
	assert.Equal(t, int64(3), balance(t, s, l.vault))

	require.NoError(t, s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.Listing(ctx, l.listing.ID)
		return err
	}))
}

func TestSettle_ConcurrentBuyersSettleOnce(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	l := listAsset(t, s, 50, 1000, 3)

	buyers := []string{"b1", "b2", "b3", "b4"}

	require.NoError(t, s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, b := range buyers {
			if err := tx.Credit(ctx, b, 1000); err != nil {
				return err
			}
		}

		return nil
	}))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)

	for _, b := range buyers {
		wg.Add(1)

		go func(buyer string) {
			defer wg.Done()

			if _, err := settle(context.Background(), s, l, buyer); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(b)
	}

	wg.Wait()

	assert.Equal(t, 1, successes)

	var total int64
	for _, b := range buyers {
		total += balance(t, s, b)
	}

	assert.Equal(t, int64(3000), total)
}

func TestOutboxRepository(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	first, err := outbox.NewEvent(ctx, "listing.settled", "l1", []byte(`{"n":1}`))
	require.NoError(t, err)

	second, err := outbox.NewEvent(ctx, "listing.settled", "l2", []byte(`{"n":2}`))
	require.NoError(t, err)

	second.CreatedAt = first.CreatedAt.Add(time.Second)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.ErrorIs(t, tx.AppendOutbox(ctx, nil), outbox.ErrEventRequired)
		require.NoError(t, tx.AppendOutbox(ctx, first))

		return tx.AppendOutbox(ctx, second)
	}))

	claimed, err := s.ListPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.JSONEq(t, `{"n":1}`, string(claimed[0].Payload))

	require.NoError(t, s.MarkPublished(ctx, first.ID, fixedNow))
	require.ErrorIs(t, s.MarkPublished(ctx, first.ID, fixedNow), outbox.ErrTransitionInvalid)

	claimed, err = s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.MarkFailed(ctx, second.ID, "broker down", 2))

	claimed, err = s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.MarkFailed(ctx, second.ID, "broker down", 2))

	events, err := s.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, outbox.StatusPublished, events[0].Status)
	require.NotNil(t, events[0].PublishedAt)
	assert.Equal(t, outbox.StatusInvalid, events[1].Status)
	assert.Equal(t, 2, events[1].Attempts)
	assert.Equal(t, "broker down", events[1].LastError)

	missing, err := outbox.NewEvent(ctx, "listing.settled", "l3", []byte(`{}`))
	require.NoError(t, err)
	require.ErrorIs(t, s.MarkInvalid(ctx, missing.ID, "x"), outbox.ErrEventNotFound)
}

type stepClock struct {
	mu sync.Mutex
	at time.Time
}

func (clock *stepClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()

	return clock.at
}

func (clock *stepClock) Set(at time.Time) {
	clock.mu.Lock()
	defer clock.mu.Unlock()

	clock.at = at
}

// failPublishOnce fails the first MarkPublished after a successful publish.
type failPublishOnce struct {
	outbox.Repository
	mu     sync.Mutex
	failed bool
}

func (repo *failPublishOnce) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	repo.mu.Lock()
	first := !repo.failed
	repo.failed = true
	repo.mu.Unlock()

	if first {
		return errors.New("write failed")
	}

	return repo.Repository.MarkPublished(ctx, id, publishedAt)
}

func openClockedStore(t *testing.T, clock *stepClock) *sqlstore.Store {
	t.Helper()

	s, err := sqlite.Open(context.Background(), sqlite.MemoryDSN, nil, sqlstore.WithClock(clock.Now))
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func appendEvents(t *testing.T, s *sqlstore.Store, n int) []*outbox.Event {
	t.Helper()

	ctx := context.Background()
	base := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	events := make([]*outbox.Event, 0, n)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for i := 0; i < n; i++ {
			event, err := outbox.NewEvent(ctx, "listing.settled", "l1", []byte(`{"n":1}`))
			require.NoError(t, err)

			event.CreatedAt = base.Add(time.Duration(i) * time.Second)
			event.UpdatedAt = event.CreatedAt

			require.NoError(t, tx.AppendOutbox(ctx, event))

			events = append(events, event)
		}

		return nil
	}))

	return events
}

func TestResetStuckProcessing(t *testing.T) {
	t.Parallel()

	clock := &stepClock{at: fixedNow}
	s := openClockedStore(t, clock)
	ctx := context.Background()

	events := appendEvents(t, s, 3)

	claimed, err := s.ListPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	clock.Set(fixedNow.Add(time.Hour))

	reclaimed, err := s.ResetStuckProcessing(ctx, 10, fixedNow.Add(-time.Minute), 3)
	require.NoError(t, err)
	assert.Empty(t, reclaimed, "recently claimed events are not stuck")

	reclaimed, err = s.ResetStuckProcessing(ctx, 1, fixedNow.Add(time.Minute), 3)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, outbox.StatusProcessing, reclaimed[0].Status)
	assert.Equal(t, 1, reclaimed[0].Attempts)

	reclaimed, err = s.ResetStuckProcessing(ctx, 10, fixedNow.Add(time.Minute), 1)
	require.NoError(t, err)
	assert.Empty(t, reclaimed, "exhausted events are parked, not returned")

	stored, err := s.Events(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 3)

	statuses := map[uuid.UUID]outbox.Status{}
	for _, event := range stored {
		statuses[event.ID] = event.Status
	}

	assert.ElementsMatch(t,
		[]outbox.Status{outbox.StatusProcessing, outbox.StatusInvalid},
		[]outbox.Status{statuses[events[0].ID], statuses[events[1].ID]})
	assert.Equal(t, outbox.StatusPending, statuses[events[2].ID])

	for _, event := range stored {
		if event.Status == outbox.StatusInvalid {
			assert.Equal(t, outbox.ProcessingTimeoutError, event.LastError)
			assert.Equal(t, 1, event.Attempts)
		}
	}
}

func TestDispatcher_ReclaimsInterruptedBatch(t *testing.T) {
	t.Parallel()

	clock := &stepClock{at: time.Now().UTC().Add(-time.Hour)}
	s := openClockedStore(t, clock)
	events := appendEvents(t, s, 2)

	registry := outbox.NewHandlerRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu      sync.Mutex
		handled []uuid.UUID
	)

	require.NoError(t, registry.Register("listing.settled", func(_ context.Context, event *outbox.Event) error {
		mu.Lock()
		defer mu.Unlock()

		if len(handled) == 0 {
			cancel()
		}

		handled = append(handled, event.ID)

		return nil
	}))

	dispatcher, err := outbox.NewDispatcher(s, registry, nil, nil, outbox.WithProcessingTimeout(time.Minute))
	require.NoError(t, err)

	result := dispatcher.DispatchOnce(ctx)
	assert.Equal(t, 1, result.Processed)

	stored, err := s.Events(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusProcessing, stored[1].Status, "cancelled batch leaves the tail claimed")

	clock.Set(time.Now().UTC())

	dispatcher.DispatchOnce(context.Background())

	stored, err = s.Events(context.Background())
	require.NoError(t, err)

	for _, event := range stored {
		assert.Equal(t, outbox.StatusPublished, event.Status, "event %s", event.ID)
	}

	assert.Contains(t, handled, events[1].ID)
}

func TestDispatcher_ReclaimsAfterFailedMarkPublished(t *testing.T) {
	t.Parallel()

	clock := &stepClock{at: time.Now().UTC().Add(-time.Hour)}
	s := openClockedStore(t, clock)
	events := appendEvents(t, s, 1)

	registry := outbox.NewHandlerRegistry()

	var deliveries int

	require.NoError(t, registry.Register("listing.settled", func(context.Context, *outbox.Event) error {
		deliveries++
		return nil
	}))

	dispatcher, err := outbox.NewDispatcher(&failPublishOnce{Repository: s}, registry, nil, nil,
		outbox.WithProcessingTimeout(time.Minute))
	require.NoError(t, err)

	result := dispatcher.DispatchOnce(context.Background())
	assert.Equal(t, outbox.DispatchResult{Processed: 1, Published: 1, StateUpdateFailed: 1}, result)

	clock.Set(time.Now().UTC())

	result = dispatcher.DispatchOnce(context.Background())
	assert.Equal(t, outbox.DispatchResult{Processed: 1, Published: 1}, result)

	stored, err := s.Events(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, events[0].ID, stored[0].ID)
	assert.Equal(t, outbox.StatusPublished, stored[0].Status)
	assert.Equal(t, 1, stored[0].Attempts)
	assert.Equal(t, 2, deliveries, "re-delivery is at-least-once")
}
