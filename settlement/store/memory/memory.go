// Package memory is an in-process store. Transactions are serialized by one
// mutex and run against a copy of the state that replaces the committed state
// only when the transaction function succeeds.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/custody"
	"github.com/LerianStudio/lib-settlement/settlement/outbox"
	"github.com/LerianStudio/lib-settlement/settlement/store"
	"github.com/google/uuid"
)

type state struct {
	marketplaces map[string]custody.Marketplace
	listings     map[string]custody.Listing
	holdings     map[string]custody.HoldingAccount
	accounts     map[string]int64
	mints        map[string]custody.Mint
}

func newState() *state {
	return &state{
		marketplaces: map[string]custody.Marketplace{},
		listings:     map[string]custody.Listing{},
		holdings:     map[string]custody.HoldingAccount{},
		accounts:     map[string]int64{},
		mints:        map[string]custody.Mint{},
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}

func (s *state) clone() *state {
	return &state{
		marketplaces: cloneMap(s.marketplaces),
		listings:     cloneMap(s.listings),
		holdings:     cloneMap(s.holdings),
		accounts:     cloneMap(s.accounts),
		mints:        cloneMap(s.mints),
	}
}

// Store is the in-memory backend.
type Store struct {
	mu     sync.Mutex
	state  *state
	events map[uuid.UUID]*outbox.Event
	order  []uuid.UUID
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source for created records.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		state:  newState(),
		events: map[uuid.UUID]*outbox.Event{},
		now:    time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// WithinTx runs fn against a private copy of the state and commits it when fn
// returns nil. A panic in fn leaves the committed state untouched.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if fn == nil {
		return store.ErrNilTxFunc
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{state: s.state.clone(), now: s.now}
	defer func() { t.closed = true }()

	if err := fn(ctx, t); err != nil {
		return err
	}

	s.state = t.state

	for _, event := range t.events {
		s.events[event.ID] = event
		s.order = append(s.order, event.ID)
	}

	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// ListPending claims up to limit PENDING or FAILED events.
func (s *Store) ListPending(_ context.Context, limit int) ([]*outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	out := make([]*outbox.Event, 0, limit)

	for _, id := range s.order {
		if len(out) >= limit {
			break
		}

		event := s.events[id]
		if event.Status != outbox.StatusPending && event.Status != outbox.StatusFailed {
			continue
		}

		event.Status = outbox.StatusProcessing
		event.UpdatedAt = now
		out = append(out, event.Clone())
	}

	return out, nil
}

// ResetStuckProcessing reclaims events left in PROCESSING since before
// processingBefore. Exhausted events become INVALID; the rest are returned
// still PROCESSING with a fresh UpdatedAt.
func (s *Store) ResetStuckProcessing(_ context.Context, limit int, processingBefore time.Time, maxAttempts int) ([]*outbox.Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	out := make([]*outbox.Event, 0, limit)

	for _, id := range s.order {
		if len(out) >= limit {
			break
		}

		event := s.events[id]
		if event.Status != outbox.StatusProcessing || !event.UpdatedAt.Before(processingBefore) {
			continue
		}

		event.Attempts++
		event.UpdatedAt = now

		if outbox.FailedStatus(event.Attempts, maxAttempts) == outbox.StatusInvalid {
			event.Status = outbox.StatusInvalid
			event.LastError = outbox.ProcessingTimeoutError

			continue
		}

		out = append(out, event.Clone())
	}

	return out, nil
}

// MarkPublished moves a PROCESSING event to PUBLISHED.
func (s *Store) MarkPublished(_ context.Context, id uuid.UUID, publishedAt time.Time) error {
	return s.transition(id, outbox.StatusPublished, func(event *outbox.Event) {
		at := publishedAt.UTC()
		event.PublishedAt = &at
		event.LastError = ""
	})
}

// MarkFailed records a failed attempt. The event becomes INVALID once it
// reaches maxAttempts.
func (s *Store) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[id]
	if !ok {
		return fmt.Errorf("%w: %s", outbox.ErrEventNotFound, id)
	}

	next := outbox.FailedStatus(event.Attempts+1, maxAttempts)
	if err := outbox.ValidateTransition(event.Status, next); err != nil {
		return err
	}

	event.Attempts++
	event.Status = next
	event.LastError = errMsg
	event.UpdatedAt = s.now().UTC()

	return nil
}

// MarkInvalid parks a PROCESSING event as INVALID.
func (s *Store) MarkInvalid(_ context.Context, id uuid.UUID, errMsg string) error {
	return s.transition(id, outbox.StatusInvalid, func(event *outbox.Event) {
		event.LastError = errMsg
	})
}

func (s *Store) transition(id uuid.UUID, next outbox.Status, apply func(event *outbox.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[id]
	if !ok {
		return fmt.Errorf("%w: %s", outbox.ErrEventNotFound, id)
	}

	if err := outbox.ValidateTransition(event.Status, next); err != nil {
		return err
	}

	event.Status = next
	event.UpdatedAt = s.now().UTC()
	apply(event)

	return nil
}

// Events returns a copy of every outbox event, oldest first.
func (s *Store) Events() []*outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*outbox.Event, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.events[id].Clone())
	}

	return out
}

// Accounts returns every ledger balance, sorted by address.
func (s *Store) Accounts() []custody.Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]custody.Account, 0, len(s.state.accounts))
	for addr, balance := range s.state.accounts {
		out = append(out, custody.Account{Address: addr, Balance: balance})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })

	return out
}
