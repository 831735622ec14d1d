package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/outbox"
	"github.com/LerianStudio/lib-settlement/settlement/store"
	"github.com/google/uuid"
)

var (
	// ErrDBRequired is returned by New without a database handle.
	ErrDBRequired = errors.New("sqlstore: database is required")
	// ErrBeginRequired is returned by New without a begin function.
	ErrBeginRequired = errors.New("sqlstore: begin function is required")
)

// Querier is the query surface shared by *sql.DB, *sql.Tx and dbresolver.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Conn is an open transaction.
type Conn interface {
	Querier
	Commit() error
	Rollback() error
}

// BeginFunc opens a transaction.
type BeginFunc func(ctx context.Context) (Conn, error)

// Store is a store.Store over a SQL database.
type Store struct {
	begin   BeginFunc
	dialect Dialect
	now     func() time.Time
	closer  func() error
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCloser sets the function Close calls, usually the pool's Close.
func WithCloser(closer func() error) Option {
	return func(s *Store) {
		s.closer = closer
	}
}

// New creates a Store that opens transactions with begin.
func New(begin BeginFunc, dialect Dialect, opts ...Option) (*Store, error) {
	if begin == nil {
		return nil, ErrBeginRequired
	}

	s := &Store{begin: begin, dialect: dialect, now: time.Now}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// FromDB creates a Store over a *sql.DB. Close closes db.
func FromDB(db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	begin := func(ctx context.Context) (Conn, error) {
		conn, err := db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}

		return conn, nil
	}

	return New(begin, dialect, append([]Option{WithCloser(db.Close)}, opts...)...)
}

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// WithinTx runs fn inside one database transaction. The transaction commits
// only when fn returns nil; errors and panics roll it back.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	if fn == nil {
		return store.ErrNilTxFunc
	}

	conn, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	t := &tx{conn: conn, d: s.dialect, now: s.now}
	committed := false

	defer func() {
		t.closed = true

		if committed {
			return
		}

		if rbErr := conn.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) && err != nil {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()

	if err := fn(ctx, t); err != nil {
		return err
	}

	if err := conn.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	committed = true

	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}

	return s.closer()
}

const outboxColumns = "id, event_type, aggregate_id, payload, status, attempts, published_at, last_error, created_at, updated_at"

// ListPending claims up to limit PENDING or FAILED events, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]*outbox.Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	conn, err := s.begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	defer func() { _ = conn.Rollback() }()

	query := s.dialect.Rebind(s.dialect.SkipLocked(
		"SELECT " + outboxColumns + " FROM outbox_events WHERE status IN (?, ?) ORDER BY created_at, id LIMIT ?"))

	rows, err := conn.QueryContext(ctx, query, string(outbox.StatusPending), string(outbox.StatusFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending events: %w", err)
	}

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	claim := s.dialect.Rebind("UPDATE outbox_events SET status = ?, updated_at = ? WHERE id = ?")

	for _, event := range events {
		if _, err := conn.ExecContext(ctx, claim, string(outbox.StatusProcessing), now, event.ID.String()); err != nil {
			return nil, fmt.Errorf("claiming event %s: %w", event.ID, err)
		}

		event.Status = outbox.StatusProcessing
		event.UpdatedAt = now
	}

	if err := conn.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	return events, nil
}

// ResetStuckProcessing reclaims events left in PROCESSING since before
// processingBefore. Exhausted events become INVALID; the rest are returned
// still PROCESSING with a fresh updated_at.
func (s *Store) ResetStuckProcessing(ctx context.Context, limit int, processingBefore time.Time, maxAttempts int) ([]*outbox.Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	conn, err := s.begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	defer func() { _ = conn.Rollback() }()

	query := s.dialect.Rebind(s.dialect.SkipLocked(
		"SELECT " + outboxColumns + " FROM outbox_events WHERE status = ? AND updated_at < ? ORDER BY updated_at, id LIMIT ?"))

	rows, err := conn.QueryContext(ctx, query, string(outbox.StatusProcessing), processingBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying stuck events: %w", err)
	}

	stuck, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	reclaim := s.dialect.Rebind(
		"UPDATE outbox_events SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?")

	reclaimed := make([]*outbox.Event, 0, len(stuck))

	for _, event := range stuck {
		event.Attempts++
		event.UpdatedAt = now

		if outbox.FailedStatus(event.Attempts, maxAttempts) == outbox.StatusInvalid {
			event.Status = outbox.StatusInvalid
			event.LastError = outbox.ProcessingTimeoutError
		}

		if _, err := conn.ExecContext(ctx, reclaim, string(event.Status), event.Attempts, event.LastError, now,
			event.ID.String(), string(outbox.StatusProcessing)); err != nil {
			return nil, fmt.Errorf("reclaiming event %s: %w", event.ID, err)
		}

		if event.Status == outbox.StatusProcessing {
			reclaimed = append(reclaimed, event)
		}
	}

	if err := conn.Commit(); err != nil {
		return nil, fmt.Errorf("commit reclaim: %w", err)
	}

	return reclaimed, nil
}

// MarkPublished moves a PROCESSING event to PUBLISHED.
func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	return s.transition(ctx, id, outbox.StatusPublished,
		"UPDATE outbox_events SET status = ?, published_at = ?, last_error = '', updated_at = ? WHERE id = ? AND status = ?",
		string(outbox.StatusPublished), publishedAt.UTC(), s.now().UTC(), id.String(), string(outbox.StatusProcessing))
}

// MarkFailed records a failed attempt; the event becomes INVALID once it
// reaches maxAttempts.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = math.MaxInt32
	}

	return s.transition(ctx, id, outbox.StatusFailed,
		"UPDATE outbox_events SET status = CASE WHEN attempts + 1 >= ? THEN ? ELSE ? END, "+
			"attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ? AND status = ?",
		maxAttempts, string(outbox.StatusInvalid), string(outbox.StatusFailed), errMsg, s.now().UTC(),
		id.String(), string(outbox.StatusProcessing))
}

// MarkInvalid parks a PROCESSING event as INVALID.
func (s *Store) MarkInvalid(ctx context.Context, id uuid.UUID, errMsg string) error {
	return s.transition(ctx, id, outbox.StatusInvalid,
		"UPDATE outbox_events SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(outbox.StatusInvalid), errMsg, s.now().UTC(), id.String(), string(outbox.StatusProcessing))
}

func (s *Store) transition(ctx context.Context, id uuid.UUID, next outbox.Status, query string, args ...any) error {
	conn, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() { _ = conn.Rollback() }()

	res, err := conn.ExecContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update event %s: %w", id, err)
	}

	if n, err := res.RowsAffected(); err != nil || n == 0 {
		var status string

		row := conn.QueryRowContext(ctx, s.dialect.Rebind("SELECT status FROM outbox_events WHERE id = ?"), id.String())
		if scanErr := row.Scan(&status); errors.Is(scanErr, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", outbox.ErrEventNotFound, id)
		}

		return fmt.Errorf("%w: %s -> %s", outbox.ErrTransitionInvalid, status, next)
	}

	return conn.Commit()
}

// Events returns every outbox event, oldest first. It is meant for tests and
// operational inspection.
func (s *Store) Events(ctx context.Context) ([]*outbox.Event, error) {
	conn, err := s.begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	defer func() { _ = conn.Rollback() }()

	rows, err := conn.QueryContext(ctx, "SELECT "+outboxColumns+" FROM outbox_events ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*outbox.Event, error) {
	defer rows.Close()

	var events []*outbox.Event

	for rows.Next() {
		var (
			event       outbox.Event
			id, status  string
			payload     string
			publishedAt sql.NullTime
		)

		if err := rows.Scan(&id, &event.EventType, &event.AggregateID, &payload, &status, &event.Attempts,
			&publishedAt, &event.LastError, &event.CreatedAt, &event.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}

		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("scanning event id: %w", err)
		}

		event.ID = parsed
		event.Payload = []byte(payload)
		event.Status = outbox.Status(status)

		if publishedAt.Valid {
			at := publishedAt.Time.UTC()
			event.PublishedAt = &at
		}

		event.CreatedAt = event.CreatedAt.UTC()
		event.UpdatedAt = event.UpdatedAt.UTC()

		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	return events, nil
}
