package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/store/sqlstore"
	_ "github.com/glebarez/go-sqlite"
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// ErrDSNRequired is returned by Open with an empty DSN.
var ErrDSNRequired = errors.New("sqlite: dsn is required")

var pragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA foreign_keys=ON;",
	"PRAGMA busy_timeout=5000;",
}

// Schema creates every settlement table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS marketplaces (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	admin         TEXT NOT NULL,
	fee_rate      INTEGER NOT NULL CHECK (fee_rate >= 0),
	bump          INTEGER NOT NULL,
	treasury      TEXT NOT NULL,
	treasury_bump INTEGER NOT NULL,
	rewards_mint  TEXT NOT NULL,
	rewards_bump  INTEGER NOT NULL,
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	address TEXT PRIMARY KEY,
	balance INTEGER NOT NULL CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS mints (
	address    TEXT PRIMARY KEY,
	supply     INTEGER NOT NULL,
	decimals   INTEGER NOT NULL,
	authority  TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS holdings (
	address    TEXT PRIMARY KEY,
	mint       TEXT NOT NULL REFERENCES mints (address),
	owner      TEXT NOT NULL,
	amount     INTEGER NOT NULL CHECK (amount >= 0),
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS listings (
	id          TEXT PRIMARY KEY,
	marketplace TEXT NOT NULL REFERENCES marketplaces (id),
	mint        TEXT NOT NULL REFERENCES mints (address),
	seller      TEXT NOT NULL,
	price       INTEGER NOT NULL CHECK (price >= 0),
	bump        INTEGER NOT NULL,
	created_at  DATETIME NOT NULL,
	UNIQUE (marketplace, mint)
);

CREATE TABLE IF NOT EXISTS outbox_events (
	id           TEXT PRIMARY KEY,
	event_type   TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	payload      TEXT NOT NULL,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	published_at DATETIME,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS outbox_events_status_created_at ON outbox_events (status, created_at);
`

// Open opens dsn, applies Schema and returns a store over it.
func Open(ctx context.Context, dsn string, logger log.Logger, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrDSNRequired
	}

	logger = log.OrNop(logger)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()

		logger.Log(ctx, log.LevelError, "sqlite schema failed", log.Err(err))

		return nil, err
	}

	logger.Log(ctx, log.LevelInfo, "sqlite store ready", log.String("dsn", redact(dsn)))

	return sqlstore.FromDB(db, sqlstore.SQLite, opts...)
}

// Migrate applies pragmas and Schema to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	return nil
}

func redact(dsn string) string {
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		return dsn[:i]
	}

	return dsn
}
