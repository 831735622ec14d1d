// Package sqlstore implements store.Store over database/sql.
//
// One Store serves both PostgreSQL (through the pgx stdlib driver and a
// dbresolver primary/replica pool) and SQLite (glebarez/go-sqlite). Queries
// are written with ? placeholders and rebound per Dialect. On PostgreSQL the
// listing and holding rows touched by a settlement are read FOR UPDATE, so a
// second concurrent purchase blocks until the first commits and then finds
// the listing gone. SQLite runs on a single connection, which serializes
// transactions outright.
package sqlstore
