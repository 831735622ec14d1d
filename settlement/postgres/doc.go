// Package postgres connects the settlement store to PostgreSQL.
//
// Client owns a primary/replica resolver and hands out sqlstore.Store values
// whose transactions always run on the primary. Migrator applies the schema
// embedded in this package, or a directory of migrations when configured.
package postgres
