// Package sqlite opens a settlement store on an embedded SQLite database.
//
// It is the single-node backend: one connection serializes every
// transaction, so listing locks need no row-level support.
package sqlite
