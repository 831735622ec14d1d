package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between supported databases.
type Dialect struct {
	Name       string
	numbered   bool
	lockSuffix string
	skipLocked string
}

var (
	// Postgres uses $n placeholders and row locks.
	Postgres = Dialect{Name: "postgres", numbered: true, lockSuffix: " FOR UPDATE", skipLocked: " FOR UPDATE SKIP LOCKED"}
	// SQLite uses ? placeholders and relies on a single writer connection.
	SQLite = Dialect{Name: "sqlite"}
)

// Rebind rewrites ? placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}

	var (
		sb strings.Builder
		n  int
	)

	sb.Grow(len(query) + 8)

	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))

			continue
		}

		sb.WriteByte(query[i])
	}

	return sb.String()
}

// ForUpdate returns query with the dialect's row lock clause appended.
func (d Dialect) ForUpdate(query string) string {
	return query + d.lockSuffix
}

// SkipLocked returns query with a lock clause that skips rows claimed by
// other transactions.
func (d Dialect) SkipLocked(query string) string {
	return query + d.skipLocked
}
