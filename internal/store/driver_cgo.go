//go:build !nocgo

package store

// By default the store uses the cgo-based mattn/go-sqlite3 driver.
// Build with -tags nocgo to link the pure-Go modernc.org/sqlite
// driver instead (driver_nocgo.go) for cross-compiled or
// cgo-unavailable targets.
import _ "github.com/mattn/go-sqlite3"

const sqlDriverName = "sqlite3"

// dsn builds the go-sqlite3 connection string: WAL journaling, a busy
// timeout so concurrent readers don't immediately fail on lock
// contention, and
// foreign-key enforcement for the sequence_id relationships.
func dsn(path string) string {
	return path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}
