//go:build nocgo

package store

// Pure-Go fallback driver, used when cgo is unavailable (e.g. certain
// cross-compiled targets).
import _ "modernc.org/sqlite"

const sqlDriverName = "sqlite"

// dsn builds the modernc.org/sqlite connection string. modernc uses
// repeated _pragma query parameters rather than go-sqlite3's
// underscore-prefixed flags.
func dsn(path string) string {
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}
