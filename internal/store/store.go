// Package store implements the transactional persistent store: a
// single-file relational store with write-ahead logging, a
// schema-versioned upgrade path with a backup copy taken before any
// upgrade runs, and tables for profiles, sequences, and every
// capturable event kind.
package store

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

// SchemaVersion is the user_version this binary requires. Bumping it
// and adding an entry to upgrades (schema.go) is how future schema
// changes are shipped.
const SchemaVersion = 3

// Store owns the single writer connection to the pyde1 database. Other
// processes may open their own read-only connections to the same file;
// this Store is the only writer.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	path   string
}

// Open opens (creating if necessary) the database at path, enables WAL
// journal mode, and runs the schema-upgrade procedure. The pre-upgrade
// backup copy runs without a time limit.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open(sqlDriverName, dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger, path: path}
	if err := s.upgrade(); err != nil {
		db.Close()
		return nil, fmt.Errorf("upgrade schema: %w", err)
	}

	return s, nil
}

// DB exposes the underlying connection for callers that need queries
// beyond Store's own helpers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// upgrade compares the on-disk user_version against SchemaVersion. If
// lower, it makes a timestamped backup copy, applies each pending
// upgrade statement set in order, and bumps user_version. If higher,
// it fails fatally: an older binary must not run against a newer
// schema.
func (s *Store) upgrade() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if current == SchemaVersion {
		return nil
	}
	if current > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", current, SchemaVersion)
	}

	if current > 0 {
		if err := s.backup(current); err != nil {
			return fmt.Errorf("backup before upgrade: %w", err)
		}
	}

	for v := current; v < SchemaVersion; v++ {
		stmts, ok := upgrades[v]
		if !ok {
			return fmt.Errorf("no upgrade path from schema version %d", v)
		}
		s.logger.Info("store: applying schema upgrade",
			"from", v, "to", v+1)
		for _, stmt := range stmts {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("apply upgrade %d->%d: %w", v, v+1, err)
			}
		}
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			return fmt.Errorf("bump user_version to %d: %w", v+1, err)
		}
	}

	return nil
}

// backup makes a timestamped file-copy of the database before an
// upgrade is applied, named pyde1.sqlite3.YYYYmmdd_HHMM.
func (s *Store) backup(fromVersion int) error {
	dst := s.path + "." + time.Now().Format("20060102_1504")

	src, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing to back up yet
		}
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	defer out.Close()

	n, err := io.Copy(out, src)
	if err != nil {
		return err
	}

	s.logger.Info("store: backup created before schema upgrade",
		"from_version", fromVersion, "path", dst, "size", humanize.Bytes(uint64(n)))
	return nil
}
