// Package db provides sqlite-backed persistence for the copy-trading core:
// accounts, open positions, capital reservations, trade signals and their
// per-user dispatch records, order audit rows and drift reports. Restart
// recovery reads in-flight state back from here instead of re-importing
// venue positions as new.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("record not found")

// Store wraps the sql handle with typed queries.
type Store struct {
	DB *sql.DB
}

// Open opens (creating if needed) the sqlite database at path and applies
// the schema. ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// sqlite tolerates one writer; keep the pool small and predictable.
	handle.SetMaxOpenConns(1)

	if _, err := handle.Exec(schema); err != nil {
		handle.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{DB: handle}, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.DB.Close()
}
