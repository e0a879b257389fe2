// Package cache is the local persistent shadow store: a key→JSON-blob table
// in SQLite, each entry stamped with its write time so callers can apply
// their own staleness rules.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding cached blobs.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the cache database in the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	dbPath := filepath.Join(dir, "cache.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure cache database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key       TEXT PRIMARY KEY,
			value     TEXT NOT NULL,
			stored_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Set stores v under key, replacing any previous entry and resetting its age.
func (s *Store) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO kv (key, value, stored_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, stored_at = excluded.stored_at`,
		key, string(b), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("write cache entry %q: %w", key, err)
	}
	return nil
}

// Get decodes the entry for key into out and returns when it was stored.
// The second return is false when no entry exists.
func (s *Store) Get(key string, out any) (time.Time, bool, error) {
	var value string
	var storedAt int64
	err := s.db.QueryRow(`SELECT value, stored_at FROM kv WHERE key = ?`, key).
		Scan(&value, &storedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read cache entry %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return time.Time{}, false, fmt.Errorf("decode cache entry %q: %w", key, err)
	}
	return time.UnixMilli(storedAt), true, nil
}

// Delete removes the entry for key. Missing entries are not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete cache entry %q: %w", key, err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
