// Package opstate persists small pieces of state that must survive
// between invocations of the CLI: the selected model, token budget,
// toggles, a custom system prompt. Values are strings grouped by scope
// (usually a session name); typed helpers parse them on the way out.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a scoped key-value store backed by SQLite. Safe for
// concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS settings (
		scope      TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (scope, key)
	);
	`)
	return err
}

// Lookup returns the value for scope/key and whether it exists.
func (s *Store) Lookup(scope, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM settings WHERE scope = ? AND key = ?`,
		scope, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s/%s: %w", scope, key, err)
	}
	return value, true, nil
}

// Get returns the value for scope/key, or "" when unset.
func (s *Store) Get(scope, key string) (string, error) {
	v, _, err := s.Lookup(scope, key)
	return v, err
}

// Set upserts scope/key.
func (s *Store) Set(scope, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (scope, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (scope, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		scope, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", scope, key, err)
	}
	return nil
}

// Delete removes scope/key. Missing keys are not an error.
func (s *Store) Delete(scope, key string) error {
	if _, err := s.db.Exec(`DELETE FROM settings WHERE scope = ? AND key = ?`, scope, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", scope, key, err)
	}
	return nil
}

// List returns every key/value in scope. The map is never nil.
func (s *Store) List(scope string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings WHERE scope = ? ORDER BY key`, scope)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", scope, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", scope, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Bool returns the boolean at scope/key, or def when unset.
func (s *Store) Bool(scope, key string, def bool) (bool, error) {
	v, ok, err := s.Lookup(scope, key)
	if err != nil || !ok {
		return def, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s/%s: %w", scope, key, err)
	}
	return b, nil
}

// SetBool stores a boolean.
func (s *Store) SetBool(scope, key string, v bool) error {
	return s.Set(scope, key, strconv.FormatBool(v))
}

// Int returns the integer at scope/key, or def when unset.
func (s *Store) Int(scope, key string, def int) (int, error) {
	v, ok, err := s.Lookup(scope, key)
	if err != nil || !ok {
		return def, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s/%s: %w", scope, key, err)
	}
	return n, nil
}

// SetInt stores an integer.
func (s *Store) SetInt(scope, key string, v int) error {
	return s.Set(scope, key, strconv.Itoa(v))
}
