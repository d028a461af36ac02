// Package credstore persists the gateway credential across restarts in a
// small SQLite database.
package credstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNoToken is returned by Token when no credential has been stored.
var ErrNoToken = errors.New("no stored token")

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store holds credentials in <dir>/credentials.db.
type Store struct {
	db *sql.DB
}

// Open creates dir if needed, opens the database and applies the schema.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dir, "credentials.db")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open credential db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Token returns the stored credential, or ErrNoToken.
func (s *Store) Token() (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM credentials WHERE key = 'token'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return value, nil
}

// SetToken stores or replaces the credential.
func (s *Store) SetToken(token string) error {
	_, err := s.db.Exec(
		`INSERT INTO credentials (key, value) VALUES ('token', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, token)
	if err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

// ClearToken removes the stored credential. Clearing an empty store is fine.
func (s *Store) ClearToken() error {
	if _, err := s.db.Exec(`DELETE FROM credentials WHERE key = 'token'`); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
