package tokenstore

import (
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the token slot in a SQLite database with the token
// value encrypted at rest.
type SQLiteStore struct {
	db            *sql.DB
	encryptionKey []byte
	mu            sync.RWMutex
}

// NewSQLiteStore opens (creating if necessary) the token database at dbPath.
// The encryptionKey is used to encrypt/decrypt the stored token.
func NewSQLiteStore(dbPath string, encryptionKey []byte) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Tighten file permissions; ignore the error if the file doesn't exist yet
	if err := os.Chmod(dbPath, 0600); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, fmt.Errorf("failed to set database permissions: %w", err)
	}

	store := &SQLiteStore{
		db:            db,
		encryptionKey: encryptionKey,
	}

	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS token_slot (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		encrypted_token TEXT NOT NULL,
		last_updated DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create token_slot table: %w", err)
	}
	return nil
}

// Get returns the stored token, or an empty string if the slot is empty.
func (s *SQLiteStore) Get() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var encrypted string
	err := s.db.QueryRow("SELECT encrypted_token FROM token_slot WHERE id = 1").Scan(&encrypted)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query token: %w", err)
	}

	plaintext, err := Decrypt(encrypted, s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token: %w", err)
	}

	return string(plaintext), nil
}

// Set stores or replaces the token.
func (s *SQLiteStore) Set(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encrypted, err := Encrypt([]byte(token), s.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO token_slot (id, encrypted_token, last_updated)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			encrypted_token = excluded.encrypted_token,
			last_updated = excluded.last_updated
	`, encrypted, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	return nil
}

// Clear empties the token slot.
func (s *SQLiteStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM token_slot WHERE id = 1"); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
