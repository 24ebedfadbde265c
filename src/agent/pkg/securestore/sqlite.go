// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package securestore

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// SQLiteBackend stores blobs in a single SQLite table.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at dbPath.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// secure_delete is a per-connection pragma
	db.SetMaxOpenConns(1)

	backend := &SQLiteBackend{db: db}

	// Initialize database schema
	if err := backend.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Infof("Secure storage initialized: %s", dbPath)
	return backend, nil
}

// initSchema creates the blobs table if it doesn't exist
func (b *SQLiteBackend) initSchema() error {
	schema := `
	PRAGMA secure_delete = ON;

	CREATE TABLE IF NOT EXISTS blobs (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := b.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Put saves a blob to the database
func (b *SQLiteBackend) Put(key string, blob []byte) error {
	query := `
	INSERT INTO blobs (key, data)
	VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET
		data = excluded.data,
		updated_at = CURRENT_TIMESTAMP
	`

	if _, err := b.db.Exec(query, key, blob); err != nil {
		return fmt.Errorf("failed to save blob: %w", err)
	}

	log.Debugf("Blob saved to storage: key=%s", key)
	return nil
}

// Get loads one blob
func (b *SQLiteBackend) Get(key string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRow(`SELECT data FROM blobs WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load blob: %w", err)
	}
	return data, nil
}

// Wipe zero-fills the blob in place before deleting the row. With
// secure_delete the freed pages are overwritten as well.
func (b *SQLiteBackend) Wipe(key string) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`UPDATE blobs SET data = zeroblob(length(data)) WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to overwrite blob: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`DELETE FROM blobs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit wipe: %w", err)
	}

	log.Debugf("Blob wiped from storage: key=%s", key)
	return nil
}

// Has reports whether a row exists for key
func (b *SQLiteBackend) Has(key string) (bool, error) {
	var count int
	if err := b.db.QueryRow(`SELECT COUNT(*) FROM blobs WHERE key = ?`, key).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to query blob: %w", err)
	}
	return count > 0, nil
}

// Count returns the number of stored blobs
func (b *SQLiteBackend) Count() (int, error) {
	var count int
	if err := b.db.QueryRow(`SELECT COUNT(*) FROM blobs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get blob count: %w", err)
	}
	return count, nil
}

// Close closes the database connection
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
