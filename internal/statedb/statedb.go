// Package statedb persists push states in SQLite.
package statedb

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS push_state (
	account TEXT NOT NULL,
	folder TEXT NOT NULL,
	state TEXT NOT NULL,
	updated_at TEXT DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (account, folder)
);
`

// DB stores one push state string per account folder.
type DB struct {
	db *sql.DB
}

// Open opens or creates the database file.
func Open(file string) (*DB, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, err
	}
	// Serialize writers from the push loops
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: failed to create schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.db.Close()
}

// PushState returns the push state of a folder, or "" if none was saved.
func (db *DB) PushState(account, folder string) (string, error) {
	var state string
	err := db.db.QueryRow("SELECT state FROM push_state WHERE account = ? AND folder = ?", account, folder).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("statedb: failed to load push state: %w", err)
	}
	return state, nil
}

// SetPushState saves the push state of a folder.
func (db *DB) SetPushState(account, folder, state string) error {
	_, err := db.db.Exec(`
		INSERT INTO push_state (account, folder, state) VALUES (?, ?, ?)
		ON CONFLICT (account, folder) DO UPDATE SET state = excluded.state, updated_at = CURRENT_TIMESTAMP`,
		account, folder, state)
	if err != nil {
		return fmt.Errorf("statedb: failed to save push state: %w", err)
	}
	return nil
}

// Folders returns the folders with a saved push state for an account.
func (db *DB) Folders(account string) ([]string, error) {
	rows, err := db.db.Query("SELECT folder FROM push_state WHERE account = ? ORDER BY folder", account)
	if err != nil {
		return nil, fmt.Errorf("statedb: failed to list folders: %w", err)
	}
	defer rows.Close()

	var folders []string
	for rows.Next() {
		var folder string
		if err := rows.Scan(&folder); err != nil {
			return nil, err
		}
		folders = append(folders, folder)
	}
	return folders, rows.Err()
}

// Delete removes the push state of a folder, e.g. after its UIDVALIDITY
// changed.
func (db *DB) Delete(account, folder string) error {
	_, err := db.db.Exec("DELETE FROM push_state WHERE account = ? AND folder = ?", account, folder)
	return err
}
