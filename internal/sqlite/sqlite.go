// Package sqlite opens the SQLite databases the agent keeps on disk.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Ensure the driver is imported. The name "_" means we only want its side effects (registering the driver).
	_ "github.com/mattn/go-sqlite3"
)

// Open returns a handle to the SQLite database at path, creating the file
// and its directory if needed. The database runs in WAL mode so the journal
// survives a crash between writes.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL",
		path,
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open failed: %w", err)
	}

	// A single writer keeps WAL checkpoints simple.
	db.SetMaxOpenConns(1)

	// Ping to verify the connection is alive immediately after opening.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping failed after open: %w", err)
	}

	return db, nil
}

// Checkpoint flushes the write-ahead log into the main database file.
func Checkpoint(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA wal_checkpoint(FULL)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	return nil
}
