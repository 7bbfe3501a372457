// Package journal persists what the agent must not forget across a process
// restart: the resume target, queued attach/detach notifications and the
// history of package uploads.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldops/uplink/internal/identity"
	"github.com/fieldops/uplink/internal/log"
	"github.com/fieldops/uplink/internal/migrations"
	"github.com/fieldops/uplink/internal/sqlite"
)

// Common errors returned by the journal package.
var (
	ErrNotFound = errors.New("journal record not found")
)

// Kind names a device notification.
type Kind string

const (
	// KindInsertion is the "attached" device_status notification.
	KindInsertion Kind = "insertion"
	// KindRemoval is the "detached" device_status notification.
	KindRemoval Kind = "removal"
)

// Notification is the persisted pending flag of one notification kind.
type Notification struct {
	Kind     Kind
	Queued   bool
	Identity identity.Identity
}

// UploadStatus is the outcome of an upload cycle.
type UploadStatus string

const (
	StatusStarted        UploadStatus = "started"
	StatusVerified       UploadStatus = "verified"
	StatusAlreadyPresent UploadStatus = "already_present"
)

// Upload is one row of the upload history.
type Upload struct {
	ID            int64
	DataID        string
	EncryptedHash string
	PackedHash    string
	Size          int64
	Status        UploadStatus
	Attempts      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Journal is the SQLite-backed agent journal.
type Journal struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the journal at path and brings its schema up to date.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	if err := migrations.BootstrapJournal(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	return &Journal{db: db, path: path}, nil
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

// SaveState records the current state and the state to resume after a
// reconnect.
func (j *Journal) SaveState(ctx context.Context, state, saved string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO agent_state (id, state, saved_state, updated_at) VALUES (1, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, saved_state = excluded.saved_state, updated_at = CURRENT_TIMESTAMP`,
		state, saved,
	)
	if err != nil {
		return fmt.Errorf("failed to save agent state: %w", err)
	}
	return nil
}

// LoadState returns the last saved state pair, or ErrNotFound.
func (j *Journal) LoadState(ctx context.Context) (state, saved string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	err = j.db.QueryRowContext(ctx, "SELECT state, saved_state FROM agent_state WHERE id = 1").Scan(&state, &saved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("failed to load agent state: %w", err)
	}
	return state, saved, nil
}

// SetQueued sets or clears the pending flag of a notification kind together
// with the identity the notification must be sent for.
func (j *Journal) SetQueued(ctx context.Context, kind Kind, queued bool, id identity.Identity) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO notifications (kind, queued, instance_id, serial, data_id, updated_at) VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(kind) DO UPDATE SET
			queued = excluded.queued,
			instance_id = excluded.instance_id,
			serial = excluded.serial,
			data_id = excluded.data_id,
			updated_at = CURRENT_TIMESTAMP`,
		string(kind), queued, id.InstanceID, id.DeviceSerial, id.DataID,
	)
	if err != nil {
		return fmt.Errorf("failed to record %s notification: %w", kind, err)
	}
	return nil
}

// Notification returns the pending flag of kind. A kind never recorded is
// reported as not queued.
func (j *Journal) Notification(ctx context.Context, kind Kind) (Notification, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := Notification{Kind: kind}
	err := j.db.QueryRowContext(ctx,
		"SELECT queued, instance_id, serial, data_id FROM notifications WHERE kind = ?",
		string(kind),
	).Scan(&n.Queued, &n.Identity.InstanceID, &n.Identity.DeviceSerial, &n.Identity.DataID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return n, fmt.Errorf("failed to read %s notification: %w", kind, err)
	}
	return n, nil
}

// LogUpload records the start of an upload cycle for a package. A package
// seen before is moved back to started.
func (j *Journal) LogUpload(ctx context.Context, dataID, encryptedHash, packedHash string, size int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO uploads (data_id, encrypted_hash, packed_hash, size, status) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(data_id, encrypted_hash) DO UPDATE SET status = excluded.status`,
		dataID, encryptedHash, packedHash, size, string(StatusStarted),
	)
	if err != nil {
		return fmt.Errorf("failed to log upload: %w", err)
	}
	return nil
}

// CompleteUpload records the outcome of an upload cycle.
func (j *Journal) CompleteUpload(ctx context.Context, dataID, encryptedHash string, status UploadStatus, attempts int) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	result, err := j.db.ExecContext(ctx,
		"UPDATE uploads SET status = ?, attempts = attempts + ? WHERE data_id = ? AND encrypted_hash = ?",
		string(status), attempts, dataID, encryptedHash,
	)
	if err != nil {
		return fmt.Errorf("failed to complete upload: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUpload returns the record of one package.
func (j *Journal) GetUpload(ctx context.Context, dataID, encryptedHash string) (Upload, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	row := j.db.QueryRowContext(ctx, `
		SELECT id, data_id, encrypted_hash, packed_hash, size, status, attempts, created_at, updated_at
		FROM uploads WHERE data_id = ? AND encrypted_hash = ?`,
		dataID, encryptedHash,
	)
	u, err := scanUpload(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Upload{}, ErrNotFound
		}
		return Upload{}, fmt.Errorf("failed to get upload: %w", err)
	}
	return u, nil
}

// Uploads returns the upload history, newest first.
func (j *Journal) Uploads(ctx context.Context) ([]Upload, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, data_id, encrypted_hash, packed_hash, size, status, attempts, created_at, updated_at
		FROM uploads ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload: %w", err)
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// CleanupExpired removes finished uploads last touched before maxAge ago.
func (j *Journal) CleanupExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	result, err := j.db.ExecContext(ctx,
		"DELETE FROM uploads WHERE status != ? AND updated_at < ?",
		string(StatusStarted), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired uploads: %w", err)
	}

	if err := sqlite.Checkpoint(j.db); err != nil {
		log.Warn().Err(err).Msg("Failed to sync journal after cleanup")
	}
	return result.RowsAffected()
}

// Close closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := sqlite.Checkpoint(j.db); err != nil {
		log.Warn().Err(err).Msg("Failed to sync journal before closing")
	}

	if err := j.db.Close(); err != nil {
		return fmt.Errorf("failed to close journal database: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUpload(s scanner) (Upload, error) {
	var u Upload
	var status string
	err := s.Scan(&u.ID, &u.DataID, &u.EncryptedHash, &u.PackedHash, &u.Size, &status, &u.Attempts, &u.CreatedAt, &u.UpdatedAt)
	u.Status = UploadStatus(status)
	return u, err
}
