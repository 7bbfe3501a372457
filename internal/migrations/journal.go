package migrations

import (
	"context"
	"database/sql"
)

// InitJournalMigrations adds the migrations for the agent journal.
func InitJournalMigrations(runner *Runner) {
	// Migration 1: Singleton row holding the resume target
	runner.AddMigration(
		1,
		"Create agent state table",
		`CREATE TABLE agent_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			state TEXT NOT NULL,
			saved_state TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	)

	// Migration 2: Pending attach/detach notifications with the identity they belong to
	runner.AddMigration(
		2,
		"Create notifications table",
		`CREATE TABLE notifications (
			kind TEXT PRIMARY KEY CHECK (kind IN ('insertion', 'removal')),
			queued BOOLEAN NOT NULL DEFAULT 0,
			instance_id TEXT NOT NULL DEFAULT '',
			serial TEXT NOT NULL DEFAULT '',
			data_id TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	)

	// Migration 3: One row per package uploaded or attempted
	runner.AddMigration(
		3,
		"Create uploads table",
		`CREATE TABLE uploads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			data_id TEXT NOT NULL,
			encrypted_hash TEXT NOT NULL,
			packed_hash TEXT NOT NULL,
			size INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (data_id, encrypted_hash)
		)`,
	)

	// Migration 4: Keep updated_at current
	runner.AddMigration(
		4,
		"Create trigger for uploads updated_at",
		`CREATE TRIGGER trig_uploads_updated_at
		AFTER UPDATE ON uploads
		BEGIN
			UPDATE uploads SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
		END`,
	)

	// Migration 5: Index for listing by status
	runner.AddMigration(
		5,
		"Create index on uploads status",
		`CREATE INDEX idx_uploads_status ON uploads(status)`,
	)
}

// BootstrapJournal creates or upgrades the journal schema.
func BootstrapJournal(ctx context.Context, db *sql.DB) error {
	runner := NewRunner(db)
	InitJournalMigrations(runner)
	return runner.Run(ctx)
}
