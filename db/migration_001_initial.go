package db

import (
	"database/sql"
)

func init() {
	RegisterMigration(Migration{
		Version:     1,
		Description: "Initial schema: tenants, session backups, notifications",
		Up:          migration001_initial,
	})
}

func migration001_initial(database *sql.DB) error {
	tx, err := database.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			tenant_id      TEXT PRIMARY KEY,
			phone_number   TEXT NOT NULL DEFAULT '',
			challenge      TEXT,
			session_marker TEXT,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL
		)`,

		// One row per tenant; saves overwrite in place.
		`CREATE TABLE IF NOT EXISTS session_backups (
			tenant_id   TEXT PRIMARY KEY,
			blob        BLOB NOT NULL,
			device_info TEXT NOT NULL DEFAULT '{}',
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			kind       TEXT NOT NULL,
			message    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_tenant ON notifications(tenant_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return tx.Commit()
}
