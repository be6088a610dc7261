package db

import (
	"database/sql"
)

func init() {
	RegisterMigration(Migration{
		Version:     2,
		Description: "Delivery records, inbound messages and conversation snapshots",
		Up:          migration002_messaging,
	})
}

func migration002_messaging(database *sql.DB) error {
	tx, err := database.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []string{
		// idempotency_key is generated once per logical send and reused across retries
		`CREATE TABLE IF NOT EXISTS deliveries (
			idempotency_key    TEXT PRIMARY KEY,
			tenant_id          TEXT NOT NULL,
			recipient          TEXT NOT NULL,
			kind               TEXT NOT NULL,
			channel_message_id TEXT NOT NULL DEFAULT '',
			attempts           INTEGER NOT NULL DEFAULT 1,
			created_at         INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_tenant_time ON deliveries(tenant_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS inbound_messages (
			tenant_id          TEXT NOT NULL,
			channel_message_id TEXT NOT NULL,
			sender             TEXT NOT NULL,
			body               TEXT NOT NULL DEFAULT '',
			attach_type        TEXT,
			attach_name        TEXT,
			attach_data        BLOB,
			timestamp          INTEGER NOT NULL,
			created_at         INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, channel_message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_inbound_tenant_time ON inbound_messages(tenant_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS conversations (
			tenant_id       TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			name            TEXT NOT NULL DEFAULT '',
			unread_count    INTEGER NOT NULL DEFAULT 0,
			last_message_at INTEGER NOT NULL DEFAULT 0,
			updated_at      INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, conversation_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return tx.Commit()
}
