package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/xiaoyuanzhu-com/session-fleet/log"
)

// Migration is one forward-only schema step. Up owns its transaction.
type Migration struct {
	Version     int
	Description string
	Up          func(db *sql.DB) error
}

// migrations is populated by the migration_*.go init functions
var migrations = map[int]Migration{}

// RegisterMigration adds a migration. Versions must be unique.
func RegisterMigration(m Migration) {
	if existing, ok := migrations[m.Version]; ok {
		panic(fmt.Sprintf("migration %d registered twice (%q, %q)", m.Version, existing.Description, m.Description))
	}
	migrations[m.Version] = m
}

// pending returns the migrations above current, in version order
func pending(current int) []Migration {
	var out []Migration
	for v, m := range migrations {
		if v > current {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

func runMigrations(conn *sql.DB) error {
	if _, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := schemaVersion(context.Background(), conn)
	if err != nil {
		return err
	}

	for _, m := range pending(current) {
		log.Info().Int("version", m.Version).Str("description", m.Description).Msg("applying migration")

		if err := m.Up(conn); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if _, err := conn.Exec(
			"INSERT INTO schema_version (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, NowMs(), m.Description,
		); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func schemaVersion(ctx context.Context, conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// CurrentVersion returns the applied schema version
func (d *DB) CurrentVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, d.conn)
}
