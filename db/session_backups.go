package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DeviceInfo is the host snapshot stored alongside each backup
type DeviceInfo struct {
	DeviceName   string `json:"device_name"`
	OS           string `json:"os"`
	Platform     string `json:"platform"`
	Architecture string `json:"architecture"`
	CPUs         int    `json:"cpus"`
	Memory       uint64 `json:"memory"` // total bytes, 0 when unknown
	GoVersion    string `json:"go_version,omitempty"`
}

// SessionBackup is the durable snapshot of one tenant's working directory
type SessionBackup struct {
	TenantID   string
	Blob       []byte
	DeviceInfo DeviceInfo
	CreatedAt  int64
	UpdatedAt  int64
}

// SessionBackupStore persists session archives, one row per tenant
type SessionBackupStore struct {
	db *DB
}

// SessionBackups returns the backup store bound to this database
func (d *DB) SessionBackups() *SessionBackupStore {
	return &SessionBackupStore{db: d}
}

// Upsert writes the blob for a tenant, overwriting any previous backup in place.
// created_at is preserved across overwrites.
func (s *SessionBackupStore) Upsert(ctx context.Context, tenantID string, blob []byte, info DeviceInfo) error {
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode device info: %w", err)
	}

	now := NowMs()
	_, err = s.db.Run(ctx, `
		INSERT INTO session_backups (tenant_id, blob, device_info, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			blob = excluded.blob,
			device_info = excluded.device_info,
			updated_at = excluded.updated_at
	`, tenantID, blob, string(infoJSON), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert session backup: %w", err)
	}
	return nil
}

// Find returns the backup for a tenant, or nil when none exists
func (s *SessionBackupStore) Find(ctx context.Context, tenantID string) (*SessionBackup, error) {
	backup, err := SelectOne(ctx, s.db,
		`SELECT tenant_id, blob, device_info, created_at, updated_at FROM session_backups WHERE tenant_id = ?`,
		[]QueryParam{tenantID},
		func(row *sql.Row) (SessionBackup, error) {
			var b SessionBackup
			var infoJSON string
			if err := row.Scan(&b.TenantID, &b.Blob, &infoJSON, &b.CreatedAt, &b.UpdatedAt); err != nil {
				return b, err
			}
			if infoJSON != "" {
				if err := json.Unmarshal([]byte(infoJSON), &b.DeviceInfo); err != nil {
					return b, fmt.Errorf("failed to decode device info: %w", err)
				}
			}
			return b, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find session backup: %w", err)
	}
	return backup, nil
}

// Delete removes a tenant's backup; deleting a missing row is not an error
func (s *SessionBackupStore) Delete(ctx context.Context, tenantID string) error {
	if _, err := s.db.Run(ctx, `DELETE FROM session_backups WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("failed to delete session backup: %w", err)
	}
	return nil
}

// Count returns the number of stored backups
func (s *SessionBackupStore) Count(ctx context.Context) (int64, error) {
	return s.db.Count(ctx, `SELECT COUNT(*) FROM session_backups`)
}
