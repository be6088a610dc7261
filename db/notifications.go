package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Notification is an out-of-band message addressed to a tenant
type Notification struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"createdAt"`
}

// NotificationStore persists tenant notifications
type NotificationStore struct {
	db *DB
}

// Notifications returns the notification store bound to this database
func (d *DB) Notifications() *NotificationStore {
	return &NotificationStore{db: d}
}

// Insert stores a notification
func (s *NotificationStore) Insert(ctx context.Context, n Notification) error {
	if n.CreatedAt == 0 {
		n.CreatedAt = NowMs()
	}
	_, err := s.db.Run(ctx,
		`INSERT INTO notifications (id, tenant_id, kind, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		n.ID, n.TenantID, n.Kind, n.Message, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ListByTenant returns the newest notifications for a tenant
func (s *NotificationStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	return Select(ctx, s.db,
		`SELECT id, tenant_id, kind, message, created_at FROM notifications
		 WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`,
		[]QueryParam{tenantID, limit},
		func(rows *sql.Rows) (Notification, error) {
			var n Notification
			err := rows.Scan(&n.ID, &n.TenantID, &n.Kind, &n.Message, &n.CreatedAt)
			return n, err
		},
	)
}
