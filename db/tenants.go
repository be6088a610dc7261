package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Tenant is a registered tenant. Every row is replayed at startup.
type Tenant struct {
	TenantID      string  `json:"tenantId"`
	PhoneNumber   string  `json:"phoneNumber"`
	Challenge     *string `json:"challenge,omitempty"`
	SessionMarker *string `json:"sessionMarker,omitempty"`
	CreatedAt     int64   `json:"createdAt"`
	UpdatedAt     int64   `json:"updatedAt"`
}

// TenantStore manages tenant rows
type TenantStore struct {
	db *DB
}

// Tenants returns the tenant store bound to this database
func (d *DB) Tenants() *TenantStore {
	return &TenantStore{db: d}
}

func scanTenant(row interface{ Scan(...any) error }) (Tenant, error) {
	var t Tenant
	var challenge, marker sql.NullString
	err := row.Scan(&t.TenantID, &t.PhoneNumber, &challenge, &marker, &t.CreatedAt, &t.UpdatedAt)
	t.Challenge = StringPtr(challenge)
	t.SessionMarker = StringPtr(marker)
	return t, err
}

// Ensure registers a tenant if it does not exist yet. A non-empty phone number
// replaces the stored one.
func (s *TenantStore) Ensure(ctx context.Context, tenantID, phoneNumber string) error {
	now := NowMs()
	_, err := s.db.Run(ctx, `
		INSERT INTO tenants (tenant_id, phone_number, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			phone_number = CASE WHEN excluded.phone_number != '' THEN excluded.phone_number ELSE tenants.phone_number END,
			updated_at = excluded.updated_at
	`, tenantID, phoneNumber, now, now)
	if err != nil {
		return fmt.Errorf("failed to register tenant: %w", err)
	}
	return nil
}

// Get returns a tenant or nil if unknown
func (s *TenantStore) Get(ctx context.Context, tenantID string) (*Tenant, error) {
	return SelectOne(ctx, s.db,
		`SELECT tenant_id, phone_number, challenge, session_marker, created_at, updated_at FROM tenants WHERE tenant_id = ?`,
		[]QueryParam{tenantID},
		func(row *sql.Row) (Tenant, error) { return scanTenant(row) },
	)
}

// List returns all registered tenants ordered by id
func (s *TenantStore) List(ctx context.Context) ([]Tenant, error) {
	return Select(ctx, s.db,
		`SELECT tenant_id, phone_number, challenge, session_marker, created_at, updated_at FROM tenants ORDER BY tenant_id`,
		nil,
		func(rows *sql.Rows) (Tenant, error) { return scanTenant(rows) },
	)
}

// SetChallenge stores the pending challenge; nil clears it
func (s *TenantStore) SetChallenge(ctx context.Context, tenantID string, challenge *string) error {
	_, err := s.db.Run(ctx,
		`UPDATE tenants SET challenge = ?, updated_at = ? WHERE tenant_id = ?`,
		NullString(challenge), NowMs(), tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to update challenge: %w", err)
	}
	return nil
}

// MarkAuthenticated clears the challenge and records the session marker
func (s *TenantStore) MarkAuthenticated(ctx context.Context, tenantID string) error {
	_, err := s.db.Run(ctx,
		`UPDATE tenants SET challenge = NULL, session_marker = ?, updated_at = ? WHERE tenant_id = ?`,
		"session-"+tenantID, NowMs(), tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark tenant authenticated: %w", err)
	}
	return nil
}
