package db

import (
	"context"
	"database/sql"
	"fmt"
)

// InboundMessage is a message received by a tenant's channel
type InboundMessage struct {
	TenantID         string  `json:"tenantId"`
	ChannelMessageID string  `json:"channelMessageId"`
	Sender           string  `json:"sender"`
	Body             string  `json:"body"`
	AttachType       *string `json:"attachType,omitempty"`
	AttachName       *string `json:"attachName,omitempty"`
	AttachData       []byte  `json:"-"`
	Timestamp        int64   `json:"timestamp"`
	CreatedAt        int64   `json:"createdAt"`
}

// InboundMessageStore persists received messages, de-duplicated by channel message id
type InboundMessageStore struct {
	db *DB
}

// InboundMessages returns the inbound message store bound to this database
func (d *DB) InboundMessages() *InboundMessageStore {
	return &InboundMessageStore{db: d}
}

// Exists reports whether the message was already captured
func (s *InboundMessageStore) Exists(ctx context.Context, tenantID, channelMessageID string) (bool, error) {
	return s.db.Exists(ctx,
		`SELECT 1 FROM inbound_messages WHERE tenant_id = ? AND channel_message_id = ?`,
		tenantID, channelMessageID,
	)
}

// Insert stores a message; duplicates are ignored and reported as inserted=false
func (s *InboundMessageStore) Insert(ctx context.Context, m InboundMessage) (bool, error) {
	if m.CreatedAt == 0 {
		m.CreatedAt = NowMs()
	}
	res, err := s.db.Run(ctx, `
		INSERT OR IGNORE INTO inbound_messages
			(tenant_id, channel_message_id, sender, body, attach_type, attach_name, attach_data, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.TenantID, m.ChannelMessageID, m.Sender, m.Body,
		NullString(m.AttachType), NullString(m.AttachName), m.AttachData, m.Timestamp, m.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert inbound message: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// ListByTenant returns the newest messages for a tenant
func (s *InboundMessageStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]InboundMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	return Select(ctx, s.db, `
		SELECT tenant_id, channel_message_id, sender, body, attach_type, attach_name, timestamp, created_at
		FROM inbound_messages WHERE tenant_id = ? ORDER BY timestamp DESC LIMIT ?
	`, []QueryParam{tenantID, limit}, func(rows *sql.Rows) (InboundMessage, error) {
		var m InboundMessage
		var attachType, attachName sql.NullString
		err := rows.Scan(&m.TenantID, &m.ChannelMessageID, &m.Sender, &m.Body,
			&attachType, &attachName, &m.Timestamp, &m.CreatedAt)
		m.AttachType = StringPtr(attachType)
		m.AttachName = StringPtr(attachName)
		return m, err
	})
}
