package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Conversation is a snapshot of one chat as reported by the channel
type Conversation struct {
	TenantID       string `json:"tenantId"`
	ConversationID string `json:"conversationId"`
	Name           string `json:"name"`
	UnreadCount    int    `json:"unreadCount"`
	LastMessageAt  int64  `json:"lastMessageAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

// ConversationStore persists conversation snapshots
type ConversationStore struct {
	db *DB
}

// Conversations returns the conversation store bound to this database
func (d *DB) Conversations() *ConversationStore {
	return &ConversationStore{db: d}
}

// ReplaceAll upserts the given snapshot for a tenant in a single transaction
func (s *ConversationStore) ReplaceAll(ctx context.Context, tenantID string, convs []Conversation) error {
	now := NowMs()
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO conversations (tenant_id, conversation_id, name, unread_count, last_message_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, conversation_id) DO UPDATE SET
				name = excluded.name,
				unread_count = excluded.unread_count,
				last_message_at = excluded.last_message_at,
				updated_at = excluded.updated_at
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range convs {
			if _, err := stmt.ExecContext(ctx, tenantID, c.ConversationID, c.Name, c.UnreadCount, c.LastMessageAt, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sync conversations: %w", err)
	}
	return nil
}

// ListByTenant returns a tenant's conversations, most recent first
func (s *ConversationStore) ListByTenant(ctx context.Context, tenantID string) ([]Conversation, error) {
	return Select(ctx, s.db, `
		SELECT tenant_id, conversation_id, name, unread_count, last_message_at, updated_at
		FROM conversations WHERE tenant_id = ? ORDER BY last_message_at DESC
	`, []QueryParam{tenantID}, func(rows *sql.Rows) (Conversation, error) {
		var c Conversation
		err := rows.Scan(&c.TenantID, &c.ConversationID, &c.Name, &c.UnreadCount, &c.LastMessageAt, &c.UpdatedAt)
		return c, err
	})
}
