package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Delivery records one successful outbound send
type Delivery struct {
	IdempotencyKey   string `json:"idempotencyKey"`
	TenantID         string `json:"tenantId"`
	Recipient        string `json:"recipient"`
	Kind             string `json:"kind"`
	ChannelMessageID string `json:"channelMessageId"`
	Attempts         int    `json:"attempts"`
	CreatedAt        int64  `json:"createdAt"`
}

// DeliveryMetrics aggregates deliveries for a tenant over a time range
type DeliveryMetrics struct {
	From    int64            `json:"from"`
	To      int64            `json:"to"`
	Sent    int64            `json:"sent"`
	ByKind  map[string]int64 `json:"byKind"`
	Retried int64            `json:"retried"`
}

// DeliveryStore persists delivery records
type DeliveryStore struct {
	db *DB
}

// Deliveries returns the delivery store bound to this database
func (d *DB) Deliveries() *DeliveryStore {
	return &DeliveryStore{db: d}
}

// Record stores a delivery. A repeated idempotency key is ignored and reported
// as recorded=false.
func (s *DeliveryStore) Record(ctx context.Context, d Delivery) (bool, error) {
	if d.CreatedAt == 0 {
		d.CreatedAt = NowMs()
	}
	res, err := s.db.Run(ctx, `
		INSERT OR IGNORE INTO deliveries
			(idempotency_key, tenant_id, recipient, kind, channel_message_id, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.IdempotencyKey, d.TenantID, d.Recipient, d.Kind, d.ChannelMessageID, d.Attempts, d.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record delivery: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// Metrics summarizes deliveries in [from, to) epoch milliseconds
func (s *DeliveryStore) Metrics(ctx context.Context, tenantID string, from, to int64) (*DeliveryMetrics, error) {
	type kindCount struct {
		kind    string
		count   int64
		retried int64
	}

	counts, err := Select(ctx, s.db, `
		SELECT kind, COUNT(*), SUM(CASE WHEN attempts > 1 THEN 1 ELSE 0 END)
		FROM deliveries
		WHERE tenant_id = ? AND created_at >= ? AND created_at < ?
		GROUP BY kind
	`, []QueryParam{tenantID, from, to}, func(rows *sql.Rows) (kindCount, error) {
		var kc kindCount
		err := rows.Scan(&kc.kind, &kc.count, &kc.retried)
		return kc, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate deliveries: %w", err)
	}

	m := &DeliveryMetrics{From: from, To: to, ByKind: make(map[string]int64)}
	for _, kc := range counts {
		m.ByKind[kc.kind] = kc.count
		m.Sent += kc.count
		m.Retried += kc.retried
	}
	return m, nil
}
