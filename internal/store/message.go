package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendMessage inserts one Message row. Messages are never updated after
// insert; delivery status corrections (e.g. after a failed send) happen
// via a fresh row, not a mutation, except where noted on MarkDelivered.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.DeliveryStatus == "" {
		m.DeliveryStatus = DeliveryPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, tenant_id, user_handle, session_id, transport_message_id, direction, content, delivery_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, m.ID, m.TenantID, m.UserHandle, m.SessionID, m.TransportMessageID, m.Direction, m.Content, m.DeliveryStatus, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}

// MarkDelivered updates the delivery_status of an outbound message after
// the transport call resolves. This is the one sanctioned post-insert
// mutation, scoped to a single non-semantic column.
func (s *Store) MarkDelivered(ctx context.Context, messageID string, status DeliveryStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET delivery_status = $1 WHERE id = $2`, status, messageID)
	if err != nil {
		return fmt.Errorf("store: mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
