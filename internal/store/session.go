package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// FindActiveSession returns the unique row with ended_at=NULL for
// (tenant, user), or ErrNotFound if no session is currently open.
func (s *Store) FindActiveSession(ctx context.Context, tenantID, userHandle string) (*ConversationSession, error) {
	var cs ConversationSession
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, user_handle, started_at, ended_at, reset_timestamp
		FROM conversation_sessions
		WHERE tenant_id = $1 AND user_handle = $2 AND ended_at IS NULL
	`, tenantID, userHandle).Scan(&cs.ID, &cs.TenantID, &cs.UserHandle, &cs.StartedAt, &cs.EndedAt, &cs.ResetTimestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find active session: %w", err)
	}
	return &cs, nil
}

// CreateSession opens a fresh ConversationSession for (tenant, user). The
// caller MUST have already ended any prior active session for this pair
// (the partial unique index enforces at most one open session regardless).
func (s *Store) CreateSession(ctx context.Context, tenantID, userHandle string) (*ConversationSession, error) {
	cs := &ConversationSession{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		UserHandle: userHandle,
		StartedAt:  time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_sessions (id, tenant_id, user_handle, started_at)
		VALUES ($1, $2, $3, $4)
	`, cs.ID, cs.TenantID, cs.UserHandle, cs.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create session: %w", err)
	}
	return cs, nil
}

// EndSession sets ended_at and bumps reset_timestamp, so the assistant's
// session key derivation (see internal/assistant) produces a fresh key on
// the next message and the subprocess starts without prior context.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversation_sessions SET ended_at = $1, reset_timestamp = $1
		WHERE id = $2 AND ended_at IS NULL
	`, now, sessionID)
	if err != nil {
		return fmt.Errorf("store: end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
