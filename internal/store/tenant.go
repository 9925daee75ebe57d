package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetTenant returns the tenant row, or ErrNotFound.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, messaging_channel, onboarding_status
		FROM tenants WHERE id = $1
	`, id).Scan(&t.ID, &t.Status, &t.MessagingChannel, &t.OnboardingStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get tenant: %w", err)
	}
	return &t, nil
}

// UpsertTenant creates a tenant or updates its mutable fields.
func (s *Store) UpsertTenant(ctx context.Context, t *Tenant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, status, messaging_channel, onboarding_status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			messaging_channel = EXCLUDED.messaging_channel,
			onboarding_status = EXCLUDED.onboarding_status
	`, t.ID, t.Status, t.MessagingChannel, t.OnboardingStatus)
	if err != nil {
		return fmt.Errorf("store: upsert tenant: %w", err)
	}
	return nil
}

// ChannelForTenant returns the tenant's configured messaging channel
// name, satisfying transport.TenantChannels.
func (s *Store) ChannelForTenant(ctx context.Context, tenantID string) (string, error) {
	t, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return t.MessagingChannel, nil
}

// SetOnboardingStatus flips a tenant's onboarding status, used by the
// /reonboard slash command.
func (s *Store) SetOnboardingStatus(ctx context.Context, tenantID string, status OnboardingStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tenants SET onboarding_status = $1 WHERE id = $2`, status, tenantID)
	if err != nil {
		return fmt.Errorf("store: set onboarding status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
