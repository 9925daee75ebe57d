package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateTrigger inserts a new Trigger. webhook_path uniqueness is enforced
// by the schema; callers should generate unpredictable paths.
func (s *Store) CreateTrigger(ctx context.Context, t *Trigger) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	state, err := json.Marshal(t.ExecutionState)
	if err != nil {
		return fmt.Errorf("store: marshal execution_state: %w", err)
	}
	var webhookPath *string
	if t.WebhookPath != "" {
		webhookPath = &t.WebhookPath
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO triggers
			(id, tenant_id, user_handle, name, trigger_type, task_prompt, autonomy, config, status,
			 cooldown_seconds, max_errors, error_count, last_triggered_at, next_check_at,
			 webhook_path, webhook_secret_enc, signature_algo, execution_state)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, t.ID, t.TenantID, t.UserHandle, t.Name, t.TriggerType, t.TaskPrompt, t.Autonomy, t.Config, t.Status,
		t.CooldownSeconds, t.MaxErrors, t.ErrorCount, t.LastTriggeredAt, t.NextCheckAt,
		webhookPath, t.WebhookSecretEnc, t.SignatureAlgo, state)
	if err != nil {
		return fmt.Errorf("store: create trigger: %w", err)
	}
	return nil
}

// GetTrigger returns a trigger by id, scoped to tenant.
func (s *Store) GetTrigger(ctx context.Context, tenantID, id string) (*Trigger, error) {
	row := s.pool.QueryRow(ctx, triggerSelect+` WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	t, err := scanTrigger(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get trigger: %w", err)
	}
	return t, nil
}

// GetTriggerByWebhookPath looks up the trigger bound to an inbound webhook
// path. Returns ErrNotFound for an unknown path (caller maps to HTTP 404).
func (s *Store) GetTriggerByWebhookPath(ctx context.Context, path string) (*Trigger, error) {
	row := s.pool.QueryRow(ctx, triggerSelect+` WHERE webhook_path = $1`, path)
	t, err := scanTrigger(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get trigger by webhook path: %w", err)
	}
	return t, nil
}

// ListTriggers returns every trigger owned by tenant.
func (s *Store) ListTriggers(ctx context.Context, tenantID string) ([]*Trigger, error) {
	rows, err := s.pool.Query(ctx, triggerSelect+` WHERE tenant_id = $1 ORDER BY name ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list triggers: %w", err)
	}
	defer rows.Close()

	var out []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan trigger: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DueConditionTriggers returns active CONDITION triggers whose
// next_check_at has passed or was never set.
func (s *Store) DueConditionTriggers(ctx context.Context, now time.Time) ([]*Trigger, error) {
	rows, err := s.pool.Query(ctx, triggerSelect+`
		WHERE status = 'ACTIVE' AND trigger_type = 'CONDITION' AND (next_check_at <= $1 OR next_check_at IS NULL)
		ORDER BY id ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("store: due condition triggers: %w", err)
	}
	defer rows.Close()

	var out []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan trigger: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListActiveEventTriggers returns active EVENT triggers whose config
// names the given event source (e.g. "outlook"), for the email poller.
func (s *Store) ListActiveEventTriggers(ctx context.Context, eventSource string) ([]*Trigger, error) {
	rows, err := s.pool.Query(ctx, triggerSelect+`
		WHERE status = 'ACTIVE' AND trigger_type = 'EVENT' AND config->>'event_source' = $1
		ORDER BY id ASC
	`, eventSource)
	if err != nil {
		return nil, fmt.Errorf("store: list active event triggers: %w", err)
	}
	defer rows.Close()

	var out []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan trigger: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveTriggerConfig overwrites a trigger's config blob, used by the
// email poller to persist a refreshed, re-encrypted OAuth token.
func (s *Store) SaveTriggerConfig(ctx context.Context, id string, config []byte) error {
	_, err := s.pool.Exec(ctx, `UPDATE triggers SET config = $1 WHERE id = $2`, config, id)
	if err != nil {
		return fmt.Errorf("store: save trigger config: %w", err)
	}
	return nil
}

// SetNextCheckAt advances a polled trigger's next_check_at regardless of
// the poll's outcome, preventing hot loops on failures.
func (s *Store) SetNextCheckAt(ctx context.Context, id string, next time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE triggers SET next_check_at = $1 WHERE id = $2`, next, id)
	if err != nil {
		return fmt.Errorf("store: set next_check_at: %w", err)
	}
	return nil
}

// ManageTrigger toggles status per action in {enable, disable, delete}.
func (s *Store) ManageTrigger(ctx context.Context, tenantID, id, action string) error {
	switch action {
	case "enable":
		_, err := s.pool.Exec(ctx, `UPDATE triggers SET status = 'ACTIVE', error_count = 0 WHERE tenant_id = $1 AND id = $2`, tenantID, id)
		return wrapAffected(err, "enable trigger")
	case "disable":
		_, err := s.pool.Exec(ctx, `UPDATE triggers SET status = 'PAUSED' WHERE tenant_id = $1 AND id = $2`, tenantID, id)
		return wrapAffected(err, "disable trigger")
	case "delete":
		_, err := s.pool.Exec(ctx, `DELETE FROM triggers WHERE tenant_id = $1 AND id = $2`, tenantID, id)
		return wrapAffected(err, "delete trigger")
	default:
		return fmt.Errorf("store: manage trigger: unknown action %q", action)
	}
}

func wrapAffected(err error, op string) error {
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	return nil
}

// RecordTriggerSuccess resets error_count/breaker-relevant state and
// stamps last_triggered_at, rolling the execution_state window.
func (s *Store) RecordTriggerSuccess(ctx context.Context, id string, now time.Time, executionState []string) error {
	state, err := json.Marshal(last(executionState, 5))
	if err != nil {
		return fmt.Errorf("store: marshal execution_state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE triggers SET last_triggered_at = $1, error_count = 0, execution_state = $2 WHERE id = $3
	`, now, state, id)
	if err != nil {
		return fmt.Errorf("store: record trigger success: %w", err)
	}
	return nil
}

// RecordTriggerFailure increments error_count and, once it reaches
// max_errors, flips status to ERROR.
func (s *Store) RecordTriggerFailure(ctx context.Context, id string) (errorCount int, disabled bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("store: record trigger failure begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current, maxErrors int
	if err := tx.QueryRow(ctx, `SELECT error_count, max_errors FROM triggers WHERE id = $1 FOR UPDATE`, id).Scan(&current, &maxErrors); err != nil {
		return 0, false, fmt.Errorf("store: record trigger failure read: %w", err)
	}
	current++
	disabled = current >= maxErrors

	if disabled {
		_, err = tx.Exec(ctx, `UPDATE triggers SET error_count = $1, status = 'ERROR' WHERE id = $2`, current, id)
	} else {
		_, err = tx.Exec(ctx, `UPDATE triggers SET error_count = $1 WHERE id = $2`, current, id)
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: record trigger failure update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("store: record trigger failure commit: %w", err)
	}
	return current, disabled, nil
}

const triggerSelect = `
	SELECT id, tenant_id, user_handle, name, trigger_type, task_prompt, autonomy, config, status,
		cooldown_seconds, max_errors, error_count, last_triggered_at, next_check_at,
		coalesce(webhook_path, ''), webhook_secret_enc, signature_algo, execution_state
	FROM triggers`

func scanTrigger(row rowScanner) (*Trigger, error) {
	var t Trigger
	var state []byte
	err := row.Scan(&t.ID, &t.TenantID, &t.UserHandle, &t.Name, &t.TriggerType, &t.TaskPrompt, &t.Autonomy, &t.Config, &t.Status,
		&t.CooldownSeconds, &t.MaxErrors, &t.ErrorCount, &t.LastTriggeredAt, &t.NextCheckAt,
		&t.WebhookPath, &t.WebhookSecretEnc, &t.SignatureAlgo, &state)
	if err != nil {
		return nil, err
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &t.ExecutionState); err != nil {
			return nil, fmt.Errorf("unmarshal execution_state: %w", err)
		}
	}
	return &t, nil
}
