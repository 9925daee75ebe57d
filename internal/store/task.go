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

// CreateScheduledTask inserts a new ScheduledTask. Callers enforce the
// per-user cap and minimum-spacing rules before calling this (see
// internal/gateway's schedule-task tool handler); the store does not
// second-guess the caller's next_run_at.
func (s *Store) CreateScheduledTask(ctx context.Context, t *ScheduledTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	plan, err := json.Marshal(t.ExecutionPlan)
	if err != nil {
		return fmt.Errorf("store: marshal execution_plan: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scheduled_tasks
			(id, tenant_id, user_handle, task_prompt, task_type, timezone, cron_expr, run_at,
			 is_one_time, next_run_at, last_run_at, error_count, enabled, lease_owner, lease_expires_at, execution_plan)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, t.ID, t.TenantID, t.UserHandle, t.TaskPrompt, t.TaskType, t.Timezone, t.CronExpr, t.RunAt,
		t.IsOneTime, t.NextRunAt, t.LastRunAt, t.ErrorCount, t.Enabled, t.LeaseOwner, t.LeaseExpiresAt, plan)
	if err != nil {
		return fmt.Errorf("store: create scheduled task: %w", err)
	}
	return nil
}

// CountEnabledTasks returns the number of enabled scheduled tasks owned by
// (tenant, user), used to enforce the per-user cap (default 10).
func (s *Store) CountEnabledTasks(ctx context.Context, tenantID, userHandle string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM scheduled_tasks WHERE tenant_id = $1 AND user_handle = $2 AND enabled
	`, tenantID, userHandle).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count enabled tasks: %w", err)
	}
	return n, nil
}

// GetScheduledTask returns one task by id, scoped to the tenant.
func (s *Store) GetScheduledTask(ctx context.Context, tenantID, id string) (*ScheduledTask, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, user_handle, task_prompt, task_type, timezone, cron_expr, run_at,
			is_one_time, next_run_at, last_run_at, error_count, enabled, lease_owner, lease_expires_at, execution_plan
		FROM scheduled_tasks WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get scheduled task: %w", err)
	}
	return t, nil
}

// ListScheduledTasks returns every task owned by (tenant), ordered by
// next_run_at ascending.
func (s *Store) ListScheduledTasks(ctx context.Context, tenantID string) ([]*ScheduledTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, user_handle, task_prompt, task_type, timezone, cron_expr, run_at,
			is_one_time, next_run_at, last_run_at, error_count, enabled, lease_owner, lease_expires_at, execution_plan
		FROM scheduled_tasks WHERE tenant_id = $1 ORDER BY next_run_at ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list scheduled tasks: %w", err)
	}
	defer rows.Close()

	var out []*ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan scheduled task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteScheduledTask removes a one-shot task after successful execution,
// or on explicit cancel.
func (s *Store) DeleteScheduledTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete scheduled task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimDueTasks atomically finds eligible tasks and leases them to owner,
// using SELECT ... FOR UPDATE SKIP LOCKED so that two competing scheduler
// instances never claim the same row. Eligible = enabled AND
// next_run_at <= now AND (lease_expires_at IS NULL OR lease_expires_at < now).
// Ordering is next_run_at ASC, ties broken arbitrarily (no randomness).
func (s *Store) ClaimDueTasks(ctx context.Context, owner string, ttl time.Duration, limit int, now time.Time) ([]*ScheduledTask, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: claim due tasks begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, tenant_id, user_handle, task_prompt, task_type, timezone, cron_expr, run_at,
			is_one_time, next_run_at, last_run_at, error_count, enabled, lease_owner, lease_expires_at, execution_plan
		FROM scheduled_tasks
		WHERE enabled AND next_run_at <= $1 AND (lease_expires_at IS NULL OR lease_expires_at < $1)
		ORDER BY next_run_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: claim due tasks query: %w", err)
	}

	var claimed []*ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: claim due tasks scan: %w", err)
		}
		claimed = append(claimed, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: claim due tasks rows: %w", err)
	}
	rows.Close()

	leaseExpires := now.Add(ttl)
	for _, t := range claimed {
		_, err := tx.Exec(ctx, `
			UPDATE scheduled_tasks SET lease_owner = $1, lease_expires_at = $2 WHERE id = $3
		`, owner, leaseExpires, t.ID)
		if err != nil {
			return nil, fmt.Errorf("store: claim due tasks lease: %w", err)
		}
		t.LeaseOwner = &owner
		t.LeaseExpiresAt = &leaseExpires
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: claim due tasks commit: %w", err)
	}
	return claimed, nil
}

// ReleaseTaskLease clears the lease fields, returning the task to the
// pool of claimable rows immediately instead of waiting out the TTL.
func (s *Store) ReleaseTaskLease(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_tasks SET lease_owner = NULL, lease_expires_at = NULL WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("store: release task lease: %w", err)
	}
	return nil
}

// CompleteRecurringTask advances a recurring task after a successful
// firing: next_run_at moves forward, error_count resets, the rolling
// execution_plan is updated (capped at 5 entries), and the lease clears.
func (s *Store) CompleteRecurringTask(ctx context.Context, id string, nextRunAt time.Time, executionPlan []string) error {
	plan, err := json.Marshal(last(executionPlan, 5))
	if err != nil {
		return fmt.Errorf("store: marshal execution_plan: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		UPDATE scheduled_tasks SET
			last_run_at = $1, next_run_at = $2, error_count = 0,
			execution_plan = $3, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $4
	`, now, nextRunAt, plan, id)
	if err != nil {
		return fmt.Errorf("store: complete recurring task: %w", err)
	}
	return nil
}

// FailTask increments error_count and, depending on the new count,
// reschedules or disables the task. It returns the resulting error_count
// and whether the task was disabled, so the caller can decide what
// notice to send the user.
func (s *Store) FailTask(ctx context.Context, id string, nextRetryAt time.Time, maxErrors int) (errorCount int, disabled bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("store: fail task begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int
	err = tx.QueryRow(ctx, `SELECT error_count FROM scheduled_tasks WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		return 0, false, fmt.Errorf("store: fail task read: %w", err)
	}
	current++
	disabled = current >= maxErrors

	if disabled {
		_, err = tx.Exec(ctx, `
			UPDATE scheduled_tasks SET error_count = $1, enabled = FALSE, lease_owner = NULL, lease_expires_at = NULL WHERE id = $2
		`, current, id)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE scheduled_tasks SET error_count = $1, next_run_at = $2, lease_owner = NULL, lease_expires_at = NULL WHERE id = $3
		`, current, nextRetryAt, id)
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: fail task update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("store: fail task commit: %w", err)
	}
	return current, disabled, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	var plan []byte
	err := row.Scan(&t.ID, &t.TenantID, &t.UserHandle, &t.TaskPrompt, &t.TaskType, &t.Timezone, &t.CronExpr, &t.RunAt,
		&t.IsOneTime, &t.NextRunAt, &t.LastRunAt, &t.ErrorCount, &t.Enabled, &t.LeaseOwner, &t.LeaseExpiresAt, &plan)
	if err != nil {
		return nil, err
	}
	if len(plan) > 0 {
		if err := json.Unmarshal(plan, &t.ExecutionPlan); err != nil {
			return nil, fmt.Errorf("unmarshal execution_plan: %w", err)
		}
	}
	return &t, nil
}

func last(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
