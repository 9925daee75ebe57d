package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrInvalidTransition is returned when a state transition is attempted
// from a state that does not permit it (e.g. approving an EXPIRED
// execution), so late writes are rejected rather than silently applied.
var ErrInvalidTransition = errors.New("store: invalid state transition")

// CreateTriggerExecution inserts a PENDING execution row.
func (s *Store) CreateTriggerExecution(ctx context.Context, e *TriggerExecution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = ExecutionPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trigger_executions
			(id, trigger_id, tenant_id, status, confirmation_status, confirmation_deadline,
			 triggered_by, input_context, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, e.ID, e.TriggerID, e.TenantID, e.Status, e.ConfirmationStatus, e.ConfirmationDeadline,
		e.TriggeredBy, e.InputContext, e.StartedAt)
	if err != nil {
		return fmt.Errorf("store: create trigger execution: %w", err)
	}
	return nil
}

// GetTriggerExecution returns one execution row by id.
func (s *Store) GetTriggerExecution(ctx context.Context, id string) (*TriggerExecution, error) {
	row := s.pool.QueryRow(ctx, executionSelect+` WHERE id = $1`, id)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get trigger execution: %w", err)
	}
	return e, nil
}

// FindPendingConfirmation returns the most recent AWAITING_CONFIRMATION
// execution for a trigger's tenant+user pair (by joining triggers), used
// by MessageProcessor to interpret a bare "yes"/"no" reply.
func (s *Store) FindPendingConfirmation(ctx context.Context, tenantID, userHandle string) (*TriggerExecution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT e.id, e.trigger_id, e.tenant_id, e.status, e.confirmation_status, e.confirmation_deadline,
			e.confirmed_at, e.triggered_by, e.input_context, e.output, e.error_message,
			e.started_at, e.completed_at, e.duration_ms
		FROM trigger_executions e
		JOIN triggers t ON t.id = e.trigger_id
		WHERE t.tenant_id = $1 AND t.user_handle = $2
			AND e.status = 'AWAITING_CONFIRMATION' AND e.confirmation_status = 'PENDING'
		ORDER BY e.started_at DESC
		LIMIT 1
	`, tenantID, userHandle)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find pending confirmation: %w", err)
	}
	return e, nil
}

// TransitionExecution moves an execution to a new status, validating
// against allowedExecutionTransitions inside the same transaction that
// reads the current status, so concurrent transitions can't race past
// the check. Returns ErrInvalidTransition if the move isn't permitted.
func (s *Store) TransitionExecution(ctx context.Context, id string, to ExecutionStatus, mutate func(e *TriggerExecution)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: transition execution begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, executionSelect+` WHERE id = $1 FOR UPDATE`, id)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: transition execution read: %w", err)
	}

	if !ValidExecutionTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	e.Status = to
	if mutate != nil {
		mutate(e)
	}

	_, err = tx.Exec(ctx, `
		UPDATE trigger_executions SET
			status = $1, confirmation_status = $2, confirmation_deadline = $3, confirmed_at = $4,
			output = $5, error_message = $6, completed_at = $7, duration_ms = $8
		WHERE id = $9
	`, e.Status, e.ConfirmationStatus, e.ConfirmationDeadline, e.ConfirmedAt,
		e.Output, e.ErrorMessage, e.CompletedAt, e.DurationMs, id)
	if err != nil {
		return fmt.Errorf("store: transition execution update: %w", err)
	}

	return tx.Commit(ctx)
}

// TransitionConfirmation resolves a pending confirmation to
// APPROVED/REJECTED/EXPIRED, validating both the confirmation_status
// transition and, when approved before the deadline, that now is not
// past confirmation_deadline (a reply after the deadline must be routed
// to EXPIRED instead, by the caller).
func (s *Store) TransitionConfirmation(ctx context.Context, id string, to ConfirmationStatus, now time.Time) (*TriggerExecution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: transition confirmation begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, executionSelect+` WHERE id = $1 FOR UPDATE`, id)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: transition confirmation read: %w", err)
	}

	if e.ConfirmationStatus == nil {
		return nil, fmt.Errorf("%w: execution %s has no confirmation_status", ErrInvalidTransition, id)
	}
	if _, ok := allowedConfirmationTransitions[*e.ConfirmationStatus][to]; !ok {
		return nil, fmt.Errorf("%w: confirmation %s -> %s", ErrInvalidTransition, *e.ConfirmationStatus, to)
	}

	toCopy := to
	e.ConfirmationStatus = &toCopy
	var newExecStatus ExecutionStatus
	switch to {
	case ConfirmationApproved:
		e.ConfirmedAt = &now
		newExecStatus = ExecutionRunning
	case ConfirmationRejected, ConfirmationExpired:
		newExecStatus = ExecutionCancelled
	}
	if !ValidExecutionTransition(e.Status, newExecStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, newExecStatus)
	}
	e.Status = newExecStatus

	_, err = tx.Exec(ctx, `
		UPDATE trigger_executions SET status = $1, confirmation_status = $2, confirmed_at = $3 WHERE id = $4
	`, e.Status, e.ConfirmationStatus, e.ConfirmedAt, id)
	if err != nil {
		return nil, fmt.Errorf("store: transition confirmation update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: transition confirmation commit: %w", err)
	}
	return e, nil
}

const executionSelect = `
	SELECT id, trigger_id, tenant_id, status, confirmation_status, confirmation_deadline,
		confirmed_at, triggered_by, input_context, output, error_message,
		started_at, completed_at, duration_ms
	FROM trigger_executions`

func scanExecution(row rowScanner) (*TriggerExecution, error) {
	var e TriggerExecution
	err := row.Scan(&e.ID, &e.TriggerID, &e.TenantID, &e.Status, &e.ConfirmationStatus, &e.ConfirmationDeadline,
		&e.ConfirmedAt, &e.TriggeredBy, &e.InputContext, &e.Output, &e.ErrorMessage,
		&e.StartedAt, &e.CompletedAt, &e.DurationMs)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
