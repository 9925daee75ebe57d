// Package trigger implements the event-driven counterpart to the
// scheduler: external events (webhooks, polled conditions, polled
// mailboxes) are matched against a tenant's triggers and dispatched
// according to each trigger's autonomy level.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaycore/relay/internal/audit"
	"github.com/relaycore/relay/internal/bus"
	"github.com/relaycore/relay/internal/store"
)

const confirmationWindow = 30 * time.Minute

// TriggerStore is the subset of *store.Store used to read/update Trigger
// rows.
type TriggerStore interface {
	GetTrigger(ctx context.Context, tenantID, id string) (*store.Trigger, error)
	RecordTriggerSuccess(ctx context.Context, id string, now time.Time, executionState []string) error
	RecordTriggerFailure(ctx context.Context, id string) (errorCount int, disabled bool, err error)
}

// ExecutionStore is the subset used to manage TriggerExecution rows.
type ExecutionStore interface {
	CreateTriggerExecution(ctx context.Context, e *store.TriggerExecution) error
	TransitionExecution(ctx context.Context, id string, to store.ExecutionStatus, mutate func(e *store.TriggerExecution)) error
}

// MessageProcessor runs a trigger's (interpolated) task prompt through
// the assistant, for AUTO-autonomy dispatch.
type MessageProcessor interface {
	ExecuteScheduledTask(ctx context.Context, tenantID, userHandle, prompt, taskType string, previousOutputs []string) (string, error)
}

// MessageTransport delivers a message to the user's channel.
type MessageTransport interface {
	Send(ctx context.Context, tenantID, userHandle, text string) error
}

// MessageStore persists delivered replies as OUTBOUND messages.
type MessageStore interface {
	AppendMessage(ctx context.Context, m *store.Message) error
}

// Engine is the TriggerEngine: Handle is the single entrypoint every
// event-source adapter calls.
type Engine struct {
	triggers  TriggerStore
	execs     ExecutionStore
	processor MessageProcessor
	transport MessageTransport
	messages  MessageStore
	bus       *bus.Bus
	logger    *slog.Logger
	breakers  *breakers
}

// Config bundles Engine's dependencies.
type Config struct {
	Triggers  TriggerStore
	Execs     ExecutionStore
	Processor MessageProcessor
	Transport MessageTransport
	Messages  MessageStore
	Bus       *bus.Bus
	Logger    *slog.Logger
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		triggers:  cfg.Triggers,
		execs:     cfg.Execs,
		processor: cfg.Processor,
		transport: cfg.Transport,
		messages:  cfg.Messages,
		bus:       cfg.Bus,
		logger:    logger,
		breakers:  newBreakers(),
	}
}

// Handle is called by every adapter when it observes an event worth
// evaluating against a trigger. It never returns an error to the
// caller: adapters are expected to fire-and-forget this call.
func (e *Engine) Handle(ctx context.Context, ev Event) {
	if e.breakers.isOpen(ev.TriggerID) {
		e.logger.Debug("trigger: circuit breaker open, dropping event", "trigger_id", ev.TriggerID)
		return
	}

	t, err := e.triggers.GetTrigger(ctx, ev.TenantID, ev.TriggerID)
	if err != nil {
		e.logger.Warn("trigger: reload failed", "trigger_id", ev.TriggerID, "error", err)
		return
	}
	if t.Status != store.TriggerActive {
		return
	}

	now := time.Now().UTC()
	if t.LastTriggeredAt != nil && t.LastTriggeredAt.Add(time.Duration(t.CooldownSeconds)*time.Second).After(now) {
		return
	}

	inputContext, err := json.Marshal(ev.Payload)
	if err != nil {
		e.logger.Error("trigger: marshal payload failed", "trigger_id", t.ID, "error", err)
		return
	}
	exec := &store.TriggerExecution{
		TriggerID:    t.ID,
		TenantID:     t.TenantID,
		Status:       store.ExecutionPending,
		TriggeredBy:  ev.Payload.Source,
		InputContext: inputContext,
		StartedAt:    now,
	}
	if err := e.execs.CreateTriggerExecution(ctx, exec); err != nil {
		e.logger.Error("trigger: create execution failed", "trigger_id", t.ID, "error", err)
		return
	}

	switch t.Autonomy {
	case store.AutonomyNotify:
		e.dispatchNotify(ctx, t, exec, ev)
	case store.AutonomyConfirm:
		e.dispatchConfirm(ctx, t, exec, ev)
	case store.AutonomyAuto:
		e.dispatchAuto(ctx, t, exec, ev)
	default:
		e.logger.Error("trigger: unknown autonomy level", "trigger_id", t.ID, "autonomy", t.Autonomy)
	}
}

func (e *Engine) dispatchNotify(ctx context.Context, t *store.Trigger, exec *store.TriggerExecution, ev Event) {
	text := interpolate(t.TaskPrompt, ev.Payload.Data)
	text = "Trigger fired: " + text
	if err := e.markRunning(ctx, t, exec); err != nil {
		e.failExecution(ctx, t, exec, err)
		return
	}
	if err := e.deliver(ctx, t, text); err != nil {
		e.failExecution(ctx, t, exec, err)
		return
	}
	e.completeExecution(ctx, t, exec, text)
	e.recordSuccess(ctx, t, nil)
}

func (e *Engine) dispatchConfirm(ctx context.Context, t *store.Trigger, exec *store.TriggerExecution, ev Event) {
	text := interpolate(t.TaskPrompt, ev.Payload.Data)
	deadline := time.Now().UTC().Add(confirmationWindow)
	prompt := fmt.Sprintf("%s\n\nReply YES to proceed or NO to cancel.", text)

	if err := e.deliver(ctx, t, prompt); err != nil {
		e.failExecution(ctx, t, exec, err)
		return
	}

	pending := store.ConfirmationPending
	err := e.execs.TransitionExecution(ctx, exec.ID, store.ExecutionAwaitingConfirmation, func(x *store.TriggerExecution) {
		x.ConfirmationStatus = &pending
		x.ConfirmationDeadline = &deadline
	})
	if err != nil {
		e.logger.Error("trigger: transition to awaiting confirmation failed", "trigger_id", t.ID, "error", err)
		return
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicTriggerConfirmationPending, bus.TriggerConfirmationPendingEvent{
			ExecutionID: exec.ID,
			TriggerID:   t.ID,
			TenantID:    t.TenantID,
			UserHandle:  t.UserHandle,
			Deadline:    deadline.Format(time.RFC3339),
		})
	}
}

func (e *Engine) dispatchAuto(ctx context.Context, t *store.Trigger, exec *store.TriggerExecution, ev Event) {
	interpolated := interpolate(t.TaskPrompt, ev.Payload.Data)
	dataJSON, err := json.Marshal(ev.Payload.Data)
	if err != nil {
		e.failExecution(ctx, t, exec, err)
		return
	}
	prompt := fmt.Sprintf("[TRIGGERED BY: %s]\n%s\n\n%s", ev.Payload.Source, dataJSON, interpolated)

	if err := e.markRunning(ctx, t, exec); err != nil {
		e.failExecution(ctx, t, exec, err)
		return
	}

	reply, err := e.processor.ExecuteScheduledTask(ctx, t.TenantID, t.UserHandle, prompt, "trigger", t.ExecutionState)
	if err != nil {
		e.failExecution(ctx, t, exec, err)
		return
	}
	if err := e.deliver(ctx, t, reply); err != nil {
		e.failExecution(ctx, t, exec, err)
		return
	}
	e.completeExecution(ctx, t, exec, reply)
	e.recordSuccess(ctx, t, last(append(append([]string{}, t.ExecutionState...), reply), 5))
}

// markRunning moves exec from PENDING to RUNNING before dispatchNotify
// or dispatchAuto does any work that can complete or fail it; PENDING
// cannot transition directly to COMPLETED.
func (e *Engine) markRunning(ctx context.Context, t *store.Trigger, exec *store.TriggerExecution) error {
	if err := e.execs.TransitionExecution(ctx, exec.ID, store.ExecutionRunning, nil); err != nil {
		e.logger.Error("trigger: transition to running failed", "trigger_id", t.ID, "error", err)
		return err
	}
	exec.Status = store.ExecutionRunning
	return nil
}

func (e *Engine) completeExecution(ctx context.Context, t *store.Trigger, exec *store.TriggerExecution, output string) {
	now := time.Now().UTC()
	err := e.execs.TransitionExecution(ctx, exec.ID, store.ExecutionCompleted, func(x *store.TriggerExecution) {
		x.Output = &output
		x.CompletedAt = &now
		ms := now.Sub(exec.StartedAt).Milliseconds()
		x.DurationMs = &ms
	})
	if err != nil {
		e.logger.Error("trigger: complete execution failed", "trigger_id", t.ID, "error", err)
	}
}

func (e *Engine) failExecution(ctx context.Context, t *store.Trigger, exec *store.TriggerExecution, cause error) {
	e.logger.Warn("trigger: execution failed", "trigger_id", t.ID, "error", cause)
	now := time.Now().UTC()
	msg := cause.Error()
	err := e.execs.TransitionExecution(ctx, exec.ID, store.ExecutionFailed, func(x *store.TriggerExecution) {
		x.ErrorMessage = &msg
		x.CompletedAt = &now
	})
	if err != nil {
		e.logger.Error("trigger: transition to failed failed", "trigger_id", t.ID, "error", err)
	}

	errorCount, disabled, err := e.triggers.RecordTriggerFailure(ctx, t.ID)
	if err != nil {
		e.logger.Error("trigger: record failure bookkeeping failed", "trigger_id", t.ID, "error", err)
	}
	_ = errorCount
	if disabled && e.bus != nil {
		e.bus.Publish(bus.TopicTriggerDisabled, bus.TriggerCircuitEvent{TriggerID: t.ID, TenantID: t.TenantID})
	}

	if opened := e.breakers.recordFailure(t.ID); opened && e.bus != nil {
		e.bus.Publish(bus.TopicTriggerCircuitOpen, bus.TriggerCircuitEvent{TriggerID: t.ID, TenantID: t.TenantID})
	}
}

func (e *Engine) recordSuccess(ctx context.Context, t *store.Trigger, executionState []string) {
	now := time.Now().UTC()
	if err := e.triggers.RecordTriggerSuccess(ctx, t.ID, now, executionState); err != nil {
		e.logger.Error("trigger: record success failed", "trigger_id", t.ID, "error", err)
	}
	if closed := e.breakers.recordSuccess(t.ID); closed && e.bus != nil {
		e.bus.Publish(bus.TopicTriggerCircuitClosed, bus.TriggerCircuitEvent{TriggerID: t.ID, TenantID: t.TenantID})
	}
}

func (e *Engine) deliver(ctx context.Context, t *store.Trigger, text string) error {
	if err := e.transport.Send(ctx, t.TenantID, t.UserHandle, text); err != nil {
		return fmt.Errorf("trigger: send: %w", err)
	}
	if err := e.messages.AppendMessage(ctx, &store.Message{
		TenantID:   t.TenantID,
		UserHandle: t.UserHandle,
		Direction:  store.DirectionOutbound,
		Content:    text,
	}); err != nil {
		return fmt.Errorf("trigger: persist outbound message: %w", err)
	}
	return nil
}

func last(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// ConfirmationStore is the subset used to resolve a pending confirmation.
type ConfirmationStore interface {
	TransitionConfirmation(ctx context.Context, id string, to store.ConfirmationStatus, now time.Time) (*store.TriggerExecution, error)
}

// ResolveConfirmation transitions a pending confirmation execution to
// APPROVED, REJECTED, or EXPIRED. Called by MessageProcessor when it
// recognizes a reply to a pending CONFIRM-autonomy trigger, or when it
// notices the reply arrived after confirmation_deadline (to=EXPIRED). On
// APPROVED it runs the trigger's AUTO path immediately; REJECTED/EXPIRED
// leave the execution CANCELLED with nothing further to do.
func (e *Engine) ResolveConfirmation(ctx context.Context, confirmStore ConfirmationStore, executionID string, to store.ConfirmationStatus, now time.Time) error {
	exec, err := confirmStore.TransitionConfirmation(ctx, executionID, to, now)
	if err != nil {
		return fmt.Errorf("trigger: resolve confirmation: %w", err)
	}

	decision := "approve"
	if to != store.ConfirmationApproved {
		decision = "reject"
		if to == store.ConfirmationExpired {
			decision = "expire"
		}
	}
	audit.Record(decision, "trigger.confirm", string(to), "", exec.TriggerID)

	if to != store.ConfirmationApproved {
		return nil
	}

	t, err := e.triggers.GetTrigger(ctx, exec.TenantID, exec.TriggerID)
	if err != nil {
		return fmt.Errorf("trigger: reload trigger for approved confirmation: %w", err)
	}

	reply, err := e.processor.ExecuteScheduledTask(ctx, t.TenantID, t.UserHandle, t.TaskPrompt, "trigger", t.ExecutionState)
	if err != nil {
		e.failExecution(ctx, t, exec, err)
		return nil
	}
	if err := e.deliver(ctx, t, reply); err != nil {
		e.failExecution(ctx, t, exec, err)
		return nil
	}
	e.completeExecution(ctx, t, exec, reply)
	e.recordSuccess(ctx, t, last(append(append([]string{}, t.ExecutionState...), reply), 5))
	return nil
}
