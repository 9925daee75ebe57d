// Package message implements MessageProcessor: the single place where
// an inbound chat message or a scheduled/triggered task prompt turns
// into an assistant invocation, a persisted message pair, and an
// outbound delivery.
package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaycore/relay/internal/assistant"
	"github.com/relaycore/relay/internal/bus"
	"github.com/relaycore/relay/internal/safety"
	"github.com/relaycore/relay/internal/session"
	"github.com/relaycore/relay/internal/store"
	"github.com/relaycore/relay/internal/trigger"
)

// maxMessageChars bounds inbound message size; anything longer is
// rejected before it ever reaches a subprocess.
const maxMessageChars = 4096

// SessionStore is the subset of *store.Store ProcessIncoming needs to
// read and mutate ConversationSession rows.
type SessionStore interface {
	FindActiveSession(ctx context.Context, tenantID, userHandle string) (*store.ConversationSession, error)
	CreateSession(ctx context.Context, tenantID, userHandle string) (*store.ConversationSession, error)
	EndSession(ctx context.Context, sessionID string) error
}

// TenantStore is the subset needed for onboarding-banner lookup and the
// /reonboard command.
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*store.Tenant, error)
	SetOnboardingStatus(ctx context.Context, tenantID string, status store.OnboardingStatus) error
}

// MessageStore persists the INBOUND/OUTBOUND pair.
type MessageStore interface {
	AppendMessage(ctx context.Context, m *store.Message) error
}

// ConfirmationLookup finds a user's outstanding CONFIRM-autonomy trigger
// reply, if any, so it can be intercepted before reaching the assistant.
type ConfirmationLookup interface {
	FindPendingConfirmation(ctx context.Context, tenantID, userHandle string) (*store.TriggerExecution, error)
}

// Pool is the subset of *session.Pool the processor drives.
type Pool interface {
	GetOrCreate(ctx context.Context, tenantID, userHandle, sessionKey string) (*session.Session, error)
	Inject(ctx context.Context, s *session.Session, text string, timeout time.Duration) (string, error)
	Has(tenantID, userHandle string) bool
	Close(tenantID, userHandle string)
}

// Transport is the delivery side; SendWithID is used (rather than the
// narrower Send used by scheduler/trigger) so the outbound Message row
// can carry the platform's own message id.
type Transport interface {
	SendWithID(ctx context.Context, tenantID, userHandle, text string) (string, error)
}

// ConfirmationResolver is satisfied by *trigger.Engine. Kept as an
// interface so tests can fake the confirmation-approval path without
// constructing a full Engine.
type ConfirmationResolver interface {
	ResolveConfirmation(ctx context.Context, confirmStore trigger.ConfirmationStore, executionID string, to store.ConfirmationStatus, now time.Time) error
}

// Config wires a Processor's collaborators.
type Config struct {
	Sessions      SessionStore
	Tenants       TenantStore
	Messages      MessageStore
	Confirmations ConfirmationLookup
	ConfirmStore  trigger.ConfirmationStore
	Pool          Pool
	Transport     Transport
	Resolver      ConfirmationResolver
	Bus           *bus.Bus
	Logger        *slog.Logger
}

// Processor implements MessageProcessor (C6).
type Processor struct {
	sessions      SessionStore
	tenants       TenantStore
	messages      MessageStore
	confirmations ConfirmationLookup
	confirmStore  trigger.ConfirmationStore
	pool          Pool
	transport     Transport
	resolver      ConfirmationResolver
	bus           *bus.Bus
	logger        *slog.Logger
	sanitizer     *safety.Sanitizer
	leakDetector  *safety.LeakDetector
}

func New(cfg Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		sessions:      cfg.Sessions,
		tenants:       cfg.Tenants,
		messages:      cfg.Messages,
		confirmations: cfg.Confirmations,
		confirmStore:  cfg.ConfirmStore,
		pool:          cfg.Pool,
		transport:     cfg.Transport,
		resolver:      cfg.Resolver,
		bus:           cfg.Bus,
		logger:        logger,
		sanitizer:     safety.NewSanitizer(),
		leakDetector:  safety.NewLeakDetector(),
	}
}

// Result is the outcome of ProcessIncoming.
type Result struct {
	Success        bool
	ReplyMessageID string
	Error          string
}

func fail(msg string) Result { return Result{Success: false, Error: msg} }

// ProcessIncoming handles one inbound user message end to end: resolving
// a pending confirmation, routing to the assistant, and persisting the
// result.
func (p *Processor) ProcessIncoming(ctx context.Context, tenantID, userHandle, text, transportMessageID string) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return fail("message is empty")
	}
	if len(trimmed) > maxMessageChars {
		return fail(fmt.Sprintf("message exceeds %d characters", maxMessageChars))
	}

	if err := p.sanitizer.Check(trimmed).MustAllow(); err != nil {
		p.logger.Warn("message: prompt injection blocked", "tenant_id", tenantID, "error", err)
		return fail("message rejected by safety filter")
	}

	if reply, handled := p.handleSlashCommand(ctx, tenantID, userHandle, trimmed); handled {
		return p.respond(ctx, tenantID, userHandle, transportMessageID, trimmed, reply, "")
	}

	if reply, handled := p.handlePendingConfirmation(ctx, tenantID, userHandle, trimmed); handled {
		return p.respond(ctx, tenantID, userHandle, transportMessageID, trimmed, reply, "")
	}

	cs, err := p.sessionRowFor(ctx, tenantID, userHandle)
	if err != nil {
		p.logger.Error("message: session lookup failed", "tenant_id", tenantID, "error", err)
		return fail("internal error")
	}

	sessionKey := assistant.SessionKey(cs.ID, cs.ResetTimestamp)
	sess, err := p.pool.GetOrCreate(ctx, tenantID, userHandle, sessionKey)
	if err != nil {
		p.logger.Error("message: session spawn failed", "tenant_id", tenantID, "error", err)
		return fail("internal error")
	}

	banner, err := p.onboardingBanner(ctx, tenantID)
	if err != nil {
		p.logger.Warn("message: onboarding banner lookup failed", "tenant_id", tenantID, "error", err)
	}

	reply, err := p.pool.Inject(ctx, sess, banner+trimmed, 0)
	if err != nil {
		return p.respond(ctx, tenantID, userHandle, transportMessageID, trimmed, "", mapAssistantError(err))
	}

	return p.respond(ctx, tenantID, userHandle, transportMessageID, trimmed, reply, "")
}

// respond persists the INBOUND/OUTBOUND pair and delivers the reply (or
// records the failure text as the outbound content, so the user always
// sees something for their turn). It always returns the final Result.
func (p *Processor) respond(ctx context.Context, tenantID, userHandle, transportMessageID, inboundText, reply, failureText string) Result {
	outbound := reply
	if outbound == "" {
		outbound = failureText
	}

	if outbound != "" {
		if findings := p.leakDetector.Scan(outbound); len(findings) > 0 {
			p.logger.Warn("message: leak detector triggered on assistant output", "tenant_id", tenantID, "findings_count", len(findings))
		}
	}

	sessionID := ""
	if cs, err := p.sessions.FindActiveSession(ctx, tenantID, userHandle); err == nil {
		sessionID = cs.ID
	}

	if err := p.messages.AppendMessage(ctx, &store.Message{
		TenantID:           tenantID,
		UserHandle:         userHandle,
		SessionID:          sessionID,
		TransportMessageID: transportMessageID,
		Direction:          store.DirectionInbound,
		Content:            inboundText,
	}); err != nil {
		p.logger.Error("message: persist inbound failed", "tenant_id", tenantID, "error", err)
	}

	replyID, sendErr := p.transport.SendWithID(ctx, tenantID, userHandle, outbound)
	if sendErr != nil {
		p.logger.Error("message: delivery failed", "tenant_id", tenantID, "error", sendErr)
		if failureText == "" {
			failureText = "delivery failed"
		}
	}

	if err := p.messages.AppendMessage(ctx, &store.Message{
		TenantID:           tenantID,
		UserHandle:         userHandle,
		SessionID:          sessionID,
		TransportMessageID: replyID,
		Direction:          store.DirectionOutbound,
		Content:            outbound,
	}); err != nil {
		p.logger.Error("message: persist outbound failed", "tenant_id", tenantID, "error", err)
	}

	if failureText != "" {
		return fail(failureText)
	}
	return Result{Success: true, ReplyMessageID: replyID}
}

// handleSlashCommand dispatches the four recognized commands. The
// comparison is case-insensitive and requires the trimmed message to
// equal the command exactly (no arguments are supported).
func (p *Processor) handleSlashCommand(ctx context.Context, tenantID, userHandle, trimmed string) (string, bool) {
	switch strings.ToLower(trimmed) {
	case "/reset", "/new":
		if cs, err := p.sessions.FindActiveSession(ctx, tenantID, userHandle); err == nil {
			_ = p.sessions.EndSession(ctx, cs.ID)
		}
		p.pool.Close(tenantID, userHandle)
		if _, err := p.sessions.CreateSession(ctx, tenantID, userHandle); err != nil {
			p.logger.Error("message: create session on reset failed", "tenant_id", tenantID, "error", err)
			return "Could not start a new conversation.", true
		}
		if p.bus != nil {
			p.bus.Publish(bus.TopicSessionReset, bus.SessionExpiredEvent{TenantID: tenantID, UserHandle: userHandle})
		}
		return "Starting a new conversation.", true

	case "/reonboard":
		if err := p.tenants.SetOnboardingStatus(ctx, tenantID, store.OnboardingDiscovery); err != nil {
			p.logger.Error("message: reonboard failed", "tenant_id", tenantID, "error", err)
			return "Could not restart onboarding.", true
		}
		return "Onboarding restarted.", true

	case "/cancel":
		if p.pool.Has(tenantID, userHandle) {
			p.pool.Close(tenantID, userHandle)
			return "Cancelled.", true
		}
		return "Nothing to cancel.", true
	}
	return "", false
}

// handlePendingConfirmation intercepts a reply to a CONFIRM-autonomy
// trigger in lieu of routing to the assistant.
func (p *Processor) handlePendingConfirmation(ctx context.Context, tenantID, userHandle, trimmed string) (string, bool) {
	exec, err := p.confirmations.FindPendingConfirmation(ctx, tenantID, userHandle)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("message: pending confirmation lookup failed", "tenant_id", tenantID, "error", err)
		}
		return "", false
	}

	now := time.Now().UTC()
	if exec.ConfirmationDeadline != nil && now.After(*exec.ConfirmationDeadline) {
		if err := p.resolver.ResolveConfirmation(ctx, p.confirmStore, exec.ID, store.ConfirmationExpired, now); err != nil {
			p.logger.Error("message: expire confirmation failed", "execution_id", exec.ID, "error", err)
		}
		return "That confirmation window has expired.", true
	}

	switch strings.ToUpper(trimmed) {
	case "YES":
		if err := p.resolver.ResolveConfirmation(ctx, p.confirmStore, exec.ID, store.ConfirmationApproved, now); err != nil {
			p.logger.Error("message: approve confirmation failed", "execution_id", exec.ID, "error", err)
			return "Could not proceed with that confirmation.", true
		}
		return "Confirmed, proceeding.", true
	case "NO":
		if err := p.resolver.ResolveConfirmation(ctx, p.confirmStore, exec.ID, store.ConfirmationRejected, now); err != nil {
			p.logger.Error("message: reject confirmation failed", "execution_id", exec.ID, "error", err)
			return "Could not cancel that confirmation.", true
		}
		return "Cancelled.", true
	}
	return "", false
}

// onboardingBanner prefixes a context banner while the tenant is still
// in onboarding.
func (p *Processor) onboardingBanner(ctx context.Context, tenantID string) (string, error) {
	t, err := p.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	switch t.OnboardingStatus {
	case store.OnboardingDiscovery:
		return "[ONBOARDING: DISCOVERY] ", nil
	case store.OnboardingBuilding:
		return "[ONBOARDING: BUILDING] ", nil
	}
	return "", nil
}

func (p *Processor) sessionRowFor(ctx context.Context, tenantID, userHandle string) (*store.ConversationSession, error) {
	cs, err := p.sessions.FindActiveSession(ctx, tenantID, userHandle)
	if err == nil {
		return cs, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	cs, err = p.sessions.CreateSession(ctx, tenantID, userHandle)
	if err != nil {
		return nil, err
	}
	if p.bus != nil {
		p.bus.Publish(bus.TopicSessionExpired, bus.SessionExpiredEvent{TenantID: tenantID, UserHandle: userHandle})
	}
	return cs, nil
}

// mapAssistantError maps an assistant error into a fixed, user-facing
// string; internal detail never reaches the transport.
func mapAssistantError(err error) string {
	var to *assistant.AssistantTimeout
	if errors.As(err, &to) {
		return "Request timed out"
	}
	var ae *assistant.AssistantError
	if errors.As(err, &ae) {
		return "Something went wrong processing your request"
	}
	return "Something went wrong processing your request"
}

// buildTaskEnvelope constructs the prompt sent to the assistant for a
// scheduled task. taskType "trigger" passes prompt through unchanged: by
// the time internal/trigger calls ExecuteScheduledTask, it has already
// composed its own "[TRIGGERED BY: ...]" envelope.
func buildTaskEnvelope(taskType, prompt string, previousOutputs []string) string {
	switch store.TaskType(taskType) {
	case store.TaskTypeReminder:
		return "SCHEDULED REMINDER\n" + prompt
	case store.TaskTypeExecute:
		envelope := "SCHEDULED TASK - EXECUTE\n" + prompt
		if len(previousOutputs) > 0 {
			envelope += "\n\nPREVIOUS OUTPUTS\n" + strings.Join(previousOutputs, "\n---\n")
		}
		return envelope
	default:
		return prompt
	}
}

// ExecuteScheduledTask runs a scheduled or triggered prompt through the
// assistant. It does not persist or deliver; the scheduler and trigger
// engine own that, since a failed delivery and a failed assistant call
// need different retry handling at that layer.
func (p *Processor) ExecuteScheduledTask(ctx context.Context, tenantID, userHandle, prompt, taskType string, previousOutputs []string) (string, error) {
	envelope := buildTaskEnvelope(taskType, prompt, previousOutputs)

	cs, err := p.sessionRowFor(ctx, tenantID, userHandle)
	if err != nil {
		return "", fmt.Errorf("message: session lookup: %w", err)
	}
	sessionKey := assistant.SessionKey(cs.ID, cs.ResetTimestamp)
	sess, err := p.pool.GetOrCreate(ctx, tenantID, userHandle, sessionKey)
	if err != nil {
		return "", fmt.Errorf("message: session spawn: %w", err)
	}
	reply, err := p.pool.Inject(ctx, sess, envelope, 0)
	if err != nil {
		return reply, err
	}
	if findings := p.leakDetector.Scan(reply); len(findings) > 0 {
		p.logger.Warn("message: leak detector triggered on scheduled task output", "tenant_id", tenantID, "findings_count", len(findings))
	}
	return reply, nil
}
