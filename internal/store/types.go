package store

import "time"

// TenantStatus is the lifecycle state of a Tenant.
type TenantStatus string

const (
	TenantActive    TenantStatus = "ACTIVE"
	TenantSuspended TenantStatus = "SUSPENDED"
)

// OnboardingStatus tracks where a tenant is in the onboarding flow.
type OnboardingStatus string

const (
	OnboardingDiscovery OnboardingStatus = "DISCOVERY"
	OnboardingBuilding  OnboardingStatus = "BUILDING"
	OnboardingDone      OnboardingStatus = "DONE"
)

// Tenant is an administrative scope: one logical customer.
type Tenant struct {
	ID               string
	Status           TenantStatus
	MessagingChannel string
	OnboardingStatus OnboardingStatus
}

// ConversationSession is a conversational window for one (tenant, user).
type ConversationSession struct {
	ID             string
	TenantID       string
	UserHandle     string
	StartedAt      time.Time
	EndedAt        *time.Time
	ResetTimestamp *time.Time
}

// MessageDirection distinguishes inbound user messages from outbound replies.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "INBOUND"
	DirectionOutbound MessageDirection = "OUTBOUND"
)

// DeliveryStatus tracks whether an outbound Message reached the transport.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED"
)

// Message is one inbound or outbound message. Insert-only.
type Message struct {
	ID                 string
	TenantID           string
	UserHandle         string
	SessionID          string
	TransportMessageID string
	Direction          MessageDirection
	Content            string
	DeliveryStatus     DeliveryStatus
	CreatedAt          time.Time
}

// TaskType distinguishes a scheduled task that expects a conversational
// reply (reminder) from one that runs the assistant to completion without
// a user-facing framing (execute).
type TaskType string

const (
	TaskTypeReminder TaskType = "reminder"
	TaskTypeExecute  TaskType = "execute"
)

// ScheduledTask is a time-triggered unit of work, one-shot or recurring.
type ScheduledTask struct {
	ID             string
	TenantID       string
	UserHandle     string
	TaskPrompt     string
	TaskType       TaskType
	Timezone       string
	CronExpr       string
	RunAt          *time.Time
	IsOneTime      bool
	NextRunAt      time.Time
	LastRunAt      *time.Time
	ErrorCount     int
	Enabled        bool
	LeaseOwner     *string
	LeaseExpiresAt *time.Time
	// ExecutionPlan carries the last <=5 assistant outputs for recurring
	// tasks, used to give the assistant context across firings.
	ExecutionPlan []string
}

// TriggerType is the event-source kind a Trigger reacts to.
type TriggerType string

const (
	TriggerWebhook   TriggerType = "WEBHOOK"
	TriggerCondition TriggerType = "CONDITION"
	TriggerEvent     TriggerType = "EVENT"
)

// Autonomy controls how much latitude firing a trigger has.
type Autonomy string

const (
	AutonomyNotify  Autonomy = "NOTIFY"
	AutonomyConfirm Autonomy = "CONFIRM"
	AutonomyAuto    Autonomy = "AUTO"
)

// TriggerStatus is the administrative state of a Trigger.
type TriggerStatus string

const (
	TriggerActive TriggerStatus = "ACTIVE"
	TriggerPaused TriggerStatus = "PAUSED"
	TriggerError  TriggerStatus = "ERROR"
)

// Trigger is a named external-event reaction.
type Trigger struct {
	ID              string
	TenantID        string
	UserHandle      string
	Name            string
	TriggerType     TriggerType
	TaskPrompt      string
	Autonomy        Autonomy
	Config          []byte // JSON, per-type shape
	Status          TriggerStatus
	CooldownSeconds int
	MaxErrors       int
	ErrorCount      int
	LastTriggeredAt *time.Time
	NextCheckAt     *time.Time

	// WEBHOOK-specific.
	WebhookPath       string
	WebhookSecretEnc  []byte // encrypted at rest
	SignatureAlgo     string // "hmac-sha256" | "hmac-sha1" | ""

	// ExecutionState carries the rolling previous outputs, like ScheduledTask.
	ExecutionState []string
}

// ExecutionStatus is the lifecycle state of a TriggerExecution.
type ExecutionStatus string

const (
	ExecutionPending              ExecutionStatus = "PENDING"
	ExecutionRunning              ExecutionStatus = "RUNNING"
	ExecutionAwaitingConfirmation ExecutionStatus = "AWAITING_CONFIRMATION"
	ExecutionCompleted            ExecutionStatus = "COMPLETED"
	ExecutionCancelled            ExecutionStatus = "CANCELLED"
	ExecutionFailed               ExecutionStatus = "FAILED"
)

// ConfirmationStatus tracks a CONFIRM-autonomy trigger's human-in-the-loop
// approval state.
type ConfirmationStatus string

const (
	ConfirmationPending  ConfirmationStatus = "PENDING"
	ConfirmationApproved ConfirmationStatus = "APPROVED"
	ConfirmationRejected ConfirmationStatus = "REJECTED"
	ConfirmationExpired  ConfirmationStatus = "EXPIRED"
)

// TriggerExecution is the audit record of one trigger firing.
type TriggerExecution struct {
	ID                   string
	TriggerID            string
	TenantID             string
	Status               ExecutionStatus
	ConfirmationStatus   *ConfirmationStatus
	ConfirmationDeadline *time.Time
	ConfirmedAt          *time.Time
	TriggeredBy          string
	InputContext         []byte // JSON
	Output               *string
	ErrorMessage         *string
	StartedAt            time.Time
	CompletedAt          *time.Time
	DurationMs           *int64
}

// allowedExecutionTransitions gates TriggerExecution.Status/ConfirmationStatus
// writes so late or stale transitions (e.g. approving an already-EXPIRED
// execution) are rejected rather than silently applied.
var allowedExecutionTransitions = map[ExecutionStatus]map[ExecutionStatus]struct{}{
	ExecutionPending: {
		ExecutionRunning:              {},
		ExecutionAwaitingConfirmation: {},
		ExecutionFailed:               {},
		ExecutionCancelled:            {},
	},
	ExecutionRunning: {
		ExecutionCompleted: {},
		ExecutionFailed:    {},
	},
	ExecutionAwaitingConfirmation: {
		ExecutionRunning:   {}, // approved -> proceed as AUTO
		ExecutionCancelled: {}, // rejected or expired
		ExecutionFailed:    {},
	},
}

var allowedConfirmationTransitions = map[ConfirmationStatus]map[ConfirmationStatus]struct{}{
	ConfirmationPending: {
		ConfirmationApproved: {},
		ConfirmationRejected: {},
		ConfirmationExpired:  {},
	},
}

// ValidExecutionTransition reports whether moving a TriggerExecution from
// one status to another is permitted. Exported so callers that need to
// enforce the same rule outside a transaction (fakes in tests, callers
// deciding whether to even attempt a transition) stay in sync with
// TransitionExecution instead of duplicating the map.
func ValidExecutionTransition(from, to ExecutionStatus) bool {
	_, ok := allowedExecutionTransitions[from][to]
	return ok
}
