package bus

// Session lifecycle topics.
const (
	TopicSessionExpired = "session.expired"
	TopicSessionReset   = "session.reset"
)

// Scheduled task topics.
const (
	TopicTaskDisabled  = "task.disabled"
	TopicTaskDelivered = "task.delivered"
)

// Trigger topics.
const (
	TopicTriggerCircuitOpen         = "trigger.circuit_open"
	TopicTriggerCircuitClosed       = "trigger.circuit_closed"
	TopicTriggerConfirmationPending = "trigger.confirmation_pending"
	TopicTriggerDisabled            = "trigger.disabled"
)

// SessionExpiredEvent is published when SessionPool evicts or closes a
// session, so other components (e.g. onboarding banners) can react
// without SessionPool depending on them directly.
type SessionExpiredEvent struct {
	TenantID   string
	UserHandle string
}

// TaskDisabledEvent is published when a scheduled task's error_count
// reaches max_errors and it is disabled.
type TaskDisabledEvent struct {
	TaskID     string
	TenantID   string
	UserHandle string
}

// TaskDeliveredEvent is published whenever the scheduler delivers a
// scheduled task's reply (success, delay notice, or failure apology) to
// the user's transport.
type TaskDeliveredEvent struct {
	TaskID     string
	TenantID   string
	UserHandle string
}

// TriggerCircuitEvent is published when a trigger's in-memory circuit
// breaker opens or closes.
type TriggerCircuitEvent struct {
	TriggerID string
	TenantID  string
}

// TriggerConfirmationPendingEvent is published when a CONFIRM-autonomy
// trigger fires and is awaiting a yes/no reply.
type TriggerConfirmationPendingEvent struct {
	ExecutionID string
	TriggerID   string
	TenantID    string
	UserHandle  string
	Deadline    string // RFC3339
}
