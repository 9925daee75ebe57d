package trigger

import "time"

// Payload is the event body handed to a firing trigger. Source adapters
// populate Data/Metadata; Handle interpolates {{a.b.c}} placeholders
// against Data.
type Payload struct {
	Source   string
	Data     map[string]any
	Metadata map[string]any
}

// Event is what an adapter synthesizes when it observes something worth
// firing a trigger over.
type Event struct {
	TriggerID  string
	TenantID   string
	UserHandle string
	Payload    Payload
	Timestamp  time.Time
}
