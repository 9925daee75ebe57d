package trigger

import (
	"sync"
	"time"
)

const (
	breakerThreshold = 3
	breakerCooldown  = 5 * time.Minute
)

// circuitBreaker tracks consecutive failures for one trigger, tripping
// after breakerThreshold in a row and resetting once breakerCooldown has
// elapsed since the last failure.
type circuitBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// breakers keys circuit breakers by trigger id. Kept in-memory only: a
// process restart resets all breakers, which is acceptable since a
// tripped breaker's only purpose is to stop a hot failure loop within a
// single process's lifetime.
type breakers struct {
	mu sync.Mutex
	m  map[string]*circuitBreaker
}

func newBreakers() *breakers {
	return &breakers{m: make(map[string]*circuitBreaker)}
}

// isOpen reports whether triggerID's breaker is tripped and its cooldown
// has not yet elapsed. A cooldown that has elapsed resets the breaker as
// a side effect, matching go-claw's isTripped reset-on-check behavior.
func (b *breakers) isOpen(triggerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.m[triggerID]
	if !ok || !cb.tripped {
		return false
	}
	if time.Since(cb.lastFailure) >= breakerCooldown {
		cb.tripped = false
		cb.failures = 0
		return false
	}
	return true
}

func (b *breakers) recordFailure(triggerID string) (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.m[triggerID]
	if !ok {
		cb = &circuitBreaker{}
		b.m[triggerID] = cb
	}
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= breakerThreshold && !cb.tripped {
		cb.tripped = true
		return true
	}
	return false
}

func (b *breakers) recordSuccess(triggerID string) (closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.m[triggerID]
	if !ok {
		return false
	}
	wasTripped := cb.tripped
	cb.failures = 0
	cb.tripped = false
	return wasTripped
}
