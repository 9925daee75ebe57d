// Package session holds the live subprocess registry: one Session per
// (tenant, user), each owning an assistant.Process and serializing
// message injection into it in arrival order.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaycore/relay/internal/assistant"
	"github.com/relaycore/relay/internal/bus"
)

// ErrClosed is returned to any inject call whose session was closed
// (evicted, crashed, or explicitly closed) before or during the call.
var ErrClosed = errors.New("session: closed")

// DefaultIdleTimeout is how long a session may sit unused before the
// background cleaner evicts it.
const DefaultIdleTimeout = 15 * time.Minute

// Key identifies one session slot.
type Key struct {
	TenantID   string
	UserHandle string
}

// request is one queued inject call. Using a single-consumer channel per
// Session (rather than a queue + isProcessing flag checked and flipped
// across separate lock sections) closes a race: there is no window
// between "check the flag" and "enqueue" where a completion event can
// slip in unseen, because the consuming goroutine is the only place
// that ever dequeues.
type request struct {
	ctx     context.Context
	text    string
	timeout time.Duration
	reply   chan result
}

type result struct {
	text string
	err  error
}

// Session owns one subprocess and a FIFO of pending inject requests.
type Session struct {
	key  Key
	proc *assistant.Process

	inbox      chan request
	persistent bool

	mu         sync.Mutex
	lastUsedAt time.Time
	closed     bool
	done       chan struct{}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}

// run is the single consumer of s.inbox: it processes one request at a
// time, in receive order, which is exactly the FIFO-per-session ordering
// guarantee the pool must provide.
func (s *Session) run() {
	defer close(s.done)
	for req := range s.inbox {
		text, err := s.proc.Inject(req.ctx, req.text, req.timeout)
		req.reply <- result{text: text, err: err}
	}
}

// SpawnFunc creates a new assistant.Process for a session key. Injected
// so tests can substitute a fake process without spawning a real
// subprocess.
type SpawnFunc func(ctx context.Context, tenantID, userHandle, sessionKey string) (*assistant.Process, error)

// Pool is the SessionPool: map (tenant,user) -> Session, with idempotent
// getOrCreate, FIFO-ordered inject, idle eviction, and crash cleanup.
type Pool struct {
	spawn  SpawnFunc
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[Key]*Session
	creating map[Key]chan struct{}

	idleTimeout time.Duration
	stopCleaner chan struct{}
}

// NewPool constructs a Pool. spawn is called at most once per key
// concurrently; callers racing on the same key all wait for the single
// spawn to finish.
func NewPool(spawn SpawnFunc, b *bus.Bus, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		spawn:       spawn,
		bus:         b,
		logger:      logger,
		sessions:    make(map[Key]*Session),
		creating:    make(map[Key]chan struct{}),
		idleTimeout: DefaultIdleTimeout,
		stopCleaner: make(chan struct{}),
	}
	go p.cleanLoop()
	return p
}

// SetIdleTimeout overrides DefaultIdleTimeout, for tests.
func (p *Pool) SetIdleTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idleTimeout = d
}

// GetOrCreate returns the live session for (tenant,user), spawning one
// if none exists. Concurrent callers for the same key observe exactly
// one spawn; the rest wait for it and share the result.
func (p *Pool) GetOrCreate(ctx context.Context, tenantID, userHandle, sessionKey string) (*Session, error) {
	key := Key{TenantID: tenantID, UserHandle: userHandle}

	for {
		p.mu.Lock()
		if s, ok := p.sessions[key]; ok {
			p.mu.Unlock()
			return s, nil
		}
		if wait, inFlight := p.creating[key]; inFlight {
			p.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		wait := make(chan struct{})
		p.creating[key] = wait
		p.mu.Unlock()

		proc, err := p.spawn(ctx, tenantID, userHandle, sessionKey)

		p.mu.Lock()
		delete(p.creating, key)
		close(wait)
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("session: spawn: %w", err)
		}
		s := &Session{
			key:        key,
			proc:       proc,
			inbox:      make(chan request),
			lastUsedAt: time.Now(),
			done:       make(chan struct{}),
		}
		go s.run()
		p.sessions[key] = s
		p.mu.Unlock()

		return s, nil
	}
}

// Inject enqueues text on s's inbox and blocks for the reply, in FIFO
// order relative to other Inject calls on the same session.
func (p *Pool) Inject(ctx context.Context, s *Session, text string, timeout time.Duration) (string, error) {
	s.touch()
	req := request{ctx: ctx, text: text, timeout: timeout, reply: make(chan result, 1)}

	select {
	case s.inbox <- req:
	case <-s.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case r := <-req.reply:
		if r.err != nil {
			p.evictOnFailure(s, r.err)
		}
		return r.text, r.err
	case <-s.done:
		return "", ErrClosed
	}
}

// evictOnFailure removes the session and drains/rejects anything still
// queued when the underlying process has died, per the correctness rule
// that a dead process must not leave callers waiting forever.
func (p *Pool) evictOnFailure(s *Session, cause error) {
	var pe *assistant.AssistantError
	var te *assistant.AssistantTimeout
	if !errors.As(cause, &pe) && !errors.As(cause, &te) {
		return
	}
	p.closeInternal(s.key, s)
}

// Close gracefully shuts down one session.
func (p *Pool) Close(tenantID, userHandle string) {
	key := Key{TenantID: tenantID, UserHandle: userHandle}
	p.mu.Lock()
	s, ok := p.sessions[key]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.closeInternal(key, s)
}

func (p *Pool) closeInternal(key Key, s *Session) {
	p.mu.Lock()
	if current, ok := p.sessions[key]; !ok || current != s {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, key)
	p.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.inbox)
	s.proc.Close()

	if p.bus != nil {
		p.bus.Publish(bus.TopicSessionExpired, bus.SessionExpiredEvent{
			TenantID:   key.TenantID,
			UserHandle: key.UserHandle,
		})
	}
}

// CloseAll shuts down every session, used on process termination.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	all := make(map[Key]*Session, len(p.sessions))
	for k, s := range p.sessions {
		all[k] = s
	}
	p.mu.Unlock()

	for k, s := range all {
		p.closeInternal(k, s)
	}
	close(p.stopCleaner)
}

// Has reports whether a live session exists for (tenant,user).
func (p *Pool) Has(tenantID, userHandle string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[Key{TenantID: tenantID, UserHandle: userHandle}]
	return ok
}

// Count returns the number of live sessions.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Pool) cleanLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.evictIdle()
		case <-p.stopCleaner:
			return
		}
	}
}

func (p *Pool) evictIdle() {
	now := time.Now()
	p.mu.Lock()
	var stale []struct {
		k Key
		s *Session
	}
	for k, s := range p.sessions {
		if s.persistent {
			continue
		}
		if now.Sub(s.idleSince()) > p.idleTimeout {
			stale = append(stale, struct {
				k Key
				s *Session
			}{k, s})
		}
	}
	p.mu.Unlock()

	for _, e := range stale {
		p.logger.Info("session: evicting idle session", "tenant_id", e.k.TenantID, "user_handle", e.k.UserHandle)
		p.closeInternal(e.k, e.s)
	}
}
