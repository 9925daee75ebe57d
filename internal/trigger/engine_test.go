package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/relaycore/relay/internal/store"
)

type fakeTriggerStore struct {
	mu       sync.Mutex
	triggers map[string]*store.Trigger
	failures map[string]int
	disabled map[string]bool
	success  map[string]bool
}

func newFakeTriggerStore(triggers ...*store.Trigger) *fakeTriggerStore {
	m := map[string]*store.Trigger{}
	for _, t := range triggers {
		m[t.ID] = t
	}
	return &fakeTriggerStore{triggers: m, failures: map[string]int{}, disabled: map[string]bool{}, success: map[string]bool{}}
}

func (f *fakeTriggerStore) GetTrigger(ctx context.Context, tenantID, id string) (*store.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.triggers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTriggerStore) RecordTriggerSuccess(ctx context.Context, id string, now time.Time, executionState []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.success[id] = true
	if t, ok := f.triggers[id]; ok {
		t.LastTriggeredAt = &now
		t.ErrorCount = 0
	}
	return nil
}

func (f *fakeTriggerStore) RecordTriggerFailure(ctx context.Context, id string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id]++
	count := f.failures[id]
	t := f.triggers[id]
	disabled := count >= t.MaxErrors
	if disabled {
		f.disabled[id] = true
	}
	return count, disabled, nil
}

type fakeExecStore struct {
	mu    sync.Mutex
	execs map[string]*store.TriggerExecution
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{execs: map[string]*store.TriggerExecution{}}
}

func (f *fakeExecStore) CreateTriggerExecution(ctx context.Context, e *store.TriggerExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ID == "" {
		e.ID = "exec-" + e.TriggerID
	}
	cp := *e
	f.execs[e.ID] = &cp
	return nil
}

func (f *fakeExecStore) TransitionExecution(ctx context.Context, id string, to store.ExecutionStatus, mutate func(e *store.TriggerExecution)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.ValidExecutionTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, e.Status, to)
	}
	e.Status = to
	if mutate != nil {
		mutate(e)
	}
	return nil
}

func (f *fakeExecStore) get(id string) *store.TriggerExecution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execs[id]
}

type fakeProcessor struct {
	reply string
	err   error
}

func (f *fakeProcessor) ExecuteScheduledTask(ctx context.Context, tenantID, userHandle, prompt, taskType string, previousOutputs []string) (string, error) {
	return f.reply, f.err
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeTransport) Send(ctx context.Context, tenantID, userHandle, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

type fakeMessages struct {
	mu   sync.Mutex
	msgs []*store.Message
}

func (f *fakeMessages) AppendMessage(ctx context.Context, m *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return nil
}

func newTestTrigger(id string, autonomy store.Autonomy) *store.Trigger {
	return &store.Trigger{
		ID:         id,
		TenantID:   "tenant-1",
		UserHandle: "user-1",
		Name:       "test trigger",
		TaskPrompt: "value is {{data.value}}",
		Autonomy:   autonomy,
		Status:     store.TriggerActive,
		MaxErrors:  3,
	}
}

func newTestEvent(triggerID string) Event {
	return Event{
		TriggerID:  triggerID,
		TenantID:   "tenant-1",
		UserHandle: "user-1",
		Payload: Payload{
			Source: "webhook",
			Data:   map[string]any{"value": "42"},
		},
		Timestamp: time.Now().UTC(),
	}
}

func TestHandle_Notify_InterpolatesAndCompletes(t *testing.T) {
	tg := newTestTrigger("tr1", store.AutonomyNotify)
	ts := newFakeTriggerStore(tg)
	es := newFakeExecStore()
	transport := &fakeTransport{}
	e := New(Config{Triggers: ts, Execs: es, Processor: &fakeProcessor{}, Transport: transport, Messages: &fakeMessages{}})

	e.Handle(context.Background(), newTestEvent("tr1"))

	if len(transport.sent) != 1 {
		t.Fatalf("expected one message sent, got %v", transport.sent)
	}
	if got := transport.sent[0]; got != "Trigger fired: value is 42" {
		t.Fatalf("unexpected interpolated text: %q", got)
	}
	if !ts.success["tr1"] {
		t.Fatal("expected success recorded")
	}
}

func TestHandle_Confirm_SetsAwaitingConfirmation(t *testing.T) {
	tg := newTestTrigger("tr2", store.AutonomyConfirm)
	ts := newFakeTriggerStore(tg)
	es := newFakeExecStore()
	transport := &fakeTransport{}
	e := New(Config{Triggers: ts, Execs: es, Processor: &fakeProcessor{}, Transport: transport, Messages: &fakeMessages{}})

	e.Handle(context.Background(), newTestEvent("tr2"))

	exec := es.get("exec-tr2")
	if exec == nil {
		t.Fatal("expected execution to be created")
	}
	if exec.Status != store.ExecutionAwaitingConfirmation {
		t.Fatalf("expected AWAITING_CONFIRMATION, got %s", exec.Status)
	}
	if exec.ConfirmationStatus == nil || *exec.ConfirmationStatus != store.ConfirmationPending {
		t.Fatal("expected confirmation_status PENDING")
	}
	if exec.ConfirmationDeadline == nil {
		t.Fatal("expected confirmation deadline to be set")
	}
}

func TestHandle_Auto_DispatchesThroughProcessor(t *testing.T) {
	tg := newTestTrigger("tr3", store.AutonomyAuto)
	ts := newFakeTriggerStore(tg)
	es := newFakeExecStore()
	transport := &fakeTransport{}
	e := New(Config{Triggers: ts, Execs: es, Processor: &fakeProcessor{reply: "all done"}, Transport: transport, Messages: &fakeMessages{}})

	e.Handle(context.Background(), newTestEvent("tr3"))

	if len(transport.sent) != 1 || transport.sent[0] != "all done" {
		t.Fatalf("expected assistant reply delivered, got %v", transport.sent)
	}
	exec := es.get("exec-tr3")
	if exec.Status != store.ExecutionCompleted {
		t.Fatalf("expected COMPLETED, got %s", exec.Status)
	}
}

func TestHandle_CooldownNotElapsed_Drops(t *testing.T) {
	tg := newTestTrigger("tr4", store.AutonomyNotify)
	tg.CooldownSeconds = 3600
	last := time.Now().UTC()
	tg.LastTriggeredAt = &last
	ts := newFakeTriggerStore(tg)
	es := newFakeExecStore()
	transport := &fakeTransport{}
	e := New(Config{Triggers: ts, Execs: es, Processor: &fakeProcessor{}, Transport: transport, Messages: &fakeMessages{}})

	e.Handle(context.Background(), newTestEvent("tr4"))

	if len(transport.sent) != 0 {
		t.Fatal("expected event to be dropped during cooldown")
	}
}

func TestHandle_NonActiveStatus_Drops(t *testing.T) {
	tg := newTestTrigger("tr5", store.AutonomyNotify)
	tg.Status = store.TriggerPaused
	ts := newFakeTriggerStore(tg)
	es := newFakeExecStore()
	transport := &fakeTransport{}
	e := New(Config{Triggers: ts, Execs: es, Processor: &fakeProcessor{}, Transport: transport, Messages: &fakeMessages{}})

	e.Handle(context.Background(), newTestEvent("tr5"))

	if len(transport.sent) != 0 {
		t.Fatal("expected paused trigger to be dropped")
	}
}

func TestHandle_Failure_TripsBreakerAfterThreshold(t *testing.T) {
	tg := newTestTrigger("tr6", store.AutonomyAuto)
	ts := newFakeTriggerStore(tg)
	es := newFakeExecStore()
	e := New(Config{Triggers: ts, Execs: es, Processor: &fakeProcessor{err: errors.New("boom")}, Transport: &fakeTransport{}, Messages: &fakeMessages{}})

	for i := 0; i < breakerThreshold; i++ {
		e.Handle(context.Background(), newTestEvent("tr6"))
	}

	if !e.breakers.isOpen("tr6") {
		t.Fatal("expected breaker to be open after threshold consecutive failures")
	}

	// A further event should be dropped before even reloading the trigger.
	beforeFailures := ts.failures["tr6"]
	e.Handle(context.Background(), newTestEvent("tr6"))
	if ts.failures["tr6"] != beforeFailures {
		t.Fatal("expected event to be dropped while breaker is open")
	}
}

func TestInterpolate_MissingPathLeavesLiteralToken(t *testing.T) {
	out := interpolate("value={{missing.path}}", map[string]any{"present": "x"})
	if out != "value={{missing.path}}" {
		t.Fatalf("expected literal token preserved, got %q", out)
	}
}

func TestInterpolate_NestedPath(t *testing.T) {
	data := map[string]any{"a": map[string]any{"b": map[string]any{"c": "found"}}}
	out := interpolate("got {{a.b.c}}", data)
	if out != "got found" {
		t.Fatalf("unexpected interpolation: %q", out)
	}
}

func TestResolveConfirmation_Approved_ProceedsAsAuto(t *testing.T) {
	tg := newTestTrigger("tr7", store.AutonomyConfirm)
	ts := newFakeTriggerStore(tg)
	es := newFakeExecStore()
	transport := &fakeTransport{}
	e := New(Config{Triggers: ts, Execs: es, Processor: &fakeProcessor{reply: "proceeding"}, Transport: transport, Messages: &fakeMessages{}})

	confirmStore := &fakeConfirmStore{
		exec: &store.TriggerExecution{ID: "exec-confirm", TriggerID: "tr7", TenantID: "tenant-1"},
	}

	if err := e.ResolveConfirmation(context.Background(), confirmStore, "exec-confirm", store.ConfirmationApproved, time.Now().UTC()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(transport.sent) != 1 || transport.sent[0] != "proceeding" {
		t.Fatalf("expected AUTO dispatch to run, got %v", transport.sent)
	}
}

type fakeConfirmStore struct {
	exec *store.TriggerExecution
}

func (f *fakeConfirmStore) TransitionConfirmation(ctx context.Context, id string, to store.ConfirmationStatus, now time.Time) (*store.TriggerExecution, error) {
	f.exec.ConfirmationStatus = &to
	return f.exec, nil
}
