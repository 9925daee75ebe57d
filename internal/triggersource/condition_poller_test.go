package triggersource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/relaycore/relay/internal/store"
	"github.com/relaycore/relay/internal/trigger"
)

type fakeConditionStore struct {
	mu       sync.Mutex
	due      []*store.Trigger
	advanced map[string]time.Time
}

func (f *fakeConditionStore) DueConditionTriggers(ctx context.Context, now time.Time) ([]*store.Trigger, error) {
	return f.due, nil
}

func (f *fakeConditionStore) SetNextCheckAt(ctx context.Context, id string, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.advanced == nil {
		f.advanced = map[string]time.Time{}
	}
	f.advanced[id] = next
	return nil
}

type allowAllChecker struct{}

func (allowAllChecker) AllowHTTPURL(raw string) bool { return true }
func (allowAllChecker) PolicyVersion() string        { return "test" }

type fakeHandler struct {
	mu    sync.Mutex
	calls []trigger.Event
}

func (f *fakeHandler) Handle(ctx context.Context, ev trigger.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ev)
}

func (f *fakeHandler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newConditionTrigger(id, cfgJSON string) *store.Trigger {
	return &store.Trigger{
		ID:       id,
		TenantID: "tenant-1",
		Config:   []byte(cfgJSON),
	}
}

func TestConditionPoller_FiringConditionDispatchesEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":{"code":500}}`))
	}))
	defer srv.Close()

	cfg := `{"data_source":"` + srv.URL + `","extract_path":"status.code","expression":"x >= 500"}`
	tr := newConditionTrigger("trig-1", cfg)
	ts := &fakeConditionStore{due: []*store.Trigger{tr}}
	h := &fakeHandler{}
	p := NewConditionPoller(ts, allowAllChecker{}, h, nil)

	p.tick(context.Background())

	if h.count() != 1 {
		t.Fatalf("expected 1 dispatched event, got %d", h.count())
	}
	if ts.advanced["trig-1"].IsZero() {
		t.Fatal("expected next_check_at to be advanced")
	}
}

func TestConditionPoller_NonFiringCondition_NoDispatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":{"code":200}}`))
	}))
	defer srv.Close()

	cfg := `{"data_source":"` + srv.URL + `","extract_path":"status.code","expression":"x >= 500"}`
	tr := newConditionTrigger("trig-2", cfg)
	ts := &fakeConditionStore{due: []*store.Trigger{tr}}
	h := &fakeHandler{}
	p := NewConditionPoller(ts, allowAllChecker{}, h, nil)

	p.tick(context.Background())

	if h.count() != 0 {
		t.Fatalf("expected no dispatched event, got %d", h.count())
	}
	if ts.advanced["trig-2"].IsZero() {
		t.Fatal("expected next_check_at to advance even on a non-firing check")
	}
}

func TestConditionPoller_TriggerOnChangeOnly_FiresOnceOnTransition(t *testing.T) {
	code := 500
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":{"code":` + strconv.Itoa(code) + `}}`))
	}))
	defer srv.Close()

	cfg := `{"data_source":"` + srv.URL + `","extract_path":"status.code","expression":"x >= 500","trigger_on_change_only":true}`
	tr := newConditionTrigger("trig-3", cfg)
	ts := &fakeConditionStore{due: []*store.Trigger{tr}}
	h := &fakeHandler{}
	p := NewConditionPoller(ts, allowAllChecker{}, h, nil)

	p.tick(context.Background())
	p.tick(context.Background())
	if h.count() != 1 {
		t.Fatalf("expected exactly 1 dispatch across two consecutive true checks, got %d", h.count())
	}

	code = 200
	p.tick(context.Background())
	code = 500
	p.tick(context.Background())
	if h.count() != 2 {
		t.Fatalf("expected a second dispatch after a false->true transition, got %d", h.count())
	}
}

func TestConditionPoller_UnreachableDataSource_StillAdvancesNextCheck(t *testing.T) {
	cfg := `{"data_source":"http://127.0.0.1:1","extract_path":"x","expression":"x > 1"}`
	tr := newConditionTrigger("trig-4", cfg)
	ts := &fakeConditionStore{due: []*store.Trigger{tr}}
	h := &fakeHandler{}
	p := NewConditionPoller(ts, allowAllChecker{}, h, nil)

	p.tick(context.Background())

	if h.count() != 0 {
		t.Fatalf("expected no dispatch on fetch failure, got %d", h.count())
	}
	if ts.advanced["trig-4"].IsZero() {
		t.Fatal("expected next_check_at to advance even when the fetch fails")
	}
}
