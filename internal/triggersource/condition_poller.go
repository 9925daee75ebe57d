package triggersource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/relaycore/relay/internal/policy"
	"github.com/relaycore/relay/internal/store"
	"github.com/relaycore/relay/internal/trigger"
)

// fetchTimeout bounds a single condition data-source fetch: a slow
// upstream must never stall the poller's minute tick.
const fetchTimeout = 30 * time.Second

const minPollInterval = time.Minute

// conditionConfig is the CONDITION-type slice of Trigger.Config.
type conditionConfig struct {
	DataSource          string `json:"data_source"`
	Method              string `json:"method"`
	ExtractPath         string `json:"extract_path"`
	Expression          string `json:"expression"`
	PollIntervalMin     int    `json:"poll_interval_minutes"`
	TriggerOnChangeOnly bool   `json:"trigger_on_change_only"`
}

// ConditionStore is the subset of *store.Store the condition poller
// needs.
type ConditionStore interface {
	DueConditionTriggers(ctx context.Context, now time.Time) ([]*store.Trigger, error)
	SetNextCheckAt(ctx context.Context, id string, next time.Time) error
}

// ConditionPoller evaluates CONDITION triggers against a polled HTTP
// data source on a one-minute tick.
type ConditionPoller struct {
	triggers ConditionStore
	checker  policy.Checker
	engine   Handler
	client   *http.Client
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]bool // trigger id -> last observed condition result, for edge detection
}

func NewConditionPoller(triggers ConditionStore, checker policy.Checker, engine Handler, logger *slog.Logger) *ConditionPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConditionPoller{
		triggers: triggers,
		checker:  checker,
		engine:   engine,
		client:   &http.Client{Timeout: fetchTimeout},
		logger:   logger,
		last:     map[string]bool{},
	}
}

// Run ticks every minute until ctx is cancelled.
func (p *ConditionPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(minPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *ConditionPoller) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := p.triggers.DueConditionTriggers(ctx, now)
	if err != nil {
		p.logger.Error("triggersource: load due condition triggers failed", "error", err)
		return
	}
	for _, t := range due {
		p.check(ctx, t, now)
	}
}

// check evaluates one trigger. next_check_at is always advanced,
// regardless of outcome, to guarantee progress and prevent a
// persistently failing trigger from hot-looping the poller.
func (p *ConditionPoller) check(ctx context.Context, t *store.Trigger, now time.Time) {
	var cfg conditionConfig
	if err := json.Unmarshal(t.Config, &cfg); err != nil {
		p.logger.Error("triggersource: bad condition config", "trigger_id", t.ID, "error", err)
		p.advance(ctx, t.ID, now, 5)
		return
	}

	interval := cfg.PollIntervalMin
	if time.Duration(interval)*time.Minute < minPollInterval {
		interval = 1
	}
	defer p.advance(ctx, t.ID, now, interval)

	body, err := p.fetch(ctx, cfg)
	if err != nil {
		p.logger.Warn("triggersource: condition fetch failed", "trigger_id", t.ID, "error", err)
		return
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		p.logger.Warn("triggersource: condition response not JSON", "trigger_id", t.ID, "error", err)
		return
	}
	extracted, ok := lookupJSONPath(parsed, cfg.ExtractPath)
	if !ok {
		p.logger.Warn("triggersource: extract_path not found", "trigger_id", t.ID, "path", cfg.ExtractPath)
		return
	}

	result, err := EvaluateCondition(cfg.Expression, extracted)
	if err != nil {
		p.logger.Warn("triggersource: condition evaluation failed", "trigger_id", t.ID, "error", err)
		return
	}

	if cfg.TriggerOnChangeOnly {
		p.mu.Lock()
		prev, seen := p.last[t.ID]
		p.last[t.ID] = result
		p.mu.Unlock()
		if !result || (seen && prev) {
			return
		}
	} else if !result {
		return
	}

	ev := trigger.Event{
		TriggerID:  t.ID,
		TenantID:   t.TenantID,
		UserHandle: t.UserHandle,
		Payload: trigger.Payload{
			Source: "condition",
			Data:   map[string]any{"value": extracted},
		},
		Timestamp: now,
	}
	p.engine.Handle(context.WithoutCancel(ctx), ev)
}

func (p *ConditionPoller) advance(ctx context.Context, triggerID string, now time.Time, intervalMinutes int) {
	if intervalMinutes < 1 {
		intervalMinutes = 1
	}
	next := now.Add(time.Duration(intervalMinutes) * time.Minute)
	if err := p.triggers.SetNextCheckAt(ctx, triggerID, next); err != nil {
		p.logger.Error("triggersource: advance next_check_at failed", "trigger_id", triggerID, "error", err)
	}
}

func (p *ConditionPoller) fetch(ctx context.Context, cfg conditionConfig) ([]byte, error) {
	if cfg.DataSource == "" {
		return nil, fmt.Errorf("no data_source configured")
	}
	if p.checker != nil && !p.checker.AllowHTTPURL(cfg.DataSource) {
		return nil, fmt.Errorf("data_source %q rejected by outbound fetch policy", cfg.DataSource)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(fetchCtx, method, cfg.DataSource, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
