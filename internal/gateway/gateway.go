// Package gateway is the HTTP surface: the trigger webhook endpoint,
// the admin API, and the scheduled-task/trigger tool APIs the assistant
// subprocess calls back into over PUBLIC_URL.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/relay/internal/audit"
	"github.com/relaycore/relay/internal/scheduletext"
	"github.com/relaycore/relay/internal/shared"
	"github.com/relaycore/relay/internal/store"
	"github.com/relaycore/relay/internal/triggersource"
)

// Policy limits enforced here, not in scheduletext: the parser only
// normalizes text into a shape, it never judges whether a schedule is
// acceptable.
const (
	maxEnabledTasksPerUser = 10
	minRecurringSpacing    = time.Minute
	minOneShotLead         = time.Minute
)

// TaskStore is the subset of *store.Store the schedule-task tool API
// needs.
type TaskStore interface {
	CreateScheduledTask(ctx context.Context, t *store.ScheduledTask) error
	CountEnabledTasks(ctx context.Context, tenantID, userHandle string) (int, error)
	ListScheduledTasks(ctx context.Context, tenantID string) ([]*store.ScheduledTask, error)
	DeleteScheduledTask(ctx context.Context, id string) error
}

// TriggerAPIStore is the subset of *store.Store the trigger tool API
// needs.
type TriggerAPIStore interface {
	CreateTrigger(ctx context.Context, t *store.Trigger) error
	ListTriggers(ctx context.Context, tenantID string) ([]*store.Trigger, error)
	ManageTrigger(ctx context.Context, tenantID, id, action string) error
}

// TenantLookup checks a tenant id is known, used to reject schedule/trigger
// creation for an unregistered tenant.
type TenantLookup interface {
	GetTenant(ctx context.Context, id string) (*store.Tenant, error)
}

// SecretEncryptor seals a newly generated webhook secret at rest.
type SecretEncryptor interface {
	Encrypt(plaintext, additionalData []byte) ([]byte, error)
}

// HealthChecker backs the admin health-check endpoints.
type HealthChecker interface {
	CheckTools(ctx context.Context) map[string]string
	CheckCredentials(ctx context.Context) map[string]string
}

// Config bundles everything the gateway's HTTP handlers need.
type Config struct {
	Tasks       TaskStore
	Triggers    TriggerAPIStore
	Tenants     TenantLookup
	Box         SecretEncryptor
	Webhooks    *triggersource.WebhookReceiver
	Health      HealthChecker
	AdminAPIKey string
	DefaultTZ   string
	PublicURL   string
	Logger      *slog.Logger
}

type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultTZ == "" {
		cfg.DefaultTZ = "UTC"
	}
	return &Server{cfg: cfg}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/trigger/", s.handleTriggerWebhook)

	mux.HandleFunc("/admin/tools/health-check", s.handleAdminToolsHealth)
	mux.HandleFunc("/admin/credentials/health-check", s.handleAdminCredentialsHealth)
	mux.HandleFunc("/admin/tenants/", s.handleAdminTenantAction)

	mux.HandleFunc("/api/tools/schedule-task", s.handleScheduleTask)
	mux.HandleFunc("/api/tools/cancel-schedule", s.handleCancelSchedule)
	mux.HandleFunc("/api/tools/list-schedules", s.handleListSchedules)

	mux.HandleFunc("/api/tools/create-trigger", s.handleCreateTrigger)
	mux.HandleFunc("/api/tools/list-triggers", s.handleListTriggers)
	mux.HandleFunc("/api/tools/manage-trigger", s.handleManageTrigger)

	return s.withTraceID(mux)
}

// withTraceID stamps every request with a trace id, so a webhook delivery
// or tool call can be followed across this handler, the trigger engine,
// and the assistant subprocess in the logs.
func (s *Server) withTraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := shared.NewTraceID()
		ctx := shared.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// --- trigger webhook ---

func (s *Server) handleTriggerWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/webhooks/trigger/")
	if path == "" {
		http.NotFound(w, r)
		return
	}
	body, err := readBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	headers := flattenHeaders(r.Header)

	s.cfg.Logger.Info("gateway: webhook received", "trace_id", shared.TraceID(r.Context()), "path", path)
	result := s.cfg.Webhooks.Receive(r.Context(), path, headers, body)
	writeWebhookResult(w, result)
}

func writeWebhookResult(w http.ResponseWriter, result triggersource.WebhookResult) {
	w.Header().Set("Content-Type", "application/json")
	switch result.Status {
	case triggersource.StatusAccepted:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": result.Message})
	case triggersource.StatusDuplicate:
		// A duplicate delivery within the dedup window is reported as
		// 200 rather than an error; see DESIGN.md for the reasoning.
		writeJSON(w, http.StatusOK, map[string]any{"message": result.Message})
	case triggersource.StatusNotFound:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": result.Message})
	case triggersource.StatusUnauthorized:
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": result.Message})
	case triggersource.StatusForbidden:
		writeJSON(w, http.StatusForbidden, map[string]any{"error": result.Message})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "unexpected status"})
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// --- admin API ---

func (s *Server) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.AdminAPIKey == "" {
		http.Error(w, "admin api key not configured", http.StatusInternalServerError)
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" || token != s.cfg.AdminAPIKey {
		audit.Record("deny", "admin."+r.URL.Path, "bad bearer token", "", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func (s *Server) handleAdminToolsHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorizeAdmin(w, r) {
		return
	}
	var results map[string]string
	if s.cfg.Health != nil {
		results = s.cfg.Health.CheckTools(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": results})
}

func (s *Server) handleAdminCredentialsHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorizeAdmin(w, r) {
		return
	}
	var results map[string]string
	if s.cfg.Health != nil {
		results = s.cfg.Health.CheckCredentials(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": results})
}

// handleAdminTenantAction covers POST /admin/tenants/{id}/campaigns/trigger.
func (s *Server) handleAdminTenantAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorizeAdmin(w, r) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/admin/tenants/")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "campaigns" || parts[2] != "trigger" || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	tenantID := parts[0]
	if _, err := s.cfg.Tenants.GetTenant(r.Context(), tenantID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown tenant"})
		return
	}
	audit.Record("allow", "admin.tenant.campaigns.trigger", "", "", tenantID)
	// The campaign payload itself is out of scope; accepting here just
	// confirms the admin-authenticated trigger point exists.
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// --- scheduled task tool API ---

type scheduleTaskRequest struct {
	Task        string `json:"task"`
	Schedule    string `json:"schedule"`
	TaskType    string `json:"task_type"`
	TenantID    string `json:"tenant_id"`
	SenderPhone string `json:"sender_phone"`
}

func (s *Server) handleScheduleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req scheduleTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Task) == "" || req.TenantID == "" || req.SenderPhone == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "task, tenant_id and sender_phone are required"})
		return
	}
	taskType := req.TaskType
	if taskType == "" {
		taskType = string(store.TaskTypeReminder)
	}

	parsed, err := scheduletext.Parse(req.Schedule, s.cfg.DefaultTZ)
	if err != nil || parsed == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "schedule could not be parsed"})
		return
	}

	count, err := s.cfg.Tasks.CountEnabledTasks(r.Context(), req.TenantID, req.SenderPhone)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if count >= maxEnabledTasksPerUser {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "per-user scheduled task limit reached"})
		return
	}

	now := time.Now().UTC()
	task := &store.ScheduledTask{
		TenantID:   req.TenantID,
		UserHandle: req.SenderPhone,
		TaskPrompt: req.Task,
		TaskType:   store.TaskType(taskType),
		Timezone:   parsed.TZ,
		Enabled:    true,
	}
	if parsed.Recurring {
		next, err := scheduletext.NextFire(parsed.Cron, parsed.TZ, now)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if next.Sub(now) < minRecurringSpacing {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "recurring schedule fires too soon"})
			return
		}
		task.CronExpr = parsed.Cron
		task.IsOneTime = false
		task.NextRunAt = next
	} else {
		if parsed.RunAt.Sub(now) < minOneShotLead {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "one-shot schedule must be at least a minute in the future"})
			return
		}
		runAt := parsed.RunAt
		task.RunAt = &runAt
		task.IsOneTime = true
		task.NextRunAt = runAt
	}

	if err := s.cfg.Tasks.CreateScheduledTask(r.Context(), task); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": task.ID, "next_run": task.NextRunAt})
}

func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "task_id is required"})
		return
	}
	if err := s.cfg.Tasks.DeleteScheduledTask(r.Context(), req.TaskID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "tenant_id is required"})
		return
	}
	tasks, err := s.cfg.Tasks.ListScheduledTasks(r.Context(), tenantID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// --- trigger tool API ---

type createTriggerRequest struct {
	TenantID        string          `json:"tenant_id"`
	UserHandle      string          `json:"user_handle"`
	Name            string          `json:"name"`
	TriggerType     string          `json:"trigger_type"`
	TaskPrompt      string          `json:"task_prompt"`
	Autonomy        string          `json:"autonomy"`
	Config          json.RawMessage `json:"config"`
	CooldownSeconds int             `json:"cooldown_seconds"`
	MaxErrors       int             `json:"max_errors"`
	SignatureAlgo   string          `json:"signature_algo"`
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if req.TenantID == "" || req.UserHandle == "" || req.Name == "" || req.TaskPrompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "tenant_id, user_handle, name and task_prompt are required"})
		return
	}
	if _, err := s.cfg.Tenants.GetTenant(r.Context(), req.TenantID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown tenant"})
		return
	}

	triggerType := store.TriggerType(strings.ToUpper(req.TriggerType))
	if err := validateTriggerConfig(triggerType, req.Config); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	cooldown := req.CooldownSeconds
	if cooldown <= 0 {
		cooldown = 60
	}
	maxErrors := req.MaxErrors
	if maxErrors <= 0 {
		maxErrors = 3
	}

	trig := &store.Trigger{
		ID:              uuid.NewString(),
		TenantID:        req.TenantID,
		UserHandle:      req.UserHandle,
		Name:            req.Name,
		TriggerType:     triggerType,
		TaskPrompt:      req.TaskPrompt,
		Autonomy:        store.Autonomy(strings.ToUpper(req.Autonomy)),
		Config:          req.Config,
		Status:          store.TriggerActive,
		CooldownSeconds: cooldown,
		MaxErrors:       maxErrors,
		SignatureAlgo:   req.SignatureAlgo,
	}
	if len(trig.Config) == 0 {
		trig.Config = []byte("{}")
	}

	var webhookURL string
	if trig.TriggerType == store.TriggerWebhook {
		path, err := randomWebhookPath()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		secret, err := randomSecret()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		enc, err := s.cfg.Box.Encrypt([]byte(secret), []byte(trig.ID))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		trig.WebhookPath = path
		trig.WebhookSecretEnc = enc
		if trig.SignatureAlgo == "" {
			trig.SignatureAlgo = "hmac-sha256"
		}
		webhookURL = strings.TrimRight(s.cfg.PublicURL, "/") + "/webhooks/trigger/" + path
	}

	if err := s.cfg.Triggers.CreateTrigger(r.Context(), trig); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	resp := map[string]any{"trigger_id": trig.ID}
	if webhookURL != "" {
		resp["webhook_url"] = webhookURL
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "tenant_id is required"})
		return
	}
	triggers, err := s.cfg.Triggers.ListTriggers(r.Context(), tenantID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": triggers})
}

func (s *Server) handleManageTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TenantID  string `json:"tenant_id"`
		TriggerID string `json:"trigger_id"`
		Action    string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	switch req.Action {
	case "enable", "disable", "delete":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "action must be one of enable, disable, delete"})
		return
	}
	if req.TenantID == "" || req.TriggerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "tenant_id and trigger_id are required"})
		return
	}
	if err := s.cfg.Triggers.ManageTrigger(r.Context(), req.TenantID, req.TriggerID, req.Action); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// --- helpers ---

func randomWebhookPath() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("gateway: generate webhook path: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("gateway: generate webhook secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// maxWebhookBody bounds how much of an inbound webhook body we read, so
// a misbehaving sender can't exhaust memory.
const maxWebhookBody = 1 << 20

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
