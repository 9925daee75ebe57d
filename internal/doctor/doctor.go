// Package doctor runs startup diagnostics against relay's configuration
// and environment: database reachability, the advisory-lock backend,
// transport credentials, and the secret-encryption key. It backs both
// `relayd doctor` and the admin health-check endpoints.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaycore/relay/internal/config"
	"github.com/relaycore/relay/internal/cryptoutil"
	"github.com/relaycore/relay/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkEncryptionKey,
		checkDatabase,
		checkAdvisoryLock,
		checkTransportCredentials,
		checkPermissions,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

// HealthCheck adapts Run's checks to gateway.HealthChecker, so the admin
// health-check endpoints run the same diagnostics as `relayd doctor`.
type HealthCheck struct {
	Config *config.Config
}

// CheckTools reports on the operational checks: config presence,
// advisory-lock reachability, the bind network path, and local
// filesystem permissions.
func (h HealthCheck) CheckTools(ctx context.Context) map[string]string {
	return resultMap(
		checkConfig(ctx, h.Config),
		checkAdvisoryLock(ctx, h.Config),
		checkPermissions(ctx, h.Config),
		checkNetwork(ctx, h.Config),
	)
}

// CheckCredentials reports on the secret-backed checks: database
// connectivity, the credentials encryption key, and transport tokens.
func (h HealthCheck) CheckCredentials(ctx context.Context) map[string]string {
	return resultMap(
		checkDatabase(ctx, h.Config),
		checkEncryptionKey(ctx, h.Config),
		checkTransportCredentials(ctx, h.Config),
	)
}

func resultMap(results ...CheckResult) map[string]string {
	out := make(map[string]string, len(results))
	for _, r := range results {
		out[r.Name] = fmt.Sprintf("%s: %s", r.Status, r.Message)
	}
	return out
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.DatabaseURL == "" {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "DATABASE_URL is not set"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

// checkEncryptionKey verifies CREDENTIALS_ENCRYPTION_KEY decodes into a
// usable chacha20poly1305 key, since webhook secrets and OAuth tokens
// can't be sealed at rest without one.
func checkEncryptionKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Encryption Key", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.CredentialsEncryptionKey == "" {
		return CheckResult{
			Name:    "Encryption Key",
			Status:  "FAIL",
			Message: "CREDENTIALS_ENCRYPTION_KEY not set",
			Detail:  "required to seal webhook secrets and OAuth tokens at rest",
		}
	}
	if _, err := cryptoutil.NewBox(cfg.CredentialsEncryptionKey); err != nil {
		return CheckResult{Name: "Encryption Key", Status: "FAIL", Message: fmt.Sprintf("invalid key: %v", err)}
	}
	return CheckResult{Name: "Encryption Key", Status: "PASS", Message: "CREDENTIALS_ENCRYPTION_KEY is valid"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.DatabaseURL == "" {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "DATABASE_URL not set"}
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	st, err := store.Open(connCtx, store.Config{DSN: cfg.DatabaseURL, MaxConns: 2})
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("connection failed: %v", err)}
	}
	defer st.Close()

	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

// checkAdvisoryLock confirms the scheduler's advisory-lock backend is
// reachable. It doesn't take the lock itself, since a healthy cluster
// may legitimately have it held by another instance.
func checkAdvisoryLock(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.DatabaseURL == "" {
		return CheckResult{Name: "Advisory Lock", Status: "SKIP", Message: "DATABASE_URL not set"}
	}

	connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(connCtx, cfg.DatabaseURL)
	if err != nil {
		return CheckResult{Name: "Advisory Lock", Status: "FAIL", Message: fmt.Sprintf("pool init failed: %v", err)}
	}
	defer pool.Close()

	if err := pool.Ping(connCtx); err != nil {
		return CheckResult{Name: "Advisory Lock", Status: "FAIL", Message: fmt.Sprintf("backend unreachable: %v", err)}
	}
	return CheckResult{Name: "Advisory Lock", Status: "PASS", Message: "Backend reachable"}
}

func checkTransportCredentials(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Transport Credentials", Status: "SKIP", Message: "Config missing"}
	}

	if !cfg.Channels.Telegram.Enabled {
		return CheckResult{Name: "Transport Credentials", Status: "WARN", Message: "no messaging channel configured"}
	}
	if cfg.Channels.Telegram.Token == "" {
		return CheckResult{Name: "Transport Credentials", Status: "FAIL", Message: "telegram enabled but TELEGRAM_TOKEN not set"}
	}
	return CheckResult{Name: "Transport Credentials", Status: "PASS", Message: "telegram token present"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "HomeDir unset"}
	}

	testFile := cfg.HomeDir + "/.write_test"
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkNetwork resolves the host relay's webhook URLs are served from
// (PUBLIC_URL), falling back to Telegram's API host when PUBLIC_URL
// isn't set, since at least one of the two is reachable in any working
// deployment.
func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	host := "api.telegram.org"
	if cfg.PublicURL != "" {
		if u, err := url.Parse(cfg.PublicURL); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}
