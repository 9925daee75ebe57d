// Command relayd is relay's daemon: it serves the webhook/admin/tool
// HTTP surface, runs the minute-cadence scheduler, and polls trigger
// event sources, all against a single shared Postgres store.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaycore/relay/internal/advisorylock"
	"github.com/relaycore/relay/internal/assistant"
	"github.com/relaycore/relay/internal/audit"
	"github.com/relaycore/relay/internal/bus"
	"github.com/relaycore/relay/internal/config"
	"github.com/relaycore/relay/internal/cryptoutil"
	"github.com/relaycore/relay/internal/doctor"
	"github.com/relaycore/relay/internal/gateway"
	"github.com/relaycore/relay/internal/message"
	"github.com/relaycore/relay/internal/policy"
	"github.com/relaycore/relay/internal/scheduler"
	"github.com/relaycore/relay/internal/session"
	"github.com/relaycore/relay/internal/store"
	"github.com/relaycore/relay/internal/telemetry"
	"github.com/relaycore/relay/internal/transport"
	"github.com/relaycore/relay/internal/trigger"
	"github.com/relaycore/relay/internal/triggersource"
)

var version = "dev"

// engineHandle defers to a *trigger.Engine set after construction,
// breaking the Processor/Engine construction cycle (see runDaemon).
type engineHandle struct {
	engine *trigger.Engine
}

func (h *engineHandle) ResolveConfirmation(ctx context.Context, confirmStore trigger.ConfirmationStore, executionID string, to store.ConfirmationStatus, now time.Time) error {
	return h.engine.ResolveConfirmation(ctx, confirmStore, executionID, to, now)
}

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	quiet := flag.Bool("quiet", false, "suppress stdout logging, write to logs/system.jsonl only")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printHelp()
			return
		case "doctor":
			os.Exit(runDoctorCommand(ctx))
		case "serve":
			// falls through to the daemon below
		default:
			fmt.Fprintf(os.Stderr, "relayd: unknown command %q\n", args[0])
			printHelp()
			os.Exit(1)
		}
	}

	runDaemon(ctx, *quiet)
}

func printHelp() {
	fmt.Println(`relayd - multi-tenant task and trigger execution daemon

Usage:
  relayd [serve]     run the daemon (default)
  relayd doctor       run startup diagnostics and exit
  relayd help         show this message

Configuration is read from $RELAY_HOME/config.yaml (default ~/.relayd),
layered with environment variable overrides: DATABASE_URL, ADMIN_API_KEY,
CREDENTIALS_ENCRYPTION_KEY, PUBLIC_URL, TELEGRAM_TOKEN.`)
}

func runDoctorCommand(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: config load failed: %v\n", err)
		return 1
	}

	d := doctor.Run(ctx, &cfg, version)
	exit := 0
	for _, r := range d.Results {
		fmt.Printf("%-22s %-5s %s\n", r.Name, r.Status, r.Message)
		if r.Status == "FAIL" {
			exit = 1
		}
	}
	return exit
}

func runDaemon(ctx context.Context, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit is initialized before the logger so a logger-init failure
	// itself lands in the audit trail.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	logger.Info("startup phase", "phase", "config_loaded", "bind_addr", cfg.BindAddr, "fingerprint", cfg.Fingerprint())

	eventBus := bus.New()

	storeCtx, storeCancel := context.WithTimeout(ctx, 15*time.Second)
	st, err := store.Open(storeCtx, store.Config{DSN: cfg.DatabaseURL, MaxConns: 10, MinConns: 2, Logger: logger})
	storeCancel()
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "store_open")

	lock := advisorylock.New(st.Pool(), logger)
	tryAcquire := func(ctx context.Context) (func(context.Context), bool, error) {
		h, err := lock.TryAcquire(ctx)
		if err != nil || h == nil {
			return nil, false, err
		}
		return h.Release, true, nil
	}

	box, err := cryptoutil.NewBox(cfg.CredentialsEncryptionKey)
	if err != nil {
		fatalStartup(logger, "E_CRYPTO_BOX_INIT", err)
	}

	pol := policy.Default()
	if len(cfg.Policy.AllowedDomains) > 0 {
		pol.AllowDomains = cfg.Policy.AllowedDomains
	}
	livePolicy := policy.NewLivePolicy(pol, filepath.Join(cfg.HomeDir, "policy.yaml"))
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", livePolicy.PolicyVersion())

	var channels []transport.Channel
	if cfg.Channels.Telegram.Enabled {
		tg, err := transport.NewTelegramChannel(cfg.Channels.Telegram.Token, logger)
		if err != nil {
			fatalStartup(logger, "E_TELEGRAM_INIT", err)
		}
		channels = append(channels, tg)
	} else {
		logger.Warn("no messaging channel enabled; outbound delivery will fail for every tenant")
	}
	resolver := transport.NewResolver(st, channels...)

	spawner := &assistant.Spawner{
		Command:  cfg.AssistantCommand[0],
		BaseArgs: cfg.AssistantCommand[1:],
		WorkingDirFn: func(tenantID string) string {
			dir := filepath.Join(cfg.HomeDir, "sessions", tenantID)
			_ = os.MkdirAll(dir, 0o755)
			return dir
		},
		CallbackURL: strings.TrimRight(cfg.PublicURL, "/"),
		Logger:      logger,
	}

	pool := session.NewPool(spawner.SpawnResumeOrNew, eventBus, logger)
	pool.SetIdleTimeout(cfg.SessionIdleTimeout)
	defer pool.CloseAll()

	// message.Processor and trigger.Engine each depend on the other
	// (Processor routes CONFIRM-autonomy replies through Engine;
	// Engine's AUTO-autonomy dispatch runs tasks through Processor).
	// engineHandle breaks the cycle: Processor gets a stable handle at
	// construction, and the handle starts forwarding once the real
	// Engine exists.
	handle := &engineHandle{}

	processor := message.New(message.Config{
		Sessions:      st,
		Tenants:       st,
		Messages:      st,
		Confirmations: st,
		ConfirmStore:  st,
		Pool:          pool,
		Transport:     resolver,
		Resolver:      handle,
		Bus:           eventBus,
		Logger:        logger,
	})

	triggerEngine := trigger.New(trigger.Config{
		Triggers:  st,
		Execs:     st,
		Processor: processor,
		Transport: resolver,
		Messages:  st,
		Bus:       eventBus,
		Logger:    logger,
	})
	handle.engine = triggerEngine

	leaseOwner := leaseOwnerID()
	sched := scheduler.New(scheduler.Config{
		Store:      st,
		TryAcquire: tryAcquire,
		Processor:  processor,
		Transport:  resolver,
		Bus:        eventBus,
		Logger:     logger,
		LeaseOwner: leaseOwner,
	})
	sched.Start(ctx)
	defer sched.Stop(false)
	logger.Info("startup phase", "phase", "scheduler_started", "lease_owner", leaseOwner)

	webhookReceiver := triggersource.NewWebhookReceiver(st, box, triggerEngine, logger)

	// bg tracks every background poll loop so shutdown can wait for them
	// to actually exit instead of leaking them. It gets its own cancel,
	// independent of ctx, so a gateway server error (which doesn't cancel
	// ctx) still stops these loops during shutdown.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	var bg errgroup.Group

	condPoller := triggersource.NewConditionPoller(st, livePolicy, triggerEngine, logger)
	bg.Go(func() error {
		condPoller.Run(bgCtx)
		return nil
	})
	logger.Info("startup phase", "phase", "condition_poller_started")

	// The email/mailbox event source needs a concrete MailboxClient
	// (e.g. Microsoft Graph); none is configured in this deployment, so
	// EVENT-type triggers backed by a mailbox provider stay dormant
	// until one is wired in.

	health := doctor.HealthCheck{Config: &cfg}

	gw := gateway.New(gateway.Config{
		Tasks:       st,
		Triggers:    st,
		Tenants:     st,
		Box:         box,
		Webhooks:    webhookReceiver,
		Health:      health,
		AdminAPIKey: cfg.AdminAPIKey,
		DefaultTZ:   cfg.DefaultTZ,
		PublicURL:   cfg.PublicURL,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(bgCtx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		bg.Go(func() error {
			for ev := range watcher.Events() {
				logger.Info("config file changed", "path", ev.Path, "op", ev.Op.String())
			}
			return nil
		})
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	sched.Stop(false)
	bgCancel()
	_ = bg.Wait()
	logger.Info("shutdown complete")
}

func leaseOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relayd"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
