// Package store is the typed Postgres access layer for relay's
// multi-tenant data model: tenants, conversation sessions, messages,
// scheduled tasks, triggers, and trigger executions.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// schemaVersionV1 is the initial relay schema: tenants, sessions,
	// messages, scheduled_tasks, triggers, trigger_executions.
	schemaVersionV1  = 1
	schemaChecksumV1 = "relay-v1-2026-task-trigger-core"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrSchemaMismatch is returned by Open when the database's recorded
// schema version/checksum doesn't match what this binary expects, so the
// process refuses to start against a database it might corrupt.
var ErrSchemaMismatch = errors.New("store: schema version mismatch")

// Store wraps a pgxpool.Pool and exposes the typed operations used by the
// rest of relay. It never hands out the pool itself to callers outside
// this package so every query stays centrally auditable.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Config configures Open.
type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
	Logger   *slog.Logger
}

// Open connects to Postgres, verifies connectivity, and checks (or
// initializes) the schema version ledger.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{pool: pool, logger: logger}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Pool exposes the underlying pool for migration tooling (cmd/relayd
// migrate) only; application code goes through Store methods.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL,
			checksum TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("store: create schema_version: %w", err)
	}

	var version int
	var checksum string
	err = s.pool.QueryRow(ctx, `SELECT version, checksum FROM schema_version WHERE id = 1`).Scan(&version, &checksum)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.initSchema(ctx)
	}
	if err != nil {
		return fmt.Errorf("store: read schema_version: %w", err)
	}

	if version != schemaVersionLatest || checksum != schemaChecksumLatest {
		return fmt.Errorf("%w: database has v%d (%s), binary expects v%d (%s)",
			ErrSchemaMismatch, version, checksum, schemaVersionLatest, schemaChecksumLatest)
	}

	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	s.logger.Info("store: initializing schema", "version", schemaVersionLatest)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin schema init: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range schemaDDL {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: apply schema ddl: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO schema_version (id, version, checksum) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, checksum = EXCLUDED.checksum
	`, schemaVersionLatest, schemaChecksumLatest)
	if err != nil {
		return fmt.Errorf("store: record schema_version: %w", err)
	}

	return tx.Commit(ctx)
}

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		messaging_channel TEXT NOT NULL DEFAULT '',
		onboarding_status TEXT NOT NULL DEFAULT 'DISCOVERY'
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_sessions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		user_handle TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		reset_timestamp TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS conversation_sessions_active_unique
		ON conversation_sessions (tenant_id, user_handle) WHERE ended_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		user_handle TEXT NOT NULL,
		session_id TEXT NOT NULL REFERENCES conversation_sessions(id),
		transport_message_id TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL,
		content TEXT NOT NULL,
		delivery_status TEXT NOT NULL DEFAULT 'PENDING',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages (session_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		user_handle TEXT NOT NULL,
		task_prompt TEXT NOT NULL,
		task_type TEXT NOT NULL,
		timezone TEXT NOT NULL,
		cron_expr TEXT NOT NULL DEFAULT '',
		run_at TIMESTAMPTZ,
		is_one_time BOOLEAN NOT NULL,
		next_run_at TIMESTAMPTZ NOT NULL,
		last_run_at TIMESTAMPTZ,
		error_count INTEGER NOT NULL DEFAULT 0,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		lease_owner TEXT,
		lease_expires_at TIMESTAMPTZ,
		execution_plan JSONB NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS scheduled_tasks_due_idx ON scheduled_tasks (next_run_at) WHERE enabled`,
	`CREATE INDEX IF NOT EXISTS scheduled_tasks_tenant_idx ON scheduled_tasks (tenant_id, user_handle)`,
	`CREATE TABLE IF NOT EXISTS triggers (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		user_handle TEXT NOT NULL,
		name TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		task_prompt TEXT NOT NULL,
		autonomy TEXT NOT NULL,
		config JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		cooldown_seconds INTEGER NOT NULL DEFAULT 0,
		max_errors INTEGER NOT NULL DEFAULT 3,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_triggered_at TIMESTAMPTZ,
		next_check_at TIMESTAMPTZ,
		webhook_path TEXT UNIQUE,
		webhook_secret_enc BYTEA,
		signature_algo TEXT NOT NULL DEFAULT '',
		execution_state JSONB NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS triggers_condition_due_idx ON triggers (next_check_at)
		WHERE status = 'ACTIVE' AND trigger_type = 'CONDITION'`,
	`CREATE TABLE IF NOT EXISTS trigger_executions (
		id TEXT PRIMARY KEY,
		trigger_id TEXT NOT NULL REFERENCES triggers(id),
		tenant_id TEXT NOT NULL,
		status TEXT NOT NULL,
		confirmation_status TEXT,
		confirmation_deadline TIMESTAMPTZ,
		confirmed_at TIMESTAMPTZ,
		triggered_by TEXT NOT NULL DEFAULT '',
		input_context JSONB NOT NULL DEFAULT '{}',
		output TEXT,
		error_message TEXT,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		duration_ms BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS trigger_executions_trigger_idx ON trigger_executions (trigger_id, started_at)`,
}
