// Package advisorylock provides cluster-wide scheduler tick coordination
// via a Postgres session-level advisory lock. All scheduler instances
// contend for the same fixed constant pair; at most one holds it at a
// time, and the hold is scoped to a single tick.
package advisorylock

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// classID and objID are the fixed advisory-lock key pair every scheduler
// instance contends for. Arbitrary but fixed: pg_advisory_lock keys are
// a shared namespace across the whole database, so these are chosen to
// be unlikely to collide with any other subsystem's use of the same
// mechanism.
const (
	classID = 7345
	objID   = 9913
)

// Lock wraps the Postgres connection pool used to take the advisory
// lock. A Handle holds a dedicated connection for the lifetime of the
// lock; the pool itself is never blocked waiting on it.
type Lock struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Handle represents a held advisory lock. It must be released exactly
// once via Release, which is idempotent.
type Handle struct {
	conn   *pgxpool.Conn
	logger *slog.Logger
}

// New constructs a Lock bound to pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Lock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{pool: pool, logger: logger}
}

// TryAcquire is non-blocking: it returns (nil, nil) if another holder has
// the lock or the backend is unreachable — an unreachable lock backend
// is treated identically to "another instance is active", so the
// caller skips the tick either way.
func (l *Lock) TryAcquire(ctx context.Context) (*Handle, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		l.logger.Warn("advisorylock: acquire connection failed, skipping tick", "error", err)
		return nil, nil
	}

	var acquired bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1, $2)`, classID, objID).Scan(&acquired)
	if err != nil {
		conn.Release()
		l.logger.Warn("advisorylock: try_advisory_lock failed, skipping tick", "error", err)
		return nil, nil
	}
	if !acquired {
		conn.Release()
		return nil, nil
	}

	return &Handle{conn: conn, logger: l.logger}, nil
}

// Release unlocks and returns the dedicated connection to the pool. Safe
// to call more than once; only the first call has effect.
func (h *Handle) Release(ctx context.Context) {
	if h == nil || h.conn == nil {
		return
	}
	var unlocked bool
	if err := h.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1, $2)`, classID, objID).Scan(&unlocked); err != nil {
		h.logger.Warn("advisorylock: unlock failed", "error", err)
	}
	h.conn.Release()
	h.conn = nil
}
