package assistant

import (
	"context"
	"log/slog"
	"strings"
)

// Spawner builds SpawnOptions.Command/BaseArgs/WorkingDir consistently
// across calls; the command itself and most flags are opaque to this
// package, configured once at startup.
type Spawner struct {
	Command     string
	BaseArgs    []string
	WorkingDirFn func(tenantID string) string
	CallbackURL string
	Logger      *slog.Logger
}

// SpawnResumeOrNew implements the two-mode spawn flow: the first spawn
// of a given key tries resume; on a detectable "no such session" error
// from the child, the failed process is killed and respawned fresh.
func (s *Spawner) SpawnResumeOrNew(ctx context.Context, tenantID, userHandle, sessionKey string) (*Process, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := SpawnOptions{
		Command:     s.Command,
		BaseArgs:    s.BaseArgs,
		WorkingDir:  s.WorkingDirFn(tenantID),
		TenantID:    tenantID,
		UserHandle:  userHandle,
		CallbackURL: s.CallbackURL,
		SessionKey:  sessionKey,
		Resume:      true,
	}

	proc, err := Spawn(ctx, opts, logger)
	if err != nil && isNoSuchSession(err) {
		logger.Info("assistant: no prior session, starting fresh", "session_key", sessionKey)
		opts.Resume = false
		proc, err = Spawn(ctx, opts, logger)
	}
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// isNoSuchSession recognizes the class of startup failure that means
// "there is no prior context to resume", as opposed to any other spawn
// failure that should propagate.
func isNoSuchSession(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such session") || strings.Contains(msg, "session not found")
}
