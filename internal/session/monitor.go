// Package session watches user activity and locks the keyring after a
// period of inactivity. Locking removes capability only; no data is
// deleted, and nothing unlocks automatically.
package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// locker is the slice of the keyring the monitor drives.
type locker interface {
	Unlocked() bool
	Lock()
}

// pauser is the slice of the sync scheduler the monitor drives.
type pauser interface {
	Pause()
}

type auditor interface {
	Append(ctx context.Context, category, action string, details map[string]string) error
}

type lockNotifier interface {
	PublishSessionLocked(reason string)
}

// Config holds the monitor's timing knobs.
type Config struct {
	// InactivityThreshold is how long the session may stay idle before the
	// keyring is locked.
	InactivityThreshold time.Duration
	// CheckInterval is how often the threshold is evaluated.
	CheckInterval time.Duration
}

// Monitor tracks the last user activity and auto-locks on expiry. This is
// the only automatic lock trigger in the system.
type Monitor struct {
	cfg    Config
	keys   locker
	sched  pauser
	audit  auditor
	feed   lockNotifier
	logger *slog.Logger

	last atomic.Int64 // unix nanoseconds of last activity
}

// New creates a Monitor. feed may be nil.
func New(cfg Config, keys locker, sched pauser, audit auditor, feed lockNotifier, logger *slog.Logger) *Monitor {
	if cfg.InactivityThreshold <= 0 {
		cfg.InactivityThreshold = 15 * time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		cfg:    cfg,
		keys:   keys,
		sched:  sched,
		audit:  audit,
		feed:   feed,
		logger: logger,
	}
	m.Touch()
	return m
}

// Touch records user activity. The API middleware calls this on every
// authenticated request.
func (m *Monitor) Touch() {
	m.last.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent Touch.
func (m *Monitor) LastActivity() time.Time {
	return time.Unix(0, m.last.Load())
}

// Run evaluates the inactivity threshold until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// check locks the keyring when the session has been idle for too long.
// Skipping when already locked guarantees exactly one audit event per
// lock transition.
func (m *Monitor) check(ctx context.Context) {
	if !m.keys.Unlocked() {
		return
	}
	inactive := time.Since(m.LastActivity())
	if inactive < m.cfg.InactivityThreshold {
		return
	}

	m.keys.Lock()
	m.sched.Pause()
	m.logger.Info("session locked after inactivity",
		slog.Duration("inactive_for", inactive))

	if err := m.audit.Append(ctx, "session", "auto_lock", map[string]string{
		"reason":       "inactivity",
		"inactive_for": inactive.Round(time.Second).String(),
	}); err != nil {
		m.logger.Error("audit append failed", slog.String("error", err.Error()))
	}
	if m.feed != nil {
		m.feed.PublishSessionLocked("inactivity")
	}
}
