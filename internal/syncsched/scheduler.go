// Package syncsched maintains the sync-mode state machine and the periodic
// timer that signals an external reconciler. The reconciliation itself is
// out of scope; this package only schedules and keeps the process-wide mode.
package syncsched

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/starford/heirloom/internal/apperr"
	"github.com/starford/heirloom/internal/models"
)

// TriggerFunc is invoked when it is time to reconcile with the remote store.
// Implementations must return quickly; the scheduler calls it inline.
type TriggerFunc func()

// auditor is the slice of the audit log the scheduler needs.
type auditor interface {
	Append(ctx context.Context, category, action string, details map[string]string) error
}

// Scheduler owns the process-wide SyncMode and a periodic sync trigger.
//
// Concurrency model: Run's loop owns the ticker. Public methods mutate
// atomics and poke the loop through a channel, so mode reads on the hot
// path (every vault mutation) stay lock-free.
type Scheduler struct {
	interval time.Duration
	hook     TriggerFunc
	logger   *slog.Logger
	audit    auditor

	mode      atomic.Value // models.SyncMode
	paused    atomic.Bool
	triggerCh chan struct{}
	pokeCh    chan struct{}
}

// New creates a Scheduler starting in LocalOnly mode. hook may be nil.
func New(interval time.Duration, hook TriggerFunc, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		interval:  interval,
		hook:      hook,
		logger:    logger,
		triggerCh: make(chan struct{}, 1),
		pokeCh:    make(chan struct{}, 1),
	}
	s.mode.Store(models.SyncModeLocalOnly)
	return s
}

// SetAuditLog attaches the audit log. Wired separately because the audit
// log's sync-mode snapshot function points back at this scheduler.
func (s *Scheduler) SetAuditLog(a auditor) {
	s.audit = a
}

// Mode returns the current process-wide sync mode.
func (s *Scheduler) Mode() models.SyncMode {
	return s.mode.Load().(models.SyncMode)
}

// SetSyncMode changes the process-wide mode, records the change, and starts
// or stops the periodic trigger timer accordingly.
func (s *Scheduler) SetSyncMode(ctx context.Context, mode models.SyncMode) error {
	if !mode.Valid() {
		return apperr.ErrInvalidSyncMode
	}
	previous := s.Mode()
	s.mode.Store(mode)
	s.paused.Store(false)
	s.poke()

	if s.audit != nil {
		if err := s.audit.Append(ctx, "sync", "set_mode", map[string]string{
			"from": string(previous),
			"to":   string(mode),
		}); err != nil {
			return err
		}
	}
	s.logger.Info("sync mode changed",
		slog.String("from", string(previous)),
		slog.String("to", string(mode)))
	return nil
}

// TriggerSync requests an out-of-band reconciliation pass. Best effort and
// non-blocking: a request is dropped when one is already queued or when the
// mode is LocalOnly.
func (s *Scheduler) TriggerSync() {
	if s.Mode() == models.SyncModeLocalOnly {
		return
	}
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Pause stops the periodic timer without changing the mode. Used by the
// activity monitor when the session locks; the next SetSyncMode resumes.
func (s *Scheduler) Pause() {
	s.paused.Store(true)
	s.poke()
}

func (s *Scheduler) poke() {
	select {
	case s.pokeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) timerActive() bool {
	return s.Mode() != models.SyncModeLocalOnly && !s.paused.Load()
}

// Run drives the periodic trigger until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	var ticker *time.Ticker
	var tickC <-chan time.Time

	apply := func() {
		active := s.timerActive()
		switch {
		case active && ticker == nil:
			ticker = time.NewTicker(s.interval)
			tickC = ticker.C
			s.logger.Debug("sync timer started", slog.Duration("interval", s.interval))
		case !active && ticker != nil:
			ticker.Stop()
			ticker = nil
			tickC = nil
			s.logger.Debug("sync timer stopped")
		}
	}
	apply()
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.pokeCh:
			apply()
		case <-tickC:
			s.fire("interval")
		case <-s.triggerCh:
			if s.timerActive() {
				s.fire("mutation")
			}
		}
	}
}

func (s *Scheduler) fire(cause string) {
	if s.hook == nil {
		return
	}
	s.logger.Debug("sync trigger", slog.String("cause", cause))
	s.hook()
}
