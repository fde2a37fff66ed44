package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/craterhost/panel/pkg/logging"
	"github.com/craterhost/panel/pkg/storage"
)

// Sweeper reverts servers stuck in an intermediate status past the
// operation timeout. An operation that died mid-flight (process restart,
// cancelled request, lost agent reply) leaves starting/stopping/restarting/
// deleting behind; the sweep restores the last known-good status with an
// error annotation so the record never dangles.
type Sweeper struct {
	store    *storage.Store
	logger   *logging.Logger
	timeout  time.Duration
	interval time.Duration
}

// NewSweeper builds a sweeper. Zero timeout or interval fall back to two
// minutes, the ceiling any agent-backed operation can legitimately take.
func NewSweeper(store *storage.Store, logger *logging.Logger, timeout, interval time.Duration) *Sweeper {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &Sweeper{
		store:    store,
		logger:   logger,
		timeout:  timeout,
		interval: interval,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepOnce()
			if err != nil && s.logger != nil {
				s.logger.Error(logging.CategoryLifecycle, "sweep_failed", err.Error(), nil)
			}
			if n > 0 && s.logger != nil {
				s.logger.Info(logging.CategoryLifecycle, "sweep_reverted", "reverted stuck operations", map[string]any{
					"count": n,
				})
			}
		}
	}
}

// SweepOnce reverts every server whose intermediate status is older than
// the timeout. Returns how many were reverted.
func (s *Sweeper) SweepOnce() (int, error) {
	cutoff := time.Now().UTC().Add(-s.timeout)
	stuck, err := s.store.ListStuckServers(cutoff)
	if err != nil {
		return 0, err
	}

	reverted := 0
	for _, sv := range stuck {
		target := sv.PrevStatus
		if target == "" || storage.IsIntermediateStatus(target) {
			// No usable previous status; the reconciler corrects this on
			// its next pass.
			target = storage.ServerStatusStopped
		}

		note := fmt.Sprintf("%s timed out after %s", sv.Status, s.timeout)
		if err := s.store.SetServerStatusError(sv.ID, target, note); err != nil {
			if s.logger != nil {
				s.logger.Error(logging.CategoryLifecycle, "sweep_revert_failed", err.Error(), map[string]any{
					"server_id": sv.ID,
				})
			}
			continue
		}

		if err := s.store.AppendAudit(storage.AuditEntry{
			ServerID: sv.ID,
			NodeID:   sv.NodeID,
			Action:   "server.sweep.revert",
			Detail:   note,
		}); err != nil && s.logger != nil {
			s.logger.Warn(logging.CategoryLifecycle, "audit_write_failed", err.Error(), nil)
		}
		reverted++
	}
	return reverted, nil
}
