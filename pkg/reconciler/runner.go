package reconciler

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/craterhost/panel/pkg/logging"
	"github.com/craterhost/panel/pkg/storage"
)

const (
	defaultInterval    = 30 * time.Second
	defaultConcurrency = 8
)

// Runner sweeps every server that could plausibly have drifted on a fixed
// interval. Each pass fans out across nodes with a bounded worker count so
// one slow daemon cannot stall the whole fleet.
type Runner struct {
	rec         *Reconciler
	store       *storage.Store
	logger      *logging.Logger
	interval    time.Duration
	concurrency int
}

// NewRunner builds a periodic runner. Zero interval and concurrency fall
// back to 30s and 8 workers.
func NewRunner(rec *Reconciler, store *storage.Store, logger *logging.Logger, interval time.Duration, concurrency int) *Runner {
	if interval <= 0 {
		interval = defaultInterval
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Runner{
		rec:         rec,
		store:       store,
		logger:      logger,
		interval:    interval,
		concurrency: concurrency,
	}
}

// Run reconciles on every tick until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				if r.logger != nil {
					r.logger.Error(logging.CategoryReconciler, "pass_failed", err.Error(), nil)
				}
			}
		}
	}
}

// RunOnce reconciles every active server once and reports how many rows
// changed. Per-server failures are logged and skipped; only a failure to
// list servers at all aborts the pass.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	servers, err := r.store.ListServers()
	if err != nil {
		return 0, err
	}

	var changed atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, server := range servers {
		server := server
		if !activeStatus(server.Status) {
			continue
		}
		g.Go(func() error {
			res, err := r.rec.reconcileServer(ctx, server)
			if err != nil {
				// A single unreachable daemon must not fail the pass.
				if r.logger != nil {
					r.logger.Warn(logging.CategoryReconciler, "server_skipped", err.Error(), map[string]any{
						"server_id": server.ID,
						"node_id":   server.NodeID,
					})
				}
				return nil
			}
			if res.Changed {
				changed.Add(1)
			}
			return nil
		})
	}

	_ = g.Wait()
	return int(changed.Load()), nil
}

// activeStatus reports whether a stored status can drift against the
// daemon. Stopped servers stay in the sweep-free set: a stopped row that
// starts running again only does so through the controller, which flips
// the status itself.
func activeStatus(status string) bool {
	switch status {
	case storage.ServerStatusRunning,
		storage.ServerStatusStarting,
		storage.ServerStatusStopping,
		storage.ServerStatusRestarting,
		storage.ServerStatusPaused,
		storage.ServerStatusCrashed:
		return true
	}
	return false
}
