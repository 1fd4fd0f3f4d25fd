package account

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/mercury/internal/status"
)

// Refresher periodically syncs every account that is in a syncable state.
// It is disabled by default; the daemon starts it only when a refresh
// interval is configured.
type Refresher struct {
	manager  *Manager
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewRefresher creates a background refresher ticking at the given interval.
func NewRefresher(manager *Manager, interval time.Duration, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		manager:  manager,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the refresh loop.
func (r *Refresher) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)
}

// Stop stops the refresh loop.
func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Refresher) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.refreshAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Refresher) refreshAll(ctx context.Context) {
	for _, a := range r.manager.Accounts() {
		switch a.Status() {
		case status.Ready, status.Degraded:
		default:
			continue
		}
		if _, err := a.Sync(ctx); err != nil {
			r.logger.Warn("background sync failed",
				zap.String("account", a.ID),
				zap.Error(err),
			)
		}
	}
}
