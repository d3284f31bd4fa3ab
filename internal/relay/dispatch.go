package relay

import (
	"context"
	"time"
)

// loop is the dispatch loop. Each pass reaps finished workers, scans for
// tenants with queued rows and starts a worker for every tenant without
// one. An idle pass sleeps on the wait flag; a busy pass pauses briefly so
// bursts are picked up in batches.
func (e *Engine) loop(ctx context.Context, stop <-chan struct{}) {
	for State(e.state.Load()) == StateRunning {
		reaped := e.workers.reap()

		started, err := e.spawnPending(ctx)
		if err != nil {
			e.logger.Error("pending tenant scan failed", "error", err)
			e.pause(stop, e.cfg.ErrorPause)
			continue
		}

		if reaped == 0 && started == 0 {
			e.idle(stop)
		} else {
			e.pause(stop, e.cfg.BusyPause)
		}
	}
}

func (e *Engine) spawnPending(ctx context.Context) (int, error) {
	tenants, err := e.queue.PendingTenants(ctx)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, tenantID := range tenants {
		tenantID := tenantID
		if e.workers.spawnIfAbsent(tenantID, func() { e.deliverBatch(ctx, tenantID) }) {
			e.logger.Debug("worker started", "tenant_id", tenantID)
			started++
		}
	}
	return started, nil
}

// idle blocks until work may be available: the wait flag is set, a worker
// finishes, the loop is stopped, or MaxWait passes.
func (e *Engine) idle(stop <-chan struct{}) {
	timer := time.NewTimer(e.cfg.MaxWait)
	defer timer.Stop()

	select {
	case <-e.flag.C():
	case <-e.workers.wake:
	case <-stop:
	case <-timer.C:
	}
}

func (e *Engine) pause(stop <-chan struct{}, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-stop:
	case <-timer.C:
	}
}
