package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/marko911/pulse-bus/internal/bus"
	"github.com/marko911/pulse-bus/internal/transport"
)

// deliverBatch delivers up to BatchSize of the tenant's oldest rows in id
// order. Rows beyond the batch are left for the next worker.
func (e *Engine) deliverBatch(ctx context.Context, tenantID string) {
	logger := e.logger.With("tenant_id", tenantID)

	rows, err := e.queue.FetchBatch(ctx, tenantID, e.cfg.BatchSize)
	if err != nil {
		logger.Error("fetch batch failed", "error", err)
		return
	}

	b := &batch{engine: e, tenantID: tenantID, logger: logger}
	for _, row := range rows {
		if !b.deliver(ctx, row) {
			return
		}
	}
	logger.Debug("batch delivered", "rows", len(rows))
}

// batch holds per-worker state. The platform config is read at most once
// per batch.
type batch struct {
	engine   *Engine
	tenantID string
	logger   *slog.Logger

	platform *bus.PlatformConfig
}

// deliver handles one row and reports whether the batch may continue.
// Storage failures stop the batch with the row left in place.
func (b *batch) deliver(ctx context.Context, row bus.QueueRow) bool {
	e := b.engine
	logger := b.logger.With("row_id", row.ID, "bus_id", row.BusID)

	cred, err := e.creds.ByID(ctx, row.TenantID, row.BusID)
	if err != nil {
		logger.Error("credential lookup failed", "error", err)
		return false
	}
	if cred == nil {
		logger.Warn("unknown bus, dropping row")
		return b.delete(ctx, row, logger)
	}

	adapter, err := e.registry.Lookup(cred.InstanceKind)
	if err != nil {
		logger.Warn("unknown instance kind, dropping row", "kind", cred.InstanceKind)
		return b.delete(ctx, row, logger)
	}

	report := attempt(ctx, adapter, transport.Delivery{
		TenantID:    row.TenantID,
		RowID:       row.ID,
		Direction:   row.Direction,
		Credential:  *cred,
		Reliability: row.Reliability,
		Body:        row.Body,
		Options:     row.TransportOptions,
	}, logger)

	if !b.delete(ctx, row, logger) {
		return false
	}

	if report.HasStatus() && b.platformConfig(ctx).Lookup(cred.ID).DeliveryReport {
		err := e.handlers.DeliveryReport(ctx, row.TenantID, cred.Name, row.Body, report.Status, report.Info)
		if err != nil {
			logger.Warn("delivery report handler failed", "status", report.Status, "error", err)
		}
	}

	logger.Debug("row delivered", "kind", cred.InstanceKind, "status", report.Status)
	return true
}

func (b *batch) delete(ctx context.Context, row bus.QueueRow, logger *slog.Logger) bool {
	if err := b.engine.queue.Delete(ctx, row.TenantID, row.ID, row.Reliability); err != nil {
		logger.Error("delete row failed", "error", err)
		return false
	}
	return true
}

// platformConfig returns the tenant's handler map. A read failure falls
// back to the empty config, which assumes every handler exists.
func (b *batch) platformConfig(ctx context.Context) bus.PlatformConfig {
	if b.platform != nil {
		return *b.platform
	}
	cfg, err := b.engine.configs.PlatformConfig(ctx, b.tenantID)
	if err != nil {
		b.logger.Warn("platform config unavailable, assuming all handlers", "error", err)
		cfg = bus.PlatformConfig{}
	}
	b.platform = &cfg
	return cfg
}

// attempt runs the adapter, converting a panic into a failure report.
func attempt(ctx context.Context, a transport.Adapter, d transport.Delivery, logger *slog.Logger) (report bus.Report) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("adapter panicked", "kind", a.Kind(), "panic", r)
			report = bus.Failure(fmt.Errorf("adapter panic: %v", r))
		}
	}()
	return a.Deliver(ctx, d)
}
