package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/marko911/pulse-bus/internal/bus"
)

// InterApp connects tenants that share a bus name and secret. Sending
// copies the message into every receiving tenant's queue as a receive row.
type InterApp struct {
	fanout   *Fanout
	queue    bus.QueueStore
	handlers bus.ScriptHandlers
	logger   *slog.Logger
}

// NewInterApp creates the inter-application adapter.
func NewInterApp(fanout *Fanout, queue bus.QueueStore, handlers bus.ScriptHandlers, logger *slog.Logger) *InterApp {
	return &InterApp{
		fanout:   fanout,
		queue:    queue,
		handlers: handlers,
		logger:   logger.With("adapter", string(bus.KindInterApplication)),
	}
}

func (a *InterApp) Kind() bus.InstanceKind { return bus.KindInterApplication }

// Describe omits the shared secret; tenant code already holds it.
func (a *InterApp) Describe(cred bus.Credential) Descriptor {
	return baseDescriptor(cred)
}

// FanOut inserts one receive row per destination and returns how many were
// written. A pair with no receivers is logged and dropped.
func (a *InterApp) FanOut(ctx context.Context, busName, secret string, reliability bus.Reliability, body []byte, opts map[string]string) (int, error) {
	routes, err := a.fanout.Resolve(ctx, busName, secret)
	if err != nil {
		return 0, fmt.Errorf("resolve fan-out: %w", err)
	}
	if len(routes) == 0 {
		a.logger.Info("no receivers for inter-application bus, dropping message", "bus_name", busName)
		return 0, nil
	}

	rows := make([]bus.QueueRow, len(routes))
	for i, r := range routes {
		rows[i] = bus.QueueRow{
			TenantID:         r.TenantID,
			BusID:            r.BusID,
			Direction:        bus.DirectionReceive,
			Reliability:      reliability,
			Body:             body,
			TransportOptions: opts,
		}
	}
	if err := a.queue.EnqueueMany(ctx, rows); err != nil {
		return 0, fmt.Errorf("enqueue fan-out: %w", err)
	}
	return len(rows), nil
}

// Deliver sends queued inter-application rows out through the fan-out and
// hands receive rows to the tenant's receive handler.
func (a *InterApp) Deliver(ctx context.Context, d Delivery) bus.Report {
	if d.Direction == bus.DirectionReceive {
		if err := a.handlers.Receive(ctx, d.TenantID, d.Credential.Name, d.Body); err != nil {
			a.logger.Warn("receive handler failed",
				"tenant_id", d.TenantID,
				"bus_id", d.Credential.ID,
				"error", err,
			)
		}
		return bus.Report{}
	}

	n, err := a.FanOut(ctx, d.Credential.Name, d.Credential.SharedSecret(), d.Reliability, d.Body, d.Options)
	if err != nil {
		return bus.Failure(err)
	}
	if n == 0 {
		return bus.Report{}
	}
	return bus.Success(map[string]int{"destinations": n})
}
