package transport

import (
	"context"
	"log/slog"

	"github.com/marko911/pulse-bus/internal/bus"
)

// Loopback hands messages straight back to the tenant's own receive handler.
type Loopback struct {
	handlers bus.ScriptHandlers
	logger   *slog.Logger
}

// NewLoopback creates the loopback adapter.
func NewLoopback(handlers bus.ScriptHandlers, logger *slog.Logger) *Loopback {
	return &Loopback{
		handlers: handlers,
		logger:   logger.With("adapter", string(bus.KindLoopback)),
	}
}

func (l *Loopback) Kind() bus.InstanceKind { return bus.KindLoopback }

func (l *Loopback) Describe(cred bus.Credential) Descriptor {
	return baseDescriptor(cred)
}

// Receive runs the tenant's receive handler synchronously.
func (l *Loopback) Receive(ctx context.Context, tenantID, busName string, body []byte) error {
	return l.handlers.Receive(ctx, tenantID, busName, body)
}

// Deliver handles loopback rows that reached the queue. Loopback produces no
// delivery report; handler errors are only logged.
func (l *Loopback) Deliver(ctx context.Context, d Delivery) bus.Report {
	if err := l.Receive(ctx, d.TenantID, d.Credential.Name, d.Body); err != nil {
		l.logger.Warn("receive handler failed",
			"tenant_id", d.TenantID,
			"bus_id", d.Credential.ID,
			"error", err,
		)
	}
	return bus.Report{}
}
