package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/marko911/pulse-bus/internal/bus"
)

// Route is one destination of an inter-application message.
type Route struct {
	TenantID string
	BusID    int64
}

type routeKey struct {
	name   string
	secret string
}

// Fanout caches which tenants receive each (bus name, shared secret) pair.
// The table is built from every tenant's credentials, so it is only rebuilt
// lazily on the first Resolve after Invalidate.
type Fanout struct {
	creds   bus.CredentialStore
	configs bus.ConfigStore
	logger  *slog.Logger

	mu     sync.Mutex
	routes map[routeKey][]Route
	valid  bool
	builds int
}

// NewFanout creates an empty, invalid cache.
func NewFanout(creds bus.CredentialStore, configs bus.ConfigStore, logger *slog.Logger) *Fanout {
	return &Fanout{
		creds:   creds,
		configs: configs,
		logger:  logger.With("component", "fanout"),
	}
}

// Invalidate marks the table stale.
func (f *Fanout) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid = false
}

// Resolve returns the destinations for a bus name and secret, rebuilding
// the table first if it is stale. The returned slice must not be modified.
func (f *Fanout) Resolve(ctx context.Context, name, secret string) ([]Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.valid {
		routes, err := f.build(ctx)
		if err != nil {
			return nil, err
		}
		f.routes = routes
		f.valid = true
		f.builds++
	}
	return f.routes[routeKey{name: name, secret: secret}], nil
}

// Builds reports how many times the table has been rebuilt.
func (f *Fanout) Builds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

func (f *Fanout) build(ctx context.Context) (map[routeKey][]Route, error) {
	creds, err := f.creds.ListByInstanceKind(ctx, bus.KindInterApplication)
	if err != nil {
		return nil, fmt.Errorf("list inter-application buses: %w", err)
	}

	configs := make(map[string]bus.PlatformConfig)
	routes := make(map[routeKey][]Route)
	for _, c := range creds {
		cfg, ok := configs[c.TenantID]
		if !ok {
			cfg, err = f.configs.PlatformConfig(ctx, c.TenantID)
			if err != nil {
				return nil, fmt.Errorf("platform config for %s: %w", c.TenantID, err)
			}
			configs[c.TenantID] = cfg
		}
		if !cfg.Lookup(c.ID).Receive {
			continue
		}
		key := routeKey{name: c.Name, secret: c.SharedSecret()}
		routes[key] = append(routes[key], Route{TenantID: c.TenantID, BusID: c.ID})
	}

	for _, r := range routes {
		sort.Slice(r, func(i, j int) bool {
			if r[i].TenantID != r[j].TenantID {
				return r[i].TenantID < r[j].TenantID
			}
			return r[i].BusID < r[j].BusID
		})
	}

	f.logger.Debug("fan-out table rebuilt", "buses", len(creds), "routes", len(routes))
	return routes, nil
}
