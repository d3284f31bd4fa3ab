package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/marko911/pulse-bus/internal/bus"
	"github.com/marko911/pulse-bus/internal/platform/globals"
	pkafka "github.com/marko911/pulse-bus/internal/platform/kafka"
	"github.com/marko911/pulse-bus/internal/platform/memory"
	pnats "github.com/marko911/pulse-bus/internal/platform/nats"
	"github.com/marko911/pulse-bus/internal/platform/storage"
	"github.com/marko911/pulse-bus/internal/relay"
	"github.com/marko911/pulse-bus/internal/script"
	"github.com/marko911/pulse-bus/internal/transport"
)

// app holds the wired service and everything that must be closed with it.
type app struct {
	cfg    Config
	logger *slog.Logger

	engine   *relay.Engine
	server   *Server
	watchers []func(ctx context.Context) error
	closers  []func()
}

// stores is the storage side of the wiring.
type stores struct {
	deps    relay.Deps
	tenants TenantProvisioner
	seed    func(ctx context.Context, cred bus.Credential) error
	redis   *redis.Client
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, err := a.openStores(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	source, err := a.moduleSource(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	runtime := script.NewRuntime(cfg.Handlers.Runtime, logger)
	loader := script.NewModuleLoader(source, runtime, logger)
	sdk := script.NewHostSDK(st.redis, logger)
	handlers := script.NewHandlers(loader, runtime, sdk, logger)

	if len(cfg.Handlers.Metering.Brokers) > 0 {
		if err := ensureMeteringTopic(ctx, cfg.Handlers.Metering); err != nil {
			logger.Warn("could not ensure metering topic", "topic", cfg.Handlers.Metering.Topic, "error", err)
		}
		metering, err := script.NewMeteringPublisher(cfg.Handlers.Metering, logger)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("create metering publisher: %w", err)
		}
		handlers.SetMetering(metering)
		a.onClose(metering.Close)
	}

	kafka := transport.NewKafka(cfg.Kafka, logger)
	a.onClose(kafka.Close)
	pool := pnats.NewPool(cfg.NATS, logger)
	a.onClose(func() { pool.Close() })

	deps := st.deps
	deps.Handlers = handlers
	deps.Adapters = []transport.Adapter{
		transport.NewCloudQueue(cfg.Cloud, logger),
		transport.NewCloudTopic(cfg.Cloud, logger),
		transport.NewCloudStream(cfg.Cloud, logger),
		kafka,
		transport.NewNATS(pool, cfg.NATSTimeout, logger),
	}

	a.engine = relay.New(cfg.Engine, deps, logger)
	sdk.SetSender(a.engine)

	for _, b := range cfg.Buses {
		if err := st.seed(ctx, b.Credential()); err != nil {
			a.close()
			return nil, fmt.Errorf("seed bus %s/%s: %w", b.Tenant, b.Name, err)
		}
	}
	if len(cfg.Buses) > 0 {
		logger.Info("seeded buses", "count", len(cfg.Buses))
		a.engine.InvalidateFanout()
	}

	a.server = NewServer(a.engine, st.tenants, &moduleStore{uploader: source, loader: loader}, logger)
	return a, nil
}

func (a *app) openStores(ctx context.Context) (*stores, error) {
	switch a.cfg.Store {
	case storePostgres:
		return a.openPostgres(ctx)
	default:
		return a.openMemory(), nil
	}
}

func (a *app) openMemory() *stores {
	mem := memory.New()
	a.logger.Warn("using in-memory store, queued messages are lost on exit")

	return &stores{
		deps: relay.Deps{
			Queue:       mem,
			Credentials: mem,
			Configs:     mem,
		},
		tenants: memoryTenants{},
		seed: func(_ context.Context, cred bus.Credential) error {
			_, err := mem.AddCredential(cred)
			return err
		},
	}
}

func (a *app) openPostgres(ctx context.Context) (*stores, error) {
	db, err := storage.New(ctx, a.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database connect: %w", err)
	}
	a.onClose(db.Close)

	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("database migrate: %w", err)
	}
	a.logger.Info("connected to database and applied migrations")

	g, err := globals.New(ctx, a.cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect globals: %w", err)
	}
	a.onClose(func() { g.Close() })

	creds := storage.NewCredentialRepository(db)
	tenants := storage.NewTenantRepository(db)

	a.watchers = append(a.watchers,
		func(ctx context.Context) error {
			return db.ListenChanges(ctx, a.logger, func(table string) {
				a.logger.Debug("bus data changed", "table", table)
				a.engine.InvalidateFanout()
			})
		},
		func(ctx context.Context) error {
			return g.WatchChanges(ctx, a.logger, func(tenantID string) {
				a.logger.Debug("platform config changed", "tenant_id", tenantID)
				a.engine.InvalidateFanout()
			})
		},
	)

	return &stores{
		deps: relay.Deps{
			Queue:       storage.NewQueueRepository(db),
			Credentials: creds,
			Configs:     g,
		},
		tenants: tenants,
		seed: func(ctx context.Context, cred bus.Credential) error {
			if err := tenants.EnsureTenant(ctx, cred.TenantID); err != nil {
				return err
			}
			existing, err := creds.ByName(ctx, cred.TenantID, cred.Name)
			if err != nil {
				return err
			}
			if existing != nil {
				return nil
			}
			return creds.Create(ctx, &cred)
		},
		redis: g.Client(),
	}, nil
}

// uploadSource is a module source that also accepts uploads.
type uploadSource interface {
	script.ModuleSource
	ModuleStore
}

func (a *app) moduleSource(ctx context.Context) (uploadSource, error) {
	if a.cfg.Handlers.Source != handlersMinIO {
		return script.NewStaticSource(), nil
	}

	src, err := script.NewMinIOSource(a.cfg.Handlers.Loader, a.logger)
	if err != nil {
		return nil, err
	}
	if err := src.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return src, nil
}

func ensureMeteringTopic(ctx context.Context, cfg script.MeteringConfig) error {
	topics, err := pkafka.NewTopicManager(cfg.Brokers)
	if err != nil {
		return err
	}
	defer topics.Close()
	return topics.EnsureTopics(ctx, pkafka.MeteringTopic(cfg.Topic))
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// moduleStore uploads a module and drops the compiled copy so the next
// invocation picks up the new one.
type moduleStore struct {
	uploader ModuleStore
	loader   *script.ModuleLoader
}

func (m *moduleStore) Upload(ctx context.Context, tenantID string, wasmBytes []byte) error {
	if err := m.uploader.Upload(ctx, tenantID, wasmBytes); err != nil {
		return err
	}
	m.loader.Invalidate(tenantID)
	return nil
}

// memoryTenants has nothing to provision; tenants exist implicitly.
type memoryTenants struct{}

func (memoryTenants) EnsureTenant(_ context.Context, tenantID string) error {
	return bus.ValidateTenantID(tenantID)
}
