// Package relay is the message bus delivery engine. It accepts messages
// from tenant code, stores outbound ones in the tenant's persistent queue,
// and runs a background loop that delivers each tenant's queue through the
// transport adapters with at most one worker per tenant.
//
// Delivery is at-most-once: a row is deleted after a single attempt whether
// or not the transport accepted it. The outcome reaches tenant code only
// through the optional delivery-report handler.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/marko911/pulse-bus/internal/bus"
	"github.com/marko911/pulse-bus/internal/transport"
)

// State is the dispatch loop lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Deps are the collaborators the engine needs.
type Deps struct {
	Queue       bus.QueueStore
	Credentials bus.CredentialStore
	Configs     bus.ConfigStore
	Handlers    bus.ScriptHandlers
	// Adapters are the external transports. Loopback and Inter-application
	// are built by the engine; an adapter here for the same kind replaces it.
	Adapters []transport.Adapter
}

// Engine owns the dispatch loop and the send path.
type Engine struct {
	cfg      Config
	queue    bus.QueueStore
	creds    bus.CredentialStore
	configs  bus.ConfigStore
	handlers bus.ScriptHandlers
	logger   *slog.Logger

	registry *transport.Registry
	fanout   *transport.Fanout
	loopback *transport.Loopback
	interApp *transport.InterApp

	flag    *bus.WaitFlag
	workers *workerSet
	state   atomic.Int32

	mu       sync.Mutex
	stop     chan struct{}
	loopDone chan struct{}
}

// New creates a stopped engine.
func New(cfg Config, deps Deps, logger *slog.Logger) *Engine {
	logger = logger.With("component", "bus-relay")

	fanout := transport.NewFanout(deps.Credentials, deps.Configs, logger)
	loopback := transport.NewLoopback(deps.Handlers, logger)
	interApp := transport.NewInterApp(fanout, deps.Queue, deps.Handlers, logger)

	registry := transport.NewRegistry(loopback, interApp)
	for _, a := range deps.Adapters {
		registry.Register(a)
	}

	return &Engine{
		cfg:      cfg,
		queue:    deps.Queue,
		creds:    deps.Credentials,
		configs:  deps.Configs,
		handlers: deps.Handlers,
		logger:   logger,
		registry: registry,
		fanout:   fanout,
		loopback: loopback,
		interApp: interApp,
		flag:     bus.NewWaitFlag(),
		workers:  newWorkerSet(),
	}
}

// Start launches the dispatch loop. Workers run detached from ctx so that
// stopping the loop never interrupts a delivery in progress.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if !e.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		e.mu.Unlock()
		return bus.ErrAlreadyStarted
	}
	e.stop = make(chan struct{})
	e.loopDone = make(chan struct{})
	stop, done := e.stop, e.loopDone
	e.mu.Unlock()

	e.logger.Info("delivery engine starting",
		"batch_size", e.cfg.BatchSize,
		"max_wait", e.cfg.MaxWait,
		"kinds", e.registry.Kinds(),
	)

	go func() {
		defer close(done)
		e.loop(context.WithoutCancel(ctx), stop)
		e.state.Store(int32(StateStopped))
		e.logger.Info("delivery engine stopped")
	}()
	return nil
}

// Stop asks the loop to exit after its current iteration. It does not wait
// for the loop or for in-flight workers; use Drain for that.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return
	}
	close(e.stop)
	e.flag.Set()
}

// Drain waits for the loop to exit and for every worker to finish, or for
// ctx to end.
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	done := e.loopDone
	e.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		if done != nil {
			<-done
		}
		e.workers.wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain: %w", ctx.Err())
	}
}

// State returns the loop state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Description is the one-line status shown for background tasks.
func (e *Engine) Description() string {
	return fmt.Sprintf("message bus delivery (%s, %d active workers)", e.State(), e.workers.running())
}

// SendMessage is the entry point for tenant code. Loopback messages run the
// tenant's receive handler synchronously; inter-application messages are
// fanned out to every subscribed tenant; everything else is queued for the
// dispatch loop.
func (e *Engine) SendMessage(ctx context.Context, tenantID string, msg bus.Message) error {
	if err := bus.ValidateTenantID(tenantID); err != nil {
		return err
	}
	if msg.Kind == "" && msg.BusID == 0 && msg.BusName == "" {
		return fmt.Errorf("%w: no bus given", bus.ErrInvalidMessage)
	}

	cred, err := e.resolveBus(ctx, tenantID, msg)
	if err != nil {
		return err
	}

	kind := msg.Kind
	if kind == "" && cred != nil {
		kind = cred.InstanceKind
	}

	switch kind {
	case bus.KindLoopback:
		if cred == nil {
			return unknownBus(msg)
		}
		return e.loopback.Receive(ctx, tenantID, cred.Name, msg.Body)

	case bus.KindInterApplication:
		name, secret := msg.BusName, msg.Secret
		if cred != nil {
			name = cred.Name
			if secret == "" {
				secret = cred.SharedSecret()
			}
		}
		if name == "" {
			return unknownBus(msg)
		}
		_, err := e.interApp.FanOut(ctx, name, secret, msg.Reliability, msg.Body, msg.Options)
		if err == nil {
			e.flag.Set()
		}
		return err

	default:
		if cred == nil {
			return unknownBus(msg)
		}
		if _, err := e.registry.Lookup(kind); err != nil {
			return err
		}
		return e.Enqueue(ctx, bus.QueueRow{
			TenantID:         tenantID,
			BusID:            cred.ID,
			Direction:        bus.DirectionSend,
			Reliability:      msg.Reliability,
			Body:             msg.Body,
			TransportOptions: msg.Options,
		})
	}
}

func (e *Engine) resolveBus(ctx context.Context, tenantID string, msg bus.Message) (*bus.Credential, error) {
	var (
		cred *bus.Credential
		err  error
	)
	switch {
	case msg.BusID != 0:
		cred, err = e.creds.ByID(ctx, tenantID, msg.BusID)
	case msg.BusName != "":
		cred, err = e.creds.ByName(ctx, tenantID, msg.BusName)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve bus: %w", err)
	}
	if cred != nil && msg.Kind != "" && cred.InstanceKind != msg.Kind {
		return nil, fmt.Errorf("%w: bus %q is %s, not %s", bus.ErrInvalidMessage, cred.Name, cred.InstanceKind, msg.Kind)
	}
	return cred, nil
}

func unknownBus(msg bus.Message) error {
	if msg.BusName != "" {
		return fmt.Errorf("%w: %q", bus.ErrUnknownBus, msg.BusName)
	}
	return fmt.Errorf("%w: id %d", bus.ErrUnknownBus, msg.BusID)
}

// Enqueue stores one row and wakes the dispatch loop. The write commits
// durably or relaxed according to row.Reliability.
func (e *Engine) Enqueue(ctx context.Context, row bus.QueueRow) error {
	if err := bus.ValidateTenantID(row.TenantID); err != nil {
		return err
	}
	if err := e.queue.Enqueue(ctx, row); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	e.flag.Set()
	return nil
}

// Describe returns the descriptor tenant code sees for one of its buses.
func (e *Engine) Describe(ctx context.Context, tenantID, busName string) (transport.Descriptor, error) {
	cred, err := e.creds.ByName(ctx, tenantID, busName)
	if err != nil {
		return nil, fmt.Errorf("resolve bus: %w", err)
	}
	if cred == nil {
		return nil, fmt.Errorf("%w: %q", bus.ErrUnknownBus, busName)
	}
	return e.registry.Describe(*cred)
}

// SetPlatformConfig stores a tenant's handler-presence map. Receive
// handlers decide fan-out membership, so the fan-out table is invalidated.
func (e *Engine) SetPlatformConfig(ctx context.Context, tenantID string, cfg bus.PlatformConfig) error {
	if err := bus.ValidateTenantID(tenantID); err != nil {
		return err
	}
	if err := e.configs.SetPlatformConfig(ctx, tenantID, cfg); err != nil {
		return fmt.Errorf("set platform config: %w", err)
	}
	e.fanout.Invalidate()
	return nil
}

// SetPlatformConfigJSON parses and stores a platform config document.
func (e *Engine) SetPlatformConfigJSON(ctx context.Context, tenantID string, data []byte) error {
	cfg, err := bus.ParsePlatformConfig(data)
	if err != nil {
		return err
	}
	return e.SetPlatformConfig(ctx, tenantID, cfg)
}

// InvalidateFanout marks the inter-application routing table stale. It is
// called when credentials, tenant configs or the tenant set change.
func (e *Engine) InvalidateFanout() {
	e.fanout.Invalidate()
}

// Wake nudges the dispatch loop to rescan for pending work.
func (e *Engine) Wake() {
	e.flag.Set()
}
