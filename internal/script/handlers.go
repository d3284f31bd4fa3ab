// Package script runs tenant bus handlers compiled to WebAssembly. A
// tenant ships one module; every receive and delivery-report callback runs
// its entry point with a JSON invocation as input.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/marko911/pulse-bus/internal/bus"
)

// Invocation events.
const (
	EventReceive = "receive"
	EventReport  = "report"
)

// maxDepth bounds handlers that send to a loopback bus from inside a
// receive handler.
const maxDepth = 8

var errTooDeep = errors.New("handler nesting too deep")

// Invocation is the JSON document a handler reads from get_input.
type Invocation struct {
	Event  string          `json:"event"`
	Bus    string          `json:"bus"`
	Body   string          `json:"body"`
	Status bus.Status      `json:"status,omitempty"`
	Info   json.RawMessage `json:"info,omitempty"`
}

// handlerOutput is what a handler may write with output. A non-empty error
// fails the call.
type handlerOutput struct {
	Error string `json:"error"`
}

type depthKey struct{}

// Handlers implements bus.ScriptHandlers on top of the wasm runtime.
type Handlers struct {
	loader  *ModuleLoader
	runtime *Runtime
	sdk     *HostSDK
	logger  *slog.Logger

	mu       sync.RWMutex
	metering UsageRecorder
}

var _ bus.ScriptHandlers = (*Handlers)(nil)

// NewHandlers wires the loader, runtime and host SDK together.
func NewHandlers(loader *ModuleLoader, runtime *Runtime, sdk *HostSDK, logger *slog.Logger) *Handlers {
	return &Handlers{
		loader:  loader,
		runtime: runtime,
		sdk:     sdk,
		logger:  logger.With("component", "script"),
	}
}

// SetMetering enables usage recording.
func (h *Handlers) SetMetering(m UsageRecorder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metering = m
}

// Receive runs the tenant's handler for an incoming message.
func (h *Handlers) Receive(ctx context.Context, tenantID, busName string, body []byte) error {
	_, err := h.Invoke(ctx, tenantID, Invocation{
		Event: EventReceive,
		Bus:   busName,
		Body:  string(body),
	})
	return err
}

// DeliveryReport runs the tenant's handler with the outcome of a send.
func (h *Handlers) DeliveryReport(ctx context.Context, tenantID, busName string, body []byte, status bus.Status, info json.RawMessage) error {
	_, err := h.Invoke(ctx, tenantID, Invocation{
		Event:  EventReport,
		Bus:    busName,
		Body:   string(body),
		Status: status,
		Info:   info,
	})
	return err
}

// Invoke executes the tenant's module with inv as input.
func (h *Handlers) Invoke(ctx context.Context, tenantID string, inv Invocation) (*ExecutionResult, error) {
	depth, _ := ctx.Value(depthKey{}).(int)
	if depth >= maxDepth {
		return nil, errTooDeep
	}
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	module, err := h.loader.Load(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load handler: %w", err)
	}

	input, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("encode invocation: %w", err)
	}

	result, err := h.runtime.Execute(ctx, module, input, h.sdk.GetHostFunctions(tenantID))
	if err == nil {
		err = outputError(result.Output)
	}

	h.mu.RLock()
	metering := h.metering
	h.mu.RUnlock()
	if metering != nil {
		metering.Record(ctx, newUsageEvent(tenantID, inv, result, err))
	}

	if err != nil {
		h.logger.Debug("handler failed", "tenant_id", tenantID, "event", inv.Event, "bus", inv.Bus, "error", err)
		return result, err
	}
	return result, nil
}

func outputError(output []byte) error {
	if len(output) == 0 {
		return nil
	}
	var out handlerOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return nil
	}
	if out.Error != "" {
		return fmt.Errorf("handler error: %s", out.Error)
	}
	return nil
}
