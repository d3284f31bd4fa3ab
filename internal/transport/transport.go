// Package transport holds the bus adapters. Each adapter knows how to
// describe one instance kind to tenant code and how to perform a single
// delivery attempt for it. Adapters never return errors from Deliver: every
// transport problem is folded into a failure report.
package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/marko911/pulse-bus/internal/bus"
)

// Descriptor is the JSON-serialisable view of a bus handed to tenant code.
// It never carries secret fields.
type Descriptor map[string]any

// Delivery is one attempt to move a queued message.
type Delivery struct {
	TenantID    string
	RowID       int64
	Direction   bus.Direction
	Credential  bus.Credential
	Reliability bus.Reliability
	Body        []byte
	Options     map[string]string
}

// Adapter is implemented by every instance kind.
type Adapter interface {
	Kind() bus.InstanceKind
	Describe(cred bus.Credential) Descriptor
	// Deliver performs one attempt. A zero Report means there is nothing to
	// tell the tenant's delivery-report handler.
	Deliver(ctx context.Context, d Delivery) bus.Report
}

// Registry maps instance kinds to adapters. It is filled at startup and
// read concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	adapters map[bus.InstanceKind]Adapter
}

// NewRegistry creates a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[bus.InstanceKind]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Kind().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Lookup returns the adapter for kind, or an error wrapping
// bus.ErrUnknownKind.
func (r *Registry) Lookup(kind bus.InstanceKind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", bus.ErrUnknownKind, kind)
	}
	return a, nil
}

// Describe builds the descriptor for cred using its kind's adapter.
func (r *Registry) Describe(cred bus.Credential) (Descriptor, error) {
	a, err := r.Lookup(cred.InstanceKind)
	if err != nil {
		return nil, err
	}
	return a.Describe(cred), nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []bus.InstanceKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]bus.InstanceKind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func baseDescriptor(cred bus.Credential) Descriptor {
	return Descriptor{
		"id":   cred.ID,
		"kind": string(cred.InstanceKind),
		"name": cred.Name,
	}
}

// extraOptions returns the transport options not named in reserved. They
// are forwarded to the transport as message attributes or headers.
func extraOptions(opts map[string]string, reserved ...string) map[string]string {
	out := make(map[string]string)
	for k, v := range opts {
		skip := false
		for _, r := range reserved {
			if k == r {
				skip = true
				break
			}
		}
		if !skip {
			out[k] = v
		}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
