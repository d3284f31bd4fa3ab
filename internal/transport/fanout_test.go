package transport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/marko911/pulse-bus/internal/bus"
	"github.com/marko911/pulse-bus/internal/platform/memory"
)

func addInterApp(t *testing.T, s *memory.Store, tenantID, name, secret string) bus.Credential {
	t.Helper()
	cred, err := s.AddCredential(bus.Credential{
		TenantID:     tenantID,
		InstanceKind: bus.KindInterApplication,
		Name:         name,
		Secret:       map[string]string{"secret": secret},
	})
	if err != nil {
		t.Fatalf("AddCredential failed: %v", err)
	}
	return cred
}

func TestInterApp_FanOutFidelity(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	t1 := addInterApp(t, store, "t1", "X", "s")
	t2 := addInterApp(t, store, "t2", "X", "s")
	t3 := addInterApp(t, store, "t3", "X", "s")
	addInterApp(t, store, "t4", "X", "other")

	// t3 has the bus but no receive handler.
	if err := store.SetPlatformConfig(ctx, "t3", bus.PlatformConfig{Buses: map[int64]bus.Handlers{
		t3.ID: {Receive: false, DeliveryReport: true},
	}}); err != nil {
		t.Fatalf("SetPlatformConfig failed: %v", err)
	}

	fanout := NewFanout(store, store, testLogger())
	adapter := NewInterApp(fanout, store, &mockHandlers{}, testLogger())

	n, err := adapter.FanOut(ctx, "X", "s", bus.ReliabilityBest, []byte("hello"), nil)
	if err != nil {
		t.Fatalf("FanOut failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 destinations, got %d", n)
	}

	for _, want := range []bus.Credential{t1, t2} {
		rows, _ := store.FetchBatch(ctx, want.TenantID, 20)
		if len(rows) != 1 {
			t.Fatalf("tenant %s: expected 1 row, got %d", want.TenantID, len(rows))
		}
		if rows[0].Direction != bus.DirectionReceive || rows[0].BusID != want.ID || string(rows[0].Body) != "hello" {
			t.Errorf("tenant %s: unexpected row %+v", want.TenantID, rows[0])
		}
	}
	for _, tenantID := range []string{"t3", "t4"} {
		if n := store.Len(tenantID); n != 0 {
			t.Errorf("tenant %s: expected no rows, got %d", tenantID, n)
		}
	}
}

func TestInterApp_UnknownPairDropped(t *testing.T) {
	store := memory.New()
	fanout := NewFanout(store, store, testLogger())
	adapter := NewInterApp(fanout, store, &mockHandlers{}, testLogger())

	n, err := adapter.FanOut(context.Background(), "nobody", "x", 0, []byte("m"), nil)
	if err != nil || n != 0 {
		t.Errorf("expected silent drop, got n=%d err=%v", n, err)
	}

	report := adapter.Deliver(context.Background(), Delivery{
		TenantID:   "acme",
		Direction:  bus.DirectionSend,
		Credential: bus.Credential{Name: "nobody", Secret: map[string]string{"secret": "x"}},
	})
	if report.HasStatus() {
		t.Errorf("dropped send must not report, got %+v", report)
	}
}

func TestInterApp_DeliverSendReportsDestinations(t *testing.T) {
	store := memory.New()
	sender := addInterApp(t, store, "t1", "X", "s")
	addInterApp(t, store, "t2", "X", "s")

	adapter := NewInterApp(NewFanout(store, store, testLogger()), store, &mockHandlers{}, testLogger())
	report := adapter.Deliver(context.Background(), Delivery{
		TenantID:   "t1",
		Direction:  bus.DirectionSend,
		Credential: sender,
		Body:       []byte("m"),
	})

	if report.Status != bus.StatusSuccess {
		t.Fatalf("expected success, got %+v", report)
	}
	var info struct {
		Destinations int `json:"destinations"`
	}
	if err := json.Unmarshal(report.Info, &info); err != nil || info.Destinations != 2 {
		t.Errorf("unexpected info %s (%v)", report.Info, err)
	}
}

func TestInterApp_DeliverReceiveCallsHandler(t *testing.T) {
	store := memory.New()
	handlers := &mockHandlers{}
	adapter := NewInterApp(NewFanout(store, store, testLogger()), store, handlers, testLogger())

	report := adapter.Deliver(context.Background(), Delivery{
		TenantID:   "t2",
		Direction:  bus.DirectionReceive,
		Credential: bus.Credential{Name: "X"},
		Body:       []byte("m"),
	})
	if report.HasStatus() {
		t.Errorf("receive must not report, got %+v", report)
	}
	if len(handlers.received) != 1 || handlers.received[0].tenantID != "t2" {
		t.Errorf("unexpected receives %+v", handlers.received)
	}
	if store.Len("t2") != 0 {
		t.Error("receive rows must not be re-enqueued")
	}
}

func TestFanout_LazyRebuild(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	fanout := NewFanout(store, store, testLogger())

	addInterApp(t, store, "t1", "X", "s")
	routes, _ := fanout.Resolve(ctx, "X", "s")
	if len(routes) != 1 {
		t.Fatalf("expected 1 route, got %d", len(routes))
	}

	addInterApp(t, store, "t2", "X", "s")
	routes, _ = fanout.Resolve(ctx, "X", "s")
	if len(routes) != 1 {
		t.Errorf("expected cached table until invalidated, got %d routes", len(routes))
	}
	if fanout.Builds() != 1 {
		t.Errorf("expected 1 build, got %d", fanout.Builds())
	}

	fanout.Invalidate()
	if fanout.Builds() != 1 {
		t.Error("invalidate must not rebuild eagerly")
	}

	routes, _ = fanout.Resolve(ctx, "X", "s")
	if len(routes) != 2 {
		t.Errorf("expected 2 routes after rebuild, got %d", len(routes))
	}
	if routes[0].TenantID != "t1" || routes[1].TenantID != "t2" {
		t.Errorf("routes not ordered by tenant: %+v", routes)
	}
	if fanout.Builds() != 2 {
		t.Errorf("expected 2 builds, got %d", fanout.Builds())
	}
}
