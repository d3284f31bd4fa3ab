package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/marko911/pulse-bus/internal/bus"
)

func addBus(t *testing.T, s *Store, tenantID, name string) bus.Credential {
	t.Helper()
	cred, err := s.AddCredential(bus.Credential{
		TenantID:     tenantID,
		InstanceKind: bus.KindCloudQueue,
		Name:         name,
	})
	if err != nil {
		t.Fatalf("AddCredential failed: %v", err)
	}
	return cred
}

func row(tenantID string, busID int64, rel bus.Reliability, body string) bus.QueueRow {
	return bus.QueueRow{
		TenantID:    tenantID,
		BusID:       busID,
		Direction:   bus.DirectionSend,
		Reliability: rel,
		Body:        []byte(body),
	}
}

func TestStore_FetchOrderAndLimit(t *testing.T) {
	s := New()
	ctx := context.Background()
	cred := addBus(t, s, "acme", "orders")

	for i := 0; i < 25; i++ {
		if err := s.Enqueue(ctx, row("acme", cred.ID, bus.ReliabilityBest, "m")); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	rows, err := s.FetchBatch(ctx, "acme", 20)
	if err != nil {
		t.Fatalf("FetchBatch failed: %v", err)
	}
	if len(rows) != 20 {
		t.Fatalf("expected 20 rows, got %d", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].ID <= rows[i-1].ID {
			t.Fatalf("rows out of order at %d: %d <= %d", i, rows[i].ID, rows[i-1].ID)
		}
	}
}

func TestStore_EnqueueUnknownBus(t *testing.T) {
	s := New()
	ctx := context.Background()
	cred := addBus(t, s, "acme", "orders")

	err := s.EnqueueMany(ctx, []bus.QueueRow{
		row("acme", cred.ID, bus.ReliabilityBest, "ok"),
		row("globex", cred.ID, bus.ReliabilityBest, "wrong tenant"),
	})
	if !errors.Is(err, bus.ErrUnknownBus) {
		t.Fatalf("expected ErrUnknownBus, got %v", err)
	}
	if n := s.Len("acme"); n != 0 {
		t.Errorf("expected atomic rejection, got %d rows", n)
	}
}

func TestStore_PendingTenants(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := addBus(t, s, "acme", "orders")
	g := addBus(t, s, "globex", "orders")

	_ = s.Enqueue(ctx, row("acme", a.ID, 10, "x"))
	_ = s.Enqueue(ctx, row("globex", g.ID, 10, "y"))

	tenants, _ := s.PendingTenants(ctx)
	if len(tenants) != 2 || tenants[0] != "acme" || tenants[1] != "globex" {
		t.Fatalf("unexpected pending tenants %v", tenants)
	}

	rows, _ := s.FetchBatch(ctx, "acme", 20)
	_ = s.Delete(ctx, "acme", rows[0].ID, rows[0].Reliability)

	tenants, _ = s.PendingTenants(ctx)
	if len(tenants) != 1 || tenants[0] != "globex" {
		t.Errorf("expected only globex pending, got %v", tenants)
	}
}

func TestStore_SimulateCrash(t *testing.T) {
	tests := []struct {
		name        string
		reliability bus.Reliability
		flush       bool
		survives    bool
	}{
		{"durable", bus.ReliabilityBest, false, true},
		{"threshold", 128, false, true},
		{"relaxed", 127, false, false},
		{"relaxed flushed", bus.ReliabilityMinimumEffort, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			ctx := context.Background()
			cred := addBus(t, s, "acme", "orders")

			if err := s.Enqueue(ctx, row("acme", cred.ID, tt.reliability, "m")); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			if tt.flush {
				s.Flush()
			}
			s.SimulateCrash()

			got := s.Len("acme") == 1
			if got != tt.survives {
				t.Errorf("survived = %v, want %v", got, tt.survives)
			}
		})
	}
}

func TestStore_DurableWriteFlushesEarlierRelaxed(t *testing.T) {
	s := New()
	ctx := context.Background()
	cred := addBus(t, s, "acme", "orders")

	_ = s.Enqueue(ctx, row("acme", cred.ID, 0, "relaxed"))
	_ = s.Enqueue(ctx, row("acme", cred.ID, 255, "durable"))
	s.SimulateCrash()

	if n := s.Len("acme"); n != 2 {
		t.Errorf("expected both rows after crash, got %d", n)
	}
}

func TestStore_RelaxedDeleteLostOnCrash(t *testing.T) {
	s := New()
	ctx := context.Background()
	cred := addBus(t, s, "acme", "orders")

	_ = s.Enqueue(ctx, row("acme", cred.ID, 0, "m"))
	s.Flush()

	rows, _ := s.FetchBatch(ctx, "acme", 20)
	_ = s.Delete(ctx, "acme", rows[0].ID, rows[0].Reliability)
	if n := s.Len("acme"); n != 0 {
		t.Fatalf("expected row deleted, got %d", n)
	}

	s.SimulateCrash()
	if n := s.Len("acme"); n != 1 {
		t.Errorf("expected relaxed delete to be undone, got %d rows", n)
	}
}

func TestStore_Credentials(t *testing.T) {
	s := New()
	ctx := context.Background()
	cred := addBus(t, s, "acme", "orders")

	if _, err := s.AddCredential(bus.Credential{TenantID: "acme", Name: "orders"}); err == nil {
		t.Error("expected duplicate name to fail")
	}

	got, _ := s.ByID(ctx, "acme", cred.ID)
	if got == nil || got.Kind != bus.CredentialKind {
		t.Fatalf("ByID = %+v", got)
	}
	if other, _ := s.ByID(ctx, "globex", cred.ID); other != nil {
		t.Error("credential resolved for wrong tenant")
	}
	if byName, _ := s.ByName(ctx, "acme", "orders"); byName == nil || byName.ID != cred.ID {
		t.Errorf("ByName = %+v", byName)
	}

	s.RemoveCredential(cred.ID)
	if got, _ := s.ByID(ctx, "acme", cred.ID); got != nil {
		t.Error("expected removed credential to be gone")
	}
}

func TestStore_PlatformConfig(t *testing.T) {
	s := New()
	ctx := context.Background()

	cfg, _ := s.PlatformConfig(ctx, "acme")
	if h := cfg.Lookup(1); !h.Receive || !h.DeliveryReport {
		t.Errorf("expected default handlers, got %+v", h)
	}

	_ = s.SetPlatformConfig(ctx, "acme", bus.PlatformConfig{Buses: map[int64]bus.Handlers{1: {}}})
	cfg, _ = s.PlatformConfig(ctx, "acme")
	if h := cfg.Lookup(1); h.Receive || h.DeliveryReport {
		t.Errorf("expected no handlers, got %+v", h)
	}
}
