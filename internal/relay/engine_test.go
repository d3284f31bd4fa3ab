package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marko911/pulse-bus/internal/bus"
	"github.com/marko911/pulse-bus/internal/platform/memory"
	"github.com/marko911/pulse-bus/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxWait = time.Second
	cfg.BusyPause = 5 * time.Millisecond
	cfg.ErrorPause = 10 * time.Millisecond
	return cfg
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

type reportCall struct {
	tenantID string
	busName  string
	body     string
	status   bus.Status
	info     string
}

type receiveCall struct {
	tenantID string
	busName  string
	body     string
}

// mockHandlers records script handler invocations.
type mockHandlers struct {
	mu         sync.Mutex
	received   []receiveCall
	reports    []reportCall
	receiveErr error
	reportErr  error
}

func (m *mockHandlers) Receive(_ context.Context, tenantID, busName string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, receiveCall{tenantID, busName, string(body)})
	return m.receiveErr
}

func (m *mockHandlers) DeliveryReport(_ context.Context, tenantID, busName string, body []byte, status bus.Status, info json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, reportCall{tenantID, busName, string(body), status, string(info)})
	return m.reportErr
}

func (m *mockHandlers) receivedCalls() []receiveCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]receiveCall(nil), m.received...)
}

func (m *mockHandlers) reportCalls() []reportCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]reportCall(nil), m.reports...)
}

// recordingAdapter stands in for an external transport.
type recordingAdapter struct {
	kind  bus.InstanceKind
	delay time.Duration
	fail  error
	panic bool

	mu          sync.Mutex
	delivered   []transport.Delivery
	inFlight    map[string]int
	maxInFlight map[string]int
}

func newRecordingAdapter(kind bus.InstanceKind) *recordingAdapter {
	return &recordingAdapter{
		kind:        kind,
		inFlight:    make(map[string]int),
		maxInFlight: make(map[string]int),
	}
}

func (a *recordingAdapter) Kind() bus.InstanceKind { return a.kind }

func (a *recordingAdapter) Describe(cred bus.Credential) transport.Descriptor {
	return transport.Descriptor{"id": cred.ID, "kind": string(a.kind), "name": cred.Name}
}

func (a *recordingAdapter) Deliver(_ context.Context, d transport.Delivery) bus.Report {
	a.mu.Lock()
	a.inFlight[d.TenantID]++
	if a.inFlight[d.TenantID] > a.maxInFlight[d.TenantID] {
		a.maxInFlight[d.TenantID] = a.inFlight[d.TenantID]
	}
	a.mu.Unlock()

	if a.delay > 0 {
		time.Sleep(a.delay)
	}

	a.mu.Lock()
	a.inFlight[d.TenantID]--
	a.delivered = append(a.delivered, d)
	a.mu.Unlock()

	if a.panic {
		panic("transport exploded")
	}
	if a.fail != nil {
		return bus.Failure(a.fail)
	}
	return bus.Success(map[string]int64{"row_id": d.RowID})
}

func (a *recordingAdapter) bodies(tenantID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, d := range a.delivered {
		if d.TenantID == tenantID {
			out = append(out, string(d.Body))
		}
	}
	return out
}

func (a *recordingAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.delivered)
}

type fixture struct {
	store    *memory.Store
	handlers *mockHandlers
	adapter  *recordingAdapter
	engine   *Engine
}

func newFixture(t *testing.T, extra ...transport.Adapter) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		handlers: &mockHandlers{},
		adapter:  newRecordingAdapter(bus.KindKafka),
	}
	adapters := append([]transport.Adapter{f.adapter}, extra...)
	f.engine = New(testConfig(), Deps{
		Queue:       f.store,
		Credentials: f.store,
		Configs:     f.store,
		Handlers:    f.handlers,
		Adapters:    adapters,
	}, testLogger())
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		f.engine.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.engine.Drain(ctx); err != nil {
			t.Errorf("Drain failed: %v", err)
		}
	})
}

func (f *fixture) addBus(t *testing.T, tenantID, name string, kind bus.InstanceKind) bus.Credential {
	t.Helper()
	cred, err := f.store.AddCredential(bus.Credential{
		TenantID:     tenantID,
		InstanceKind: kind,
		Name:         name,
	})
	if err != nil {
		t.Fatalf("AddCredential failed: %v", err)
	}
	return cred
}

func TestEngine_DeliversInOrder(t *testing.T) {
	f := newFixture(t)
	cred := f.addBus(t, "tenant-a", "events", bus.KindKafka)
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		err := f.engine.SendMessage(ctx, "tenant-a", bus.Message{
			BusID:       cred.ID,
			Reliability: bus.ReliabilityBest,
			Body:        []byte(strconv.Itoa(i)),
		})
		if err != nil {
			t.Fatalf("SendMessage %d failed: %v", i, err)
		}
	}

	f.start(t)
	eventually(t, func() bool { return f.adapter.count() == n }, "all rows delivered")

	got := f.adapter.bodies("tenant-a")
	for i, body := range got {
		if body != strconv.Itoa(i) {
			t.Fatalf("delivery %d carried body %q, expected %q", i, body, strconv.Itoa(i))
		}
	}
	eventually(t, func() bool { return f.store.Len("tenant-a") == 0 }, "queue emptied")
}

func TestEngine_FailedDeliveryIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.adapter.fail = errors.New("broker rejected message")
	cred := f.addBus(t, "tenant-a", "events", bus.KindKafka)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := f.engine.SendMessage(ctx, "tenant-a", bus.Message{BusID: cred.ID, Body: []byte(strconv.Itoa(i))}); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}

	f.start(t)
	eventually(t, func() bool { return len(f.handlers.reportCalls()) == 5 }, "five reports")

	// Give the loop a chance to retry anything it wrongly kept.
	time.Sleep(50 * time.Millisecond)

	if got := f.adapter.count(); got != 5 {
		t.Errorf("expected 5 attempts, got %d", got)
	}
	if got := f.store.Len("tenant-a"); got != 0 {
		t.Errorf("expected empty queue, got %d rows", got)
	}
	for _, r := range f.handlers.reportCalls() {
		if r.status != bus.StatusFailure {
			t.Errorf("expected failure status, got %s", r.status)
		}
		if !strings.Contains(r.info, "broker rejected message") {
			t.Errorf("expected error in report info, got %s", r.info)
		}
		if r.busName != "events" {
			t.Errorf("expected bus name events, got %s", r.busName)
		}
	}
}

func TestEngine_OneWorkerPerTenant(t *testing.T) {
	f := newFixture(t)
	f.adapter.delay = 2 * time.Millisecond
	ctx := context.Background()

	tenants := []string{"tenant-a", "tenant-b", "tenant-c"}
	creds := make(map[string]bus.Credential)
	for _, tenant := range tenants {
		creds[tenant] = f.addBus(t, tenant, "events", bus.KindKafka)
	}

	f.start(t)

	var wg sync.WaitGroup
	for _, tenant := range tenants {
		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			for i := 0; i < 30; i++ {
				err := f.engine.SendMessage(ctx, tenant, bus.Message{
					BusID: creds[tenant].ID,
					Body:  []byte(fmt.Sprintf("%s-%d", tenant, i)),
				})
				if err != nil {
					t.Errorf("SendMessage failed: %v", err)
				}
			}
		}(tenant)
	}
	wg.Wait()

	eventually(t, func() bool { return f.adapter.count() == 90 }, "all rows delivered")

	f.adapter.mu.Lock()
	defer f.adapter.mu.Unlock()
	for _, tenant := range tenants {
		if got := f.adapter.maxInFlight[tenant]; got != 1 {
			t.Errorf("tenant %s had %d concurrent deliveries", tenant, got)
		}
	}
}

func TestEngine_PerTenantOrderUnderLoad(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addBus(t, "tenant-a", "events", bus.KindKafka)
	b := f.addBus(t, "tenant-b", "events", bus.KindKafka)

	f.start(t)
	for i := 0; i < 40; i++ {
		if err := f.engine.SendMessage(ctx, "tenant-a", bus.Message{BusID: a.ID, Body: []byte(strconv.Itoa(i))}); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
		if err := f.engine.SendMessage(ctx, "tenant-b", bus.Message{BusID: b.ID, Body: []byte(strconv.Itoa(i))}); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}

	eventually(t, func() bool { return f.adapter.count() == 80 }, "all rows delivered")
	for _, tenant := range []string{"tenant-a", "tenant-b"} {
		for i, body := range f.adapter.bodies(tenant) {
			if body != strconv.Itoa(i) {
				t.Fatalf("%s delivery %d carried %q", tenant, i, body)
			}
		}
	}
}

func TestEngine_RelaxedRowsLostOnCrash(t *testing.T) {
	f := newFixture(t)
	cred := f.addBus(t, "tenant-a", "events", bus.KindKafka)
	ctx := context.Background()

	if err := f.engine.SendMessage(ctx, "tenant-a", bus.Message{BusID: cred.ID, Reliability: 10, Body: []byte("relaxed")}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	f.store.SimulateCrash()
	if got := f.store.Len("tenant-a"); got != 0 {
		t.Errorf("expected relaxed row lost, got %d rows", got)
	}

	if err := f.engine.SendMessage(ctx, "tenant-a", bus.Message{BusID: cred.ID, Reliability: 200, Body: []byte("durable")}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	f.store.SimulateCrash()
	if got := f.store.Len("tenant-a"); got != 1 {
		t.Errorf("expected durable row kept, got %d rows", got)
	}
}

func TestEngine_LoopbackIsSynchronous(t *testing.T) {
	f := newFixture(t)
	f.addBus(t, "tenant-a", "self", bus.KindLoopback)
	ctx := context.Background()

	// The loop is not running; loopback must not depend on it.
	err := f.engine.SendMessage(ctx, "tenant-a", bus.Message{BusName: "self", Body: []byte("ping")})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	got := f.handlers.receivedCalls()
	if len(got) != 1 || got[0].busName != "self" || got[0].body != "ping" {
		t.Fatalf("unexpected receive calls %+v", got)
	}
	if f.store.Len("tenant-a") != 0 {
		t.Error("loopback message should not be queued")
	}

	f.handlers.receiveErr = errors.New("handler failed")
	err = f.engine.SendMessage(ctx, "tenant-a", bus.Message{BusName: "self", Body: []byte("again")})
	if err == nil || !strings.Contains(err.Error(), "handler failed") {
		t.Errorf("expected handler error, got %v", err)
	}
}

func TestEngine_InterApplicationFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	secret := map[string]string{"secret": "s3cret"}
	for _, tenant := range []string{"tenant-a", "tenant-b", "tenant-c"} {
		if _, err := f.store.AddCredential(bus.Credential{
			TenantID:     tenant,
			InstanceKind: bus.KindInterApplication,
			Name:         "orders",
			Secret:       secret,
		}); err != nil {
			t.Fatalf("AddCredential failed: %v", err)
		}
	}
	if _, err := f.store.AddCredential(bus.Credential{
		TenantID:     "tenant-d",
		InstanceKind: bus.KindInterApplication,
		Name:         "orders",
		Secret:       map[string]string{"secret": "other"},
	}); err != nil {
		t.Fatalf("AddCredential failed: %v", err)
	}

	f.start(t)
	err := f.engine.SendMessage(ctx, "tenant-a", bus.Message{
		Kind:        bus.KindInterApplication,
		BusName:     "orders",
		Reliability: bus.ReliabilityBest,
		Body:        []byte("order-1"),
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	eventually(t, func() bool { return len(f.handlers.receivedCalls()) == 3 }, "three receives")

	seen := make(map[string]bool)
	for _, r := range f.handlers.receivedCalls() {
		if r.busName != "orders" || r.body != "order-1" {
			t.Errorf("unexpected receive %+v", r)
		}
		seen[r.tenantID] = true
	}
	for _, tenant := range []string{"tenant-a", "tenant-b", "tenant-c"} {
		if !seen[tenant] {
			t.Errorf("tenant %s did not receive the message", tenant)
		}
	}
	if seen["tenant-d"] {
		t.Error("tenant with a different secret received the message")
	}
}

func TestEngine_ReceiveHandlerDisabledExcludesTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var creds []bus.Credential
	for _, tenant := range []string{"tenant-a", "tenant-b"} {
		c, err := f.store.AddCredential(bus.Credential{
			TenantID:     tenant,
			InstanceKind: bus.KindInterApplication,
			Name:         "orders",
			Secret:       map[string]string{"secret": "s"},
		})
		if err != nil {
			t.Fatalf("AddCredential failed: %v", err)
		}
		creds = append(creds, c)
	}

	err := f.engine.SetPlatformConfig(ctx, "tenant-b", bus.PlatformConfig{
		Buses: map[int64]bus.Handlers{creds[1].ID: {Receive: false, DeliveryReport: true}},
	})
	if err != nil {
		t.Fatalf("SetPlatformConfig failed: %v", err)
	}

	if err := f.engine.SendMessage(ctx, "tenant-a", bus.Message{BusID: creds[0].ID, Body: []byte("x")}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if got := f.store.Len("tenant-a"); got != 1 {
		t.Errorf("expected 1 row for tenant-a, got %d", got)
	}
	if got := f.store.Len("tenant-b"); got != 0 {
		t.Errorf("expected no rows for tenant-b, got %d", got)
	}
}

func TestEngine_CloudFailureIsolated(t *testing.T) {
	f := newFixture(t, transport.NewCloudQueue(transport.DefaultCloudConfig(), testLogger()))
	ctx := context.Background()

	cloud, err := f.store.AddCredential(bus.Credential{
		TenantID:     "tenant-a",
		InstanceKind: bus.KindCloudQueue,
		Name:         "jobs",
		Account: map[string]string{
			"region":        "moon-base-1",
			"access_key_id": "AKIAEXAMPLE",
			"queue_url":     "https://sqs.example.invalid/123/jobs",
		},
		Secret: map[string]string{"secret_access_key": "secret"},
	})
	if err != nil {
		t.Fatalf("AddCredential failed: %v", err)
	}
	kafka := f.addBus(t, "tenant-a", "events", bus.KindKafka)
	other := f.addBus(t, "tenant-b", "events", bus.KindKafka)

	f.start(t)
	if err := f.engine.SendMessage(ctx, "tenant-a", bus.Message{BusID: cloud.ID, Body: []byte("job")}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if err := f.engine.SendMessage(ctx, "tenant-a", bus.Message{BusID: kafka.ID, Body: []byte("after")}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if err := f.engine.SendMessage(ctx, "tenant-b", bus.Message{BusID: other.ID, Body: []byte("other")}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	eventually(t, func() bool { return len(f.handlers.reportCalls()) == 3 }, "three reports")

	var failures int
	for _, r := range f.handlers.reportCalls() {
		if r.status == bus.StatusFailure {
			failures++
			if r.busName != "jobs" || !strings.Contains(r.info, "invalid region") {
				t.Errorf("unexpected failure report %+v", r)
			}
		}
	}
	if failures != 1 {
		t.Errorf("expected exactly one failure, got %d", failures)
	}
	if got := f.adapter.bodies("tenant-a"); len(got) != 1 || got[0] != "after" {
		t.Errorf("row after the failure was not delivered: %v", got)
	}
}

func TestEngine_DropsRowsWithoutBusOrAdapter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gone := f.addBus(t, "tenant-a", "gone", bus.KindKafka)
	odd := f.addBus(t, "tenant-a", "odd", "Carrier-Pigeon")
	kept := f.addBus(t, "tenant-a", "kept", bus.KindKafka)

	for _, id := range []int64{gone.ID, odd.ID, kept.ID} {
		err := f.engine.Enqueue(ctx, bus.QueueRow{
			TenantID:    "tenant-a",
			BusID:       id,
			Direction:   bus.DirectionSend,
			Reliability: bus.ReliabilityBest,
			Body:        []byte(strconv.FormatInt(id, 10)),
		})
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	f.store.RemoveCredential(gone.ID)

	f.start(t)
	eventually(t, func() bool { return f.store.Len("tenant-a") == 0 }, "queue drained")

	if got := f.adapter.bodies("tenant-a"); len(got) != 1 || got[0] != strconv.FormatInt(kept.ID, 10) {
		t.Errorf("expected only the kept bus delivered, got %v", got)
	}
	eventually(t, func() bool { return len(f.handlers.reportCalls()) == 1 }, "one report")
}

func TestEngine_DeliveryReportDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	silent := f.addBus(t, "tenant-a", "silent", bus.KindKafka)
	loud := f.addBus(t, "tenant-a", "loud", bus.KindKafka)

	err := f.engine.SetPlatformConfigJSON(ctx, "tenant-a",
		[]byte(fmt.Sprintf(`{"%d":{"receive":true,"delivery_report":false}}`, silent.ID)))
	if err != nil {
		t.Fatalf("SetPlatformConfigJSON failed: %v", err)
	}

	f.start(t)
	for _, id := range []int64{silent.ID, loud.ID} {
		if err := f.engine.SendMessage(ctx, "tenant-a", bus.Message{BusID: id, Body: []byte("m")}); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}

	eventually(t, func() bool { return f.adapter.count() == 2 }, "both delivered")
	eventually(t, func() bool { return len(f.handlers.reportCalls()) == 1 }, "one report")
	if r := f.handlers.reportCalls()[0]; r.busName != "loud" || r.status != bus.StatusSuccess {
		t.Errorf("unexpected report %+v", r)
	}
}

func TestEngine_ReportHandlerErrorDoesNotStopBatch(t *testing.T) {
	f := newFixture(t)
	f.handlers.reportErr = errors.New("script crashed")
	cred := f.addBus(t, "tenant-a", "events", bus.KindKafka)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := f.engine.SendMessage(ctx, "tenant-a", bus.Message{BusID: cred.ID, Body: []byte(strconv.Itoa(i))}); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}

	f.start(t)
	eventually(t, func() bool { return len(f.handlers.reportCalls()) == 3 }, "three reports")
	if got := f.adapter.count(); got != 3 {
		t.Errorf("expected 3 deliveries, got %d", got)
	}
}

func TestEngine_AdapterPanicBecomesFailure(t *testing.T) {
	f := newFixture(t)
	f.adapter.panic = true
	cred := f.addBus(t, "tenant-a", "events", bus.KindKafka)

	if err := f.engine.SendMessage(context.Background(), "tenant-a", bus.Message{BusID: cred.ID, Body: []byte("boom")}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	f.start(t)
	eventually(t, func() bool { return len(f.handlers.reportCalls()) == 1 }, "one report")

	r := f.handlers.reportCalls()[0]
	if r.status != bus.StatusFailure || !strings.Contains(r.info, "transport exploded") {
		t.Errorf("unexpected report %+v", r)
	}
	eventually(t, func() bool { return f.store.Len("tenant-a") == 0 }, "row deleted")
}

func TestEngine_StartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if f.engine.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", f.engine.State())
	}
	if err := f.engine.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.engine.Start(ctx); !errors.Is(err, bus.ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
	if !strings.Contains(f.engine.Description(), "running") {
		t.Errorf("unexpected description %q", f.engine.Description())
	}

	f.engine.Stop()
	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.engine.Drain(drainCtx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if f.engine.State() != StateStopped {
		t.Fatalf("expected stopped after drain, got %s", f.engine.State())
	}

	// Rows queued while stopped are delivered after a restart.
	cred := f.addBus(t, "tenant-a", "events", bus.KindKafka)
	if err := f.engine.SendMessage(ctx, "tenant-a", bus.Message{BusID: cred.ID, Body: []byte("late")}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if f.adapter.count() != 0 {
		t.Fatal("delivered while stopped")
	}

	f.start(t)
	eventually(t, func() bool { return f.adapter.count() == 1 }, "delivery after restart")
}

func TestEngine_SendMessageErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	kafka := f.addBus(t, "tenant-a", "events", bus.KindKafka)
	f.addBus(t, "tenant-a", "pigeons", "Carrier-Pigeon")

	tests := []struct {
		name    string
		tenant  string
		msg     bus.Message
		wantErr error
	}{
		{"invalid tenant", "bad tenant!", bus.Message{BusID: kafka.ID}, bus.ErrInvalidTenant},
		{"no bus", "tenant-a", bus.Message{Body: []byte("x")}, bus.ErrInvalidMessage},
		{"unknown name", "tenant-a", bus.Message{BusName: "missing"}, bus.ErrUnknownBus},
		{"other tenant's bus", "tenant-b", bus.Message{BusID: kafka.ID}, bus.ErrUnknownBus},
		{"kind mismatch", "tenant-a", bus.Message{Kind: bus.KindNATS, BusID: kafka.ID}, bus.ErrInvalidMessage},
		{"unsupported kind", "tenant-a", bus.Message{BusName: "pigeons"}, bus.ErrUnknownKind},
		{"loopback without bus", "tenant-a", bus.Message{Kind: bus.KindLoopback}, bus.ErrUnknownBus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.engine.SendMessage(ctx, tt.tenant, tt.msg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if got := f.store.Len("tenant-a"); got != 0 {
		t.Errorf("rejected messages were queued: %d rows", got)
	}
}

func TestEngine_Describe(t *testing.T) {
	f := newFixture(t)
	f.addBus(t, "tenant-a", "events", bus.KindKafka)

	d, err := f.engine.Describe(context.Background(), "tenant-a", "events")
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if d["name"] != "events" || d["kind"] != string(bus.KindKafka) {
		t.Errorf("unexpected descriptor %v", d)
	}

	_, err = f.engine.Describe(context.Background(), "tenant-a", "missing")
	if !errors.Is(err, bus.ErrUnknownBus) {
		t.Errorf("expected ErrUnknownBus, got %v", err)
	}
}

func TestWorkerSet_SpawnIfAbsent(t *testing.T) {
	w := newWorkerSet()
	release := make(chan struct{})

	if !w.spawnIfAbsent("tenant-a", func() { <-release }) {
		t.Fatal("first spawn should start a worker")
	}
	if w.spawnIfAbsent("tenant-a", func() {}) {
		t.Fatal("second spawn for the same tenant should be refused")
	}
	if !w.spawnIfAbsent("tenant-b", func() {}) {
		t.Fatal("spawn for another tenant should start a worker")
	}

	close(release)
	w.wait()

	// Finished but unreaped workers still block a respawn.
	if w.spawnIfAbsent("tenant-a", func() {}) {
		t.Fatal("unreaped tenant should not get a new worker")
	}
	if n := w.reap(); n != 2 {
		t.Errorf("expected 2 reaped, got %d", n)
	}
	if !w.spawnIfAbsent("tenant-a", func() {}) {
		t.Fatal("reaped tenant should get a new worker")
	}
	w.wait()
}
