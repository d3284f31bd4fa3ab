package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/marko911/pulse-bus/internal/bus"
)

type fakeJetStream struct {
	published []*nats.Msg
	streams   []jetstream.StreamConfig
}

func (f *fakeJetStream) CreateOrUpdateStream(_ context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.streams = append(f.streams, cfg)
	return nil, nil
}

func (f *fakeJetStream) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.published = append(f.published, msg)
	return &jetstream.PubAck{Stream: "BUS_ACME", Sequence: uint64(len(f.published))}, nil
}

func newTestNATS(js *fakeJetStream, dialErr error) *NATS {
	n := NewNATS(nil, 0, testLogger())
	n.dial = func(context.Context, string, string) (JetStreamAPI, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return js, nil
	}
	return n
}

func natsCred(account map[string]string) bus.Credential {
	return bus.Credential{
		ID:           4,
		TenantID:     "acme",
		InstanceKind: bus.KindNATS,
		Name:         "orders",
		Account:      account,
	}
}

func TestNATS_PublishDefaultSubject(t *testing.T) {
	js := &fakeJetStream{}
	n := newTestNATS(js, nil)

	report := n.Deliver(context.Background(), Delivery{
		TenantID:   "acme",
		Credential: natsCred(map[string]string{"url": "nats://n:4222"}),
		Body:       []byte("hello"),
		Options:    map[string]string{"trace": "t"},
	})

	if report.Status != bus.StatusSuccess {
		t.Fatalf("expected success, got %+v (%s)", report, report.Info)
	}
	var info struct {
		Stream   string `json:"stream"`
		Sequence uint64 `json:"sequence"`
	}
	if err := json.Unmarshal(report.Info, &info); err != nil || info.Stream != "BUS_ACME" || info.Sequence != 1 {
		t.Errorf("unexpected info %s", report.Info)
	}

	msg := js.published[0]
	if msg.Subject != "bus.acme.orders" || string(msg.Data) != "hello" || msg.Header.Get("trace") != "t" {
		t.Errorf("unexpected message %+v", msg)
	}
	if len(js.streams) != 0 {
		t.Error("stream must not be declared unless configured")
	}
}

func TestNATS_EnsureStreamOnce(t *testing.T) {
	js := &fakeJetStream{}
	n := newTestNATS(js, nil)
	cred := natsCred(map[string]string{"url": "nats://n:4222", "subject": "acme.orders", "stream": "BUS_ACME"})

	for i := 0; i < 3; i++ {
		n.Deliver(context.Background(), Delivery{TenantID: "acme", Credential: cred})
	}

	if len(js.streams) != 1 {
		t.Fatalf("expected stream declared once, got %d", len(js.streams))
	}
	if js.streams[0].Name != "BUS_ACME" || js.streams[0].Subjects[0] != "acme.orders" {
		t.Errorf("unexpected stream config %+v", js.streams[0])
	}
}

func TestNATS_Failures(t *testing.T) {
	n := newTestNATS(nil, errors.New("no servers available"))

	report := n.Deliver(context.Background(), Delivery{
		TenantID:   "acme",
		Credential: natsCred(map[string]string{"url": "nats://n:4222"}),
	})
	if report.Status != bus.StatusFailure {
		t.Errorf("expected failure for dial error, got %+v", report)
	}

	report = n.Deliver(context.Background(), Delivery{TenantID: "acme", Credential: natsCred(nil)})
	if report.Status != bus.StatusFailure {
		t.Errorf("expected failure for missing url, got %+v", report)
	}
}
