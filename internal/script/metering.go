package script

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
)

// UsageEvent records one handler execution for billing.
type UsageEvent struct {
	EventID     string    `json:"event_id"`
	TenantID    string    `json:"tenant_id"`
	Event       string    `json:"event"`
	Bus         string    `json:"bus"`
	Timestamp   time.Time `json:"timestamp"`
	DurationMs  int64     `json:"duration_ms"`
	MemoryBytes int64     `json:"memory_bytes"`
	Success     bool      `json:"success"`
	ErrorCode   string    `json:"error_code,omitempty"`
}

// UsageRecorder receives usage events. Recording must not block the
// handler call for long.
type UsageRecorder interface {
	Record(ctx context.Context, ev UsageEvent)
}

func newUsageEvent(tenantID string, inv Invocation, result *ExecutionResult, execErr error) UsageEvent {
	ev := UsageEvent{
		EventID:   uuid.NewString(),
		TenantID:  tenantID,
		Event:     inv.Event,
		Bus:       inv.Bus,
		Timestamp: time.Now().UTC(),
		Success:   execErr == nil,
	}
	if result != nil {
		ev.DurationMs = result.DurationMs
		ev.MemoryBytes = result.MemoryBytes
	}
	if execErr != nil {
		ev.ErrorCode = "EXECUTION_ERROR"
	}
	return ev
}

type MeteringConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// MeteringPublisher sends usage events to a Kafka topic.
type MeteringPublisher struct {
	cfg    MeteringConfig
	client *kgo.Client
	logger *slog.Logger
}

func NewMeteringPublisher(cfg MeteringConfig, logger *slog.Logger) (*MeteringPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
	)
	if err != nil {
		return nil, err
	}

	return &MeteringPublisher{
		cfg:    cfg,
		client: client,
		logger: logger,
	}, nil
}

// Record produces ev asynchronously; failures are logged.
func (m *MeteringPublisher) Record(ctx context.Context, ev UsageEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("failed to encode usage event", "error", err)
		return
	}

	record := &kgo.Record{
		Key:   []byte(ev.TenantID),
		Value: data,
	}

	m.client.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if err != nil {
			m.logger.Error("failed to publish usage event",
				"tenant_id", ev.TenantID,
				"event_id", ev.EventID,
				"error", err,
			)
			return
		}
		m.logger.Debug("published usage event",
			"tenant_id", ev.TenantID,
			"duration_ms", ev.DurationMs,
			"partition", r.Partition,
			"offset", r.Offset,
		)
	})
}

func (m *MeteringPublisher) Flush(ctx context.Context) error {
	return m.client.Flush(ctx)
}

func (m *MeteringPublisher) Close() {
	m.client.Close()
}
