package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/marko911/pulse-bus/internal/bus"
)

const (
	fieldBrokers  = "brokers"
	fieldTopic    = "topic"
	fieldUsername = "username"
	fieldPassword = "password"

	optKey = "key"
)

// KafkaProducer is the part of kgo.Client the Kafka adapter uses.
type KafkaProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaConfig holds producer settings shared by every Kafka bus.
type KafkaConfig struct {
	ClientID string        `yaml:"client_id"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DefaultKafkaConfig returns sensible defaults.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		ClientID: "bus-relay",
		Timeout:  30 * time.Second,
	}
}

// Kafka produces to a topic on a tenant-supplied cluster. Producers are
// shared between buses that point at the same cluster and user.
type Kafka struct {
	cfg         KafkaConfig
	newProducer func(cfg KafkaConfig, brokers []string, user, pass string) (KafkaProducer, error)
	logger      *slog.Logger

	mu        sync.Mutex
	producers map[string]KafkaProducer
}

// NewKafka creates the Kafka adapter.
func NewKafka(cfg KafkaConfig, logger *slog.Logger) *Kafka {
	return &Kafka{
		cfg:         cfg,
		newProducer: newKgoProducer,
		logger:      logger.With("adapter", string(bus.KindKafka)),
		producers:   make(map[string]KafkaProducer),
	}
}

func newKgoProducer(cfg KafkaConfig, brokers []string, user, pass string) (KafkaProducer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.MaxProduceRequestsInflightPerBroker(1),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(3),
		kgo.RetryBackoffFn(func(n int) time.Duration {
			return time.Duration(n*100) * time.Millisecond
		}),
	}
	if user != "" {
		opts = append(opts, kgo.SASL(plain.Auth{User: user, Pass: pass}.AsMechanism()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

func (k *Kafka) Kind() bus.InstanceKind { return bus.KindKafka }

func (k *Kafka) Describe(cred bus.Credential) Descriptor {
	d := baseDescriptor(cred)
	d[fieldBrokers] = splitList(cred.AccountValue(fieldBrokers))
	d[fieldTopic] = cred.AccountValue(fieldTopic)
	return d
}

func (k *Kafka) Deliver(ctx context.Context, d Delivery) bus.Report {
	info, err := k.produce(ctx, d)
	if err != nil {
		k.logger.Warn("produce failed", "tenant_id", d.TenantID, "bus_id", d.Credential.ID, "error", err)
		return bus.Failure(err)
	}
	return bus.Success(info)
}

func (k *Kafka) produce(ctx context.Context, d Delivery) (map[string]any, error) {
	brokers := splitList(d.Credential.AccountValue(fieldBrokers))
	topic := d.Credential.AccountValue(fieldTopic)
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("missing brokers or topic")
	}

	producer, err := k.producer(brokers, d.Credential.AccountValue(fieldUsername), d.Credential.SecretValue(fieldPassword))
	if err != nil {
		return nil, err
	}

	record := &kgo.Record{
		Topic: topic,
		Value: d.Body,
		Headers: []kgo.RecordHeader{
			{Key: "message_id", Value: []byte(uuid.NewString())},
			{Key: "tenant_id", Value: []byte(d.TenantID)},
		},
	}
	if key := d.Options[optKey]; key != "" {
		record.Key = []byte(key)
	}
	for name, v := range extraOptions(d.Options, optKey) {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: name, Value: []byte(v)})
	}

	if k.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.cfg.Timeout)
		defer cancel()
	}

	produced, err := producer.ProduceSync(ctx, record).First()
	if err != nil {
		return nil, fmt.Errorf("kafka produce: %w", err)
	}
	return map[string]any{
		"topic":     produced.Topic,
		"partition": produced.Partition,
		"offset":    produced.Offset,
	}, nil
}

func (k *Kafka) producer(brokers []string, user, pass string) (KafkaProducer, error) {
	key := strings.Join(brokers, ",") + "\x00" + user + "\x00" + pass

	k.mu.Lock()
	defer k.mu.Unlock()

	if p, ok := k.producers[key]; ok {
		return p, nil
	}
	p, err := k.newProducer(k.cfg, brokers, user, pass)
	if err != nil {
		return nil, err
	}
	k.producers[key] = p
	return p, nil
}

// Close shuts down every cached producer.
func (k *Kafka) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()

	for key, p := range k.producers {
		p.Close()
		delete(k.producers, key)
	}
}
