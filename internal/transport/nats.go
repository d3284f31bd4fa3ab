package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/marko911/pulse-bus/internal/bus"
	pnats "github.com/marko911/pulse-bus/internal/platform/nats"
)

const (
	fieldURL     = "url"
	fieldSubject = "subject"
	fieldStream  = "stream"
	fieldToken   = "token"
)

// JetStreamAPI is the part of jetstream.JetStream the NATS adapter uses.
type JetStreamAPI interface {
	pnats.StreamManager
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATS publishes to a JetStream subject.
type NATS struct {
	dial    func(ctx context.Context, url, token string) (JetStreamAPI, error)
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	streams map[string]bool
}

// NewNATS creates the NATS adapter on top of a connection pool.
func NewNATS(pool *pnats.Pool, timeout time.Duration, logger *slog.Logger) *NATS {
	return &NATS{
		dial: func(ctx context.Context, url, token string) (JetStreamAPI, error) {
			c, err := pool.Get(ctx, url, token)
			if err != nil {
				return nil, err
			}
			return c.JetStream(), nil
		},
		timeout: timeout,
		logger:  logger.With("adapter", string(bus.KindNATS)),
		streams: make(map[string]bool),
	}
}

func (n *NATS) Kind() bus.InstanceKind { return bus.KindNATS }

func (n *NATS) Describe(cred bus.Credential) Descriptor {
	d := baseDescriptor(cred)
	d[fieldURL] = cred.AccountValue(fieldURL)
	d[fieldSubject] = n.subject(cred)
	return d
}

func (n *NATS) subject(cred bus.Credential) string {
	if s := cred.AccountValue(fieldSubject); s != "" {
		return s
	}
	return pnats.SubjectForBus(cred.TenantID, cred.Name)
}

func (n *NATS) Deliver(ctx context.Context, d Delivery) bus.Report {
	info, err := n.publish(ctx, d)
	if err != nil {
		n.logger.Warn("publish failed", "tenant_id", d.TenantID, "bus_id", d.Credential.ID, "error", err)
		return bus.Failure(err)
	}
	return bus.Success(info)
}

func (n *NATS) publish(ctx context.Context, d Delivery) (map[string]any, error) {
	url := d.Credential.AccountValue(fieldURL)
	if url == "" {
		return nil, errors.New("missing url")
	}

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	js, err := n.dial(ctx, url, d.Credential.SecretValue(fieldToken))
	if err != nil {
		return nil, err
	}

	subject := n.subject(d.Credential)
	if stream := d.Credential.AccountValue(fieldStream); stream != "" {
		if err := n.ensureStream(ctx, js, url, stream, subject); err != nil {
			return nil, err
		}
	}

	msg := nats.NewMsg(subject)
	msg.Data = d.Body
	for k, v := range d.Options {
		msg.Header.Set(k, v)
	}

	ack, err := js.PublishMsg(ctx, msg, jetstream.WithMsgID(uuid.NewString()))
	if err != nil {
		return nil, fmt.Errorf("jetstream publish: %w", err)
	}
	return map[string]any{
		"stream":   ack.Stream,
		"sequence": ack.Sequence,
	}, nil
}

// ensureStream declares the bus's stream once per server.
func (n *NATS) ensureStream(ctx context.Context, js JetStreamAPI, url, stream, subject string) error {
	key := url + "\x00" + stream

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.streams[key] {
		return nil
	}
	if _, err := pnats.EnsureStream(ctx, js, pnats.BusStreamConfig(stream, subject)); err != nil {
		return err
	}
	n.streams[key] = true
	return nil
}
