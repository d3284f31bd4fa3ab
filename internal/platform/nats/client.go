// Package nats provides NATS JetStream connections for bus deliveries.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config holds NATS connection configuration.
type Config struct {
	URL            string        `yaml:"url"`             // NATS server URL (e.g., "nats://localhost:4222")
	Name           string        `yaml:"name"`            // Client connection name for identification
	Token          string        `yaml:"-"`               // Optional auth token
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`  // Time to wait between reconnection attempts
	MaxReconnects  int           `yaml:"max_reconnects"`  // Maximum reconnection attempts (-1 for unlimited)
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // Initial connection timeout
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		URL:            "nats://localhost:4222",
		Name:           "bus-relay",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // Unlimited
		ConnectTimeout: 10 * time.Second,
	}
}

// Client wraps a NATS connection with JetStream support and lifecycle management.
type Client struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg Config

	mu     sync.RWMutex
	closed bool
}

// Connect establishes a connection to NATS with JetStream enabled.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("nats_url", cfg.URL)

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "server", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Debug("nats connection closed")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	return &Client{
		nc:  nc,
		js:  js,
		cfg: cfg,
	}, nil
}

// JetStream returns the JetStream context for stream operations.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Conn returns the underlying NATS connection.
func (c *Client) Conn() *nats.Conn {
	return c.nc
}

// IsConnected returns true if the client has an active connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && c.nc.IsConnected()
}

// Close gracefully shuts down the NATS connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	// Drain flushes pending publishes before closing
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}

	return nil
}

// Pool shares one Client per server and token across buses.
type Pool struct {
	base   Config
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates a pool whose connections start from base.
func NewPool(base Config, logger *slog.Logger) *Pool {
	return &Pool{
		base:    base,
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

func poolKey(url, token string) string {
	return url + "\x00" + token
}

// Get returns a connected client for url, dialing if needed. Clients that
// lost their connection for good are replaced.
func (p *Pool) Get(ctx context.Context, url, token string) (*Client, error) {
	key := poolKey(url, token)

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[key]; ok {
		if !c.nc.IsClosed() {
			return c, nil
		}
		delete(p.clients, key)
	}

	cfg := p.base
	cfg.URL = url
	cfg.Token = token
	c, err := Connect(ctx, cfg, p.logger)
	if err != nil {
		return nil, err
	}
	p.clients[key] = c
	return c, nil
}

// Close drains every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for key, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.clients, key)
	}
	return firstErr
}
