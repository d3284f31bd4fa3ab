// Package globals stores process-wide key/value settings in Redis. It holds
// each tenant's bus platform configuration and broadcasts changes so every
// relay process can drop caches derived from it.
package globals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marko911/pulse-bus/internal/bus"
)

const (
	keyPlatformConfig = "busplatform:"
	channelChanged    = "busplatform:changed"
)

var _ bus.ConfigStore = (*Store)(nil)

// Config holds Redis connection settings.
type Config struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		Addr:      "localhost:6379",
		KeyPrefix: "bus:",
	}
}

// Store reads and writes global settings.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix}
}

// Client returns the underlying Redis client, shared with the script KV.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) key(parts ...string) string {
	result := s.keyPrefix
	for _, p := range parts {
		result += p
	}
	return result
}

// PlatformConfigJSON returns the raw stored document for a tenant, or nil.
func (s *Store) PlatformConfigJSON(ctx context.Context, tenantID string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(keyPlatformConfig, tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get platform config: %w", err)
	}
	return data, nil
}

// PlatformConfig returns the tenant's handler-presence map. A tenant that
// never stored one gets an empty config, which defaults every bus to
// having both handlers.
func (s *Store) PlatformConfig(ctx context.Context, tenantID string) (bus.PlatformConfig, error) {
	data, err := s.PlatformConfigJSON(ctx, tenantID)
	if err != nil {
		return bus.PlatformConfig{}, err
	}
	return bus.ParsePlatformConfig(data)
}

// SetPlatformConfig stores the tenant's config and announces the change.
func (s *Store) SetPlatformConfig(ctx context.Context, tenantID string, cfg bus.PlatformConfig) error {
	data, err := cfg.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal platform config: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(keyPlatformConfig, tenantID), data, 0)
	pipe.Publish(ctx, s.key(channelChanged), tenantID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set platform config: %w", err)
	}
	return nil
}

// WatchChanges calls fn with the tenant id of every platform config change
// published by any process, until ctx is cancelled.
func (s *Store) WatchChanges(ctx context.Context, logger *slog.Logger, fn func(tenantID string)) error {
	sub := s.client.Subscribe(ctx, s.key(channelChanged))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			logger.Debug("platform config changed", "tenant_id", msg.Payload)
			fn(msg.Payload)
		}
	}
}

// Close releases the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
