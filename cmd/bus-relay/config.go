package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marko911/pulse-bus/internal/bus"
	"github.com/marko911/pulse-bus/internal/platform/globals"
	pnats "github.com/marko911/pulse-bus/internal/platform/nats"
	"github.com/marko911/pulse-bus/internal/platform/storage"
	"github.com/marko911/pulse-bus/internal/relay"
	"github.com/marko911/pulse-bus/internal/script"
	"github.com/marko911/pulse-bus/internal/transport"
)

const (
	storeMemory   = "memory"
	storePostgres = "postgres"

	handlersNone  = "none"
	handlersMinIO = "minio"
)

// Config is the bus-relay service configuration.
type Config struct {
	ListenAddr   string        `yaml:"listen_addr"`
	Store        string        `yaml:"store"`
	LogLevel     string        `yaml:"log_level"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	Engine   relay.Config   `yaml:"engine"`
	Database storage.Config `yaml:"database"`
	Redis    globals.Config `yaml:"redis"`
	Handlers HandlersConfig `yaml:"handlers"`

	Cloud transport.CloudConfig `yaml:"cloud"`
	Kafka transport.KafkaConfig `yaml:"kafka"`
	NATS  pnats.Config          `yaml:"nats"`
	// NATSTimeout bounds a single JetStream publish.
	NATSTimeout time.Duration `yaml:"nats_timeout"`

	// Buses are credentials created at startup if missing. Used to seed
	// development stores.
	Buses []BusConfig `yaml:"buses"`
}

// HandlersConfig selects where tenant bus handler modules come from.
type HandlersConfig struct {
	Source   string               `yaml:"source"`
	Loader   script.LoaderConfig   `yaml:"loader"`
	Runtime  script.RuntimeConfig  `yaml:"runtime"`
	Metering script.MeteringConfig `yaml:"metering"`
}

// BusConfig describes a bus credential to seed.
type BusConfig struct {
	Tenant  string            `yaml:"tenant"`
	Name    string            `yaml:"name"`
	Kind    string            `yaml:"kind"`
	Account map[string]string `yaml:"account"`
	Secret  map[string]string `yaml:"secret"`
}

// Credential converts the seed to a credential record.
func (b BusConfig) Credential() bus.Credential {
	return bus.Credential{
		TenantID:     b.Tenant,
		Kind:         bus.CredentialKind,
		InstanceKind: bus.InstanceKind(b.Kind),
		Name:         b.Name,
		Account:      b.Account,
		Secret:       b.Secret,
	}
}

// DefaultConfig returns the settings used when no file is given.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8095",
		Store:        storeMemory,
		LogLevel:     "info",
		DrainTimeout: 10 * time.Second,
		Engine:       relay.DefaultConfig(),
		Database:     storage.DefaultConfig(),
		Redis:        globals.DefaultConfig(),
		Handlers: HandlersConfig{
			Source:  handlersNone,
			Loader:  script.DefaultLoaderConfig(),
			Runtime: script.DefaultRuntimeConfig(),
		},
		Cloud: transport.DefaultCloudConfig(),
		Kafka: transport.DefaultKafkaConfig(),
		NATS:  pnats.DefaultConfig(),

		NATSTimeout: 10 * time.Second,
	}
}

// LoadConfig reads the YAML file at path over the defaults. An empty path
// returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings that have a fixed set of values.
func (c Config) Validate() error {
	switch c.Store {
	case storeMemory, storePostgres:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	switch c.Handlers.Source {
	case handlersNone, handlersMinIO:
	default:
		return fmt.Errorf("unknown handler source %q", c.Handlers.Source)
	}
	if len(c.Handlers.Metering.Brokers) > 0 && c.Handlers.Metering.Topic == "" {
		return fmt.Errorf("metering brokers set without a topic")
	}
	if c.Engine.BatchSize <= 0 {
		return fmt.Errorf("engine batch size must be positive, got %d", c.Engine.BatchSize)
	}
	for i, b := range c.Buses {
		if err := bus.ValidateTenantID(b.Tenant); err != nil {
			return fmt.Errorf("bus %d: %w", i, err)
		}
		if b.Name == "" {
			return fmt.Errorf("bus %d: missing name", i)
		}
		if !bus.InstanceKind(b.Kind).Known() {
			return fmt.Errorf("bus %d: unknown kind %q", i, b.Kind)
		}
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1" || v == "yes"
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var result int
		if _, err := fmt.Sscanf(v, "%d", &result); err == nil {
			return result
		}
	}
	return defaultVal
}
