package script

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/marko911/pulse-bus/internal/bus"
)

// ModuleSource fetches a tenant's compiled bus handler module. It returns
// an error wrapping bus.ErrNoReceiver when the tenant has none.
type ModuleSource interface {
	Fetch(ctx context.Context, tenantID string) ([]byte, error)
}

// LoaderConfig contains configuration for the module store.
type LoaderConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"-"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// DefaultLoaderConfig returns sensible defaults for local development.
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		Endpoint:  "localhost:9000",
		Bucket:    "bus-handlers",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	}
}

// ObjectKey is where a tenant's handler module is stored.
func ObjectKey(tenantID string) string {
	return fmt.Sprintf("tenants/%s/bus-handler.wasm", tenantID)
}

// MinIOSource loads handler modules from S3/MinIO.
type MinIOSource struct {
	cfg    LoaderConfig
	client *minio.Client
	logger *slog.Logger
}

// NewMinIOSource creates a module source backed by a bucket.
func NewMinIOSource(cfg LoaderConfig, logger *slog.Logger) (*MinIOSource, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &MinIOSource{
		cfg:    cfg,
		client: client,
		logger: logger,
	}, nil
}

// EnsureBucket creates the module bucket if it does not exist.
func (s *MinIOSource) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	s.logger.Info("created bucket", "bucket", s.cfg.Bucket)
	return nil
}

// Fetch downloads the tenant's module.
func (s *MinIOSource) Fetch(ctx context.Context, tenantID string) ([]byte, error) {
	objectKey := ObjectKey(tenantID)

	s.logger.Debug("downloading module from storage",
		"tenant_id", tenantID,
		"bucket", s.cfg.Bucket,
		"key", objectKey,
	)

	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, obj); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: tenant %s has no handler module", bus.ErrNoReceiver, tenantID)
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	return buf.Bytes(), nil
}

// Upload stores a tenant's module.
func (s *MinIOSource) Upload(ctx context.Context, tenantID string, wasmBytes []byte) error {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, ObjectKey(tenantID), bytes.NewReader(wasmBytes), int64(len(wasmBytes)), minio.PutObjectOptions{
		ContentType: "application/wasm",
	})
	if err != nil {
		return fmt.Errorf("upload module: %w", err)
	}

	s.logger.Info("uploaded module",
		"tenant_id", tenantID,
		"size", len(wasmBytes),
	)
	return nil
}

// StaticSource serves modules held in memory.
type StaticSource struct {
	mu      sync.RWMutex
	modules map[string][]byte
}

// NewStaticSource creates an empty in-memory source.
func NewStaticSource() *StaticSource {
	return &StaticSource{modules: make(map[string][]byte)}
}

// Put sets the tenant's module.
func (s *StaticSource) Put(tenantID string, wasmBytes []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[tenantID] = wasmBytes
}

// Upload is Put with the MinIOSource signature.
func (s *StaticSource) Upload(_ context.Context, tenantID string, wasmBytes []byte) error {
	s.Put(tenantID, wasmBytes)
	return nil
}

func (s *StaticSource) Fetch(_ context.Context, tenantID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.modules[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s has no handler module", bus.ErrNoReceiver, tenantID)
	}
	return m, nil
}

// ModuleLoader compiles tenant modules on first use and keeps them cached.
type ModuleLoader struct {
	source  ModuleSource
	runtime *Runtime
	logger  *slog.Logger
}

// NewModuleLoader creates a loader over source.
func NewModuleLoader(source ModuleSource, runtime *Runtime, logger *slog.Logger) *ModuleLoader {
	return &ModuleLoader{
		source:  source,
		runtime: runtime,
		logger:  logger,
	}
}

// Load returns the tenant's compiled module.
func (l *ModuleLoader) Load(ctx context.Context, tenantID string) (*CompiledModule, error) {
	l.runtime.cacheMu.RLock()
	cached, ok := l.runtime.cache[tenantID]
	l.runtime.cacheMu.RUnlock()
	if ok {
		return cached, nil
	}

	wasmBytes, err := l.source.Fetch(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return l.runtime.Compile(tenantID, wasmBytes)
}

// Invalidate forces the next Load for the tenant to fetch again.
func (l *ModuleLoader) Invalidate(tenantID string) {
	l.runtime.Forget(tenantID)
	l.logger.Debug("invalidated module cache", "tenant_id", tenantID)
}
