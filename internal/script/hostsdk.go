package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/marko911/pulse-bus/internal/bus"
)

// Sender accepts messages sent by tenant handlers.
type Sender interface {
	SendMessage(ctx context.Context, tenantID string, msg bus.Message) error
}

// HostSDK provides the services behind the host functions: tenant-scoped
// key/value storage and message sending.
type HostSDK struct {
	redis  *redis.Client
	logger *slog.Logger

	mu     sync.RWMutex
	sender Sender
}

// NewHostSDK creates a host SDK. A nil Redis client disables KV access.
func NewHostSDK(rdb *redis.Client, logger *slog.Logger) *HostSDK {
	return &HostSDK{
		redis:  rdb,
		logger: logger,
	}
}

// SetSender sets where send_message calls go.
func (h *HostSDK) SetSender(s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sender = s
}

func (h *HostSDK) currentSender() Sender {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sender
}

// GetHostFunctions returns a fresh host function set for one execution.
func (h *HostSDK) GetHostFunctions(tenantID string) *HostFunctions {
	return &HostFunctions{
		tenantID: tenantID,
		sdk:      h,
		logger:   h.logger.With("tenant_id", tenantID),
	}
}

type HostFunctions struct {
	tenantID string
	sdk      *HostSDK
	logger   *slog.Logger

	mu     sync.Mutex
	input  []byte
	output []byte
	logs   []LogEntry
	sent   int
}

type LogEntry struct {
	Level   int
	Message string
}

const (
	LogLevelDebug = 0
	LogLevelInfo  = 1
	LogLevelWarn  = 2
	LogLevelError = 3
)

func (h *HostFunctions) Log(level int, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.logs = append(h.logs, LogEntry{Level: level, Message: message})

	switch level {
	case LogLevelDebug:
		h.logger.Debug(message, "source", "wasm")
	case LogLevelInfo:
		h.logger.Info(message, "source", "wasm")
	case LogLevelWarn:
		h.logger.Warn(message, "source", "wasm")
	case LogLevelError:
		h.logger.Error(message, "source", "wasm")
	default:
		h.logger.Info(message, "source", "wasm", "level", level)
	}
}

func (h *HostFunctions) SetInput(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.input = make([]byte, len(data))
	copy(h.input, data)
}

func (h *HostFunctions) GetInput() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.input
}

func (h *HostFunctions) GetInputLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.input)
}

func (h *HostFunctions) SetOutput(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.output = make([]byte, len(data))
	copy(h.output, data)
}

func (h *HostFunctions) GetOutput() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.output
}

func (h *HostFunctions) GetLogs() []LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	logs := make([]LogEntry, len(h.logs))
	copy(logs, h.logs)
	return logs
}

// Sent returns how many messages the handler sent.
func (h *HostFunctions) Sent() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent
}

// scriptMessage is the send_message payload. Bodies are plain strings so
// handlers do not have to base64 them.
type scriptMessage struct {
	Kind        bus.InstanceKind  `json:"kind"`
	BusID       int64             `json:"bus_id"`
	BusName     string            `json:"bus_name"`
	Secret      string            `json:"secret"`
	Reliability bus.Reliability   `json:"reliability"`
	Body        string            `json:"body"`
	Options     map[string]string `json:"options"`
}

// SendMessage decodes a send_message payload and hands it to the sender.
// It returns the host function status code.
func (h *HostFunctions) SendMessage(ctx context.Context, payload []byte) int32 {
	var m scriptMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		h.logger.Warn("invalid send_message payload", "error", err)
		return -1
	}

	sender := h.sdk.currentSender()
	if sender == nil {
		h.logger.Warn("send_message called with no sender configured")
		return -2
	}

	err := sender.SendMessage(ctx, h.tenantID, bus.Message{
		Kind:        m.Kind,
		BusID:       m.BusID,
		BusName:     m.BusName,
		Secret:      m.Secret,
		Reliability: m.Reliability,
		Body:        []byte(m.Body),
		Options:     m.Options,
	})
	if err != nil {
		h.logger.Warn("send_message failed", "bus_name", m.BusName, "error", err)
		return -2
	}

	h.mu.Lock()
	h.sent++
	h.mu.Unlock()
	return 0
}

var errNoKV = errors.New("key/value store not configured")

func (h *HostFunctions) KVGet(ctx context.Context, key string) ([]byte, error) {
	if h.sdk.redis == nil {
		return nil, errNoKV
	}
	val, err := h.sdk.redis.Get(ctx, h.tenantKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (h *HostFunctions) KVSet(ctx context.Context, key string, value []byte) error {
	if h.sdk.redis == nil {
		return errNoKV
	}
	return h.sdk.redis.Set(ctx, h.tenantKey(key), value, 0).Err()
}

func (h *HostFunctions) KVDelete(ctx context.Context, key string) error {
	if h.sdk.redis == nil {
		return errNoKV
	}
	return h.sdk.redis.Del(ctx, h.tenantKey(key)).Err()
}

func (h *HostFunctions) tenantKey(key string) string {
	return fmt.Sprintf("tenant:%s:kv:%s", h.tenantID, key)
}
