package bus

import (
	"context"
	"encoding/json"
)

// QueueStore is the persistent per-tenant queue. Writes for a row are
// committed durably or relaxed according to the row's Reliability.
type QueueStore interface {
	// Enqueue inserts one row. ID and CreatedAt are assigned by the store.
	Enqueue(ctx context.Context, row QueueRow) error
	// EnqueueMany inserts rows for any number of tenants atomically.
	EnqueueMany(ctx context.Context, rows []QueueRow) error
	// PendingTenants lists every tenant with at least one queued row.
	PendingTenants(ctx context.Context) ([]string, error)
	// FetchBatch returns up to limit of the tenant's oldest rows, by id.
	FetchBatch(ctx context.Context, tenantID string, limit int) ([]QueueRow, error)
	// Delete removes a row using the durability implied by reliability.
	Delete(ctx context.Context, tenantID string, id int64, reliability Reliability) error
}

// CredentialStore is read-only access to bus credentials. Lookups of records
// that do not exist return nil and no error.
type CredentialStore interface {
	ByID(ctx context.Context, tenantID string, id int64) (*Credential, error)
	ByName(ctx context.Context, tenantID, name string) (*Credential, error)
	// ListByInstanceKind scans every tenant.
	ListByInstanceKind(ctx context.Context, kind InstanceKind) ([]Credential, error)
}

// ConfigStore persists each tenant's PlatformConfig.
type ConfigStore interface {
	PlatformConfig(ctx context.Context, tenantID string) (PlatformConfig, error)
	SetPlatformConfig(ctx context.Context, tenantID string, cfg PlatformConfig) error
}

// ScriptHandlers invokes tenant-scripted bus handlers.
type ScriptHandlers interface {
	Receive(ctx context.Context, tenantID, busName string, body []byte) error
	DeliveryReport(ctx context.Context, tenantID, busName string, body []byte, status Status, info json.RawMessage) error
}
