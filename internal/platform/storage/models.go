package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/marko911/pulse-bus/internal/bus"
)

// QueueRecord is a bus_queue row as stored.
type QueueRecord struct {
	ID               int64     `db:"id"`
	CreatedAt        time.Time `db:"created_at"`
	TenantID         string    `db:"tenant_id"`
	BusID            int64     `db:"bus_id"`
	IsSend           bool      `db:"is_send"`
	Reliability      int16     `db:"reliability"`
	Body             []byte    `db:"body"`
	TransportOptions []byte    `db:"transport_options"` // JSONB
}

func (r QueueRecord) toRow() (bus.QueueRow, error) {
	row := bus.QueueRow{
		ID:          r.ID,
		CreatedAt:   r.CreatedAt,
		TenantID:    r.TenantID,
		BusID:       r.BusID,
		Direction:   bus.DirectionFromIsSend(r.IsSend),
		Reliability: bus.Reliability(r.Reliability),
		Body:        r.Body,
	}
	if len(r.TransportOptions) > 0 {
		if err := json.Unmarshal(r.TransportOptions, &row.TransportOptions); err != nil {
			return bus.QueueRow{}, fmt.Errorf("decode transport options for row %d: %w", r.ID, err)
		}
	}
	return row, nil
}

// CredentialRecord is a bus_credentials row as stored.
type CredentialRecord struct {
	ID           int64     `db:"id"`
	TenantID     string    `db:"tenant_id"`
	Kind         string    `db:"kind"`
	InstanceKind string    `db:"instance_kind"`
	Name         string    `db:"name"`
	Account      []byte    `db:"account"` // JSONB
	Secret       []byte    `db:"secret"`  // JSONB
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r CredentialRecord) toCredential() (bus.Credential, error) {
	c := bus.Credential{
		ID:           r.ID,
		TenantID:     r.TenantID,
		Kind:         r.Kind,
		InstanceKind: bus.InstanceKind(r.InstanceKind),
		Name:         r.Name,
	}
	if len(r.Account) > 0 {
		if err := json.Unmarshal(r.Account, &c.Account); err != nil {
			return bus.Credential{}, fmt.Errorf("decode account for credential %d: %w", r.ID, err)
		}
	}
	if len(r.Secret) > 0 {
		if err := json.Unmarshal(r.Secret, &c.Secret); err != nil {
			return bus.Credential{}, fmt.Errorf("decode secret for credential %d: %w", r.ID, err)
		}
	}
	return c, nil
}

func encodeOptions(opts map[string]string) ([]byte, error) {
	if opts == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(opts)
}
