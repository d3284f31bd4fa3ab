package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/marko911/pulse-bus/internal/bus"
)

var _ bus.CredentialStore = (*CredentialRepository)(nil)

// CredentialRepository reads bus credentials. Credentials are owned by the
// tenant administration tooling; Create exists for provisioning and tests.
type CredentialRepository struct {
	db *DB
}

// NewCredentialRepository creates a new CredentialRepository.
func NewCredentialRepository(db *DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

const selectCredentialSQL = `
	SELECT id, tenant_id, kind, instance_kind, name, account, secret,
	       created_at, updated_at
	FROM bus_credentials
`

// ByID returns the tenant's credential with the given id, or nil.
func (r *CredentialRepository) ByID(ctx context.Context, tenantID string, id int64) (*bus.Credential, error) {
	return r.one(ctx, selectCredentialSQL+` WHERE tenant_id = $1 AND id = $2 AND kind = $3`,
		tenantID, id, bus.CredentialKind)
}

// ByName returns the tenant's message bus credential with the given name, or nil.
func (r *CredentialRepository) ByName(ctx context.Context, tenantID, name string) (*bus.Credential, error) {
	return r.one(ctx, selectCredentialSQL+` WHERE tenant_id = $1 AND name = $2 AND kind = $3`,
		tenantID, name, bus.CredentialKind)
}

// ListByInstanceKind returns every tenant's credentials of one instance kind.
func (r *CredentialRepository) ListByInstanceKind(ctx context.Context, kind bus.InstanceKind) ([]bus.Credential, error) {
	rows, err := r.db.pool.Query(ctx,
		selectCredentialSQL+` WHERE kind = $1 AND instance_kind = $2 ORDER BY tenant_id, id`,
		bus.CredentialKind, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []bus.Credential
	for rows.Next() {
		rec, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		c, err := rec.toCredential()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	return out, rows.Err()
}

// Create inserts a credential and sets its ID.
func (r *CredentialRepository) Create(ctx context.Context, c *bus.Credential) error {
	account, err := json.Marshal(nonNil(c.Account))
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	secret, err := json.Marshal(nonNil(c.Secret))
	if err != nil {
		return fmt.Errorf("marshal secret: %w", err)
	}
	if c.Kind == "" {
		c.Kind = bus.CredentialKind
	}

	sql := `
		INSERT INTO bus_credentials (tenant_id, kind, instance_kind, name, account, secret)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	if err := r.db.pool.QueryRow(ctx, sql,
		c.TenantID, c.Kind, string(c.InstanceKind), c.Name, account, secret,
	).Scan(&c.ID); err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (r *CredentialRepository) one(ctx context.Context, sql string, args ...any) (*bus.Credential, error) {
	rec, err := scanCredential(r.db.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query credential: %w", err)
	}

	c, err := rec.toCredential()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanCredential(row pgx.Row) (CredentialRecord, error) {
	var rec CredentialRecord
	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.Kind, &rec.InstanceKind, &rec.Name,
		&rec.Account, &rec.Secret, &rec.CreatedAt, &rec.UpdatedAt,
	)
	return rec, err
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
