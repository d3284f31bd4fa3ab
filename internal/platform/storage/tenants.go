package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/marko911/pulse-bus/internal/bus"
)

// TenantRepository provisions tenants and their queue partitions.
type TenantRepository struct {
	db *DB
}

// NewTenantRepository creates a new TenantRepository.
func NewTenantRepository(db *DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// PartitionName is the physical queue table for a tenant.
func PartitionName(tenantID string) string {
	return "bus_queue_t_" + tenantID
}

// EnsureTenant registers the tenant and creates its queue partition. Rows
// already sitting in the default partition for this tenant are moved into
// the new partition in the same transaction.
func (r *TenantRepository) EnsureTenant(ctx context.Context, tenantID string) error {
	if err := bus.ValidateTenantID(tenantID); err != nil {
		return err
	}

	partition := pgx.Identifier{PartitionName(tenantID)}.Sanitize()
	// The tenant id is validated above so it is safe as a literal here;
	// partition bounds cannot be bound parameters.
	literal := "'" + tenantID + "'"

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO bus_tenants (tenant_id) VALUES ($1) ON CONFLICT (tenant_id) DO NOTHING`,
			tenantID)
		if err != nil {
			return fmt.Errorf("insert tenant: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			CREATE TEMP TABLE bus_queue_move ON COMMIT DROP AS
			SELECT * FROM bus_queue_default WHERE tenant_id = `+literal); err != nil {
			return fmt.Errorf("stage default rows: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM bus_queue_default WHERE tenant_id = `+literal); err != nil {
			return fmt.Errorf("clear default rows: %w", err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF bus_queue FOR VALUES IN (%s)`,
			partition, literal)); err != nil {
			return fmt.Errorf("create partition: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO bus_queue SELECT * FROM bus_queue_move`); err != nil {
			return fmt.Errorf("move default rows: %w", err)
		}
		return nil
	})
}

// ListTenants returns every registered tenant.
func (r *TenantRepository) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := r.db.pool.Query(ctx, `SELECT tenant_id FROM bus_tenants ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
