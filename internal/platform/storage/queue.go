package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/marko911/pulse-bus/internal/bus"
)

var _ bus.QueueStore = (*QueueRepository)(nil)

// QueueRepository is the persistent message bus queue. Each tenant's rows
// live in their own partition of bus_queue.
type QueueRepository struct {
	db *DB
}

// NewQueueRepository creates a new QueueRepository.
func NewQueueRepository(db *DB) *QueueRepository {
	return &QueueRepository{db: db}
}

const insertQueueSQL = `
	INSERT INTO bus_queue (
		tenant_id, bus_id, is_send, reliability, body, transport_options
	) VALUES ($1, $2, $3, $4, $5, $6)
`

// Enqueue inserts a row, committing durably only when the row's reliability
// asks for it.
func (r *QueueRepository) Enqueue(ctx context.Context, row bus.QueueRow) error {
	opts, err := encodeOptions(row.TransportOptions)
	if err != nil {
		return fmt.Errorf("encode transport options: %w", err)
	}

	return r.db.WithDurability(ctx, row.Reliability.Durable(), func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insertQueueSQL,
			row.TenantID,
			row.BusID,
			row.Direction.IsSend(),
			int16(row.Reliability),
			row.Body,
			opts,
		)
		if err != nil {
			return fmt.Errorf("insert queue row: %w", err)
		}
		return nil
	})
}

// EnqueueMany inserts rows for several tenants in one transaction. The
// transaction is durable if any row asks for durability.
func (r *QueueRepository) EnqueueMany(ctx context.Context, rows []bus.QueueRow) error {
	if len(rows) == 0 {
		return nil
	}

	durable := false
	batch := &pgx.Batch{}
	for _, row := range rows {
		opts, err := encodeOptions(row.TransportOptions)
		if err != nil {
			return fmt.Errorf("encode transport options: %w", err)
		}
		if row.Reliability.Durable() {
			durable = true
		}
		batch.Queue(insertQueueSQL,
			row.TenantID,
			row.BusID,
			row.Direction.IsSend(),
			int16(row.Reliability),
			row.Body,
			opts,
		)
	}

	return r.db.WithDurability(ctx, durable, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for i := range rows {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("insert queue row for tenant %s: %w", rows[i].TenantID, err)
			}
		}
		return results.Close()
	})
}

// PendingTenants lists tenants with at least one queued row across all
// partitions.
func (r *QueueRepository) PendingTenants(ctx context.Context) ([]string, error) {
	rows, err := r.db.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM bus_queue`)
	if err != nil {
		return nil, fmt.Errorf("query pending tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, tenantID)
	}

	return tenants, rows.Err()
}

// FetchBatch returns the tenant's oldest rows in id order.
func (r *QueueRepository) FetchBatch(ctx context.Context, tenantID string, limit int) ([]bus.QueueRow, error) {
	sql := `
		SELECT id, created_at, tenant_id, bus_id, is_send, reliability,
		       body, transport_options
		FROM bus_queue
		WHERE tenant_id = $1
		ORDER BY id ASC
		LIMIT $2
	`

	rows, err := r.db.pool.Query(ctx, sql, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query batch: %w", err)
	}
	defer rows.Close()

	var out []bus.QueueRow
	for rows.Next() {
		var rec QueueRecord
		if err := rows.Scan(
			&rec.ID, &rec.CreatedAt, &rec.TenantID, &rec.BusID, &rec.IsSend,
			&rec.Reliability, &rec.Body, &rec.TransportOptions,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row, err := rec.toRow()
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}

	return out, rows.Err()
}

// Delete removes a delivered row with the same durability it was written with.
func (r *QueueRepository) Delete(ctx context.Context, tenantID string, id int64, reliability bus.Reliability) error {
	return r.db.WithDurability(ctx, reliability.Durable(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM bus_queue WHERE tenant_id = $1 AND id = $2`,
			tenantID, id,
		); err != nil {
			return fmt.Errorf("delete queue row %d: %w", id, err)
		}
		return nil
	})
}

// Count returns the number of queued rows for a tenant.
func (r *QueueRepository) Count(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := r.db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM bus_queue WHERE tenant_id = $1`, tenantID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queue rows: %w", err)
	}
	return n, nil
}
