package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// ChangeChannel is the NOTIFY channel raised by credential and tenant writes.
const ChangeChannel = "bus_changes"

// ListenChanges blocks, calling fn with the changed table name for every
// notification on ChangeChannel, until ctx is cancelled. Lost connections
// are re-established after a short delay; fn is also called with "" after
// each reconnect since notifications may have been missed meanwhile.
func (db *DB) ListenChanges(ctx context.Context, logger *slog.Logger, fn func(table string)) error {
	first := true
	for {
		err := db.listenOnce(ctx, func() {
			if !first {
				fn("")
			}
			first = false
		}, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("change listener disconnected", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (db *DB) listenOnce(ctx context.Context, onListen func(), fn func(table string)) error {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(cleanupCtx, "UNLISTEN *")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChangeChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	onListen()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		fn(n.Payload)
	}
}
