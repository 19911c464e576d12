package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fjod/go_cart/claim-service/internal/store"
)

// CartEvent is a row of the cart_events outbox, written by the
// shopping_carts trigger in the same transaction as the change.
type CartEvent struct {
	ID        int64
	CartID    int64
	Op        store.Op
	OldRow    json.RawMessage
	NewRow    json.RawMessage
	CreatedAt time.Time
}

func (r *Repository) GetUnprocessedEvents(ctx context.Context, limit int) ([]*CartEvent, error) {
	query := `SELECT id, cart_id, op, old_row, new_row, created_at
	          FROM cart_events WHERE processed_at IS NULL ORDER BY id LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed events: %w", err)
	}
	defer rows.Close()

	var events []*CartEvent
	for rows.Next() {
		var e CartEvent
		var oldRow, newRow sql.NullString
		if err := rows.Scan(&e.ID, &e.CartID, &e.Op, &oldRow, &newRow, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if oldRow.Valid {
			e.OldRow = json.RawMessage(oldRow.String)
		}
		if newRow.Valid {
			e.NewRow = json.RawMessage(newRow.String)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

func (r *Repository) MarkEventAsProcessed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE cart_events SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark event %d processed: %w", id, err)
	}
	return nil
}

// DeleteProcessedEvents drops published events older than before.
func (r *Repository) DeleteProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM cart_events WHERE processed_at IS NOT NULL AND processed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete processed events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// DeleteEventsOlderThan drops every event created before before, relayed or
// not. It bounds the outbox when nothing drains it.
func (r *Repository) DeleteEventsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM cart_events WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete events older than %s: %w", before.Format(time.RFC3339), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
