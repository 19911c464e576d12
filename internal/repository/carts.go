package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/fjod/go_cart/claim-service/domain"
	"github.com/fjod/go_cart/claim-service/internal/store"
	"github.com/lib/pq"
)

// whereClause renders a validated filter as SQL. Column names come from the
// store whitelist; values are always bound.
func whereClause(f store.Filter, args []any) (string, []any) {
	parts := make([]string, 0, len(f))
	for _, c := range f {
		if c.Value == nil {
			parts = append(parts, fmt.Sprintf("%s IS NULL", c.Column))
			continue
		}
		v := c.Value
		if s, ok := v.(domain.CartStatus); ok {
			v = string(s)
		}
		args = append(args, v)
		parts = append(parts, fmt.Sprintf("%s = $%d", c.Column, len(args)))
	}
	if len(parts) == 0 {
		return "TRUE", args
	}
	return strings.Join(parts, " AND "), args
}

// ConditionalUpdate is a single UPDATE ... WHERE <filter AND predicate>, so
// Postgres row locking decides between concurrent claims.
func (r *Repository) ConditionalUpdate(ctx context.Context, u store.Update) (int64, error) {
	if err := u.Validate(); err != nil {
		return 0, err
	}

	var owner any
	if u.Patch.UserID != nil {
		owner = *u.Patch.UserID
	}
	args := []any{string(u.Patch.Status), owner}
	where, args := whereClause(u.Where(), args)
	query := `UPDATE shopping_carts SET status = $1, user_id = $2, updated_at = NOW() WHERE ` + where

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update carts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (r *Repository) Select(ctx context.Context, f store.Filter) ([]domain.Cart, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	where, args := whereClause(f, nil)
	query := `SELECT cart_id, status, user_id, updated_at FROM shopping_carts WHERE ` + where + ` ORDER BY cart_id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query carts: %w", err)
	}
	defer rows.Close()

	carts := make([]domain.Cart, 0, 1)
	for rows.Next() {
		var cart domain.Cart
		var owner sql.NullString
		if err := rows.Scan(&cart.CartID, &cart.Status, &owner, &cart.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cart row: %w", err)
		}
		if owner.Valid {
			cart.UserID = &owner.String
		}
		carts = append(carts, cart)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return carts, nil
}

// Provision inserts an available cart.
func (r *Repository) Provision(ctx context.Context, cartID int64) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO shopping_carts (cart_id) VALUES ($1)`, cartID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return store.ErrCartExists
		}
		return fmt.Errorf("insert cart: %w", err)
	}
	return nil
}
