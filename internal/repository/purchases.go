package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/claim-service/domain"
	"github.com/google/uuid"
)

func (r *Repository) GetPurchase(ctx context.Context, id uuid.UUID) (*domain.Purchase, error) {
	query := `SELECT id, user_id, cart_id, mode_of_payment, total_amount, datetime
	          FROM purchase_history WHERE id = $1`

	var p domain.Purchase
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.UserID,
		&p.CartID,
		&p.ModeOfPayment,
		&p.TotalAmount,
		&p.Datetime,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPurchaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query purchase by id: %w", err)
	}

	items, err := r.purchasedItems(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Items = items
	return &p, nil
}

func (r *Repository) purchasedItems(ctx context.Context, id uuid.UUID) ([]domain.PurchasedItem, error) {
	query := `SELECT pi.item_id, pd.name, pi.quantity, pd.price
	          FROM purchased_items pi JOIN product_details pd ON pd.id = pi.item_id
	          WHERE pi.id = $1 ORDER BY pi.item_id`

	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query purchased items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.PurchasedItem, 0)
	for rows.Next() {
		var item domain.PurchasedItem
		if err := rows.Scan(&item.ItemID, &item.Name, &item.Quantity, &item.Price); err != nil {
			return nil, fmt.Errorf("scan purchased item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return items, nil
}

// ListPurchases returns userID's purchases, newest first, without items.
func (r *Repository) ListPurchases(ctx context.Context, userID string) ([]*domain.Purchase, error) {
	query := `SELECT id, user_id, cart_id, mode_of_payment, total_amount, datetime
	          FROM purchase_history WHERE user_id = $1 ORDER BY datetime DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query purchases by user id: %w", err)
	}
	defer rows.Close()

	purchases := make([]*domain.Purchase, 0)
	for rows.Next() {
		var p domain.Purchase
		if err := rows.Scan(&p.ID, &p.UserID, &p.CartID, &p.ModeOfPayment, &p.TotalAmount, &p.Datetime); err != nil {
			return nil, fmt.Errorf("scan purchase row: %w", err)
		}
		purchases = append(purchases, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return purchases, nil
}

// CreatePurchase records a purchase and its items in one transaction. The
// point-of-sale side owns this in production; it is here for seeding.
func (r *Repository) CreatePurchase(ctx context.Context, p *domain.Purchase) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO purchase_history (id, user_id, cart_id, mode_of_payment, total_amount, datetime)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.UserID, p.CartID, p.ModeOfPayment, p.TotalAmount, p.Datetime)
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}

	for _, item := range p.Items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO product_details (id, name, price) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price`,
			item.ItemID, item.Name, item.Price)
		if err != nil {
			return fmt.Errorf("upsert product %d: %w", item.ItemID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO purchased_items (id, item_id, quantity) VALUES ($1, $2, $3)`,
			p.ID, item.ItemID, item.Quantity)
		if err != nil {
			return fmt.Errorf("insert purchased item %d: %w", item.ItemID, err)
		}
	}

	return tx.Commit()
}
