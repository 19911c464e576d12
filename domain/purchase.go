package domain

import (
	"time"

	"github.com/google/uuid"
)

// Purchase is a completed payment recorded by the point-of-sale side.
// The claim service only reads it to show the transaction detail.
type Purchase struct {
	ID            uuid.UUID       `json:"id"`
	UserID        string          `json:"user_id"`
	CartID        int64           `json:"cart_id"`
	ModeOfPayment string          `json:"mode_of_payment"`
	TotalAmount   float64         `json:"total_amount"`
	Datetime      time.Time       `json:"datetime"`
	Items         []PurchasedItem `json:"items"`
}

type PurchasedItem struct {
	ItemID   int64   `json:"item_id"`
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}
