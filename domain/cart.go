package domain

import "time"

// CartStatus is the availability of a physical cart.
type CartStatus string

const (
	CartStatusNotInUse CartStatus = "not_in_use"
	CartStatusInUse    CartStatus = "in_use"
)

func (s CartStatus) Valid() bool {
	return s == CartStatusNotInUse || s == CartStatusInUse
}

// String representation (for logging)
func (s CartStatus) String() string {
	return string(s)
}

// Cart is a row of the shopping_carts table. A cart is in_use iff UserID is set.
type Cart struct {
	CartID    int64      `json:"cart_id" bson:"cart_id"`
	Status    CartStatus `json:"status" bson:"status"`
	UserID    *string    `json:"user_id" bson:"user_id"`
	UpdatedAt time.Time  `json:"updated_at" bson:"updated_at"`
}

// OwnedBy reports whether the cart is in use by userID.
func (c Cart) OwnedBy(userID string) bool {
	return c.Status == CartStatusInUse && c.UserID != nil && *c.UserID == userID
}

// Available reports whether the cart can be claimed.
func (c Cart) Available() bool {
	return c.Status == CartStatusNotInUse && c.UserID == nil
}
