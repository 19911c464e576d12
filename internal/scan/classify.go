// Package scan turns a raw scanned string into a typed intent.
package scan

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fjod/go_cart/claim-service/domain"
)

const (
	CartPrefix    = "go-cart-"
	PaymentPrefix = "payment:"
)

// Code is one of CartClaim, Payment or Unrecognized.
type Code interface {
	isCode()
}

// CartClaim asks to claim the cart with the given physical label.
type CartClaim struct {
	CartID int64
}

// Payment names the broadcast channel of a point-of-sale transaction.
type Payment struct {
	Token string
}

// Unrecognized is anything else. Reason wraps domain.ErrValidation.
type Unrecognized struct {
	Reason error
}

func (CartClaim) isCode()    {}
func (Payment) isCode()      {}
func (Unrecognized) isCode() {}

// Label renders the code printed on the cart.
func (c CartClaim) Label() string {
	return CartPrefix + strconv.FormatInt(c.CartID, 10)
}

// Classify never fails; malformed input is Unrecognized.
func Classify(raw string) Code {
	switch {
	case strings.HasPrefix(raw, CartPrefix):
		rest := raw[len(CartPrefix):]
		id, err := parseCartID(rest)
		if err != nil {
			return Unrecognized{Reason: err}
		}
		return CartClaim{CartID: id}
	case strings.HasPrefix(raw, PaymentPrefix):
		token := raw[len(PaymentPrefix):]
		if token == "" {
			return Unrecognized{Reason: fmt.Errorf("%w: empty payment token", domain.ErrValidation)}
		}
		return Payment{Token: token}
	default:
		return Unrecognized{Reason: fmt.Errorf("%w: unknown prefix", domain.ErrValidation)}
	}
}

// parseCartID accepts plain decimal digits only; strconv alone would let "+7" through.
func parseCartID(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty cart id", domain.ErrValidation)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: cart id %q is not numeric", domain.ErrValidation, s)
		}
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: cart id %q: %v", domain.ErrValidation, s, err)
	}
	if id <= 0 {
		return 0, fmt.Errorf("%w: cart id must be positive", domain.ErrValidation)
	}
	return id, nil
}
