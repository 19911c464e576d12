package store

import (
	"fmt"

	"github.com/fjod/go_cart/claim-service/domain"
)

type Column string

const (
	ColCartID Column = "cart_id"
	ColStatus Column = "status"
	ColUserID Column = "user_id"
)

// Cond is an equality test. A nil Value means IS NULL.
type Cond struct {
	Column Column
	Value  any
}

// Filter is a conjunction of Conds.
type Filter []Cond

func ByCartID(id int64) Cond {
	return Cond{Column: ColCartID, Value: id}
}

func ByUserID(userID string) Cond {
	return Cond{Column: ColUserID, Value: userID}
}

func ByStatus(s domain.CartStatus) Cond {
	return Cond{Column: ColStatus, Value: s}
}

func UserIDIsNull() Cond {
	return Cond{Column: ColUserID}
}

// Validate rejects unknown columns and mistyped values so implementations can
// build queries from a Filter without escaping.
func (f Filter) Validate() error {
	for _, c := range f {
		switch c.Column {
		case ColCartID:
			if _, ok := c.Value.(int64); !ok {
				return fmt.Errorf("%w: %s needs int64, got %T", ErrInvalidFilter, c.Column, c.Value)
			}
		case ColStatus:
			s, ok := c.Value.(domain.CartStatus)
			if !ok || !s.Valid() {
				return fmt.Errorf("%w: %s needs a cart status, got %v", ErrInvalidFilter, c.Column, c.Value)
			}
		case ColUserID:
			if c.Value == nil {
				continue
			}
			if _, ok := c.Value.(string); !ok {
				return fmt.Errorf("%w: %s needs string or nil, got %T", ErrInvalidFilter, c.Column, c.Value)
			}
		default:
			return fmt.Errorf("%w: unknown column %q", ErrInvalidFilter, c.Column)
		}
	}
	return nil
}

// Match evaluates f against a row. Unknown columns never match.
func (f Filter) Match(c domain.Cart) bool {
	for _, cond := range f {
		if !cond.match(c) {
			return false
		}
	}
	return true
}

func (cond Cond) match(c domain.Cart) bool {
	switch cond.Column {
	case ColCartID:
		id, ok := cond.Value.(int64)
		return ok && c.CartID == id
	case ColStatus:
		s, ok := cond.Value.(domain.CartStatus)
		return ok && c.Status == s
	case ColUserID:
		if cond.Value == nil {
			return c.UserID == nil
		}
		u, ok := cond.Value.(string)
		return ok && c.UserID != nil && *c.UserID == u
	}
	return false
}

func (f Filter) String() string {
	s := ""
	for i, c := range f {
		if i > 0 {
			s += " AND "
		}
		if c.Value == nil {
			s += fmt.Sprintf("%s IS NULL", c.Column)
			continue
		}
		s += fmt.Sprintf("%s = %v", c.Column, c.Value)
	}
	return s
}
