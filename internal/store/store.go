// Package store describes the backend store of record the claim protocol
// runs against: conditional row updates, selects, a change feed and
// ephemeral broadcast channels.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/claim-service/domain"
)

const TableShoppingCarts = "shopping_carts"

var (
	ErrInvalidFilter = errors.New("invalid filter")
	ErrInvalidPatch  = errors.New("invalid patch")
	ErrCartExists    = errors.New("cart already provisioned")
	ErrClosed        = errors.New("store closed")
)

// CartStore is the row-level part of the store. ConditionalUpdate is the only
// concurrency primitive: the store applies it atomically per row.
type CartStore interface {
	// ConditionalUpdate patches every row matching u.Filter that also satisfies
	// u.Predicate and returns the number of rows changed.
	ConditionalUpdate(ctx context.Context, u Update) (int64, error)

	// Select returns the rows matching f ordered by cart_id.
	Select(ctx context.Context, f Filter) ([]domain.Cart, error)
}

// ChangeFeed delivers "something changed" signals. Delivery may be duplicated
// or reordered; consumers re-read instead of trusting the payload.
type ChangeFeed interface {
	Subscribe(ctx context.Context, table string, f Filter, onEvent func(Event)) (Subscription, error)
}

type Subscription interface {
	Close() error
}

// Broadcaster opens named ephemeral pub/sub channels.
type Broadcaster interface {
	OpenChannel(ctx context.Context, name string) (Channel, error)
}

type Channel interface {
	Name() string
	// Subscribed is closed once the backend acknowledged the subscription.
	Subscribed() <-chan struct{}
	// Messages carries broadcasts published by other participants.
	Messages() <-chan Message
	Publish(ctx context.Context, event string, payload any) error
	Close() error
}

type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
	// OpResync carries no rows. Changes may have been missed, so every
	// subscriber of the table should re-read.
	OpResync Op = "RESYNC"
)

// Event is a change notification. Old and New are best effort and may be nil.
type Event struct {
	Table string       `json:"table"`
	Op    Op           `json:"op"`
	Old   *domain.Cart `json:"old,omitempty"`
	New   *domain.Cart `json:"new,omitempty"`
	At    time.Time    `json:"at"`
}

// Matches reports whether either row image satisfies f.
func (e Event) Matches(table string, f Filter) bool {
	if e.Table != table {
		return false
	}
	if len(f) == 0 {
		return true
	}
	return (e.Old != nil && f.Match(*e.Old)) || (e.New != nil && f.Match(*e.New))
}

// Update is a conditional write: rows are chosen by Filter and changed only if
// Predicate also holds on their current state.
type Update struct {
	Filter    Filter
	Predicate Filter
	Patch     Patch
}

// Where is the full conjunction the store must evaluate atomically.
func (u Update) Where() Filter {
	where := make(Filter, 0, len(u.Filter)+len(u.Predicate))
	where = append(where, u.Filter...)
	return append(where, u.Predicate...)
}

func (u Update) Validate() error {
	if len(u.Filter) == 0 {
		return fmt.Errorf("%w: update without filter", ErrInvalidFilter)
	}
	if err := u.Where().Validate(); err != nil {
		return err
	}
	return u.Patch.Validate()
}

// Patch sets status and owner together so a row can never be in_use without
// an owner or owned while not_in_use.
type Patch struct {
	Status domain.CartStatus
	UserID *string
}

func Claim(userID string) Patch {
	return Patch{Status: domain.CartStatusInUse, UserID: &userID}
}

func Release() Patch {
	return Patch{Status: domain.CartStatusNotInUse}
}

func (p Patch) Validate() error {
	switch {
	case !p.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidPatch, p.Status)
	case p.Status == domain.CartStatusInUse && (p.UserID == nil || *p.UserID == ""):
		return fmt.Errorf("%w: in_use requires an owner", ErrInvalidPatch)
	case p.Status == domain.CartStatusNotInUse && p.UserID != nil:
		return fmt.Errorf("%w: not_in_use cannot have an owner", ErrInvalidPatch)
	}
	return nil
}

func (p Patch) Apply(c *domain.Cart) {
	c.Status = p.Status
	if p.UserID == nil {
		c.UserID = nil
		return
	}
	owner := *p.UserID
	c.UserID = &owner
}
