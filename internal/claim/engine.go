// Package claim runs the conditional claim/release protocol against the
// store of record. The store's conditional update is the only arbiter
// between concurrent clients; nothing here locks.
package claim

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/claim-service/domain"
	"github.com/fjod/go_cart/claim-service/internal/store"
	"github.com/fjod/go_cart/claim-service/pkg/circuitbreaker"
	"go.uber.org/zap"
)

type Engine struct {
	carts   store.CartStore
	breaker *circuitbreaker.Breaker
	log     *zap.Logger
}

func NewEngine(carts store.CartStore, breaker *circuitbreaker.Breaker, log *zap.Logger) *Engine {
	return &Engine{
		carts:   carts,
		breaker: breaker,
		log:     log,
	}
}

// Claim marks cartID as in use by userID. It succeeds only if the cart is
// currently not_in_use, or already owned by userID (repeated scans).
// Errors: domain.ErrAlreadyOwned, domain.ErrCartNotFound, *domain.TransportError.
func (e *Engine) Claim(ctx context.Context, cartID int64, userID string) error {
	if cartID <= 0 || userID == "" {
		return fmt.Errorf("%w: cart id and user id are required", domain.ErrValidation)
	}

	n, err := e.update(ctx, "claim", store.Update{
		Filter:    store.Filter{store.ByCartID(cartID)},
		Predicate: store.Filter{store.ByStatus(domain.CartStatusNotInUse), store.UserIDIsNull()},
		Patch:     store.Claim(userID),
	})
	if err != nil {
		return err
	}
	if n > 0 {
		e.log.Info("cart claimed", zap.Int64("cart_id", cartID), zap.String("user_id", userID))
		return nil
	}

	// Nothing changed: find out whether the row is missing, ours, or someone else's.
	carts, err := e.selectCarts(ctx, "claim", store.Filter{store.ByCartID(cartID)})
	if err != nil {
		return err
	}
	if len(carts) == 0 {
		return domain.ErrCartNotFound
	}
	if carts[0].OwnedBy(userID) {
		e.log.Debug("cart already claimed by caller", zap.Int64("cart_id", cartID), zap.String("user_id", userID))
		return nil
	}
	return domain.ErrAlreadyOwned
}

// Release returns cartID to the pool if userID owns it.
// Errors: domain.ErrNotOwner, *domain.TransportError.
func (e *Engine) Release(ctx context.Context, cartID int64, userID string) error {
	if cartID <= 0 || userID == "" {
		return fmt.Errorf("%w: cart id and user id are required", domain.ErrValidation)
	}

	n, err := e.update(ctx, "release", store.Update{
		Filter:    store.Filter{store.ByCartID(cartID)},
		Predicate: store.Filter{store.ByUserID(userID)},
		Patch:     store.Release(),
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotOwner
	}
	e.log.Info("cart released", zap.Int64("cart_id", cartID), zap.String("user_id", userID))
	return nil
}

// ActiveCart returns the cart userID currently holds, or nil.
func (e *Engine) ActiveCart(ctx context.Context, userID string) (*domain.Cart, error) {
	carts, err := e.selectCarts(ctx, "active cart", store.Filter{
		store.ByUserID(userID),
		store.ByStatus(domain.CartStatusInUse),
	})
	if err != nil {
		return nil, err
	}
	if len(carts) == 0 {
		return nil, nil
	}
	if len(carts) > 1 {
		e.log.Error("user holds more than one cart",
			zap.String("user_id", userID),
			zap.Int("count", len(carts)))
	}
	cart := carts[0]
	return &cart, nil
}

func (e *Engine) update(ctx context.Context, op string, u store.Update) (int64, error) {
	var n int64
	err := e.breaker.Run(func() error {
		var errUpdate error
		n, errUpdate = e.carts.ConditionalUpdate(ctx, u)
		return errUpdate
	})
	if err != nil {
		return 0, e.transport(op, err)
	}
	return n, nil
}

func (e *Engine) selectCarts(ctx context.Context, op string, f store.Filter) ([]domain.Cart, error) {
	var carts []domain.Cart
	err := e.breaker.Run(func() error {
		var errSelect error
		carts, errSelect = e.carts.Select(ctx, f)
		return errSelect
	})
	if err != nil {
		return nil, e.transport(op, err)
	}
	return carts, nil
}

func (e *Engine) transport(op string, err error) error {
	if errors.Is(err, store.ErrInvalidFilter) || errors.Is(err, store.ErrInvalidPatch) {
		return fmt.Errorf("%s: %w", op, err)
	}
	e.log.Warn("store call failed", zap.String("op", op), zap.Error(err))
	return &domain.TransportError{Op: op, Err: err}
}

// NewStoreBreaker trips on transport failures only; cancellations and
// malformed requests are the caller's problem, not the store's.
func NewStoreBreaker(cfg circuitbreaker.Config, log *zap.Logger) *circuitbreaker.Breaker {
	return circuitbreaker.New("cart-store", cfg, log,
		context.Canceled,
		context.DeadlineExceeded,
		store.ErrInvalidFilter,
		store.ErrInvalidPatch,
	)
}
