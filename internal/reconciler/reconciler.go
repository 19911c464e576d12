// Package reconciler keeps a session's view of "my cart" in line with the
// store of record. It listens for row changes touching the user or the
// tracked cart and, on any of them, re-reads the user's active cart and hands
// the answer to the session. Events are only triggers; their payload is never
// trusted.
package reconciler

import (
	"context"
	"errors"
	"sync"

	"github.com/fjod/go_cart/claim-service/domain"
	"github.com/fjod/go_cart/claim-service/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var ErrClosed = errors.New("reconciler closed")

// ActiveCartReader answers "which cart does userID hold". A nil cart means none.
type ActiveCartReader interface {
	ActiveCart(ctx context.Context, userID string) (*domain.Cart, error)
}

// Syncer receives every fresh answer, in read order, tagged with the
// generation it reported when the read started.
type Syncer interface {
	Generation() uint64
	Sync(cart *domain.Cart, gen uint64)
}

type Reconciler struct {
	userID string
	feed   store.ChangeFeed
	reader ActiveCartReader
	syncer Syncer
	log    *zap.Logger

	sfg    singleflight.Group
	readMu sync.Mutex
	kick   chan struct{}

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	userSub store.Subscription
	cartSub store.Subscription
	tracked int64
	closed  bool
	wg      sync.WaitGroup
}

func New(userID string, feed store.ChangeFeed, reader ActiveCartReader, syncer Syncer, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		userID: userID,
		feed:   feed,
		reader: reader,
		syncer: syncer,
		log:    log.With(zap.String("user_id", userID)),
		kick:   make(chan struct{}, 1),
	}
}

// Start subscribes to changes on the user's rows and performs the initial
// read. A failed subscription is returned but leaves the reconciler usable:
// Refresh still works, only pushes are lost.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.ctx != nil {
		r.mu.Unlock()
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.wg.Add(1)
	go r.worker(r.ctx)

	sub, subErr := r.feed.Subscribe(ctx, store.TableShoppingCarts, store.Filter{store.ByUserID(r.userID)}, r.onEvent)
	if subErr != nil {
		r.log.Error("subscribe to user changes failed, falling back to refresh on demand", zap.Error(subErr))
	} else {
		r.userSub = sub
	}
	r.mu.Unlock()

	if err := r.Refresh(ctx); err != nil {
		return errors.Join(subErr, err)
	}
	return subErr
}

// Track follows row changes of cartID, so a release by another device is
// seen. Tracking 0 stops following.
func (r *Reconciler) Track(cartID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || cartID == r.tracked {
		return
	}

	if r.cartSub != nil {
		if err := r.cartSub.Close(); err != nil {
			r.log.Warn("close cart subscription", zap.Int64("cart_id", r.tracked), zap.Error(err))
		}
		r.cartSub = nil
	}
	r.tracked = cartID
	if cartID == 0 {
		return
	}

	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	sub, err := r.feed.Subscribe(ctx, store.TableShoppingCarts, store.Filter{store.ByCartID(cartID)}, r.onEvent)
	if err != nil {
		r.log.Error("subscribe to cart changes failed", zap.Int64("cart_id", cartID), zap.Error(err))
		return
	}
	r.cartSub = sub
}

// Tracked is the cart id currently followed, 0 if none.
func (r *Reconciler) Tracked() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracked
}

// Refresh re-reads the user's active cart and syncs it. Concurrent callers
// share one read.
func (r *Reconciler) Refresh(ctx context.Context) error {
	_, err, _ := r.sfg.Do(r.userID, func() (interface{}, error) {
		return nil, r.refresh(ctx)
	})
	return err
}

// refresh holds readMu across read and sync so answers reach the session in
// the order they were read.
func (r *Reconciler) refresh(ctx context.Context) error {
	r.readMu.Lock()
	defer r.readMu.Unlock()

	gen := r.syncer.Generation()
	cart, err := r.reader.ActiveCart(ctx, r.userID)
	if err != nil {
		r.log.Warn("read active cart failed", zap.Error(err))
		return err
	}
	r.syncer.Sync(cart, gen)
	return nil
}

func (r *Reconciler) onEvent(e store.Event) {
	r.log.Debug("cart change", zap.String("op", string(e.Op)))
	r.Kick()
}

// Kick schedules a read on the worker. It never blocks; a read already
// queued absorbs it.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
		// A read is already queued and will start after this change.
	}
}

func (r *Reconciler) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.kick:
			if err := r.refresh(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("event-triggered refresh failed", zap.Error(err))
			}
		}
	}
}

// Close drops both subscriptions and stops the worker. Safe to call twice.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	var errs []error
	for _, sub := range []store.Subscription{r.userSub, r.cartSub} {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.userSub, r.cartSub, r.tracked = nil, nil, 0
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()
	return errors.Join(errs...)
}
