package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fjod/go_cart/claim-service/internal/payment"
	"github.com/fjod/go_cart/claim-service/internal/reconciler"
	"github.com/fjod/go_cart/claim-service/internal/store"
	"go.uber.org/zap"
)

// Engine is what a session needs from the claim engine.
type Engine interface {
	Claimer
	reconciler.ActiveCartReader
}

type Deps struct {
	Engine      Engine
	Feed        store.ChangeFeed
	Broadcaster store.Broadcaster
	Log         *zap.Logger

	PaymentFallback time.Duration
	OpTimeout       time.Duration
}

// Session is one signed-in client: its machine, the reconciler feeding it
// and any payment rendezvous it started. It replaces process-wide auth and
// cart state; everything it owns dies with SignOut.
type Session struct {
	UserID string

	machine    *Machine
	reconciler *reconciler.Reconciler
	payments   *payment.Rendezvous
	log        *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	once     sync.Once
}

// SignIn builds and starts a session for userID. The session outlives ctx;
// only SignOut stops it.
func SignIn(ctx context.Context, userID string, deps Deps) (*Session, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("user_id", userID))

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		UserID: userID,
		log:    log,
		ctx:    sctx,
		cancel: cancel,
	}
	s.payments = payment.NewRendezvous(deps.Broadcaster, s, deps.PaymentFallback, log)
	s.machine = NewMachine(Config{
		UserID:    userID,
		Claimer:   deps.Engine,
		Log:       log,
		OnPayment: s.startPayment,
		OnRefresh: s.requestRefresh,
		OpTimeout: deps.OpTimeout,
	})
	s.reconciler = reconciler.New(userID, deps.Feed, deps.Engine, s.machine, log)
	s.machine.OnActiveCart(s.reconciler.Track)

	go s.machine.Run(sctx)
	if err := s.reconciler.Start(ctx); err != nil {
		log.Warn("realtime updates degraded", zap.Error(err))
	}
	log.Info("session started")
	return s, nil
}

// Dispatch hands msg to the session's machine.
func (s *Session) Dispatch(ctx context.Context, msg Message) (Result, error) {
	return s.machine.Dispatch(ctx, msg)
}

// Focus re-reads the backend, then reports the current snapshot. A failed
// read still returns the local view.
func (s *Session) Focus(ctx context.Context) (Result, error) {
	if err := s.reconciler.Refresh(ctx); err != nil {
		s.log.Warn("refresh on focus failed", zap.Error(err))
	}
	return s.machine.Dispatch(ctx, Peek{})
}

// ShowTransaction is the payment navigator: the next reply carries it.
func (s *Session) ShowTransaction(token string) {
	s.machine.Notify(Notice{Kind: NoticeShowTransaction, Message: token})
}

func (s *Session) startPayment(token string) {
	s.inflight.Add(1)
	h := s.payments.Start(s.ctx, token)
	go func() {
		defer s.inflight.Done()
		s.log.Debug("payment rendezvous finished", zap.Stringer("outcome", h.Wait()))
	}()
}

// requestRefresh queues a read behind any read already under way, so its
// answer reflects the machine as it is now.
func (s *Session) requestRefresh() {
	s.reconciler.Kick()
}

// SignOut stops the machine, closes subscriptions and abandons pending
// payment timers. Later calls are no-ops.
func (s *Session) SignOut() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.machine.Done()
		err = s.reconciler.Close()
		s.inflight.Wait()
		s.log.Info("session ended")
	})
	return err
}
