// Package payment hands a scanned payment token over to the payment
// terminal and moves the user on to the transaction screen.
//
// Two paths race: a broadcast channel named after the token (open, wait for
// the subscription ack, publish "ack") and a fallback timer. Whichever
// finishes first navigates; the other is abandoned.
package payment

import (
	"context"
	"time"

	"github.com/fjod/go_cart/claim-service/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultFallback = 3 * time.Second

	EventAck = "ack"
)

type AckPayload struct {
	Status string `json:"status"`
}

// Navigator shows the transaction identified by token.
type Navigator interface {
	ShowTransaction(token string)
}

type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeViaChannel
	OutcomeViaFallback
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeViaChannel:
		return "channel"
	case OutcomeViaFallback:
		return "fallback"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

type Rendezvous struct {
	broadcaster store.Broadcaster
	nav         Navigator
	fallback    time.Duration
	log         *zap.Logger
}

func NewRendezvous(broadcaster store.Broadcaster, nav Navigator, fallback time.Duration, log *zap.Logger) *Rendezvous {
	if fallback <= 0 {
		fallback = DefaultFallback
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Rendezvous{
		broadcaster: broadcaster,
		nav:         nav,
		fallback:    fallback,
		log:         log,
	}
}

// Handle tracks one rendezvous.
type Handle struct {
	Token   string
	done    chan struct{}
	outcome Outcome
	cancel  context.CancelFunc
}

// Wait blocks until the rendezvous finished and returns how.
func (h *Handle) Wait() Outcome {
	<-h.done
	return h.outcome
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cancel abandons both paths if neither has navigated yet.
func (h *Handle) Cancel() {
	h.cancel()
}

// Start begins the rendezvous for token. Navigation happens at most once,
// and never after ctx is cancelled.
func (r *Rendezvous) Start(ctx context.Context, token string) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		Token:  token,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go r.run(ctx, h)
	return h
}

func (r *Rendezvous) run(ctx context.Context, h *Handle) {
	defer close(h.done)
	// Cancelling on exit stops the channel path when the timer wins.
	defer h.cancel()

	log := r.log.With(zap.String("token", h.Token))
	timer := time.NewTimer(r.fallback)
	defer timer.Stop()

	subscribed := make(chan store.Channel)
	go r.subscribe(ctx, h.Token, subscribed, log)

	select {
	case ch := <-subscribed:
		defer ch.Close()
		if err := ch.Publish(ctx, EventAck, AckPayload{Status: "success"}); err != nil {
			log.Warn("publish payment ack failed", zap.Error(err))
		}
		h.outcome = OutcomeViaChannel
	case <-timer.C:
		log.Info("payment channel not acknowledged in time, using fallback", zap.Duration("fallback", r.fallback))
		h.outcome = OutcomeViaFallback
	case <-ctx.Done():
		h.outcome = OutcomeCancelled
		log.Debug("payment rendezvous cancelled")
		return
	}
	r.nav.ShowTransaction(h.Token)
}

// subscribe hands the channel over once acknowledged, or closes it if the
// rendezvous is over by then.
func (r *Rendezvous) subscribe(ctx context.Context, token string, out chan<- store.Channel, log *zap.Logger) {
	ch, err := r.broadcaster.OpenChannel(ctx, token)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("open payment channel failed", zap.Error(err))
		}
		return
	}

	select {
	case <-ch.Subscribed():
	case <-ctx.Done():
		ch.Close()
		return
	}
	select {
	case out <- ch:
	case <-ctx.Done():
		ch.Close()
	}
}
