// Package session drives one signed-in client's view of "my cart".
//
// Every input (scans, confirmations, releases, backend syncs and the results
// of the claim/release calls themselves) goes through a single queue and is
// handled by one goroutine, so no two transitions ever interleave. Store
// calls run off that goroutine and report back tagged with the epoch they
// were started in; a result from an older epoch is dropped.
package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/fjod/go_cart/claim-service/domain"
	"github.com/fjod/go_cart/claim-service/internal/scan"
	"go.uber.org/zap"
)

var ErrStopped = errors.New("session stopped")

const (
	inboxSize        = 64
	maxQueuedNotices = 32
	defaultOpTimeout = 10 * time.Second
)

// Claimer is the subset of the claim engine the machine calls.
type Claimer interface {
	Claim(ctx context.Context, cartID int64, userID string) error
	Release(ctx context.Context, cartID int64, userID string) error
}

type Config struct {
	UserID  string
	Claimer Claimer
	Log     *zap.Logger

	// OnPayment is called on the loop goroutine for each scanned payment code.
	OnPayment func(token string)
	// OnRefresh asks for a fresh read of the backend after the local view
	// turned out to be wrong. It must not block.
	OnRefresh func()
	// OpTimeout bounds a single claim or release call.
	OpTimeout time.Duration
}

type request struct {
	msg   Message
	reply chan Result
}

type opKind int

const (
	opClaim opKind = iota + 1
	opRelease
)

type inflight struct {
	kind   opKind
	cartID int64
	reply  chan Result
}

type Machine struct {
	cfg   Config
	inbox chan request
	done  chan struct{}

	// gen moves on every local claim or release that reached the store.
	// Backend reads started under an older gen are dropped.
	gen atomic.Uint64

	// loop-owned state
	state     State
	cartID    int64
	epoch     uint64
	op        *inflight
	queued    []Notice
	tracked   int64
	observers []func(cartID int64)
}

func NewMachine(cfg Config) *Machine {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	m := &Machine{
		cfg:   cfg,
		inbox: make(chan request, inboxSize),
		done:  make(chan struct{}),
		state: StateIdle,
	}
	m.gen.Store(1)
	return m
}

// Generation is read before a backend read starts and handed back with its
// answer to Sync.
func (m *Machine) Generation() uint64 {
	return m.gen.Load()
}

// OnActiveCart registers fn to be called with the cart id the machine holds
// (Active or Releasing) whenever it changes, and with 0 when it holds none.
// Register before Run.
func (m *Machine) OnActiveCart(fn func(cartID int64)) {
	m.observers = append(m.observers, fn)
}

// Done is closed once Run has returned.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Dispatch enqueues msg and waits for the transition it causes. For Confirm
// and Release the reply arrives once the store call has finished.
func (m *Machine) Dispatch(ctx context.Context, msg Message) (Result, error) {
	req := request{msg: msg, reply: make(chan Result, 1)}
	select {
	case m.inbox <- req:
	case <-m.done:
		return Result{}, ErrStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res, nil
	case <-m.done:
		// Run replies to a waiting operation before it exits.
		select {
		case res := <-req.reply:
			return res, nil
		default:
			return Result{}, ErrStopped
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Sync delivers the backend's current active cart for this user, as read
// under gen.
func (m *Machine) Sync(cart *domain.Cart, gen uint64) {
	m.post(Sync{Cart: cart, Gen: gen})
}

// Notify queues a notice for the next reply.
func (m *Machine) Notify(n Notice) {
	m.post(notify{notice: n})
}

func (m *Machine) post(msg Message) {
	select {
	case m.inbox <- request{msg: msg}:
	case <-m.done:
	}
}

// Run handles messages until ctx is cancelled. A waiting Confirm or
// Release is answered with a superseded notice on exit.
func (m *Machine) Run(ctx context.Context) error {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.supersede()
			m.cfg.Log.Debug("session loop stopped", zap.String("user_id", m.cfg.UserID))
			return ctx.Err()
		case req := <-m.inbox:
			m.handle(ctx, req)
			m.notifyObservers()
		}
	}
}

func (m *Machine) handle(ctx context.Context, req request) {
	switch msg := req.msg.(type) {
	case Scan:
		m.reply(req, m.onScan(msg)...)
	case Confirm:
		if n, ok := m.onConfirm(ctx, req); !ok {
			m.reply(req, n)
		}
	case Decline:
		m.reply(req, m.onDecline()...)
	case Release:
		if n, ok := m.onRelease(ctx, req); !ok {
			m.reply(req, n)
		}
	case Sync:
		m.onSync(msg)
		m.reply(req)
	case Peek:
		m.reply(req)
	case notify:
		m.enqueue(msg.notice)
	case claimDone:
		m.onClaimDone(msg)
	case releaseDone:
		m.onReleaseDone(msg)
	case orphanDone:
		m.gen.Add(1)
	default:
		m.cfg.Log.Error("unknown session message", zap.Any("message", msg))
	}
}

func (m *Machine) onScan(msg Scan) []Notice {
	switch code := scan.Classify(msg.Raw).(type) {
	case scan.CartClaim:
		if m.op != nil {
			return []Notice{notice(NoticeBusy)}
		}
		if m.state == StateActive || m.state == StateReleasing {
			return []Notice{notice(NoticeAlreadyActive)}
		}
		m.state, m.cartID = StatePendingConfirmation, code.CartID
		return nil
	case scan.Payment:
		if m.cfg.OnPayment != nil {
			m.cfg.OnPayment(code.Token)
		}
		return []Notice{notice(NoticePaymentStarted)}
	case scan.Unrecognized:
		m.cfg.Log.Debug("unrecognized scan", zap.Error(code.Reason))
		return []Notice{notice(NoticeUnknownCode)}
	}
	return nil
}

func (m *Machine) onConfirm(ctx context.Context, req request) (Notice, bool) {
	if m.op != nil {
		return notice(NoticeBusy), false
	}
	if m.state != StatePendingConfirmation {
		return notice(NoticeNothingToConfirm), false
	}

	m.epoch++
	m.op = &inflight{kind: opClaim, cartID: m.cartID, reply: req.reply}
	epoch, cartID := m.epoch, m.cartID
	m.call(ctx, func(opCtx context.Context) Message {
		return claimDone{epoch: epoch, cartID: cartID, err: m.cfg.Claimer.Claim(opCtx, cartID, m.cfg.UserID)}
	})
	return Notice{}, true
}

func (m *Machine) onDecline() []Notice {
	if m.op != nil && m.op.kind == opClaim {
		return []Notice{notice(NoticeBusy)}
	}
	if m.state == StatePendingConfirmation {
		m.state, m.cartID = StateIdle, 0
	}
	return nil
}

func (m *Machine) onRelease(ctx context.Context, req request) (Notice, bool) {
	if m.op != nil {
		return notice(NoticeBusy), false
	}
	if m.state != StateActive {
		return notice(NoticeNoActiveCart), false
	}

	m.state = StateReleasing
	m.epoch++
	m.op = &inflight{kind: opRelease, cartID: m.cartID, reply: req.reply}
	epoch, cartID := m.epoch, m.cartID
	m.call(ctx, func(opCtx context.Context) Message {
		return releaseDone{epoch: epoch, cartID: cartID, err: m.cfg.Claimer.Release(opCtx, cartID, m.cfg.UserID)}
	})
	return Notice{}, true
}

// call runs fn off the loop. The store call is not tied to the session's
// lifetime: once sent it completes, and its result is dropped if stale.
func (m *Machine) call(ctx context.Context, fn func(context.Context) Message) {
	go func() {
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.OpTimeout)
		defer cancel()
		m.post(fn(opCtx))
	}()
}

func (m *Machine) onSync(msg Sync) {
	if msg.Gen != 0 && msg.Gen < m.gen.Load() {
		m.cfg.Log.Debug("dropping backend read older than local change",
			zap.Uint64("read_gen", msg.Gen), zap.Uint64("gen", m.gen.Load()))
		if m.cfg.OnRefresh != nil {
			m.cfg.OnRefresh()
		}
		return
	}

	cart := msg.Cart
	if cart == nil {
		switch m.state {
		case StateActive:
			m.cfg.Log.Info("active cart released elsewhere",
				zap.String("user_id", m.cfg.UserID), zap.Int64("cart_id", m.cartID))
			m.state, m.cartID = StateIdle, 0
			m.enqueue(notice(NoticeCartReleasedRemotely))
		case StateReleasing:
			// The release already landed; answer the waiter now.
			m.finish(StateIdle, 0, notice(NoticeCartDeactivated))
		}
		return
	}

	switch {
	case m.state == StateActive && m.cartID == cart.CartID:
		return
	case m.state == StateReleasing && m.cartID == cart.CartID:
		// Read raced our own release; its result decides.
		return
	case m.claiming(cart.CartID):
		m.finish(StateActive, cart.CartID, notice(NoticeCartActivated))
		return
	}

	m.cfg.Log.Info("adopting active cart from backend",
		zap.String("user_id", m.cfg.UserID), zap.Int64("cart_id", cart.CartID), zap.Stringer("from", m.state))
	if m.op != nil {
		m.finish(StateActive, cart.CartID, notice(NoticeSuperseded))
		return
	}
	m.state, m.cartID = StateActive, cart.CartID
}

func (m *Machine) onClaimDone(msg claimDone) {
	if m.op == nil || msg.epoch != m.epoch {
		m.cfg.Log.Debug("dropping stale claim result", zap.Int64("cart_id", msg.cartID), zap.Error(msg.err))
		if msg.err == nil && !m.holds(msg.cartID) && !m.claiming(msg.cartID) {
			m.releaseOrphan(msg.cartID)
		}
		return
	}

	m.gen.Add(1)
	switch {
	case msg.err == nil:
		m.finish(StateActive, msg.cartID, notice(NoticeCartActivated))
	case errors.Is(msg.err, domain.ErrAlreadyOwned):
		m.finish(StateIdle, 0, notice(NoticeCartInUse))
	case errors.Is(msg.err, domain.ErrCartNotFound):
		m.finish(StateIdle, 0, notice(NoticeCartNotFound))
	default:
		m.cfg.Log.Warn("claim failed", zap.Int64("cart_id", msg.cartID), zap.Error(msg.err))
		m.finish(StateIdle, 0, notice(NoticeRetry))
	}
}

func (m *Machine) onReleaseDone(msg releaseDone) {
	if m.op == nil || msg.epoch != m.epoch {
		m.cfg.Log.Debug("dropping stale release result", zap.Int64("cart_id", msg.cartID), zap.Error(msg.err))
		return
	}

	m.gen.Add(1)
	switch {
	case msg.err == nil:
		m.finish(StateIdle, 0, notice(NoticeCartDeactivated))
	case errors.Is(msg.err, domain.ErrNotOwner):
		m.finish(StateIdle, 0, notice(NoticeNotOwner))
		if m.cfg.OnRefresh != nil {
			m.cfg.OnRefresh()
		}
	default:
		// The cart is still ours.
		m.cfg.Log.Warn("release failed", zap.Int64("cart_id", msg.cartID), zap.Error(msg.err))
		m.finish(StateActive, msg.cartID, notice(NoticeRetry))
	}
}

func (m *Machine) holds(cartID int64) bool {
	return (m.state == StateActive || m.state == StateReleasing) && m.cartID == cartID
}

// claiming reports whether a claim of cartID is still in flight; its own
// result settles ownership.
func (m *Machine) claiming(cartID int64) bool {
	return m.op != nil && m.op.kind == opClaim && m.op.cartID == cartID
}

// releaseOrphan gives back a cart whose claim landed after the machine had
// moved on, so the user never ends up holding two.
func (m *Machine) releaseOrphan(cartID int64) {
	m.cfg.Log.Info("releasing cart claimed by superseded request",
		zap.String("user_id", m.cfg.UserID), zap.Int64("cart_id", cartID))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpTimeout)
		defer cancel()
		if err := m.cfg.Claimer.Release(ctx, cartID, m.cfg.UserID); err != nil {
			m.cfg.Log.Warn("orphan release failed", zap.Int64("cart_id", cartID), zap.Error(err))
		}
		m.post(orphanDone{cartID: cartID})
	}()
}

// finish settles the in-flight operation and answers its caller.
func (m *Machine) finish(state State, cartID int64, n Notice) {
	m.state, m.cartID = state, cartID
	m.epoch++
	op := m.op
	m.op = nil
	if op != nil {
		op.reply <- m.result(n)
	}
}

func (m *Machine) supersede() {
	if m.op == nil {
		return
	}
	m.epoch++
	m.op.reply <- m.result(notice(NoticeSuperseded))
	m.op = nil
}

func (m *Machine) reply(req request, notices ...Notice) {
	if req.reply == nil {
		return
	}
	req.reply <- m.result(notices...)
}

func (m *Machine) result(notices ...Notice) Result {
	// Observers run before the caller hears back.
	m.notifyObservers()
	out := append(m.queued, notices...)
	m.queued = nil
	if out == nil {
		out = []Notice{}
	}
	return Result{
		Snapshot: m.snapshot(),
		Notices:  out,
	}
}

func (m *Machine) snapshot() Snapshot {
	s := Snapshot{State: m.state}
	if m.state != StateIdle {
		s.CartID = m.cartID
	}
	return s
}

func (m *Machine) enqueue(n Notice) {
	if len(m.queued) >= maxQueuedNotices {
		m.queued = m.queued[1:]
	}
	m.queued = append(m.queued, n)
}

func (m *Machine) notifyObservers() {
	held := int64(0)
	if m.state == StateActive || m.state == StateReleasing {
		held = m.cartID
	}
	if held == m.tracked {
		return
	}
	m.tracked = held
	for _, fn := range m.observers {
		fn(held)
	}
}
