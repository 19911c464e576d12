package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjod/go_cart/claim-service/domain"
	"github.com/fjod/go_cart/claim-service/internal/scan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const alice = "11111111-1111-1111-1111-111111111111"

type call struct {
	op     string
	cartID int64
}

// mockClaimer answers with err. While gate is set, calls block on it.
type mockClaimer struct {
	mu    sync.Mutex
	err   error
	gate  chan struct{}
	calls []call
}

func (m *mockClaimer) do(ctx context.Context, op string, cartID int64) error {
	m.mu.Lock()
	m.calls = append(m.calls, call{op: op, cartID: cartID})
	gate, err := m.gate, m.err
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (m *mockClaimer) Claim(ctx context.Context, cartID int64, _ string) error {
	return m.do(ctx, "claim", cartID)
}

func (m *mockClaimer) Release(ctx context.Context, cartID int64, _ string) error {
	return m.do(ctx, "release", cartID)
}

func (m *mockClaimer) hold() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
	return m.gate
}

func (m *mockClaimer) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockClaimer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockClaimer) recorded() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]call(nil), m.calls...)
}

func startMachine(t *testing.T, claimer Claimer, opts ...func(*Config)) (*Machine, context.CancelFunc) {
	cfg := Config{UserID: alice, Claimer: claimer, Log: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	m := NewMachine(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-m.Done()
	})
	return m, cancel
}

func dispatch(t *testing.T, m *Machine, msg Message) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := m.Dispatch(ctx, msg)
	require.NoError(t, err)
	return res
}

// dispatchAsync sends msg from another goroutine and waits until the
// claimer has seen the resulting call.
func dispatchAsync(t *testing.T, m *Machine, claimer *mockClaimer, msg Message) <-chan Result {
	t.Helper()
	before := claimer.callCount()
	out := make(chan Result, 1)
	go func() {
		res, err := m.Dispatch(context.Background(), msg)
		assert.NoError(t, err)
		out <- res
	}()
	require.Eventually(t, func() bool { return claimer.callCount() > before }, time.Second, time.Millisecond)
	return out
}

func receive(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(time.Second):
		t.Fatal("no reply")
		return Result{}
	}
}

func kinds(res Result) []NoticeKind {
	out := make([]NoticeKind, 0, len(res.Notices))
	for _, n := range res.Notices {
		out = append(out, n.Kind)
	}
	return out
}

func activate(t *testing.T, m *Machine, cartID int64) {
	t.Helper()
	dispatch(t, m, Scan{Raw: scan.CartClaim{CartID: cartID}.Label()})
	res := dispatch(t, m, Confirm{})
	require.Equal(t, Snapshot{State: StateActive, CartID: cartID}, res.Snapshot)
}

func TestMachine_ScanThenConfirm(t *testing.T) {
	claimer := &mockClaimer{}
	m, _ := startMachine(t, claimer)

	res := dispatch(t, m, Scan{Raw: "go-cart-7"})
	assert.Equal(t, Snapshot{State: StatePendingConfirmation, CartID: 7}, res.Snapshot)
	assert.Empty(t, res.Notices)
	assert.Zero(t, claimer.callCount())

	res = dispatch(t, m, Confirm{})
	assert.Equal(t, Snapshot{State: StateActive, CartID: 7}, res.Snapshot)
	assert.Equal(t, []NoticeKind{NoticeCartActivated}, kinds(res))
	assert.Equal(t, "Cart activated!", res.Notices[0].Message)
	assert.Equal(t, []call{{op: "claim", cartID: 7}}, claimer.recorded())
}

func TestMachine_ScanWhilePendingReplacesCart(t *testing.T) {
	m, _ := startMachine(t, &mockClaimer{})

	dispatch(t, m, Scan{Raw: "go-cart-7"})
	res := dispatch(t, m, Scan{Raw: "go-cart-8"})

	assert.Equal(t, Snapshot{State: StatePendingConfirmation, CartID: 8}, res.Snapshot)
}

func TestMachine_Decline(t *testing.T) {
	claimer := &mockClaimer{}
	m, _ := startMachine(t, claimer)

	dispatch(t, m, Scan{Raw: "go-cart-7"})
	res := dispatch(t, m, Decline{})

	assert.Equal(t, Snapshot{State: StateIdle}, res.Snapshot)
	assert.Zero(t, claimer.callCount())
}

func TestMachine_ClaimFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want NoticeKind
	}{
		{"owned by someone else", domain.ErrAlreadyOwned, NoticeCartInUse},
		{"missing cart", domain.ErrCartNotFound, NoticeCartNotFound},
		{"store outage", &domain.TransportError{Op: "claim", Err: errors.New("connection refused")}, NoticeRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claimer := &mockClaimer{err: tt.err}
			m, _ := startMachine(t, claimer)

			dispatch(t, m, Scan{Raw: "go-cart-7"})
			res := dispatch(t, m, Confirm{})

			assert.Equal(t, Snapshot{State: StateIdle}, res.Snapshot)
			assert.Equal(t, []NoticeKind{tt.want}, kinds(res))
		})
	}
}

func TestMachine_ScanWhileActive(t *testing.T) {
	claimer := &mockClaimer{}
	m, _ := startMachine(t, claimer)
	activate(t, m, 7)

	res := dispatch(t, m, Scan{Raw: "go-cart-8"})

	assert.Equal(t, Snapshot{State: StateActive, CartID: 7}, res.Snapshot)
	assert.Equal(t, []NoticeKind{NoticeAlreadyActive}, kinds(res))
	assert.Equal(t, 1, claimer.callCount())
}

func TestMachine_UnknownCode(t *testing.T) {
	claimer := &mockClaimer{}
	m, _ := startMachine(t, claimer)

	for _, raw := range []string{"", "hello", "go-cart-", "go-cart-abc", "go-cart-0", "payment:"} {
		res := dispatch(t, m, Scan{Raw: raw})
		assert.Equal(t, Snapshot{State: StateIdle}, res.Snapshot, raw)
		assert.Equal(t, []NoticeKind{NoticeUnknownCode}, kinds(res), raw)
	}
	assert.Zero(t, claimer.callCount())
}

func TestMachine_PaymentScanInAnyState(t *testing.T) {
	var tokens []string
	m, _ := startMachine(t, &mockClaimer{}, func(c *Config) {
		c.OnPayment = func(token string) { tokens = append(tokens, token) }
	})

	res := dispatch(t, m, Scan{Raw: "payment:abc"})
	assert.Equal(t, []NoticeKind{NoticePaymentStarted}, kinds(res))

	activate(t, m, 7)
	res = dispatch(t, m, Scan{Raw: "payment:def"})
	assert.Equal(t, Snapshot{State: StateActive, CartID: 7}, res.Snapshot)

	assert.Equal(t, []string{"abc", "def"}, tokens)
}

func TestMachine_Release(t *testing.T) {
	claimer := &mockClaimer{}
	m, _ := startMachine(t, claimer)
	activate(t, m, 7)

	res := dispatch(t, m, Release{})

	assert.Equal(t, Snapshot{State: StateIdle}, res.Snapshot)
	assert.Equal(t, []NoticeKind{NoticeCartDeactivated}, kinds(res))
	assert.Equal(t, "Cart deactivated!", res.Notices[0].Message)
}

func TestMachine_ReleaseWithoutCart(t *testing.T) {
	claimer := &mockClaimer{}
	m, _ := startMachine(t, claimer)

	res := dispatch(t, m, Release{})

	assert.Equal(t, []NoticeKind{NoticeNoActiveCart}, kinds(res))
	assert.Zero(t, claimer.callCount())
}

func TestMachine_ReleaseNotOwnerRefreshes(t *testing.T) {
	claimer := &mockClaimer{}
	refreshed := make(chan struct{}, 1)
	m, _ := startMachine(t, claimer, func(c *Config) {
		c.OnRefresh = func() { refreshed <- struct{}{} }
	})
	activate(t, m, 7)
	claimer.setErr(domain.ErrNotOwner)

	res := dispatch(t, m, Release{})

	assert.Equal(t, Snapshot{State: StateIdle}, res.Snapshot)
	assert.Equal(t, []NoticeKind{NoticeNotOwner}, kinds(res))
	select {
	case <-refreshed:
	case <-time.After(time.Second):
		t.Fatal("no refresh requested")
	}
}

func TestMachine_ReleaseOutageKeepsCart(t *testing.T) {
	claimer := &mockClaimer{}
	m, _ := startMachine(t, claimer)
	activate(t, m, 7)
	claimer.setErr(&domain.TransportError{Op: "release", Err: errors.New("timeout")})

	res := dispatch(t, m, Release{})

	assert.Equal(t, Snapshot{State: StateActive, CartID: 7}, res.Snapshot)
	assert.Equal(t, []NoticeKind{NoticeRetry}, kinds(res))
}

func TestMachine_BusyWhileClaimInFlight(t *testing.T) {
	claimer := &mockClaimer{}
	m, _ := startMachine(t, claimer)
	gate := claimer.hold()

	dispatch(t, m, Scan{Raw: "go-cart-7"})
	pending := dispatchAsync(t, m, claimer, Confirm{})

	for _, msg := range []Message{Confirm{}, Scan{Raw: "go-cart-8"}, Release{}, Decline{}} {
		res := dispatch(t, m, msg)
		assert.Equal(t, []NoticeKind{NoticeBusy}, kinds(res))
	}

	close(gate)
	res := receive(t, pending)
	assert.Equal(t, Snapshot{State: StateActive, CartID: 7}, res.Snapshot)
	assert.Equal(t, 1, claimer.callCount())
}

func TestMachine_SyncAdoptsBackendCart(t *testing.T) {
	m, _ := startMachine(t, &mockClaimer{})

	res := dispatch(t, m, Sync{Cart: &domain.Cart{CartID: 5, Status: domain.CartStatusInUse}})

	assert.Equal(t, Snapshot{State: StateActive, CartID: 5}, res.Snapshot)
}

func TestMachine_SyncNilForcesIdle(t *testing.T) {
	m, _ := startMachine(t, &mockClaimer{})
	activate(t, m, 3)

	m.Sync(nil, m.Generation())
	res := dispatch(t, m, Peek{})

	assert.Equal(t, Snapshot{State: StateIdle}, res.Snapshot)
	assert.Equal(t, []NoticeKind{NoticeCartReleasedRemotely}, kinds(res))

	// Queued notices are delivered once.
	res = dispatch(t, m, Peek{})
	assert.Empty(t, res.Notices)
}

func TestMachine_SyncNilIgnoredWhilePending(t *testing.T) {
	m, _ := startMachine(t, &mockClaimer{})
	dispatch(t, m, Scan{Raw: "go-cart-7"})

	res := dispatch(t, m, Sync{})

	assert.Equal(t, Snapshot{State: StatePendingConfirmation, CartID: 7}, res.Snapshot)
}

func TestMachine_SyncNilCompletesRelease(t *testing.T) {
	claimer := &mockClaimer{}
	m, _ := startMachine(t, claimer)
	activate(t, m, 7)
	gate := claimer.hold()

	pending := dispatchAsync(t, m, claimer, Release{})
	m.Sync(nil, m.Generation())

	res := receive(t, pending)
	assert.Equal(t, Snapshot{State: StateIdle}, res.Snapshot)
	assert.Equal(t, []NoticeKind{NoticeCartDeactivated}, kinds(res))

	// The late release result is dropped.
	close(gate)
	res = dispatch(t, m, Peek{})
	assert.Equal(t, Snapshot{State: StateIdle}, res.Snapshot)
	assert.Empty(t, res.Notices)
}

func TestMachine_SyncSupersedesClaim(t *testing.T) {
	claimer := &mockClaimer{}
	m, _ := startMachine(t, claimer)
	gate := claimer.hold()

	dispatch(t, m, Scan{Raw: "go-cart-7"})
	pending := dispatchAsync(t, m, claimer, Confirm{})
	m.Sync(&domain.Cart{CartID: 9, Status: domain.CartStatusInUse}, m.Generation())

	res := receive(t, pending)
	assert.Equal(t, Snapshot{State: StateActive, CartID: 9}, res.Snapshot)
	assert.Equal(t, []NoticeKind{NoticeSuperseded}, kinds(res))

	// The superseded claim succeeds late and is handed back.
	close(gate)
	require.Eventually(t, func() bool { return claimer.callCount() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, call{op: "release", cartID: 7}, claimer.recorded()[1])

	res = dispatch(t, m, Peek{})
	assert.Equal(t, Snapshot{State: StateActive, CartID: 9}, res.Snapshot)
}

func TestMachine_SyncForSameCartCompletesClaim(t *testing.T) {
	claimer := &mockClaimer{}
	m, _ := startMachine(t, claimer)
	gate := claimer.hold()
	defer close(gate)

	dispatch(t, m, Scan{Raw: "go-cart-7"})
	pending := dispatchAsync(t, m, claimer, Confirm{})
	m.Sync(&domain.Cart{CartID: 7, Status: domain.CartStatusInUse}, m.Generation())

	res := receive(t, pending)
	assert.Equal(t, Snapshot{State: StateActive, CartID: 7}, res.Snapshot)
	assert.Equal(t, []NoticeKind{NoticeCartActivated}, kinds(res))
}

func TestMachine_StopSupersedesWaiter(t *testing.T) {
	claimer := &mockClaimer{}
	m, cancel := startMachine(t, claimer)
	gate := claimer.hold()
	defer close(gate)

	dispatch(t, m, Scan{Raw: "go-cart-7"})
	pending := dispatchAsync(t, m, claimer, Confirm{})
	cancel()

	res := receive(t, pending)
	assert.Equal(t, []NoticeKind{NoticeSuperseded}, kinds(res))

	<-m.Done()
	_, err := m.Dispatch(context.Background(), Peek{})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestMachine_ObserversSeeHeldCart(t *testing.T) {
	var mu sync.Mutex
	var seen []int64
	m := NewMachine(Config{UserID: alice, Claimer: &mockClaimer{}, Log: zap.NewNop()})
	m.OnActiveCart(func(id int64) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, id)
	})
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	defer func() {
		cancel()
		<-m.Done()
	}()

	activate(t, m, 7)
	dispatch(t, m, Release{})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{7, 0}, seen)
}

func TestMachine_SyncReadBeforeOwnReleaseIsDropped(t *testing.T) {
	var refreshes atomic.Int32
	m, _ := startMachine(t, &mockClaimer{}, func(c *Config) {
		c.OnRefresh = func() { refreshes.Add(1) }
	})
	activate(t, m, 3)
	readGen := m.Generation()

	res := dispatch(t, m, Release{})
	require.Equal(t, Snapshot{State: StateIdle}, res.Snapshot)
	assert.Greater(t, m.Generation(), readGen)

	// The answer of a read started before the release still shows cart 3.
	res = dispatch(t, m, Sync{Cart: &domain.Cart{CartID: 3, Status: domain.CartStatusInUse}, Gen: readGen})
	assert.Equal(t, Snapshot{State: StateIdle}, res.Snapshot)
	assert.Equal(t, int32(1), refreshes.Load())

	// The follow-up read sees no cart and the user hears nothing more.
	res = dispatch(t, m, Sync{Gen: m.Generation()})
	assert.Equal(t, Snapshot{State: StateIdle}, res.Snapshot)
	assert.Empty(t, res.Notices)
}

func TestMachine_SyncUnderCurrentGenerationIsApplied(t *testing.T) {
	m, _ := startMachine(t, &mockClaimer{})
	activate(t, m, 3)

	res := dispatch(t, m, Sync{Gen: m.Generation()})

	assert.Equal(t, Snapshot{State: StateIdle}, res.Snapshot)
	assert.Equal(t, []NoticeKind{NoticeCartReleasedRemotely}, kinds(res))
}

func TestMachine_LateClaimIsKeptWhileSameCartIsBeingClaimed(t *testing.T) {
	claimer := &mockClaimer{}
	m, _ := startMachine(t, claimer)
	first := claimer.hold()

	dispatch(t, m, Scan{Raw: "go-cart-7"})
	pending := dispatchAsync(t, m, claimer, Confirm{})
	dispatch(t, m, Sync{Cart: &domain.Cart{CartID: 9, Status: domain.CartStatusInUse}})
	require.Equal(t, []NoticeKind{NoticeSuperseded}, kinds(receive(t, pending)))
	dispatch(t, m, Sync{})

	// The user scans cart 7 again while the first claim is still out.
	second := claimer.hold()
	dispatch(t, m, Scan{Raw: "go-cart-7"})
	pending = dispatchAsync(t, m, claimer, Confirm{})

	close(first)
	time.Sleep(20 * time.Millisecond)
	close(second)

	res := receive(t, pending)
	assert.Equal(t, Snapshot{State: StateActive, CartID: 7}, res.Snapshot)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []call{{op: "claim", cartID: 7}, {op: "claim", cartID: 7}}, claimer.recorded())
}
