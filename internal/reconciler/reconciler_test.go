package reconciler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjod/go_cart/claim-service/domain"
	"github.com/fjod/go_cart/claim-service/internal/claim"
	"github.com/fjod/go_cart/claim-service/internal/store"
	"github.com/fjod/go_cart/claim-service/pkg/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	alice = "11111111-1111-1111-1111-111111111111"
	bob   = "22222222-2222-2222-2222-222222222222"
)

type recordingSyncer struct {
	mu    sync.Mutex
	gen   uint64
	syncs []*domain.Cart
	gens  []uint64
}

func (s *recordingSyncer) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *recordingSyncer) Sync(cart *domain.Cart, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncs = append(s.syncs, cart)
	s.gens = append(s.gens, gen)
}

func (s *recordingSyncer) bump() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
}

func (s *recordingSyncer) lastGen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.gens) == 0 {
		return 0
	}
	return s.gens[len(s.gens)-1]
}

func (s *recordingSyncer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.syncs)
}

// last returns the latest synced cart id, 0 for "none", -1 before any sync.
func (s *recordingSyncer) last() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.syncs) == 0 {
		return -1
	}
	if c := s.syncs[len(s.syncs)-1]; c != nil {
		return c.CartID
	}
	return 0
}

type countingReader struct {
	ActiveCartReader
	reads atomic.Int32
	gate  chan struct{}
}

func (c *countingReader) ActiveCart(ctx context.Context, userID string) (*domain.Cart, error) {
	c.reads.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	return c.ActiveCartReader.ActiveCart(ctx, userID)
}

type brokenFeed struct{}

func (brokenFeed) Subscribe(context.Context, string, store.Filter, func(store.Event)) (store.Subscription, error) {
	return nil, errors.New("realtime unavailable")
}

func setup(t *testing.T, carts ...int64) (*store.MemoryStore, *claim.Engine) {
	mem := store.NewMemoryStore()
	t.Cleanup(func() { mem.Close() })
	for _, id := range carts {
		require.NoError(t, mem.Provision(id))
	}
	engine := claim.NewEngine(mem, claim.NewStoreBreaker(circuitbreaker.DefaultConfig(), zap.NewNop()), zap.NewNop())
	return mem, engine
}

func startReconciler(t *testing.T, mem *store.MemoryStore, reader ActiveCartReader, userID string) (*Reconciler, *recordingSyncer) {
	syncer := &recordingSyncer{}
	r := New(userID, mem, reader, syncer, zap.NewNop())
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { r.Close() })
	return r, syncer
}

func TestReconciler_InitialRefresh(t *testing.T) {
	ctx := context.Background()
	mem, engine := setup(t, 3)
	require.NoError(t, engine.Claim(ctx, 3, alice))

	_, syncer := startReconciler(t, mem, engine, alice)

	assert.Equal(t, 1, syncer.count())
	assert.Equal(t, int64(3), syncer.last())
}

func TestReconciler_ClaimElsewhereIsPushed(t *testing.T) {
	ctx := context.Background()
	mem, engine := setup(t, 3)
	_, syncer := startReconciler(t, mem, engine, alice)
	require.Equal(t, int64(0), syncer.last())

	// Another device of the same user claims.
	require.NoError(t, engine.Claim(ctx, 3, alice))

	require.Eventually(t, func() bool { return syncer.last() == 3 }, time.Second, 5*time.Millisecond)
}

func TestReconciler_ReleaseElsewhereIsPushed(t *testing.T) {
	ctx := context.Background()
	mem, engine := setup(t, 3)
	require.NoError(t, engine.Claim(ctx, 3, alice))
	r, syncer := startReconciler(t, mem, engine, alice)
	r.Track(3)

	require.NoError(t, engine.Release(ctx, 3, alice))

	require.Eventually(t, func() bool { return syncer.last() == 0 }, time.Second, 5*time.Millisecond)
}

func TestReconciler_OtherUsersChangesAreIgnored(t *testing.T) {
	ctx := context.Background()
	mem, engine := setup(t, 3, 4)
	_, syncer := startReconciler(t, mem, engine, alice)

	require.NoError(t, engine.Claim(ctx, 4, bob))
	require.NoError(t, engine.Release(ctx, 4, bob))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, syncer.count())
}

func TestReconciler_TrackSwitchesSubscription(t *testing.T) {
	mem, engine := setup(t, 3, 4)
	r, _ := startReconciler(t, mem, engine, alice)
	require.Equal(t, 1, mem.Subscribers())

	r.Track(3)
	assert.Equal(t, 2, mem.Subscribers())
	assert.Equal(t, int64(3), r.Tracked())

	r.Track(4)
	assert.Equal(t, 2, mem.Subscribers())
	assert.Equal(t, int64(4), r.Tracked())

	r.Track(0)
	assert.Equal(t, 1, mem.Subscribers())
}

func TestReconciler_CloseDropsSubscriptions(t *testing.T) {
	mem, engine := setup(t, 3)
	r, _ := startReconciler(t, mem, engine, alice)
	r.Track(3)
	require.Equal(t, 2, mem.Subscribers())

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, 0, mem.Subscribers())

	r.Track(4)
	assert.Equal(t, 0, mem.Subscribers())
	assert.ErrorIs(t, r.Start(context.Background()), ErrClosed)
}

func TestReconciler_ConcurrentRefreshesShareOneRead(t *testing.T) {
	mem, engine := setup(t, 3)
	reader := &countingReader{ActiveCartReader: engine}
	r, _ := startReconciler(t, mem, reader, alice)
	require.Equal(t, int32(1), reader.reads.Load())

	reader.gate = make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Refresh(context.Background()))
		}()
	}
	require.Eventually(t, func() bool { return reader.reads.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(reader.gate)
	wg.Wait()

	assert.Equal(t, int32(2), reader.reads.Load())
}

func TestReconciler_SubscribeFailureDegradesToRefresh(t *testing.T) {
	ctx := context.Background()
	_, engine := setup(t, 3)
	syncer := &recordingSyncer{}
	r := New(alice, brokenFeed{}, engine, syncer, zap.NewNop())
	t.Cleanup(func() { r.Close() })

	err := r.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, syncer.count())

	require.NoError(t, engine.Claim(ctx, 3, alice))
	require.NoError(t, r.Refresh(ctx))
	assert.Equal(t, int64(3), syncer.last())
}

func TestReconciler_ReadCarriesGenerationFromBeforeRead(t *testing.T) {
	mem, engine := setup(t, 3)
	reader := &countingReader{ActiveCartReader: engine}
	r, syncer := startReconciler(t, mem, reader, alice)

	reader.gate = make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- r.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return reader.reads.Load() == 2 }, time.Second, time.Millisecond)

	// A local change lands while the read is outstanding.
	syncer.bump()
	close(reader.gate)
	require.NoError(t, <-done)
	assert.Equal(t, uint64(0), syncer.lastGen())

	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, uint64(1), syncer.lastGen())
}

func TestReconciler_KickTriggersRead(t *testing.T) {
	ctx := context.Background()
	_, engine := setup(t, 3)
	reader := &countingReader{ActiveCartReader: engine}
	syncer := &recordingSyncer{}
	r := New(alice, brokenFeed{}, reader, syncer, zap.NewNop())
	t.Cleanup(func() { r.Close() })
	require.Error(t, r.Start(ctx))
	require.Equal(t, int64(0), syncer.last())

	// No pushes arrive; a kick alone brings the change in.
	require.NoError(t, engine.Claim(ctx, 3, alice))
	r.Kick()

	require.Eventually(t, func() bool { return syncer.last() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), reader.reads.Load())
}
