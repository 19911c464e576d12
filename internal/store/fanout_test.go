package store

import (
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/claim-service/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ops() []Op {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Op, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Op)
	}
	return out
}

func TestFanout_PublishHonoursFilter(t *testing.T) {
	f := NewFanout()
	t.Cleanup(func() { f.Close() })
	var mine, other eventLog
	_, err := f.Add(TableShoppingCarts, Filter{ByCartID(3)}, mine.add)
	require.NoError(t, err)
	_, err = f.Add(TableShoppingCarts, Filter{ByCartID(4)}, other.add)
	require.NoError(t, err)

	f.Publish(Event{Table: TableShoppingCarts, Op: OpUpdate, New: &domain.Cart{CartID: 3}})

	require.Eventually(t, func() bool { return len(mine.ops()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, other.ops())
}

func TestFanout_ResyncReachesEverySubscriberOfTable(t *testing.T) {
	f := NewFanout()
	t.Cleanup(func() { f.Close() })
	var byCart, byUser, elsewhere eventLog
	_, err := f.Add(TableShoppingCarts, Filter{ByCartID(3)}, byCart.add)
	require.NoError(t, err)
	_, err = f.Add(TableShoppingCarts, Filter{ByUserID("11111111-1111-1111-1111-111111111111")}, byUser.add)
	require.NoError(t, err)
	_, err = f.Add("purchases", nil, elsewhere.add)
	require.NoError(t, err)

	f.Resync(TableShoppingCarts)

	require.Eventually(t, func() bool {
		return len(byCart.ops()) == 1 && len(byUser.ops()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []Op{OpResync}, byCart.ops())
	assert.Equal(t, []Op{OpResync}, byUser.ops())
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, elsewhere.ops())
}

func TestFanout_ClosedSubscriberMissesResync(t *testing.T) {
	f := NewFanout()
	t.Cleanup(func() { f.Close() })
	var log eventLog
	sub, err := f.Add(TableShoppingCarts, nil, log.add)
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	f.Resync(TableShoppingCarts)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, log.ops())
	assert.Equal(t, 0, f.Len())
}
