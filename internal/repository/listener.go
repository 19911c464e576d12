package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/go_cart/claim-service/domain"
	"github.com/fjod/go_cart/claim-service/internal/store"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const notifyChannel = "cart_changes"

// notification is the JSON the shopping_carts trigger sends with pg_notify.
type notification struct {
	ID    int64        `json:"id"`
	Table string       `json:"table"`
	Op    store.Op     `json:"op"`
	Old   *domain.Cart `json:"old"`
	New   *domain.Cart `json:"new"`
	At    time.Time    `json:"at"`
}

func (n notification) event() store.Event {
	return store.Event{Table: n.Table, Op: n.Op, Old: n.Old, New: n.New, At: n.At}
}

type listener struct {
	pl   *pq.Listener
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Subscribe starts LISTEN on the first call and fans notifications out to
// every matching subscriber.
func (r *Repository) Subscribe(_ context.Context, table string, f store.Filter, onEvent func(store.Event)) (store.Subscription, error) {
	if err := r.ensureListener(); err != nil {
		return nil, err
	}
	return r.feed.Add(table, f, onEvent)
}

func (r *Repository) ensureListener() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener != nil {
		return nil
	}

	pl := pq.NewListener(r.dsn, 100*time.Millisecond, 10*time.Second, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			r.log.Warn("postgres listener disconnected", zap.Error(err))
		case pq.ListenerEventReconnected:
			r.log.Info("postgres listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			r.log.Warn("postgres listener reconnect failed", zap.Error(err))
		}
	})
	if err := pl.Listen(notifyChannel); err != nil {
		pl.Close()
		return fmt.Errorf("listen %s: %w", notifyChannel, err)
	}

	l := &listener{pl: pl, done: make(chan struct{})}
	l.wg.Add(1)
	go r.listen(l)
	r.listener = l
	return nil
}

func (r *Repository) listen(l *listener) {
	defer l.wg.Done()
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-l.done:
			return
		case n := <-l.pl.Notify:
			if n == nil {
				// Sent after a reconnect; anything in between is lost.
				r.log.Info("resyncing subscribers after listener reconnect")
				r.feed.Resync(store.TableShoppingCarts)
				continue
			}
			var msg notification
			if err := json.Unmarshal([]byte(n.Extra), &msg); err != nil {
				r.log.Warn("bad cart notification", zap.Error(err), zap.String("payload", n.Extra))
				continue
			}
			r.feed.Publish(msg.event())
		case <-ping.C:
			go l.pl.Ping()
		}
	}
}

func (l *listener) close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		l.wg.Wait()
		err = l.pl.Close()
	})
	return err
}
