package store

import (
	"sync"
	"time"
)

// subscriberQueue bounds how many undelivered events a slow subscriber may hold.
// Events past the bound are dropped: a queued event already forces a re-read
// that happens after the dropped change was committed.
const subscriberQueue = 16

// Fanout is the subscriber registry shared by every ChangeFeed implementation.
// Each subscription gets its own goroutine so callbacks never run under the
// publisher's locks and see events in publish order.
type Fanout struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*fanoutSub
	closed bool
}

type fanoutSub struct {
	id      uint64
	table   string
	filter  Filter
	onEvent func(Event)
	events  chan Event
	done    chan struct{}
	owner   *Fanout
	once    sync.Once
}

func NewFanout() *Fanout {
	return &Fanout{subs: make(map[uint64]*fanoutSub)}
}

// Add registers a subscriber. Close on the returned Subscription is idempotent.
func (f *Fanout) Add(table string, filter Filter, onEvent func(Event)) (Subscription, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	f.nextID++
	sub := &fanoutSub{
		id:      f.nextID,
		table:   table,
		filter:  filter,
		onEvent: onEvent,
		events:  make(chan Event, subscriberQueue),
		done:    make(chan struct{}),
		owner:   f,
	}
	f.subs[sub.id] = sub

	go sub.loop()
	return sub, nil
}

// Publish hands e to every matching subscriber without blocking.
func (f *Fanout) Publish(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if !e.Matches(sub.table, sub.filter) {
			continue
		}
		select {
		case sub.events <- e:
		default:
		}
	}
}

// Resync tells every subscriber of table, whatever its filter, that events
// may have been lost.
func (f *Fanout) Resync(table string) {
	e := Event{Table: table, Op: OpResync, At: time.Now()}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.table != table {
			continue
		}
		select {
		case sub.events <- e:
		default:
		}
	}
}

// Len is the number of live subscriptions.
func (f *Fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close stops every subscription; later Adds fail with ErrClosed.
func (f *Fanout) Close() error {
	f.mu.Lock()
	f.closed = true
	subs := make([]*fanoutSub, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

func (s *fanoutSub) loop() {
	for {
		select {
		case e := <-s.events:
			s.onEvent(e)
		case <-s.done:
			return
		}
	}
}

func (s *fanoutSub) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s.id)
		s.owner.mu.Unlock()
		close(s.done)
	})
	return nil
}
