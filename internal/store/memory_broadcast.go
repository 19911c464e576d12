package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryBroadcaster is an in-process Broadcaster. Subscriptions are
// acknowledged immediately unless HoldAcks is set.
type MemoryBroadcaster struct {
	mu       sync.Mutex
	channels map[string]map[*memoryChannel]struct{}
	holdAcks bool
}

func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{channels: make(map[string]map[*memoryChannel]struct{})}
}

// HoldAcks keeps new channels unacknowledged until Ack is called, to mimic a
// slow or unreachable realtime backend.
func (b *MemoryBroadcaster) HoldAcks(hold bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdAcks = hold
}

// Ack acknowledges every open channel called name.
func (b *MemoryBroadcaster) Ack(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.channels[name] {
		ch.ack()
	}
}

// Open reports how many handles are subscribed to name.
func (b *MemoryBroadcaster) Open(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[name])
}

func (b *MemoryBroadcaster) OpenChannel(ctx context.Context, name string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("channel name is required")
	}

	ch := &memoryChannel{
		name:       name,
		owner:      b,
		subscribed: make(chan struct{}),
		messages:   make(chan Message, subscriberQueue),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channels[name] == nil {
		b.channels[name] = make(map[*memoryChannel]struct{})
	}
	b.channels[name][ch] = struct{}{}
	if !b.holdAcks {
		ch.ack()
	}
	return ch, nil
}

func (b *MemoryBroadcaster) publish(from *memoryChannel, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.channels[from.name] {
		if ch == from {
			continue
		}
		select {
		case ch.messages <- msg:
		default:
		}
	}
}

type memoryChannel struct {
	name       string
	owner      *MemoryBroadcaster
	subscribed chan struct{}
	messages   chan Message
	ackOnce    sync.Once
	closeOnce  sync.Once
}

func (c *memoryChannel) ack() {
	c.ackOnce.Do(func() { close(c.subscribed) })
}

func (c *memoryChannel) Name() string                { return c.name }
func (c *memoryChannel) Subscribed() <-chan struct{} { return c.subscribed }
func (c *memoryChannel) Messages() <-chan Message    { return c.messages }

func (c *memoryChannel) Publish(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}
	c.owner.publish(c, Message{Event: event, Payload: raw})
	return nil
}

func (c *memoryChannel) Close() error {
	c.closeOnce.Do(func() {
		c.owner.mu.Lock()
		delete(c.owner.channels[c.name], c)
		if len(c.owner.channels[c.name]) == 0 {
			delete(c.owner.channels, c.name)
		}
		c.owner.mu.Unlock()
	})
	return nil
}
