// Package broadcast implements named realtime channels on Redis Pub/Sub.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fjod/go_cart/claim-service/internal/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const messageBuffer = 16

// envelope is what goes over the wire. Sender lets a handle skip its own
// publishes, which Redis delivers back to every subscriber.
type envelope struct {
	Sender  string          `json:"sender"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type RedisBroadcaster struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisBroadcaster(client *redis.Client, log *zap.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{client: client, log: log}
}

func channelKey(name string) string {
	return fmt.Sprintf("broadcast:%s", name)
}

// OpenChannel subscribes to name. Subscribed is closed once Redis confirms
// the subscription.
func (b *RedisBroadcaster) OpenChannel(ctx context.Context, name string) (store.Channel, error) {
	if name == "" {
		return nil, fmt.Errorf("channel name is required")
	}

	ps := b.client.Subscribe(ctx, channelKey(name))
	ch := &redisChannel{
		name:       name,
		id:         uuid.NewString(),
		client:     b.client,
		pubsub:     ps,
		log:        b.log.With(zap.String("channel", name)),
		subscribed: make(chan struct{}),
		messages:   make(chan store.Message, messageBuffer),
		done:       make(chan struct{}),
	}
	ch.wg.Add(1)
	go ch.run()
	return ch, nil
}

type redisChannel struct {
	name   string
	id     string
	client *redis.Client
	pubsub *redis.PubSub
	log    *zap.Logger

	subscribed chan struct{}
	messages   chan store.Message
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

func (c *redisChannel) Name() string                   { return c.name }
func (c *redisChannel) Subscribed() <-chan struct{}    { return c.subscribed }
func (c *redisChannel) Messages() <-chan store.Message { return c.messages }

func (c *redisChannel) run() {
	defer c.wg.Done()
	defer close(c.messages)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// The first reply on a fresh PubSub is the subscription confirmation.
	for {
		msg, err := c.pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("broadcast subscribe failed", zap.Error(err))
			}
			return
		}
		if _, ok := msg.(*redis.Subscription); ok {
			close(c.subscribed)
			break
		}
	}

	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-c.pubsub.Channel():
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				c.log.Warn("bad broadcast message", zap.Error(err))
				continue
			}
			if env.Sender == c.id {
				continue
			}
			select {
			case c.messages <- store.Message{Event: env.Event, Payload: env.Payload}:
			default:
				c.log.Warn("broadcast consumer too slow, dropping message", zap.String("event", env.Event))
			}
		}
	}
}

func (c *redisChannel) Publish(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}
	data, err := json.Marshal(envelope{Sender: c.id, Event: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope failed: %w", err)
	}
	if err := c.client.Publish(ctx, channelKey(c.name), data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

func (c *redisChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.pubsub.Close()
		c.wg.Wait()
	})
	return err
}
