// Package publisher relays the cart_events outbox to Kafka so services that
// cannot LISTEN on Postgres still see every cart change.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fjod/go_cart/claim-service/domain"
	r "github.com/fjod/go_cart/claim-service/internal/repository"
	"github.com/fjod/go_cart/claim-service/internal/store"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const Topic = "cart-changes"

type OutboxRepository interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*r.CartEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
	DeleteProcessedEvents(ctx context.Context, before time.Time) (int64, error)
	EventPruner
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type OutboxPoller struct {
	eventTick   time.Duration
	cleanupTick time.Duration
	retention   time.Duration
	batch       int
	repo        OutboxRepository
	writer      messageWriter
	log         *zap.Logger
}

func NewOutboxPoller(repo OutboxRepository, log *zap.Logger, brokers ...string) *OutboxPoller {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &OutboxPoller{
		eventTick:   500 * time.Millisecond,
		cleanupTick: time.Hour,
		retention:   24 * time.Hour,
		batch:       100,
		repo:        repo,
		writer:      w,
		log:         log,
	}
}

func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	cleanupTicker := time.NewTicker(p.cleanupTick)
	defer eventTicker.Stop()
	defer cleanupTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-cleanupTicker.C:
			p.deleteOldEvents(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxPoller) Close() error {
	return p.writer.Close()
}

func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) {
	events, err := p.repo.GetUnprocessedEvents(ctx, p.batch)
	if err != nil {
		p.log.Warn("failed to fetch cart events", zap.Error(err))
		return
	}

	for _, event := range events {
		msg, err := Encode(event)
		if err != nil {
			p.log.Error("dropping undecodable cart event", zap.Int64("event_id", event.ID), zap.Error(err))
		} else if err := p.writer.WriteMessages(ctx, msg); err != nil {
			// Stop at the first failure so events keep their order per cart.
			p.log.Warn("failed to publish cart event", zap.Int64("event_id", event.ID), zap.Error(err))
			return
		}

		if err := p.repo.MarkEventAsProcessed(ctx, event.ID); err != nil {
			p.log.Warn("failed to mark cart event as processed", zap.Int64("event_id", event.ID), zap.Error(err))
			return
		}
	}
}

func (p *OutboxPoller) deleteOldEvents(ctx context.Context) {
	n, err := p.repo.DeleteProcessedEvents(ctx, time.Now().Add(-p.retention))
	if err != nil {
		p.log.Warn("failed to delete processed cart events", zap.Error(err))
		return
	}
	if n > 0 {
		p.log.Info("deleted processed cart events", zap.Int64("count", n))
	}
}

// Encode turns an outbox row into the change-feed wire format.
func Encode(event *r.CartEvent) (kafka.Message, error) {
	e := store.Event{
		Table: store.TableShoppingCarts,
		Op:    event.Op,
		At:    event.CreatedAt,
	}
	var err error
	if e.Old, err = decodeRow(event.OldRow); err != nil {
		return kafka.Message{}, fmt.Errorf("decode old row: %w", err)
	}
	if e.New, err = decodeRow(event.NewRow); err != nil {
		return kafka.Message{}, fmt.Errorf("decode new row: %w", err)
	}

	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(event.CartID, 10)), // cart_id for ordering
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Op)},
		},
	}, nil
}

func decodeRow(raw json.RawMessage) (*domain.Cart, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var cart domain.Cart
	if err := json.Unmarshal(raw, &cart); err != nil {
		return nil, err
	}
	return &cart, nil
}
