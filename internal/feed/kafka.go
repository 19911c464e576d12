// Package feed consumes the cart change topic and serves it as a
// store.ChangeFeed, for deployments where the claim service does not talk
// to Postgres directly.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/fjod/go_cart/claim-service/internal/publisher"
	"github.com/fjod/go_cart/claim-service/internal/store"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type KafkaFeed struct {
	reader messageReader
	fanout *store.Fanout
	log    *zap.Logger

	wg   sync.WaitGroup
	once sync.Once
}

// NewKafkaFeed joins a consumer group of its own, so every instance sees
// every change, starting from the newest offset.
func NewKafkaFeed(log *zap.Logger, brokers ...string) *KafkaFeed {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       publisher.Topic,
		GroupID:     "claim-service-" + uuid.NewString(),
		StartOffset: kafka.LastOffset,
		MaxBytes:    10e6, // 10MB
	})
	return &KafkaFeed{reader: reader, fanout: store.NewFanout(), log: log}
}

func (f *KafkaFeed) Subscribe(_ context.Context, table string, filter store.Filter, onEvent func(store.Event)) (store.Subscription, error) {
	return f.fanout.Add(table, filter, onEvent)
}

// Start reads the topic until ctx is cancelled or Close is called.
func (f *KafkaFeed) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for ctx.Err() == nil {
			if !f.processMessage(ctx) {
				return
			}
		}
	}()
}

// processMessage reports false once the reader is gone.
func (f *KafkaFeed) processMessage(ctx context.Context) bool {
	m, err := f.reader.ReadMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
			return false
		}
		f.log.Warn("error reading cart change", zap.Error(err))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
		return true
	}

	var e store.Event
	if err := json.Unmarshal(m.Value, &e); err != nil {
		f.log.Warn("error parsing cart change", zap.Error(err), zap.Int64("offset", m.Offset))
		return true
	}
	f.fanout.Publish(e)
	return true
}

func (f *KafkaFeed) Close() error {
	var err error
	f.once.Do(func() {
		f.fanout.Close()
		err = f.reader.Close()
		f.wg.Wait()
	})
	return err
}
