package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/go_cart/claim-service/domain"
	"github.com/fjod/go_cart/claim-service/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func ConnectMongoDB(ctx context.Context, uri, database string) (*mongo.Database, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(100).
		SetMinPoolSize(10)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client.Database(database), nil
}

// MongoRepository keeps carts in a MongoDB collection. Conditional updates
// are single-document filters, which Mongo applies atomically; the change
// feed is a change stream, so the server must run as a replica set.
type MongoRepository struct {
	collection *mongo.Collection
	feed       *store.Fanout
	log        *zap.Logger

	mu       sync.Mutex
	watching bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewMongoRepository(db *mongo.Database, log *zap.Logger) *MongoRepository {
	return &MongoRepository{
		collection: db.Collection(store.TableShoppingCarts),
		feed:       store.NewFanout(),
		log:        log,
	}
}

// CreateIndexes adds the unique cart_id index and enables pre-images so
// change events carry the row as it was before an update.
func (m *MongoRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "cart_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "status", Value: 1}},
		},
	}
	if _, err := m.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	cmd := bson.D{
		{Key: "collMod", Value: m.collection.Name()},
		{Key: "changeStreamPreAndPostImages", Value: bson.M{"enabled": true}},
	}
	if err := m.collection.Database().RunCommand(ctx, cmd).Err(); err != nil {
		return fmt.Errorf("failed to enable pre-images: %w", err)
	}
	return nil
}

func toBSON(f store.Filter) bson.M {
	out := bson.M{}
	for _, c := range f {
		v := c.Value
		if s, ok := v.(domain.CartStatus); ok {
			v = string(s)
		}
		out[string(c.Column)] = v
	}
	return out
}

func (m *MongoRepository) ConditionalUpdate(ctx context.Context, u store.Update) (int64, error) {
	if err := u.Validate(); err != nil {
		return 0, err
	}

	var owner any
	if u.Patch.UserID != nil {
		owner = *u.Patch.UserID
	}
	update := bson.M{"$set": bson.M{
		"status":     string(u.Patch.Status),
		"user_id":    owner,
		"updated_at": time.Now().UTC(),
	}}

	res, err := m.collection.UpdateMany(ctx, toBSON(u.Where()), update)
	if err != nil {
		return 0, fmt.Errorf("failed to update carts: %w", err)
	}
	return res.ModifiedCount, nil
}

func (m *MongoRepository) Select(ctx context.Context, f store.Filter) ([]domain.Cart, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(bson.D{{Key: "cart_id", Value: 1}})
	cursor, err := m.collection.Find(ctx, toBSON(f), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find carts: %w", err)
	}
	defer cursor.Close(ctx)

	carts := make([]domain.Cart, 0, 1)
	if err := cursor.All(ctx, &carts); err != nil {
		return nil, fmt.Errorf("failed to decode carts: %w", err)
	}
	return carts, nil
}

func (m *MongoRepository) Provision(ctx context.Context, cartID int64) error {
	cart := domain.Cart{
		CartID:    cartID,
		Status:    domain.CartStatusNotInUse,
		UpdatedAt: time.Now().UTC(),
	}
	if _, err := m.collection.InsertOne(ctx, cart); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrCartExists
		}
		return fmt.Errorf("failed to insert cart: %w", err)
	}
	return nil
}

// Subscribe opens the change stream on first use.
func (m *MongoRepository) Subscribe(_ context.Context, table string, f store.Filter, onEvent func(store.Event)) (store.Subscription, error) {
	if err := m.ensureWatch(); err != nil {
		return nil, err
	}
	return m.feed.Add(table, f, onEvent)
}

func (m *MongoRepository) ensureWatch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watching {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := m.openStream(ctx, nil)
	if err != nil {
		cancel()
		return err
	}
	m.watching, m.cancel = true, cancel
	m.wg.Add(1)
	go m.watch(ctx, stream)
	return nil
}

func (m *MongoRepository) openStream(ctx context.Context, resumeAfter bson.Raw) (*mongo.ChangeStream, error) {
	opts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetFullDocumentBeforeChange(options.WhenAvailable)
	if resumeAfter != nil {
		opts.SetResumeAfter(resumeAfter)
	}
	stream, err := m.collection.Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open change stream: %w", err)
	}
	return stream, nil
}

type changeEvent struct {
	OperationType            string       `bson:"operationType"`
	FullDocument             *domain.Cart `bson:"fullDocument"`
	FullDocumentBeforeChange *domain.Cart `bson:"fullDocumentBeforeChange"`
}

var changeOps = map[string]store.Op{
	"insert":  store.OpInsert,
	"update":  store.OpUpdate,
	"replace": store.OpUpdate,
	"delete":  store.OpDelete,
}

func (m *MongoRepository) watch(ctx context.Context, stream *mongo.ChangeStream) {
	defer m.wg.Done()
	for {
		for stream.Next(ctx) {
			var ev changeEvent
			if err := stream.Decode(&ev); err != nil {
				m.log.Warn("bad change event", zap.Error(err))
				continue
			}
			op, ok := changeOps[ev.OperationType]
			if !ok {
				continue
			}
			m.feed.Publish(store.Event{
				Table: store.TableShoppingCarts,
				Op:    op,
				Old:   ev.FullDocumentBeforeChange,
				New:   ev.FullDocument,
				At:    time.Now(),
			})
		}
		resume := stream.ResumeToken()
		err := stream.Err()
		stream.Close(context.Background())
		if ctx.Err() != nil {
			return
		}

		m.log.Warn("change stream interrupted, reopening", zap.Error(err))
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			next, err := m.openStream(ctx, resume)
			if err == nil {
				stream = next
				break
			}
			m.log.Warn("reopen change stream failed", zap.Error(err))
		}
	}
}

func (m *MongoRepository) Ping(ctx context.Context) error {
	return m.collection.Database().Client().Ping(ctx, nil)
}

func (m *MongoRepository) Close() error {
	m.feed.Close()
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	return m.collection.Database().Client().Disconnect(context.Background())
}
