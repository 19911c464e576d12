package repository

import (
	"context"
	"testing"
	"time"

	"github.com/fjod/go_cart/claim-service/domain"
	"github.com/fjod/go_cart/claim-service/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.uber.org/zap"
)

func setupMongo(t *testing.T) (*MongoRepository, func()) {
	if testing.Short() {
		t.Skip("mongo container tests are skipped in short mode")
	}
	ctx := context.Background()

	mongoContainer, err := mongodb.Run(ctx, "mongo:7", mongodb.WithReplicaSet("rs0"))
	require.NoError(t, err)

	uri, err := mongoContainer.ConnectionString(ctx)
	require.NoError(t, err)

	db, err := ConnectMongoDB(ctx, uri, "testdb")
	require.NoError(t, err)

	repo := NewMongoRepository(db, zap.NewNop())
	require.NoError(t, repo.CreateIndexes(ctx))

	cleanup := func() {
		repo.Close()
		if err := mongoContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}
	return repo, cleanup
}

func TestToBSON(t *testing.T) {
	got := toBSON(store.Filter{
		store.ByCartID(3),
		store.ByStatus(domain.CartStatusNotInUse),
		store.UserIDIsNull(),
	})

	assert.Equal(t, int64(3), got["cart_id"])
	assert.Equal(t, "not_in_use", got["status"])
	v, ok := got["user_id"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestMongoRepository_ConditionalUpdate(t *testing.T) {
	repo, cleanup := setupMongo(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, repo.Provision(ctx, 7))
	assert.ErrorIs(t, repo.Provision(ctx, 7), store.ErrCartExists)

	n, err := repo.ConditionalUpdate(ctx, claimUpdate(7, alice))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.ConditionalUpdate(ctx, claimUpdate(7, bob))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	carts, err := repo.Select(ctx, store.Filter{store.ByUserID(alice), store.ByStatus(domain.CartStatusInUse)})
	require.NoError(t, err)
	require.Len(t, carts, 1)
	assert.Equal(t, int64(7), carts[0].CartID)

	n, err = repo.ConditionalUpdate(ctx, store.Update{
		Filter:    store.Filter{store.ByCartID(7)},
		Predicate: store.Filter{store.ByUserID(alice)},
		Patch:     store.Release(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	carts, err = repo.Select(ctx, store.Filter{store.ByCartID(7)})
	require.NoError(t, err)
	require.Len(t, carts, 1)
	assert.True(t, carts[0].Available())
}

func TestMongoRepository_ChangeStream(t *testing.T) {
	repo, cleanup := setupMongo(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, repo.Provision(ctx, 3))

	events := make(chan store.Event, 4)
	sub, err := repo.Subscribe(ctx, store.TableShoppingCarts, store.Filter{store.ByCartID(3)}, func(e store.Event) {
		events <- e
	})
	require.NoError(t, err)
	defer sub.Close()

	_, err = repo.ConditionalUpdate(ctx, claimUpdate(3, alice))
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, store.OpUpdate, e.Op)
		require.NotNil(t, e.New)
		assert.True(t, e.New.OwnedBy(alice))
	case <-time.After(10 * time.Second):
		t.Fatal("no change event")
	}
}
