package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBroadcaster_PublishReachesOthers(t *testing.T) {
	b := NewMemoryBroadcaster()
	ctx := context.Background()

	pos, err := b.OpenChannel(ctx, "tx-1")
	require.NoError(t, err)
	defer pos.Close()
	mobile, err := b.OpenChannel(ctx, "tx-1")
	require.NoError(t, err)
	defer mobile.Close()

	<-mobile.Subscribed()
	require.NoError(t, mobile.Publish(ctx, "ack", map[string]string{"status": "success"}))

	select {
	case msg := <-pos.Messages():
		assert.Equal(t, "ack", msg.Event)
		var payload map[string]string
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		assert.Equal(t, "success", payload["status"])
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	select {
	case <-mobile.Messages():
		t.Fatal("publisher must not receive its own message")
	default:
	}
}

func TestMemoryBroadcaster_HoldAcks(t *testing.T) {
	b := NewMemoryBroadcaster()
	b.HoldAcks(true)

	ch, err := b.OpenChannel(context.Background(), "tx-2")
	require.NoError(t, err)

	select {
	case <-ch.Subscribed():
		t.Fatal("subscription acknowledged while held")
	default:
	}

	b.Ack("tx-2")
	<-ch.Subscribed()

	assert.Equal(t, 1, b.Open("tx-2"))
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.Equal(t, 0, b.Open("tx-2"))
}

func TestMemoryBroadcaster_EmptyName(t *testing.T) {
	_, err := NewMemoryBroadcaster().OpenChannel(context.Background(), "")
	assert.Error(t, err)
}
