package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMemoryCache(t *testing.T) *Cache {
	t.Helper()
	// An unroutable address forces the in-memory fallback.
	cache, err := NewCache("invalid:6379", zap.NewNop().Sugar(), nil)
	require.NoError(t, err)
	require.True(t, cache.IsInMemoryMode())
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestCacheRoundTrip(t *testing.T) {
	cache := newMemoryCache(t)
	ctx := context.Background()

	type position struct {
		Address string `json:"address"`
		Staked  string `json:"staked"`
	}

	require.NoError(t, cache.SetAccountPosition(ctx, "0xalice", position{Address: "0xalice", Staked: "1000"}))

	var got position
	require.NoError(t, cache.GetAccountPosition(ctx, "0xalice", &got))
	assert.Equal(t, "1000", got.Staked)

	require.NoError(t, cache.InvalidateAccount(ctx, "0xalice"))
	err := cache.GetAccountPosition(ctx, "0xalice", &got)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRecentEventsRing(t *testing.T) {
	cache := newMemoryCache(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, cache.PushEvent(ctx, map[string]int{"seq": i}))
	}

	events, err := cache.RecentEvents(ctx, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)

	var first map[string]int
	require.NoError(t, json.Unmarshal(events[0], &first))
	assert.Equal(t, 4, first["seq"], "most recent event first")
}

func TestInMemoryPubSub(t *testing.T) {
	cache := newMemoryCache(t)
	ctx := context.Background()

	sub := cache.SubscribeInMemory(ctx, ChannelEvents)
	require.NotNil(t, sub)
	defer sub.Close()

	require.NoError(t, cache.Publish(ctx, ChannelEvents, map[string]string{"type": "staked"}))

	select {
	case msg := <-sub.Channel():
		require.NotNil(t, msg)
		assert.Equal(t, ChannelEvents, msg.Channel)
		var payload map[string]string
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &payload))
		assert.Equal(t, "staked", payload["type"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for pubsub message")
	}
}
