package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/social-pipeline/internal/cache"
	"github.com/d60-Lab/social-pipeline/internal/event"
)

func TestMessage_EndToEnd(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.seedUsers(t, "userA", "userB")

	// B 不在线
	sent, err := env.messages.Send(ctx, "userA", "userB", "hi")
	require.NoError(t, err)
	assert.Zero(t, env.hub.Online("userB"))

	events := env.consumeN(t, event.TopicMessageSent, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "userA:userB", events[0].Key)
	p, err := event.Decode(events[0].Topic, events[0].Value)
	require.NoError(t, err)
	assert.Equal(t, sent.ID, p.(*event.MessageSent).MessageID)

	total, err := env.messages.UnreadTotal(ctx, "userB")
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	cached, err := env.store.GetCounter(ctx, cache.UnreadTotalKey("userB"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, cached)

	history, err := env.messages.History(ctx, "userB", "userA", 1, 20)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Content)
	assert.False(t, history[0].IsRead)

	marked, err := env.messages.MarkRead(ctx, "userB", "userA")
	require.NoError(t, err)
	assert.EqualValues(t, 1, marked)

	fromA, err := env.messages.UnreadFrom(ctx, "userB", "userA")
	require.NoError(t, err)
	assert.Zero(t, fromA)
	total, err = env.messages.UnreadTotal(ctx, "userB")
	require.NoError(t, err)
	assert.Zero(t, total)

	history, err = env.messages.History(ctx, "userB", "userA", 1, 20)
	require.NoError(t, err)
	assert.True(t, history[0].IsRead)
	assert.Zero(t, env.metrics.Snapshot().Failed)
}

func TestMessage_OnlineReceiverGetsPushAndHistoryCache(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.seedUsers(t, "userA", "userB")
	conn, cancel := env.hub.Subscribe("userB")
	defer cancel()

	_, err := env.messages.Send(ctx, "userB", "userA", "ping")
	require.NoError(t, err)
	sent, err := env.messages.Send(ctx, "userA", "userB", "hello")
	require.NoError(t, err)

	f := <-conn.Frames()
	assert.Equal(t, "message", f.Event)
	var dto MessageDTO
	require.NoError(t, json.Unmarshal(f.Data, &dto))
	assert.Equal(t, sent.ID, dto.ID)

	items, err := env.store.Range(ctx, cache.ChatHistoryKey("userA", "userB"), 0, -1)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Contains(t, items[0], "hello", "most recent first")

	fromA, err := env.messages.UnreadFrom(ctx, "userB", "userA")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fromA)
}

func TestMessage_RejectedWritesHaveNoEffects(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.seedUsers(t, "userA")

	_, err := env.messages.Send(ctx, "userA", "ghost", "hi")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = env.messages.Send(ctx, "userA", "userA", "hi")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = env.messages.Send(ctx, "userA", "ghost", "   ")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = env.messages.Send(ctx, "userA", "ghost", strings.Repeat("x", maxMessageLength+1))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.False(t, env.mr.Exists(cache.UnreadTotalKey("ghost")))
	assert.Zero(t, env.metrics.Snapshot().Executed)
}

func TestMessage_MarkReadNothingUnread(t *testing.T) {
	env := setupEnv(t)
	marked, err := env.messages.MarkRead(context.Background(), "userB", "userA")
	require.NoError(t, err)
	assert.Zero(t, marked)
	assert.Zero(t, env.metrics.Snapshot().Executed)
}

func TestMessage_EvictedCountersRecoverFromStore(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.seedUsers(t, "userA", "userB")

	for i := 0; i < 3; i++ {
		_, err := env.messages.Send(ctx, "userA", "userB", "hi")
		require.NoError(t, err)
	}
	_, err := env.messages.UnreadTotal(ctx, "userB")
	require.NoError(t, err)
	env.mr.Del(cache.UnreadTotalKey("userB"))
	env.mr.Del(cache.UnreadMessagesKey("userB", "userA"))

	_, err = env.messages.Send(ctx, "userA", "userB", "fourth")
	require.NoError(t, err)
	assert.False(t, env.mr.Exists(cache.UnreadTotalKey("userB")), "cold counter is not seeded by the write path")

	total, err := env.messages.UnreadTotal(ctx, "userB")
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	fromA, err := env.messages.UnreadFrom(ctx, "userB", "userA")
	require.NoError(t, err)
	assert.EqualValues(t, 4, fromA)

	// 已缓存的计数继续由写路径自增
	_, err = env.messages.Send(ctx, "userA", "userB", "fifth")
	require.NoError(t, err)
	cached, err := env.store.GetCounter(ctx, cache.UnreadTotalKey("userB"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, cached)
}
