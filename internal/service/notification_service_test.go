package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/social-pipeline/internal/cache"
	"github.com/d60-Lab/social-pipeline/internal/event"
	"github.com/d60-Lab/social-pipeline/internal/model"
)

func TestMaterialize_IdempotentOnRedelivery(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.seedUsers(t, "u1", "u2")

	e := event.NotificationSend{
		UserID: "u2", SenderID: "u1", EntityID: "post-9", Type: "LIKE",
		Title: "New like", Message: "u1 liked your post", Timestamp: time.Now(),
	}
	_, err := env.notifications.UnreadCount(ctx, "u2")
	require.NoError(t, err)
	require.NoError(t, env.notifications.Materialize(ctx, e))
	require.NoError(t, env.notifications.Materialize(ctx, e))

	count, err := env.store.GetCounter(ctx, cache.NotificationUnreadKey("u2"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	recent, err := env.store.Range(ctx, cache.NotificationsRecentKey("u2"), 0, -1)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	var rows int64
	require.NoError(t, env.db.Model(&model.Notification{}).Count(&rows).Error)
	assert.EqualValues(t, 1, rows)
}

func TestMaterialize_UnknownReceiver(t *testing.T) {
	env := setupEnv(t)
	err := env.notifications.Materialize(context.Background(), event.NotificationSend{
		UserID: "ghost", Type: "SYSTEM", Title: "hello", Timestamp: time.Now(),
	})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestNotification_ReadPath(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.seedUsers(t, "u1")

	for _, entity := range []string{"a", "b", "c"} {
		require.NoError(t, env.notifications.Materialize(ctx, event.NotificationSend{
			UserID: "u1", EntityID: entity, Type: "SYSTEM", Title: "notice " + entity, Timestamp: time.Now(),
		}))
	}
	// 计数缓存丢失后回源
	env.mr.Del(cache.NotificationUnreadKey("u1"))
	n, err := env.notifications.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	list, err := env.notifications.List(ctx, "u1", 1, 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	updated, err := env.notifications.MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, updated)
	n, err = env.notifications.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMaterialize_DistinctNoticesWithoutEntity(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.seedUsers(t, "u1")

	now := time.Now()
	first := event.NotificationSend{UserID: "u1", Type: "SYSTEM", Title: "maintenance", Message: "tonight", Timestamp: now}
	second := event.NotificationSend{UserID: "u1", Type: "SYSTEM", Title: "new feature", Message: "try it", Timestamp: now.Add(time.Second)}
	require.NoError(t, env.notifications.Materialize(ctx, first))
	require.NoError(t, env.notifications.Materialize(ctx, second))
	// 同一事件重投
	require.NoError(t, env.notifications.Materialize(ctx, second))

	list, err := env.notifications.List(ctx, "u1", 1, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.NotEqual(t, list[0].EntityID, list[1].EntityID)
	n, err := env.notifications.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
