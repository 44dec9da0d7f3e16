package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/social-pipeline/internal/cache"
	"github.com/d60-Lab/social-pipeline/internal/consumer"
	"github.com/d60-Lab/social-pipeline/internal/event"
	"github.com/d60-Lab/social-pipeline/internal/eventlog"
)

func TestRelationship_FollowIsIdempotent(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.seedUsers(t, "a", "b")

	require.NoError(t, env.relations.Follow(ctx, "a", "b"))
	require.NoError(t, env.relations.Follow(ctx, "a", "b"))

	events := env.consumeN(t, event.TopicUserFollowed, 2)
	assert.Len(t, events, 1, "duplicate follow publishes nothing")

	fans, err := env.relations.ListFans(ctx, "b", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, fans)
	following, err := env.relations.ListFollowing(ctx, "a", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, following)

	assert.ErrorIs(t, env.relations.Follow(ctx, "a", "a"), ErrFollowSelf)
	assert.ErrorIs(t, env.relations.Follow(ctx, "a", "ghost"), ErrUserNotFound)
}

func TestRelationship_FriendIsMutualEdges(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.seedUsers(t, "a", "b")

	require.NoError(t, env.relations.Follow(ctx, "a", "b"))
	friend, err := env.relations.IsFriend(ctx, "a", "b")
	require.NoError(t, err)
	assert.False(t, friend)

	require.NoError(t, env.relations.Follow(ctx, "b", "a"))
	friend, err = env.relations.IsFriend(ctx, "b", "a")
	require.NoError(t, err)
	assert.True(t, friend)

	require.NoError(t, env.relations.Unfollow(ctx, "a", "b"))
	following, err := env.relations.IsFollowing(ctx, "a", "b")
	require.NoError(t, err)
	assert.False(t, following)
	fans, err := env.relations.ListFans(ctx, "b", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, fans)

	events := env.consumeN(t, event.TopicUserUnfollowed, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].Key)
}

// 关注事件经路由器物化为通知；重复投递不重复计数
func TestFollowNotificationThroughRouter(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.seedUsers(t, "a", "b")

	router, err := consumer.NewRouter(consumer.Config{MaxAttempts: 2, Backoff: time.Millisecond}, consumer.NewLogSink(env.log))
	require.NoError(t, err)
	router.SkipOn(ErrUserNotFound)
	consumer.Register(router, consumer.Deps{Notifications: env.notifications, FollowIndex: env.index, RecentPosts: env.postSvc})

	require.NoError(t, env.relations.Follow(ctx, "a", "b"))
	events := env.consumeN(t, event.TopicUserFollowed, 1)
	require.Len(t, events, 1)

	require.NoError(t, router.Dispatch(ctx, events[0]))
	require.NoError(t, router.Dispatch(ctx, events[0]))

	n, err := env.notifications.UnreadCount(ctx, "b")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	list, err := env.notifications.List(ctx, "b", 1, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "FOLLOW", list[0].Type)
	assert.Equal(t, "a", list[0].SenderID)

	// 接收者不存在：跳过，不进入死信
	ghost, err := event.Encode(event.NotificationSend{UserID: "ghost", Type: "SYSTEM", Title: "t", Timestamp: time.Now()})
	require.NoError(t, err)
	require.NoError(t, router.Dispatch(ctx, &eventlog.Message{Topic: event.TopicNotificationSend, Key: "ghost", Value: ghost}))
	assert.Empty(t, env.consumeN(t, event.TopicDeadLetter, 1))
}

func TestRecentPosts_IndexedOncePerPost(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	post, err := env.postSvc.Create(ctx, CreatePostInput{AuthorID: "a", Content: "hello world"})
	require.NoError(t, err)
	_, err = env.postSvc.Create(ctx, CreatePostInput{AuthorID: "a", Content: "draft", Visibility: "DRAFT"})
	require.NoError(t, err)

	events := env.consumeN(t, event.TopicPostCreated, 2)
	require.Len(t, events, 1, "drafts are not published")

	p, err := event.Decode(events[0].Topic, events[0].Value)
	require.NoError(t, err)
	created := *p.(*event.PostCreated)
	require.NoError(t, env.postSvc.IndexRecentPost(ctx, created))
	require.NoError(t, env.postSvc.IndexRecentPost(ctx, created))

	recent, err := env.postSvc.RecentPosts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, post.ID, recent[0].PostID)
	assert.True(t, env.mr.Exists(cache.DedupeKey(event.TopicPostCreated, post.ID)))
}

func TestCreatePost_AdvertiseIsPromoted(t *testing.T) {
	env := setupEnv(t)
	post, err := env.postSvc.Create(context.Background(), CreatePostInput{AuthorID: "brand", Content: "sale", Visibility: "ADVERTISE"})
	require.NoError(t, err)
	assert.True(t, post.Promoted)

	_, err = env.postSvc.Create(context.Background(), CreatePostInput{AuthorID: "brand", Content: "x", Visibility: "SECRET"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFollowAgainNotifiesAgain(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.seedUsers(t, "a", "b")

	router, err := consumer.NewRouter(consumer.Config{MaxAttempts: 1, Backoff: time.Millisecond}, consumer.NewLogSink(env.log))
	require.NoError(t, err)
	consumer.Register(router, consumer.Deps{Notifications: env.notifications, FollowIndex: env.index, RecentPosts: env.postSvc})

	require.NoError(t, env.relations.Follow(ctx, "a", "b"))
	require.NoError(t, env.relations.Unfollow(ctx, "a", "b"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, env.relations.Follow(ctx, "a", "b"))

	events := env.consumeN(t, event.TopicUserFollowed, 2)
	require.Len(t, events, 2)
	for _, msg := range events {
		require.NoError(t, router.Dispatch(ctx, msg))
		require.NoError(t, router.Dispatch(ctx, msg))
	}

	list, err := env.notifications.List(ctx, "b", 1, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
