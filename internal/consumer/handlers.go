package consumer

import (
	"context"
	"fmt"

	"github.com/d60-Lab/social-pipeline/internal/event"
	"github.com/d60-Lab/social-pipeline/internal/eventlog"
)

type NotificationMaterializer interface {
	Materialize(ctx context.Context, n event.NotificationSend) error
}

type FollowIndexEvictor interface {
	Evict(ctx context.Context, userID string) error
}

type RecentPostIndexer interface {
	IndexRecentPost(ctx context.Context, p event.PostCreated) error
}

type Deps struct {
	Notifications NotificationMaterializer
	FollowIndex   FollowIndexEvictor
	RecentPosts   RecentPostIndexer
}

// Register 挂载各主题的处理器。message.sent 的下游在本服务之外，这里不订阅
func Register(r *Router, d Deps) {
	r.Handle(event.TopicNotificationSend, decoded(func(ctx context.Context, e *event.NotificationSend) error {
		return d.Notifications.Materialize(ctx, *e)
	}))

	r.Handle(event.TopicUserFollowed, decoded(func(ctx context.Context, e *event.UserFollowed) error {
		return d.Notifications.Materialize(ctx, event.NotificationSend{
			UserID:    e.FollowedID,
			SenderID:  e.FollowerID,
			// 重投同一事件得到同一键；取关后再次关注是新事件
			EntityID:  fmt.Sprintf("%s:%d", e.FollowerID, e.Timestamp.UnixMilli()),
			Type:      "FOLLOW",
			Title:     "New follower",
			Message:   fmt.Sprintf("%s started following you", e.FollowerID),
			Timestamp: e.Timestamp,
		})
	}))

	r.Handle(event.TopicUserUnfollowed, decoded(func(ctx context.Context, e *event.UserUnfollowed) error {
		return d.FollowIndex.Evict(ctx, e.FollowerID)
	}))

	r.Handle(event.TopicPostCreated, decoded(func(ctx context.Context, e *event.PostCreated) error {
		return d.RecentPosts.IndexRecentPost(ctx, *e)
	}))
}

// decoded 解码为具体变体后调用 fn；解码失败属于格式错误，直接死信
func decoded[T any](fn func(ctx context.Context, e *T) error) HandlerFunc {
	return func(ctx context.Context, msg *eventlog.Message) error {
		p, err := event.Decode(msg.Topic, msg.Value)
		if err != nil {
			return err
		}
		e, ok := any(p).(*T)
		if !ok {
			return NonRetryable(fmt.Errorf("topic %s decoded to %T", msg.Topic, p))
		}
		return fn(ctx, e)
	}
}
