package cache

import "fmt"

func UnreadMessagesKey(receiverID, senderID string) string {
	return fmt.Sprintf("unread:messages:%s:%s", receiverID, senderID)
}

func UnreadTotalKey(receiverID string) string {
	return "unread:total:" + receiverID
}

// ChatHistoryKey 会话双方共享一条最近消息列表
func ChatHistoryKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("chat:history:%s:%s", a, b)
}

func NotificationUnreadKey(userID string) string {
	return "notification:unread:count:" + userID
}

func NotificationsRecentKey(userID string) string {
	return "notifications:recent:" + userID
}

func FollowingIndexKey(userID string) string {
	return "following:index:" + userID
}

const RecentPostsKey = "search:recent:posts"

func DedupeKey(topic, naturalKey string) string {
	return fmt.Sprintf("dedupe:%s:%s", topic, naturalKey)
}
