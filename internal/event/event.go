package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/d60-Lab/social-pipeline/internal/eventlog"
)

// 主题名：每个主题对应唯一一种负载变体
const (
	TopicPostCreated      = "post.created"
	TopicMessageSent      = "message.sent"
	TopicNotificationSend = "notification.send"
	TopicUserFollowed     = "user.followed"
	TopicUserUnfollowed   = "user.unfollowed"
	TopicDeadLetter       = "dead-letter"
)

var (
	// ErrMalformed 负载无法解码或缺少必填字段，重试无意义
	ErrMalformed    = errors.New("malformed event payload")
	ErrUnknownTopic = errors.New("unknown event topic")
)

var validate = validator.New()

// Payload 事件负载变体
type Payload interface {
	Topic() string
	// PartitionKey 相同 key 的事件在同一分区内保持发布顺序
	PartitionKey() string
}

// ConversationKey 会话分区键 min(a,b):max(a,b)，双方消息共享顺序
func ConversationKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

type PostCreated struct {
	PostID    string    `json:"postId" validate:"required"`
	UserID    string    `json:"userId" validate:"required"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

func (PostCreated) Topic() string          { return TopicPostCreated }
func (e PostCreated) PartitionKey() string { return e.UserID }

type MessageSent struct {
	MessageID  string    `json:"messageId" validate:"required"`
	SenderID   string    `json:"senderId" validate:"required"`
	ReceiverID string    `json:"receiverId" validate:"required"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp" validate:"required"`
}

func (MessageSent) Topic() string { return TopicMessageSent }
func (e MessageSent) PartitionKey() string {
	return ConversationKey(e.SenderID, e.ReceiverID)
}

type NotificationSend struct {
	UserID    string    `json:"userId" validate:"required"`
	Title     string    `json:"title" validate:"required"`
	Message   string    `json:"message"`
	Type      string    `json:"type" validate:"required,oneof=FOLLOW COMMENT LIKE SYSTEM"`
	SenderID  string    `json:"senderId,omitempty"`
	EntityID  string    `json:"entityId,omitempty"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

func (NotificationSend) Topic() string          { return TopicNotificationSend }
func (e NotificationSend) PartitionKey() string { return e.UserID }

type UserFollowed struct {
	FollowerID string    `json:"followerId" validate:"required"`
	FollowedID string    `json:"followedId" validate:"required,nefield=FollowerID"`
	Timestamp  time.Time `json:"timestamp" validate:"required"`
}

func (UserFollowed) Topic() string          { return TopicUserFollowed }
func (e UserFollowed) PartitionKey() string { return e.FollowedID }

type UserUnfollowed struct {
	FollowerID string    `json:"followerId" validate:"required"`
	FollowedID string    `json:"followedId" validate:"required,nefield=FollowerID"`
	Timestamp  time.Time `json:"timestamp" validate:"required"`
}

func (UserUnfollowed) Topic() string          { return TopicUserUnfollowed }
func (e UserUnfollowed) PartitionKey() string { return e.FollowerID }

// Encode 校验并序列化负载
func Encode(p Payload) ([]byte, error) {
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, p.Topic(), err)
	}
	return json.Marshal(p)
}

// Decode 按主题解出对应变体；解析或校验失败返回 ErrMalformed
func Decode(topic string, data []byte) (Payload, error) {
	var p Payload
	switch topic {
	case TopicPostCreated:
		p = &PostCreated{}
	case TopicMessageSent:
		p = &MessageSent{}
	case TopicNotificationSend:
		p = &NotificationSend{}
	case TopicUserFollowed:
		p = &UserFollowed{}
	case TopicUserUnfollowed:
		p = &UserUnfollowed{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, topic, err)
	}
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, topic, err)
	}
	return p, nil
}

// DeadLetter 死信记录；只追加，不自动重放
type DeadLetter struct {
	OriginalTopic string    `json:"originalTopic"`
	Key           string    `json:"key"`
	Partition     int32     `json:"partition"`
	Offset        int64     `json:"offset"`
	Payload       []byte    `json:"payload"`
	LastError     string    `json:"lastError"`
	Attempts      int       `json:"attempts"`
	FirstFailedAt time.Time `json:"firstFailedAt"`
}

// Topics 需要预先声明的主题
func Topics() []eventlog.TopicSpec {
	const week = 7 * 24 * time.Hour
	return []eventlog.TopicSpec{
		{Name: TopicPostCreated, Partitions: 6, Retention: week},
		{Name: TopicMessageSent, Partitions: 12, Retention: week},
		{Name: TopicNotificationSend, Partitions: 6, Retention: week},
		{Name: TopicUserFollowed, Partitions: 6, Retention: week},
		{Name: TopicUserUnfollowed, Partitions: 6, Retention: week},
		{Name: TopicDeadLetter, Partitions: 1, Retention: 30 * 24 * time.Hour},
	}
}

