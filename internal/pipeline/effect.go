// Package pipeline 提交后副作用：事务提交成功后才发布事件、更新计数/列表、实时推送。
package pipeline

import (
	"time"

	"github.com/d60-Lab/social-pipeline/internal/event"
)

type Kind string

const (
	KindPublishEvent      Kind = "PUBLISH_EVENT"
	KindIncrementCounter  Kind = "INCREMENT_COUNTER"
	KindPushListItem      Kind = "PUSH_LIST_ITEM"
	KindRealtimePush      Kind = "REALTIME_PUSH"
	KindCompensateCounter Kind = "COMPENSATE_COUNTER"
	KindEvictKey          Kind = "EVICT_KEY"
)

// Effect 一个提交后执行的副作用
type Effect interface {
	Kind() Kind
}

// PublishEvent 写入事件日志，主题与分区键由负载决定
type PublishEvent struct {
	Event event.Payload
}

// IncrementCounter 只对已缓存的计数器生效；未缓存时由读路径从库重算
type IncrementCounter struct {
	Key   string
	Delta int64
	TTL   time.Duration
}

// PushListItem Item 以 JSON 写入有界列表头部
type PushListItem struct {
	Key    string
	Item   any
	MaxLen int64
	TTL    time.Duration
}

type RealtimePush struct {
	UserID  string
	Event   string
	Payload any
}

// CompensateCounter 扣减计数，保底为 0
type CompensateCounter struct {
	Key   string
	Delta int64
}

type EvictKey struct {
	Keys []string
}

func (PublishEvent) Kind() Kind      { return KindPublishEvent }
func (IncrementCounter) Kind() Kind  { return KindIncrementCounter }
func (PushListItem) Kind() Kind      { return KindPushListItem }
func (RealtimePush) Kind() Kind      { return KindRealtimePush }
func (CompensateCounter) Kind() Kind { return KindCompensateCounter }
func (EvictKey) Kind() Kind          { return KindEvictKey }
