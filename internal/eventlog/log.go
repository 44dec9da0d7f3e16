// Package eventlog 持久化、分区、追加写的事件日志。
// 同一分区键落到同一分区，消费端按分区顺序处理，至少一次投递。
package eventlog

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var (
	ErrUnknownTopic = errors.New("eventlog: topic not declared")
	ErrClosed       = errors.New("eventlog: closed")
)

// TopicSpec 主题声明：分区数与保留时长
type TopicSpec struct {
	Name       string
	Partitions int32
	Retention  time.Duration
}

// Offset 事件在日志中的位置
type Offset struct {
	Partition int32
	Offset    int64
}

// Message 已持久化的事件，(Topic, Partition, Offset) 唯一
type Message struct {
	Topic      string
	Key        string
	Partition  int32
	Offset     int64
	Value      []byte
	Headers    map[string]string
	ProducedAt time.Time
}

// Handler 返回 nil 时提交位点；返回错误时该消息会被重新投递
type Handler func(ctx context.Context, msg *Message) error

type Log interface {
	Declare(ctx context.Context, specs ...TopicSpec) error
	Publish(ctx context.Context, topic, key string, value []byte) (Offset, error)
	// Consume 阻塞直到 ctx 结束；每个分区一个 goroutine 顺序调用 h
	Consume(ctx context.Context, group string, topics []string, h Handler) error
	Close() error
}

// PartitionFor FNV-1a，与 sarama 默认 hash 分区器一致
func PartitionFor(key string, partitions int32) int32 {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	p := int32(h.Sum32()) % partitions
	if p < 0 {
		p = -p
	}
	return p
}

func injectHeaders(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

func extractHeaders(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
