package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/d60-Lab/social-pipeline/pkg/logger"
)

type KafkaConfig struct {
	Brokers           []string
	ClientID          string
	ReplicationFactor int16
	PublishTimeout    time.Duration
}

// KafkaLog 基于 Kafka 的事件日志
type KafkaLog struct {
	cfg      KafkaConfig
	sarama   *sarama.Config
	producer sarama.SyncProducer

	mu     sync.Mutex
	groups []sarama.ConsumerGroup
	closed bool
}

func newSaramaConfig(clientID string) *sarama.Config {
	sc := sarama.NewConfig()
	if clientID != "" {
		sc.ClientID = clientID
	}
	sc.Version = sarama.V2_8_0_0
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Retry.Max = 3
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = true
	return sc
}

func NewKafkaLog(cfg KafkaConfig) (*KafkaLog, error) {
	sc := newSaramaConfig(cfg.ClientID)
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return newKafkaLog(cfg, sc, producer), nil
}

func newKafkaLog(cfg KafkaConfig, sc *sarama.Config, producer sarama.SyncProducer) *KafkaLog {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 800 * time.Millisecond
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}
	return &KafkaLog{cfg: cfg, sarama: sc, producer: producer}
}

// Declare 创建主题；已存在的主题忽略
func (k *KafkaLog) Declare(ctx context.Context, specs ...TopicSpec) error {
	admin, err := sarama.NewClusterAdmin(k.cfg.Brokers, k.sarama)
	if err != nil {
		return fmt.Errorf("kafka admin: %w", err)
	}
	defer admin.Close()

	for _, s := range specs {
		if err := ctx.Err(); err != nil {
			return err
		}
		detail := &sarama.TopicDetail{
			NumPartitions:     s.Partitions,
			ReplicationFactor: k.cfg.ReplicationFactor,
		}
		if s.Retention > 0 {
			ms := strconv.FormatInt(s.Retention.Milliseconds(), 10)
			detail.ConfigEntries = map[string]*string{"retention.ms": &ms}
		}
		err := admin.CreateTopic(s.Name, detail, false)
		if err == nil || isTopicExists(err) {
			continue
		}
		return fmt.Errorf("create topic %s: %w", s.Name, err)
	}
	return nil
}

func isTopicExists(err error) bool {
	if errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return true
	}
	var topicErr *sarama.TopicError
	return errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists
}

type sendResult struct {
	partition int32
	offset    int64
	err       error
}

// Publish 同步写入并等待 acks=all；超过 PublishTimeout 或 ctx 结束时返回错误
func (k *KafkaLog) Publish(ctx context.Context, topic, key string, value []byte) (Offset, error) {
	if err := ctx.Err(); err != nil {
		return Offset{}, err
	}
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now(),
	}
	for hk, hv := range injectHeaders(ctx) {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(hk), Value: []byte(hv)})
	}

	ctx, cancel := context.WithTimeout(ctx, k.cfg.PublishTimeout)
	defer cancel()

	done := make(chan sendResult, 1)
	go func() {
		p, o, err := k.producer.SendMessage(msg)
		done <- sendResult{partition: p, offset: o, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return Offset{}, fmt.Errorf("publish %s: %w", topic, r.err)
		}
		return Offset{Partition: r.partition, Offset: r.offset}, nil
	case <-ctx.Done():
		return Offset{}, fmt.Errorf("publish %s: %w", topic, ctx.Err())
	}
}

// Consume 加入消费组；sarama 为每个分区 claim 起一个 goroutine
func (k *KafkaLog) Consume(ctx context.Context, group string, topics []string, h Handler) error {
	cg, err := sarama.NewConsumerGroup(k.cfg.Brokers, group, k.sarama)
	if err != nil {
		return fmt.Errorf("kafka consumer group: %w", err)
	}
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		_ = cg.Close()
		return ErrClosed
	}
	k.groups = append(k.groups, cg)
	k.mu.Unlock()

	go func() {
		for err := range cg.Errors() {
			logger.Warn("kafka consumer group error", zap.String("group", group), zap.Error(err))
		}
	}()

	handler := &groupHandler{handler: h}
	for {
		// 每次 rebalance 后 Consume 返回，需要重新加入
		if err := cg.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			logger.Error("kafka consume", zap.String("group", group), zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (k *KafkaLog) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	var errs []error
	for _, g := range k.groups {
		errs = append(errs, g.Close())
	}
	errs = append(errs, k.producer.Close())
	return errors.Join(errs...)
}

type groupHandler struct {
	handler Handler
}

func (g *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (g *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case cm, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			msg := fromSarama(cm)
			ctx := extractHeaders(sess.Context(), msg.Headers)
			if err := g.handler(ctx, msg); err != nil {
				// 不提交位点，结束本次 session，rebalance 后从上次提交处重投
				logger.Warn("handler failed, partition will be redelivered",
					zap.String("topic", cm.Topic),
					zap.Int32("partition", cm.Partition),
					zap.Int64("offset", cm.Offset),
					zap.Error(err))
				return err
			}
			sess.MarkMessage(cm, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}

func fromSarama(cm *sarama.ConsumerMessage) *Message {
	headers := make(map[string]string, len(cm.Headers))
	for _, h := range cm.Headers {
		if h != nil {
			headers[string(h.Key)] = string(h.Value)
		}
	}
	return &Message{
		Topic:      cm.Topic,
		Key:        string(cm.Key),
		Partition:  cm.Partition,
		Offset:     cm.Offset,
		Value:      cm.Value,
		Headers:    headers,
		ProducedAt: cm.Timestamp,
	}
}
