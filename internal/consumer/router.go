// Package consumer 从事件日志消费并路由到各主题处理器，失败按固定间隔重试，超限进入死信。
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/d60-Lab/social-pipeline/internal/event"
	"github.com/d60-Lab/social-pipeline/internal/eventlog"
	"github.com/d60-Lab/social-pipeline/pkg/logger"
)

// HandlerFunc 必须幂等：同一事件可能被投递多次
type HandlerFunc func(ctx context.Context, msg *eventlog.Message) error

// DeadLetterSink 死信落地；返回错误时消息不提交，稍后重投
type DeadLetterSink interface {
	Send(ctx context.Context, dl event.DeadLetter) error
}

type nonRetryable struct{ err error }

func (e *nonRetryable) Error() string { return e.err.Error() }
func (e *nonRetryable) Unwrap() error { return e.err }

// NonRetryable 标记错误直接进入死信，不重试
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryable{err: err}
}

type Config struct {
	MaxAttempts int
	Backoff     time.Duration
}

type Router struct {
	cfg      Config
	sink     DeadLetterSink
	handlers map[string]HandlerFunc
	skip     []error
	now      func() time.Time

	retries     metric.Int64Counter
	deadLetters metric.Int64Counter
}

func NewRouter(cfg Config, sink DeadLetterSink) (*Router, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	meter := otel.Meter("github.com/d60-Lab/social-pipeline/internal/consumer")
	retries, err := meter.Int64Counter("consumer.retries")
	if err != nil {
		return nil, err
	}
	deadLetters, err := meter.Int64Counter("consumer.dead_letters")
	if err != nil {
		return nil, err
	}
	return &Router{
		cfg:         cfg,
		sink:        sink,
		handlers:    make(map[string]HandlerFunc),
		now:         time.Now,
		retries:     retries,
		deadLetters: deadLetters,
	}, nil
}

func (r *Router) Handle(topic string, h HandlerFunc) { r.handlers[topic] = h }

// SkipOn 这些错误视为业务竞态（如用户已删除），记录后确认，不重试
func (r *Router) SkipOn(errs ...error) { r.skip = append(r.skip, errs...) }

func (r *Router) Topics() []string {
	topics := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Run 阻塞消费所有已注册主题
func (r *Router) Run(ctx context.Context, log eventlog.Log, group string) error {
	return log.Consume(ctx, group, r.Topics(), r.Dispatch)
}

// Dispatch 处理一条消息：成功、跳过或死信后返回 nil（提交位点）；
// ctx 结束或死信写入失败时返回错误（不提交）
func (r *Router) Dispatch(ctx context.Context, msg *eventlog.Message) error {
	h, ok := r.handlers[msg.Topic]
	if !ok {
		logger.Ctx(ctx).Warn("no handler for topic, acking", zap.String("topic", msg.Topic))
		return nil
	}
	log := logger.Ctx(ctx).With(
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	attempts := 0
	var firstFailedAt time.Time
	op := func() error {
		attempts++
		err := invoke(ctx, h, msg)
		if err == nil {
			return nil
		}
		if firstFailedAt.IsZero() {
			firstFailedAt = r.now()
		}
		if r.isSkip(err) {
			log.Info("event skipped", zap.Error(err))
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.cfg.Backoff), uint64(r.cfg.MaxAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		r.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", msg.Topic)))
		log.Warn("handler failed, retry scheduled",
			zap.Int("attempt", attempts), zap.Duration("backoff", next), zap.Error(err))
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	dl := event.DeadLetter{
		OriginalTopic: msg.Topic,
		Key:           msg.Key,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Payload:       msg.Value,
		LastError:     err.Error(),
		Attempts:      attempts,
		FirstFailedAt: firstFailedAt,
	}
	if sinkErr := r.sink.Send(ctx, dl); sinkErr != nil {
		log.Error("dead-letter write failed", zap.Error(sinkErr), zap.NamedError("cause", err))
		return fmt.Errorf("dead-letter %s@%d/%d: %w", msg.Topic, msg.Partition, msg.Offset, sinkErr)
	}
	r.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", msg.Topic)))
	log.Error("event dead-lettered", zap.Int("attempts", attempts), zap.Error(err))
	return nil
}

func (r *Router) isSkip(err error) bool {
	for _, s := range r.skip {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

func isPermanent(err error) bool {
	var nr *nonRetryable
	return errors.As(err, &nr) || errors.Is(err, event.ErrMalformed) || errors.Is(err, event.ErrUnknownTopic)
}

func invoke(ctx context.Context, h HandlerFunc, msg *eventlog.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, msg)
}
