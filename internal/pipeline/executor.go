package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/d60-Lab/social-pipeline/internal/event"
	"github.com/d60-Lab/social-pipeline/internal/eventlog"
	"github.com/d60-Lab/social-pipeline/pkg/logger"
)

type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) (eventlog.Offset, error)
}

type CounterStore interface {
	IncrementExisting(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	Compensate(ctx context.Context, key string, delta int64) (int64, error)
	PushBounded(ctx context.Context, key string, item []byte, maxLen int64, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type Pusher interface {
	PushToUser(ctx context.Context, userID, event string, payload any) error
}

// Executor 顺序执行副作用；每个副作用独立超时、独立失败，不重试
type Executor struct {
	events  EventPublisher
	store   CounterStore
	push    Pusher
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	metrics *Metrics
}

func NewExecutor(events EventPublisher, store CounterStore, push Pusher, timeout time.Duration, metrics *Metrics) *Executor {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "eventlog-publish",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Executor{events: events, store: store, push: push, timeout: timeout, breaker: breaker, metrics: metrics}
}

// Dispatch 同步分发，实现 Dispatcher
func (e *Executor) Dispatch(ctx context.Context, effects []Effect) { e.Run(ctx, effects) }

func (e *Executor) Run(ctx context.Context, effects []Effect) {
	for _, eff := range effects {
		e.runOne(ctx, eff)
	}
}

func (e *Executor) runOne(ctx context.Context, eff Effect) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	err := e.safeApply(ctx, eff)
	e.metrics.recordExecuted()
	if err != nil {
		e.metrics.recordFailure(ctx, eff.Kind())
		logger.Ctx(ctx).Error("after-commit effect failed",
			zap.String("kind", string(eff.Kind())),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	}
}

func (e *Executor) safeApply(ctx context.Context, eff Effect) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.apply(ctx, eff)
}

func (e *Executor) apply(ctx context.Context, eff Effect) error {
	switch v := eff.(type) {
	case PublishEvent:
		data, err := event.Encode(v.Event)
		if err != nil {
			return err
		}
		_, err = e.breaker.Execute(func() (interface{}, error) {
			return e.events.Publish(ctx, v.Event.Topic(), v.Event.PartitionKey(), data)
		})
		return err
	case IncrementCounter:
		_, err := e.store.IncrementExisting(ctx, v.Key, v.Delta, v.TTL)
		return err
	case PushListItem:
		data, err := json.Marshal(v.Item)
		if err != nil {
			return err
		}
		return e.store.PushBounded(ctx, v.Key, data, v.MaxLen, v.TTL)
	case RealtimePush:
		return e.push.PushToUser(ctx, v.UserID, v.Event, v.Payload)
	case CompensateCounter:
		_, err := e.store.Compensate(ctx, v.Key, v.Delta)
		return err
	case EvictKey:
		return e.store.Delete(ctx, v.Keys...)
	default:
		return fmt.Errorf("unsupported effect %T", eff)
	}
}
