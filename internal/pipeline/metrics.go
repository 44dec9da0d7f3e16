package pipeline

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/d60-Lab/social-pipeline/internal/pipeline"

// Stats 进程内累计值
type Stats struct {
	Executed  int64 `json:"executed"`
	Failed    int64 `json:"failed"`
	Fallbacks int64 `json:"fallbacks"`
}

// Metrics 副作用执行的可观测信号；失败只记日志会静默丢失，这里同时计数
type Metrics struct {
	executed  atomic.Int64
	failed    atomic.Int64
	fallbacks atomic.Int64

	failures    metric.Int64Counter
	fallbackCnt metric.Int64Counter
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	failures, err := meter.Int64Counter("pipeline.effect.failures",
		metric.WithDescription("after-commit effects that failed, timed out or panicked"))
	if err != nil {
		return nil, err
	}
	fallbacks, err := meter.Int64Counter("pipeline.effect.fallbacks",
		metric.WithDescription("effects executed inline because no unit of work was active"))
	if err != nil {
		return nil, err
	}
	return &Metrics{failures: failures, fallbackCnt: fallbacks}, nil
}

func (m *Metrics) recordExecuted() { m.executed.Add(1) }

func (m *Metrics) recordFailure(ctx context.Context, kind Kind) {
	m.failed.Add(1)
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *Metrics) recordFallback(ctx context.Context, n int) {
	m.fallbacks.Add(1)
	m.fallbackCnt.Add(ctx, 1, metric.WithAttributes(attribute.Int("effects", n)))
}

func (m *Metrics) Snapshot() Stats {
	return Stats{
		Executed:  m.executed.Load(),
		Failed:    m.failed.Load(),
		Fallbacks: m.fallbacks.Load(),
	}
}
