package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/d60-Lab/social-pipeline/pkg/logger"
)

// Runner 立即执行一批副作用
type Runner interface {
	Run(ctx context.Context, effects []Effect)
}

// Publisher 写路径登记提交后副作用的入口
type Publisher struct {
	inline  Runner
	metrics *Metrics
}

func NewPublisher(inline Runner, metrics *Metrics) *Publisher {
	return &Publisher{inline: inline, metrics: metrics}
}

// RegisterAfterCommit 立即返回；副作用在 ctx 所属工作单元提交后按顺序执行。
// 没有活动工作单元时降级为立即执行（尽力而为），并记录日志与计数
func (p *Publisher) RegisterAfterCommit(ctx context.Context, effects ...Effect) {
	if len(effects) == 0 {
		return
	}
	uow := UnitFrom(ctx)
	if uow != nil {
		err := uow.OnCommit(effects...)
		if err == nil {
			return
		}
		logger.Ctx(ctx).Warn("unit of work already finished, running effects inline",
			zap.Int("effects", len(effects)), zap.Error(err))
	} else {
		logger.Ctx(ctx).Warn("no active unit of work, running effects inline",
			zap.Int("effects", len(effects)))
	}
	p.metrics.recordFallback(ctx, len(effects))
	p.inline.Run(ctx, effects)
}
