package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/social-pipeline/pkg/logger"
)

// Dispatcher 接收已提交工作单元的副作用
type Dispatcher interface {
	Dispatch(ctx context.Context, effects []Effect)
}

type batch struct {
	ctx     context.Context
	effects []Effect
	enqAt   time.Time
}

// AsyncDispatcher 本地异步执行器：每批副作用由一个 worker 顺序执行；
// 队列满或已停止时在调用方 goroutine 中直接执行，不丢弃
type AsyncDispatcher struct {
	runner  Runner
	ch      chan batch
	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup

	lagCh chan time.Duration
}

func NewAsyncDispatcher(runner Runner, queueSize int) *AsyncDispatcher {
	if queueSize <= 0 {
		queueSize = 10000
	}
	return &AsyncDispatcher{
		runner: runner,
		ch:     make(chan batch, queueSize),
		lagCh:  make(chan time.Duration, 4096),
	}
}

// Start 启动 workers，返回的停止函数会排空队列后返回（或 ctx 到期）
func (d *AsyncDispatcher) Start(workers int) func(context.Context) error {
	if workers <= 0 {
		workers = 4
	}
	stopCh := make(chan struct{})
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case b := <-d.ch:
					d.run(b)
				case <-stopCh:
					for {
						select {
						case b := <-d.ch:
							d.run(b)
						default:
							return
						}
					}
				}
			}
		}()
	}
	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() {
			d.mu.Lock()
			d.stopped = true
			d.mu.Unlock()
			close(stopCh)
		})
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *AsyncDispatcher) run(b batch) {
	d.runner.Run(b.ctx, b.effects)
	select {
	case d.lagCh <- time.Since(b.enqAt):
	default:
	}
}

func (d *AsyncDispatcher) Dispatch(ctx context.Context, effects []Effect) {
	d.mu.RLock()
	queued := false
	if !d.stopped {
		select {
		case d.ch <- batch{ctx: ctx, effects: effects, enqAt: time.Now()}:
			queued = true
		default:
			logger.Warn("dispatch queue full, running effects inline", zap.Int("effects", len(effects)))
		}
	}
	d.mu.RUnlock()
	if !queued {
		d.runner.Run(ctx, effects)
	}
}

// Lag 每批从入队到执行完成的耗时（采样，满则丢弃）
func (d *AsyncDispatcher) Lag() <-chan time.Duration { return d.lagCh }

func (d *AsyncDispatcher) QueueLen() int { return len(d.ch) }
