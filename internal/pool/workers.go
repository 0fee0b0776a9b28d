// Package pool 提供有界的后台任务协程池，用于不应阻塞读循环的副作用。
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task 一个后台任务。ctx 在协程池强制关闭时取消。
type Task func(ctx context.Context) error

// Config 协程池配置
type Config struct {
	MaxWorkers  int           `json:"max_workers"`
	QueueSize   int           `json:"queue_size"`
	IdleTimeout time.Duration `json:"idle_timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  8,
		QueueSize:   256,
		IdleTimeout: 60 * time.Second,
	}
}

type job struct {
	name string
	task Task
}

// Workers 按需伸缩的协程池：排队任务由最多 MaxWorkers 个协程执行，空闲协程超时退出。
type Workers struct {
	cfg    Config
	queue  chan job
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	workerCount atomic.Int32
	activeCount atomic.Int32

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	logger *zap.Logger
}

// New 创建协程池
func New(cfg Config, logger *zap.Logger) *Workers {
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Workers{
		cfg:    cfg,
		queue:  make(chan job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(zap.String("component", "workers")),
	}
}

// Submit 提交任务，不等待执行。队列满时返回 ErrPoolFull。
func (p *Workers) Submit(name string, task Task) error {
	return p.enqueue(job{name: name, task: task})
}

func (p *Workers) enqueue(j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	p.submitted.Add(1)
	select {
	case p.queue <- j:
		p.ensureWorker()
		return nil
	default:
		p.rejected.Add(1)
		p.logger.Warn("task rejected, queue full", zap.String("task", j.name), zap.Int("queue_size", p.cfg.QueueSize))
		return fmt.Errorf("%w: %s", ErrPoolFull, j.name)
	}
}

func (p *Workers) ensureWorker() {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.cfg.MaxWorkers) {
			return
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return
		}
	}
}

func (p *Workers) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.cfg.IdleTimeout)
	defer timer.Stop()

	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				return
			}

			p.activeCount.Add(1)
			err := p.execute(j)
			p.activeCount.Add(-1)

			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.cfg.IdleTimeout)

		case <-timer.C:
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.cfg.IdleTimeout)
		}
	}
}

func (p *Workers) execute(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				zap.String("task", j.name),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = fmt.Errorf("task %s panicked: %v", j.name, r)
		}
	}()

	if err := j.task(p.ctx); err != nil {
		p.logger.Warn("task failed", zap.String("task", j.name), zap.Error(err))
		return err
	}
	return nil
}

// Close 停止接收任务并等待已排队任务执行完。ctx 到期后取消仍在执行的任务。
func (p *Workers) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("workers did not drain in time, cancelling tasks", zap.Int("queued", len(p.queue)))
		p.cancel()
		<-done
	}
	p.cancel()
}

// Stats 协程池统计
func (p *Workers) Stats() Stats {
	return Stats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats 协程池统计
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
