// Package debounce 提供按键合并突发通知的延迟调度器。
//
// 同一个键在一个防抖窗口内多次 Schedule 只会执行一次动作，
// 动作收到的总是窗口内最后一次 Schedule 的值。
package debounce

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Action 定时器到期时执行的动作
type Action[V any] func(key string, value V)

type entry[V any] struct {
	timer *time.Timer
	gen   uint64
	value V
}

// Scheduler 按键防抖调度器
type Scheduler[V any] struct {
	mu      sync.Mutex
	delay   time.Duration
	action  Action[V]
	pending map[string]*entry[V]
	gen     uint64
	stopped bool

	running sync.WaitGroup
	logger  *zap.Logger
	onFire  func(key string)
}

// Option 调度器选项
type Option[V any] func(*Scheduler[V])

// WithLogger 设置记录器，动作 panic 时用于记录
func WithLogger[V any](logger *zap.Logger) Option[V] {
	return func(s *Scheduler[V]) {
		s.logger = logger
	}
}

// WithFireHook 每次动作执行前调用（指标）
func WithFireHook[V any](fn func(key string)) Option[V] {
	return func(s *Scheduler[V]) {
		s.onFire = fn
	}
}

// New 创建调度器
func New[V any](delay time.Duration, action func(key string, value V), opts ...Option[V]) *Scheduler[V] {
	s := &Scheduler[V]{
		delay:   delay,
		action:  action,
		pending: make(map[string]*entry[V]),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule 取消 key 上挂起的定时器并以最新的 value 重新计时
func (s *Scheduler[V]) Schedule(key string, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	if e, ok := s.pending[key]; ok {
		e.timer.Stop()
	}

	s.gen++
	gen := s.gen
	s.pending[key] = &entry[V]{
		gen:   gen,
		value: value,
		timer: time.AfterFunc(s.delay, func() { s.fire(key, gen) }),
	}
}

// Cancel 取消 key 上挂起的动作，返回是否存在挂起动作
func (s *Scheduler[V]) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.pending, key)
	return true
}

// Flush 立即在调用方 goroutine 中执行 key 上挂起的动作，返回是否执行
func (s *Scheduler[V]) Flush(key string) bool {
	s.mu.Lock()
	e, ok := s.pending[key]
	if !ok || s.stopped {
		s.mu.Unlock()
		return false
	}
	e.timer.Stop()
	delete(s.pending, key)
	s.running.Add(1)
	s.mu.Unlock()

	s.run(key, e.value)
	return true
}

// Pending 返回 key 是否有挂起动作
func (s *Scheduler[V]) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Len 返回挂起动作数量
func (s *Scheduler[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SetDelay 修改之后 Schedule 使用的延迟，已挂起的定时器不受影响
func (s *Scheduler[V]) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Stop 丢弃所有挂起动作并等待执行中的动作结束。之后的 Schedule 被忽略。
func (s *Scheduler[V]) Stop() {
	s.mu.Lock()
	s.stopped = true
	for key, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, key)
	}
	s.mu.Unlock()

	s.running.Wait()
}

// fire 定时器回调。代数不一致说明定时器已被替换，忽略。
func (s *Scheduler[V]) fire(key string, gen uint64) {
	s.mu.Lock()
	e, ok := s.pending[key]
	if !ok || e.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.running.Add(1)
	s.mu.Unlock()

	s.run(key, e.value)
}

func (s *Scheduler[V]) run(key string, value V) {
	defer s.running.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("debounced action panicked",
				zap.String("key", key),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	if s.onFire != nil {
		s.onFire(key)
	}
	s.action(key, value)
}
