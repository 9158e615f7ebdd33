package eventloop

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"trading-engine-go/guid"
)

// Option Loop 的可选参数。
type Option func(*Loop)

// WithLogger 指定日志器；默认不输出。
func WithLogger(l *zap.Logger) Option {
	return func(loop *Loop) {
		if l != nil {
			loop.logger = l
		}
	}
}

// WithPanicHandler 回调 panic 时额外通知（例如计数指标）。
func WithPanicHandler(fn func(loop string, recovered any)) Option {
	return func(loop *Loop) {
		loop.onPanic = fn
	}
}

// Loop 单 goroutine 工作循环，按优先级排空 Queue。
type Loop struct {
	name    string
	queue   *Queue
	logger  *zap.Logger
	onPanic func(string, any)

	processed atomic.Uint64
	stopOnce  sync.Once
	done      chan struct{}
}

// New 创建并立即启动一个工作循环。
func New(name string, opts ...Option) *Loop {
	l := &Loop{
		name:   name,
		queue:  NewQueue(),
		logger: zap.NewNop(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(zap.String("loop", name))
	go l.run()
	return l
}

// Name 返回循环名称。
func (l *Loop) Name() string { return l.name }

// Post 投递一个回调，不等待其执行。Barrier 层级保留，不能通过 Post 使用。
func (l *Loop) Post(owner guid.GUID, prio Priority, fn func()) error {
	if prio == Barrier {
		return ErrReservedPriority
	}
	if fn == nil {
		return nil
	}
	return l.queue.Push(Event{Owner: owner, Priority: prio, Fn: fn})
}

// Discard 丢弃 owner 名下所有尚未执行的事件。
func (l *Loop) Discard(owner guid.GUID) int {
	n := l.queue.Discard(owner)
	if n > 0 {
		l.logger.Debug("discarded queued events", zap.String("owner", owner.String()), zap.Int("count", n))
	}
	return n
}

// Barrier 阻塞直到调用前已入队的所有事件都处理完毕，这是等待队列排空的唯一方式。
// 不能在本循环自身的 goroutine 中调用，否则死锁。
func (l *Loop) Barrier(ctx context.Context) error {
	reached := make(chan struct{})
	if err := l.queue.Push(Event{Priority: Barrier, Fn: func() { close(reached) }}); err != nil {
		return err
	}
	select {
	case <-reached:
		return nil
	case <-l.done:
		// 关闭时剩余事件会被排空，屏障也可能已执行
		select {
		case <-reached:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Processed 返回已执行的普通事件数量（不含屏障）。
func (l *Loop) Processed() uint64 { return l.processed.Load() }

// Depth 返回各层级积压：high, normal, low。
func (l *Loop) Depth() (high, normal, low int) {
	n := l.queue.Len()
	return n[High], n[Normal], n[Low]
}

// Stop 拒绝新事件，执行完已入队事件后退出并等待 goroutine 结束。
func (l *Loop) Stop() {
	l.stopOnce.Do(l.queue.Close)
	<-l.done
}

// Done 循环退出时关闭。
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) run() {
	defer close(l.done)
	for {
		ev, ok := l.queue.Pop()
		if !ok {
			return
		}
		l.execute(ev)
	}
}

func (l *Loop) execute(ev Event) {
	if ev.Priority != Barrier {
		l.processed.Add(1)
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("callback panic",
				zap.String("priority", ev.Priority.String()),
				zap.String("owner", ev.Owner.String()),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()),
			)
			if l.onPanic != nil {
				l.onPanic(l.name, r)
			}
		}
	}()
	ev.Fn()
}

// Quiesce 在多个循环上反复执行屏障，直到完整一轮内没有任何循环处理过事件。
// 用于事件在多个 actor 之间多跳传递的场景（回测逐根 K 线推进）。
// 外部 goroutine（定时器、网络）在此期间投递的事件不在保证范围内。
func Quiesce(ctx context.Context, loops ...*Loop) error {
	for {
		before := totalProcessed(loops)
		for _, l := range loops {
			if err := l.Barrier(ctx); err != nil {
				return err
			}
		}
		if totalProcessed(loops) == before {
			return nil
		}
	}
}

func totalProcessed(loops []*Loop) uint64 {
	var sum uint64
	for _, l := range loops {
		sum += l.Processed()
	}
	return sum
}
