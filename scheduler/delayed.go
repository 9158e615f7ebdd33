package scheduler

import (
	"time"

	"trading-engine-go/eventbus"
	"trading-engine-go/eventloop"
	"trading-engine-go/guid"
)

// Delayed 某个 actor 专属的延迟投递通道。到期事件先推入该通道，
// 再像普通事件一样经 actor 的工作循环处理。
type Delayed[T any] struct {
	sched *Scheduler
	actor guid.GUID
	ch    *eventbus.Channel[T]
}

// NewDelayed 为 actor 创建延迟通道。
func NewDelayed[T any](s *Scheduler, actor guid.GUID) *Delayed[T] {
	return &Delayed[T]{sched: s, actor: actor, ch: eventbus.NewChannel[T]()}
}

// Actor 目标 actor 标识。
func (d *Delayed[T]) Actor() guid.GUID { return d.actor }

// At 在 at 时刻投递 v。
func (d *Delayed[T]) At(at time.Time, v T) error {
	return d.sched.At(at, d.actor, func() { d.ch.Push(v) })
}

// After 在 delay 之后投递 v。
func (d *Delayed[T]) After(delay time.Duration, v T) error {
	return d.sched.After(delay, d.actor, func() { d.ch.Push(v) })
}

// Subscribe 实现 eventbus.Source。
func (d *Delayed[T]) Subscribe(loop eventbus.Loop, owner guid.GUID, prio eventloop.Priority, cb func(T)) *eventbus.Subscription {
	return d.ch.Subscribe(loop, owner, prio, cb)
}

// Close 取消该 actor 所有待触发定时器并关闭通道。
func (d *Delayed[T]) Close() {
	d.sched.CancelActor(d.actor)
	d.ch.Close()
}
