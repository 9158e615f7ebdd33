package eventbus

import (
	"sync"

	"trading-engine-go/eventloop"
	"trading-engine-go/guid"
)

// Source 可订阅的事件源；Channel 与 ValueChannel 实现该接口。
type Source[T any] interface {
	Subscribe(loop Loop, owner guid.GUID, prio eventloop.Priority, cb func(T)) *Subscription
}

// Guard 订阅者生命周期守卫：持有一组句柄并以同一 owner 标记其事件。
//
// Close 先让所有句柄失效（已排队回调执行前会再检查存活标志），再让循环丢弃
// 该 owner 名下已排队的事件。若 Close 在订阅者自己的循环上调用，则之后不会有回调触发；
// 从其他 goroutine 调用时，正在执行中的那一个回调无法被中断，属于尽力而为。
type Guard struct {
	owner guid.GUID
	loop  Loop

	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

// NewGuard 为运行在 loop 上的订阅者创建守卫。
func NewGuard(loop Loop) *Guard {
	return &Guard{owner: guid.New(), loop: loop}
}

// Owner 守卫的 owner 标识。
func (g *Guard) Owner() guid.GUID { return g.owner }

// Loop 守卫绑定的循环。
func (g *Guard) Loop() Loop { return g.loop }

// Add 登记句柄；守卫已关闭时立即退订。
func (g *Guard) Add(subs ...*Subscription) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		for _, s := range subs {
			s.Close()
		}
		return
	}
	g.subs = append(g.subs, subs...)
	g.mu.Unlock()
}

// Len 登记的句柄数量。
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// Close 退订全部句柄并丢弃已排队事件。可重复调用。
func (g *Guard) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	if g.loop != nil {
		g.loop.Discard(g.owner)
	}
}

// Listen 通过守卫订阅 src，句柄由守卫管理。
func Listen[T any](g *Guard, src Source[T], prio eventloop.Priority, cb func(T)) *Subscription {
	sub := src.Subscribe(g.loop, g.owner, prio, cb)
	g.Add(sub)
	return sub
}

// ListenSeries 通过守卫订阅时序通道。
func ListenSeries[T any](g *Guard, src *TimeseriesChannel[T], prio eventloop.Priority,
	onSnapshot func([]T), onIncrement func(T)) *Subscription {
	sub := src.Subscribe(g.loop, g.owner, prio, onSnapshot, onIncrement)
	g.Add(sub)
	return sub
}
