// Package eventbus 进程内发布/订阅通道。
//
// 三种通道：Channel（无状态，发完即忘）、ValueChannel（保留最新值，可原地修改）、
// TimeseriesChannel（保留完整历史，新订阅者先收到快照再收增量）。
// 所有回调都经订阅者自己的工作循环执行，绝不在发布者的 goroutine 上回调。
//
// 生命周期：通道只持有订阅句柄的弱引用，句柄被回收后条目在下次投递时被清理；
// 句柄持有指向通道的回引，通道关闭时回引被置空。两者谁先销毁都安全。
package eventbus

import (
	"sync"
	"sync/atomic"

	"trading-engine-go/eventloop"
	"trading-engine-go/guid"
)

// Loop 订阅者所在的执行循环，*eventloop.Loop 满足该接口。
type Loop interface {
	Post(owner guid.GUID, prio eventloop.Priority, fn func()) error
	Discard(owner guid.GUID) int
}

// Subscription 订阅句柄。Close 即退订；通道先关闭时 Close 为空操作。
type Subscription struct {
	id    guid.GUID
	alive *atomic.Bool

	mu     sync.Mutex
	detach func(guid.GUID)
}

func newSubscription(detach func(guid.GUID)) *Subscription {
	alive := &atomic.Bool{}
	alive.Store(true)
	return &Subscription{id: guid.New(), alive: alive, detach: detach}
}

// ID 订阅标识。
func (s *Subscription) ID() guid.GUID { return s.id }

// Active 句柄是否仍在接收事件。
func (s *Subscription) Active() bool {
	return s != nil && s.alive.Load()
}

// Close 退订。已排队但未执行的回调不会再触发。可重复调用。
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.alive.Store(false)
	s.mu.Lock()
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()
	if detach != nil {
		detach(s.id)
	}
}

// invalidate 由通道在关闭时调用，切断回引。
func (s *Subscription) invalidate() {
	s.alive.Store(false)
	s.mu.Lock()
	s.detach = nil
	s.mu.Unlock()
}
