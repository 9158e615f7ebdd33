package eventbus

import (
	"trading-engine-go/eventloop"
	"trading-engine-go/guid"
)

// ValueChannel 保留最近一次推送的值。订阅时不补发当前值，需要时用 Value 读取。
type ValueChannel[T any] struct {
	registry[T]
	value T
	has   bool
}

// NewValueChannel 创建尚无值的通道。
func NewValueChannel[T any]() *ValueChannel[T] {
	return &ValueChannel[T]{}
}

// NewValueChannelWith 创建带初始值的通道。
func NewValueChannelWith[T any](initial T) *ValueChannel[T] {
	return &ValueChannel[T]{value: initial, has: true}
}

// Subscribe 见 Channel.Subscribe。
func (c *ValueChannel[T]) Subscribe(loop Loop, owner guid.GUID, prio eventloop.Priority, cb func(T)) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, _ := c.addLocked(loop, owner, prio, cb)
	return sub
}

// Push 替换保留值并通知订阅者。
func (c *ValueChannel[T]) Push(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.value = v
	c.has = true
	c.deliverLocked(v)
}

// Update 在锁内原地修改保留值，然后以修改后的副本通知订阅者。
// mutate 不得调用本通道的其他方法。
func (c *ValueChannel[T]) Update(mutate func(*T)) {
	if mutate == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	mutate(&c.value)
	c.has = true
	c.deliverLocked(c.value)
}

// Value 返回当前保留值；从未推送过时第二个返回值为 false。
func (c *ValueChannel[T]) Value() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.has
}

// Subscribers 当前存活订阅数。
func (c *ValueChannel[T]) Subscribers() int { return c.count() }

// Close 关闭通道。
func (c *ValueChannel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}
