package eventbus

import (
	"trading-engine-go/eventloop"
	"trading-engine-go/guid"
)

// TimeseriesChannel 保留完整有序历史。新订阅者先收到一次快照（订阅时刻的全部历史），
// 之后只收增量，因此晚加入者与早加入者重建出的状态一致。
type TimeseriesChannel[T any] struct {
	registry[T]
	history []T
	limit   int
}

// NewTimeseriesChannel 创建时序通道；limit > 0 时只保留最近 limit 条，0 表示不限。
func NewTimeseriesChannel[T any](limit int) *TimeseriesChannel[T] {
	if limit < 0 {
		limit = 0
	}
	return &TimeseriesChannel[T]{limit: limit}
}

// Subscribe 注册订阅：快照与增量都经 loop 以同一优先级执行，快照必然先于任何增量。
// onSnapshot 可为 nil（只关心增量）。
func (c *TimeseriesChannel[T]) Subscribe(loop Loop, owner guid.GUID, prio eventloop.Priority,
	onSnapshot func([]T), onIncrement func(T)) *Subscription {
	if onIncrement == nil {
		onIncrement = func(T) {}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, e := c.addLocked(loop, owner, prio, onIncrement)
	if e == nil || onSnapshot == nil {
		return sub
	}
	snapshot := make([]T, len(c.history))
	copy(snapshot, c.history)
	e.post(func() { onSnapshot(snapshot) })
	return sub
}

// Push 追加一条记录并通知订阅者。
func (c *TimeseriesChannel[T]) Push(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.history = append(c.history, v)
	if c.limit > 0 && len(c.history) > c.limit {
		drop := len(c.history) - c.limit
		var zero T
		for i := 0; i < drop; i++ {
			c.history[i] = zero
		}
		c.history = c.history[drop:]
	}
	c.deliverLocked(v)
}

// Snapshot 返回历史副本。
func (c *TimeseriesChannel[T]) Snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, len(c.history))
	copy(out, c.history)
	return out
}

// Last 返回最后一条记录。
func (c *TimeseriesChannel[T]) Last() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		var zero T
		return zero, false
	}
	return c.history[len(c.history)-1], true
}

// Len 历史条数。
func (c *TimeseriesChannel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// Subscribers 当前存活订阅数。
func (c *TimeseriesChannel[T]) Subscribers() int { return c.count() }

// Close 关闭通道，历史保留供 Snapshot 读取。
func (c *TimeseriesChannel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}
