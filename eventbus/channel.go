package eventbus

import (
	"sync"
	"sync/atomic"
	"weak"

	"trading-engine-go/eventloop"
	"trading-engine-go/guid"
)

type entry[T any] struct {
	id     guid.GUID
	owner  guid.GUID
	loop   Loop
	prio   eventloop.Priority
	cb     func(T)
	alive  *atomic.Bool
	handle weak.Pointer[Subscription]
}

func (e *entry[T]) live() bool {
	return e.alive.Load() && e.handle.Value() != nil
}

// post 将回调投递到订阅者循环；执行时再检查一次存活标志。
func (e *entry[T]) post(fn func()) {
	alive := e.alive
	_ = e.loop.Post(e.owner, e.prio, func() {
		if alive.Load() {
			fn()
		}
	})
}

// registry 三种通道共享的订阅表。投递在持锁状态下完成（Post 不阻塞、不执行回调），
// 从而保证队列中的顺序与发布顺序一致。
type registry[T any] struct {
	mu      sync.Mutex
	entries []*entry[T]
	closed  bool
}

func (r *registry[T]) addLocked(loop Loop, owner guid.GUID, prio eventloop.Priority, cb func(T)) (*Subscription, *entry[T]) {
	sub := newSubscription(r.remove)
	if r.closed || loop == nil || cb == nil {
		sub.invalidate()
		return sub, nil
	}
	e := &entry[T]{
		id:     sub.id,
		owner:  owner,
		loop:   loop,
		prio:   prio,
		cb:     cb,
		alive:  sub.alive,
		handle: weak.Make(sub),
	}
	r.entries = append(r.entries, e)
	return sub, e
}

func (r *registry[T]) remove(id guid.GUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			e.alive.Store(false)
			copy(r.entries[i:], r.entries[i+1:])
			r.entries[len(r.entries)-1] = nil
			r.entries = r.entries[:len(r.entries)-1]
			return
		}
	}
}

func (r *registry[T]) deliverLocked(v T) {
	kept := r.entries[:0]
	for _, e := range r.entries {
		if !e.live() {
			e.alive.Store(false)
			continue
		}
		kept = append(kept, e)
		cb := e.cb
		e.post(func() { cb(v) })
	}
	for i := len(kept); i < len(r.entries); i++ {
		r.entries[i] = nil
	}
	r.entries = kept
}

func (r *registry[T]) closeLocked() {
	if r.closed {
		return
	}
	r.closed = true
	for _, e := range r.entries {
		e.alive.Store(false)
		if sub := e.handle.Value(); sub != nil {
			sub.invalidate()
		}
	}
	r.entries = nil
}

func (r *registry[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.live() {
			n++
		}
	}
	return n
}

// Channel 无状态通道：只投递给发布时已存在的订阅者。
type Channel[T any] struct {
	registry[T]
}

// NewChannel 创建无状态通道。
func NewChannel[T any]() *Channel[T] {
	return &Channel[T]{}
}

// Subscribe 注册回调，回调在 loop 上以 prio 执行，事件带 owner 标签。
func (c *Channel[T]) Subscribe(loop Loop, owner guid.GUID, prio eventloop.Priority, cb func(T)) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, _ := c.addLocked(loop, owner, prio, cb)
	return sub
}

// Push 向所有存活订阅者投递 v，不等待回调执行。
func (c *Channel[T]) Push(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.deliverLocked(v)
}

// Subscribers 当前存活订阅数。
func (c *Channel[T]) Subscribers() int { return c.count() }

// Close 关闭通道，所有句柄失效。
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}
