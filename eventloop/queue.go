// Package eventloop 提供按优先级分层的阻塞队列与单线程工作循环。
//
// 每个逻辑 actor 拥有且仅拥有一个 Loop，Loop 的 goroutine 是唯一允许修改该 actor
// 私有状态的执行流。跨 actor 的交互只能通过向对方的 Loop 投递事件完成。
package eventloop

import (
	"errors"
	"sync"

	"trading-engine-go/guid"
)

// Priority 事件优先级；数值越小越先被处理。
type Priority int

const (
	High Priority = iota
	Normal
	Low
	// Barrier 保留层级，仅供 Loop.Barrier 使用。所有普通层级清空后才会处理。
	Barrier

	tierCount = int(Barrier) + 1
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	case Barrier:
		return "barrier"
	default:
		return "unknown"
	}
}

func (p Priority) valid() bool {
	return p >= High && p <= Barrier
}

var (
	ErrStopped          = errors.New("eventloop: stopped")
	ErrInvalidPriority  = errors.New("eventloop: invalid priority")
	ErrReservedPriority = errors.New("eventloop: barrier priority is reserved")
)

// Event 队列中的一个待执行回调。Owner 用于批量丢弃已销毁对象的事件。
type Event struct {
	Owner    guid.GUID
	Priority Priority
	Fn       func()
}

// Queue 多层级 FIFO 阻塞队列，无准入控制（低优先级积压是有意为之的缓冲）。
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tiers  [tierCount][]Event
	size   int
	closed bool
}

// NewQueue 创建空队列。
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push 追加事件；队列关闭后返回 ErrStopped。
func (q *Queue) Push(ev Event) error {
	if !ev.Priority.valid() {
		return ErrInvalidPriority
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrStopped
	}
	q.tiers[ev.Priority] = append(q.tiers[ev.Priority], ev)
	q.size++
	q.cond.Signal()
	return nil
}

// Pop 阻塞直到有事件可取；队列关闭且已排空时返回 false。
// 总是先取高层级，同层级内保持 FIFO。
func (q *Queue) Pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size == 0 {
		if q.closed {
			return Event{}, false
		}
		q.cond.Wait()
	}
	for i := range q.tiers {
		tier := q.tiers[i]
		if len(tier) == 0 {
			continue
		}
		ev := tier[0]
		tier[0] = Event{}
		if len(tier) == 1 {
			q.tiers[i] = nil
		} else {
			q.tiers[i] = tier[1:]
		}
		q.size--
		return ev, true
	}
	// size 与分层内容不一致，不应发生
	q.size = 0
	return Event{}, false
}

// Discard 删除所有尚未执行、且属于 owner 的事件，返回删除数量。
// Barrier 层与无 owner 的事件不受影响。
func (q *Queue) Discard(owner guid.GUID) int {
	if owner == guid.Nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for i := 0; i < int(Barrier); i++ {
		tier := q.tiers[i]
		kept := tier[:0]
		for _, ev := range tier {
			if ev.Owner == owner {
				removed++
				continue
			}
			kept = append(kept, ev)
		}
		for j := len(kept); j < len(tier); j++ {
			tier[j] = Event{}
		}
		q.tiers[i] = kept
	}
	q.size -= removed
	return removed
}

// Len 返回各层级当前积压数量。
func (q *Queue) Len() [tierCount]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out [tierCount]int
	for i := range q.tiers {
		out[i] = len(q.tiers[i])
	}
	return out
}

// Size 返回积压总数。
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Close 关闭队列：不再接受新事件，已排队事件仍可被 Pop。
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}
