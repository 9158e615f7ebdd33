// Package scheduler 进程级定时设施：在指定时刻把延迟事件推入目标 actor 的延迟通道。
//
// Scheduler 只负责"何时"，不执行业务逻辑；到期后推送进目标 actor 的 Delayed 通道，
// 再由该 actor 自己的工作循环按优先级处理。由组合根显式构造并注入，不使用全局单例。
package scheduler

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-engine-go/guid"
)

var ErrStopped = errors.New("scheduler: stopped")

type timer struct {
	at     time.Time
	seq    uint64
	target guid.GUID
	fire   func()
	index  int
}

// timerHeap 按 (到期时间, 登记顺序) 排序的多重映射。
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler 单 goroutine 定时器：睡到最近的到期时刻，或被更早的新登记唤醒。
type Scheduler struct {
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	timers  timerHeap
	seq     uint64
	stopped bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// New 创建并启动调度器。
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		logger: logger.With(zap.String("component", "scheduler")),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// At 在 at 时刻为 target 执行 fire（fire 只应做推送，不应阻塞）。
func (s *Scheduler) At(at time.Time, target guid.GUID, fire func()) error {
	if fire == nil {
		return nil
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.seq++
	t := &timer{at: at, seq: s.seq, target: target, fire: fire}
	heap.Push(&s.timers, t)
	earliest := s.timers[0] == t
	s.mu.Unlock()

	if earliest {
		s.signal()
	}
	return nil
}

// After 在 d 之后执行。
func (s *Scheduler) After(d time.Duration, target guid.GUID, fire func()) error {
	return s.At(s.now().Add(d), target, fire)
}

// CancelActor 删除 target 名下所有待触发的定时器，返回删除数量。
func (s *Scheduler) CancelActor(target guid.GUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.timers[:0]
	removed := 0
	for _, t := range s.timers {
		if t.target == target {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(s.timers); i++ {
		s.timers[i] = nil
	}
	s.timers = kept
	for i, t := range s.timers {
		t.index = i
	}
	heap.Init(&s.timers)
	return removed
}

// Pending 待触发定时器数量。
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop 停止调度器，未触发的定时器被丢弃。
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		dropped := len(s.timers)
		s.timers = nil
		s.mu.Unlock()
		s.signal()
		<-s.done
		if dropped > 0 {
			s.logger.Info("scheduler stopped with pending timers", zap.Int("dropped", dropped))
		}
	})
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)
	idle := time.NewTimer(time.Hour)
	defer idle.Stop()
	for {
		due, wait, stopped := s.collect()
		if stopped {
			return
		}
		for _, t := range due {
			s.fire(t)
		}
		if len(due) > 0 {
			continue
		}
		idle.Reset(wait)
		select {
		case <-idle.C:
		case <-s.wake:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
		}
	}
}

// collect 取出所有已到期的定时器；没有到期时返回需要等待的时长。
func (s *Scheduler) collect() ([]*timer, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, 0, true
	}
	now := s.now()
	var due []*timer
	for len(s.timers) > 0 && !s.timers[0].at.After(now) {
		due = append(due, heap.Pop(&s.timers).(*timer))
	}
	if len(due) > 0 {
		return due, 0, false
	}
	if len(s.timers) == 0 {
		return nil, time.Hour, false
	}
	return nil, s.timers[0].at.Sub(now), false
}

func (s *Scheduler) fire(t *timer) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("timer fire panic", zap.String("target", t.target.String()), zap.Any("panic", r))
		}
	}()
	t.fire()
}
