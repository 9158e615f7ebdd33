package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine-go/guid"
)

func TestQueueTierOrder(t *testing.T) {
	q := NewQueue()
	var got []string
	push := func(p Priority, tag string) {
		require.NoError(t, q.Push(Event{Priority: p, Fn: func() { got = append(got, tag) }}))
	}
	push(Low, "low-1")
	push(Normal, "normal-1")
	push(Low, "low-2")
	push(High, "high-1")
	push(Barrier, "barrier")
	push(High, "high-2")

	for q.Size() > 0 {
		ev, ok := q.Pop()
		require.True(t, ok)
		ev.Fn()
	}
	assert.Equal(t, []string{"high-1", "high-2", "normal-1", "low-1", "low-2", "barrier"}, got)
}

func TestQueueDiscardByOwner(t *testing.T) {
	q := NewQueue()
	dead := guid.New()
	alive := guid.New()
	require.NoError(t, q.Push(Event{Owner: dead, Priority: High, Fn: func() {}}))
	require.NoError(t, q.Push(Event{Owner: alive, Priority: High, Fn: func() {}}))
	require.NoError(t, q.Push(Event{Owner: dead, Priority: Low, Fn: func() {}}))

	assert.Equal(t, 2, q.Discard(dead))
	assert.Equal(t, 1, q.Size())
	ev, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, alive, ev.Owner)
	assert.Equal(t, 0, q.Discard(guid.Nil))
}

func TestQueueClosed(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Push(Event{Priority: Normal, Fn: func() {}}))
	q.Close()
	assert.ErrorIs(t, q.Push(Event{Priority: Normal, Fn: func() {}}), ErrStopped)
	_, ok := q.Pop()
	assert.True(t, ok, "queued event must survive close")
	_, ok = q.Pop()
	assert.False(t, ok)
	assert.ErrorIs(t, q.Push(Event{Priority: Priority(42)}), ErrInvalidPriority)
}

func TestLoopDrainsHighBeforeLow(t *testing.T) {
	loop := New("test")
	defer loop.Stop()

	// 阻塞循环，使后续事件同时积压
	gate := make(chan struct{})
	require.NoError(t, loop.Post(guid.Nil, High, func() { <-gate }))

	var mu sync.Mutex
	var got []Priority
	record := func(p Priority) func() {
		return func() {
			mu.Lock()
			got = append(got, p)
			mu.Unlock()
		}
	}
	require.NoError(t, loop.Post(guid.Nil, Low, record(Low)))
	require.NoError(t, loop.Post(guid.Nil, Normal, record(Normal)))
	require.NoError(t, loop.Post(guid.Nil, High, record(High)))
	close(gate)

	require.NoError(t, loop.Barrier(context.Background()))
	assert.Equal(t, []Priority{High, Normal, Low}, got)
	assert.EqualValues(t, 4, loop.Processed())
}

func TestLoopBarrierReserved(t *testing.T) {
	loop := New("reserved")
	defer loop.Stop()
	assert.ErrorIs(t, loop.Post(guid.Nil, Barrier, func() {}), ErrReservedPriority)
}

func TestLoopDiscardOwner(t *testing.T) {
	loop := New("discard")
	defer loop.Stop()

	gate := make(chan struct{})
	require.NoError(t, loop.Post(guid.Nil, High, func() { <-gate }))

	owner := guid.New()
	fired := false
	require.NoError(t, loop.Post(owner, Normal, func() { fired = true }))
	assert.Equal(t, 1, loop.Discard(owner))
	close(gate)

	require.NoError(t, loop.Barrier(context.Background()))
	assert.False(t, fired)
}

func TestLoopRecoversPanic(t *testing.T) {
	var panicked string
	loop := New("panic", WithPanicHandler(func(name string, _ any) { panicked = name }))
	defer loop.Stop()

	require.NoError(t, loop.Post(guid.Nil, High, func() { panic("boom") }))
	ran := false
	require.NoError(t, loop.Post(guid.Nil, High, func() { ran = true }))
	require.NoError(t, loop.Barrier(context.Background()))
	assert.True(t, ran)
	assert.Equal(t, "panic", panicked)
}

func TestLoopStop(t *testing.T) {
	loop := New("stop")
	ran := false
	require.NoError(t, loop.Post(guid.Nil, Low, func() { ran = true }))
	loop.Stop()
	assert.True(t, ran, "stop drains queued events")
	assert.ErrorIs(t, loop.Post(guid.Nil, Low, func() {}), ErrStopped)
	assert.ErrorIs(t, loop.Barrier(context.Background()), ErrStopped)
}

func TestBarrierContextCancel(t *testing.T) {
	loop := New("ctx")
	gate := make(chan struct{})
	defer func() {
		close(gate)
		loop.Stop()
	}()
	require.NoError(t, loop.Post(guid.Nil, High, func() { <-gate }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, loop.Barrier(ctx), context.DeadlineExceeded)
}

func TestQuiesceFollowsHops(t *testing.T) {
	a := New("a")
	b := New("b")
	defer a.Stop()
	defer b.Stop()

	hops := 0
	var ping func()
	ping = func() {
		hops++
		if hops >= 6 {
			return
		}
		target := a
		if hops%2 == 1 {
			target = b
		}
		_ = target.Post(guid.Nil, Normal, ping)
	}
	require.NoError(t, a.Post(guid.Nil, Normal, ping))
	require.NoError(t, Quiesce(context.Background(), a, b))
	assert.Equal(t, 6, hops)
}
