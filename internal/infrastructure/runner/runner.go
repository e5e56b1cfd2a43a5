// Package runner provides the production TaskRunner: a single goroutine
// draining a time-ordered task queue, so every library callback executes
// on one logical thread.
package runner

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/weavekit/weave-core/provider"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type task struct {
	due   time.Time
	seq   uint64
	run   func()
	index int
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Runner executes posted tasks sequentially in due order. Tasks with
// equal delay run in posting order.
type Runner struct {
	mu    sync.Mutex
	queue taskHeap
	seq   uint64
	wake  chan struct{}
	clock provider.Clock
}

// New creates a Runner over the system clock. Call Run to start
// draining.
func New() *Runner {
	return &Runner{
		wake:  make(chan struct{}, 1),
		clock: systemClock{},
	}
}

// Clock returns the time source the runner schedules against.
func (r *Runner) Clock() provider.Clock { return r.clock }

// PostDelayedTask queues fn to run after at least delay. Safe to call
// from any goroutine, including from a running task.
func (r *Runner) PostDelayedTask(fn func(), delay time.Duration) {
	r.mu.Lock()
	r.seq++
	heap.Push(&r.queue, &task{
		due: r.clock.Now().Add(delay),
		seq: r.seq,
		run: fn,
	})
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled. Tasks are executed one at
// a time on the calling goroutine.
func (r *Runner) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		r.mu.Lock()
		var wait time.Duration
		var ready *task
		if len(r.queue) > 0 {
			next := r.queue[0]
			if until := next.due.Sub(r.clock.Now()); until <= 0 {
				ready = heap.Pop(&r.queue).(*task)
			} else {
				wait = until
			}
		}
		r.mu.Unlock()

		if ready != nil {
			ready.run()
			continue
		}

		if wait == 0 {
			// Empty queue: sleep until something is posted.
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-timer.C:
		}
	}
}
