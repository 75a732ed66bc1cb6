// worker_pool.go: fixed-size worker pool with prioritized tasks
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"container/heap"
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// TaskPriority orders queued tasks; higher runs first.
type TaskPriority int

const (
	TaskPriorityLow TaskPriority = iota
	TaskPriorityNormal
	TaskPriorityHigh
	TaskPriorityCritical
)

// String returns a human-readable representation of the priority.
func (p TaskPriority) String() string {
	switch p {
	case TaskPriorityLow:
		return "low"
	case TaskPriorityNormal:
		return "normal"
	case TaskPriorityHigh:
		return "high"
	case TaskPriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Future is the pending result of a submitted task.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

// Done is closed when the task has finished or was discarded.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, NewWaitCancelledError(ctx.Err())
	}
}

func (f *Future) complete(value any, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

type poolTask struct {
	priority TaskPriority
	seq      uint64
	fn       func() (any, error)
	future   *Future
}

// taskQueue is a max-heap on priority, FIFO within a priority.
type taskQueue []*poolTask

func (q taskQueue) Len() int { return len(q) }
func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *taskQueue) Push(x any)   { *q = append(*q, x.(*poolTask)) }
func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// WorkerPool runs submitted tasks on a fixed set of goroutines.
//
// The pool is handed to plugins through their context; a task that panics
// completes its Future with ErrCodeTaskPanic and the worker keeps running.
type WorkerPool struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     taskQueue
	seq       uint64
	running   bool
	active    int
	idle      chan struct{}
	workers   int
	wg        sync.WaitGroup
	submitted atomic.Uint64
	completed atomic.Uint64
	logger    Logger
}

// NewWorkerPool starts a pool with the given number of workers. A
// non-positive count selects runtime.NumCPU.
func NewWorkerPool(workers int, logger any) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &WorkerPool{
		running: true,
		idle:    make(chan struct{}),
		workers: workers,
		logger:  NewLogger(logger),
	}
	close(p.idle)
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit queues fn and returns its Future.
func (p *WorkerPool) Submit(priority TaskPriority, fn func() (any, error)) (*Future, error) {
	if fn == nil {
		return nil, NewInvalidTaskError()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil, NewPoolStoppedError()
	}

	if p.isIdleLocked() {
		p.idle = make(chan struct{})
	}
	p.seq++
	task := &poolTask{priority: priority, seq: p.seq, fn: fn, future: &Future{done: make(chan struct{})}}
	heap.Push(&p.queue, task)
	p.submitted.Add(1)
	p.cond.Signal()
	return task.future, nil
}

// Go queues fn with no result.
func (p *WorkerPool) Go(priority TaskPriority, fn func()) error {
	if fn == nil {
		return NewInvalidTaskError()
	}
	_, err := p.Submit(priority, func() (any, error) {
		fn()
		return nil, nil
	})
	return err
}

// Shutdown stops the pool. With wait, queued tasks run first; without,
// they are discarded and their futures fail with ErrCodePoolStopped.
// Shutdown returns once every worker has exited.
func (p *WorkerPool) Shutdown(wait bool) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.running = false

	var dropped []*poolTask
	if !wait {
		dropped = append(dropped, p.queue...)
		p.queue = nil
		p.markIdleLocked()
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, task := range dropped {
		task.future.complete(nil, NewPoolStoppedError())
	}
	p.wg.Wait()
}

// WaitForAll blocks until the queue is empty and no task is running.
func (p *WorkerPool) WaitForAll(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return NewWaitCancelledError(ctx.Err())
	}
}

// IsRunning reports whether the pool accepts tasks.
func (p *WorkerPool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// WorkerCount returns the number of workers.
func (p *WorkerPool) WorkerCount() int { return p.workers }

// PendingCount returns the number of queued tasks.
func (p *WorkerPool) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// ActiveCount returns the number of tasks currently running.
func (p *WorkerPool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Submitted returns the number of accepted tasks.
func (p *WorkerPool) Submitted() uint64 { return p.submitted.Load() }

// Completed returns the number of finished tasks.
func (p *WorkerPool) Completed() uint64 { return p.completed.Load() }

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && p.running {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		task := heap.Pop(&p.queue).(*poolTask)
		p.active++
		p.mu.Unlock()

		value, err := p.run(task)
		task.future.complete(value, err)
		p.completed.Add(1)

		p.mu.Lock()
		p.active--
		if len(p.queue) == 0 && p.active == 0 {
			p.markIdleLocked()
		}
		p.mu.Unlock()
	}
}

func (p *WorkerPool) run(task *poolTask) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker task panicked", "panic", r, "priority", task.priority.String())
			value, err = nil, NewTaskPanicError(r)
		}
	}()
	return task.fn()
}

func (p *WorkerPool) isIdleLocked() bool {
	select {
	case <-p.idle:
		return true
	default:
		return false
	}
}

func (p *WorkerPool) markIdleLocked() {
	if p.active == 0 && !p.isIdleLocked() {
		close(p.idle)
	}
}
