// worker_pool_test.go: task execution, priorities, panics and shutdown
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestWorkerPool_Submit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := NewWorkerPool(4, nil)
	defer pool.Shutdown(true)
	assert.Equal(t, 4, pool.WorkerCount())

	future, err := pool.Submit(TaskPriorityNormal, func() (any, error) { return 21 * 2, nil })
	require.NoError(t, err)
	value, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, value)

	failing, err := pool.Submit(TaskPriorityNormal, func() (any, error) { return nil, errBoom })
	require.NoError(t, err)
	<-failing.Done()
	_, err = failing.Wait(context.Background())
	assert.ErrorIs(t, err, errBoom)
}

func TestWorkerPool_PriorityOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown(true)

	gate := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Go(TaskPriorityNormal, func() {
		close(started)
		<-gate
	}))
	<-started

	var mu sync.Mutex
	var order []string
	for _, tc := range []struct {
		label    string
		priority TaskPriority
	}{
		{"low", TaskPriorityLow},
		{"normal-1", TaskPriorityNormal},
		{"critical", TaskPriorityCritical},
		{"high", TaskPriorityHigh},
		{"normal-2", TaskPriorityNormal},
	} {
		label := tc.label
		require.NoError(t, pool.Go(tc.priority, func() {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
		}))
	}
	assert.Equal(t, 5, pool.PendingCount())
	assert.Equal(t, 1, pool.ActiveCount())

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.WaitForAll(ctx))

	assert.Equal(t, []string{"critical", "high", "normal-1", "normal-2", "low"}, order)
	assert.Equal(t, uint64(6), pool.Submitted())
	assert.Equal(t, uint64(6), pool.Completed())
}

func TestWorkerPool_PanicIsContained(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logger := NewTestLogger()
	pool := NewWorkerPool(1, logger)
	defer pool.Shutdown(true)

	future, err := pool.Submit(TaskPriorityHigh, func() (any, error) { panic("task bug") })
	require.NoError(t, err)
	_, err = future.Wait(context.Background())
	assert.True(t, HasErrorCode(err, ErrCodeTaskPanic))
	assert.Equal(t, KindPool, KindOf(err))
	assert.True(t, logger.HasMessage("ERROR", "Worker task panicked"))

	after, err := pool.Submit(TaskPriorityNormal, func() (any, error) { return "still alive", nil })
	require.NoError(t, err)
	value, err := after.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "still alive", value)
}

func TestWorkerPool_WaitForAll(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := NewWorkerPool(3, nil)
	defer pool.Shutdown(true)

	require.NoError(t, pool.WaitForAll(context.Background()), "an empty pool is idle")

	var done atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Go(TaskPriorityNormal, func() {
			time.Sleep(2 * time.Millisecond)
			done.Add(1)
		}))
	}
	require.NoError(t, pool.WaitForAll(context.Background()))
	assert.Equal(t, int32(20), done.Load())

	block := make(chan struct{})
	require.NoError(t, pool.Go(TaskPriorityNormal, func() { <-block }))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.WaitForAll(ctx)
	assert.True(t, HasErrorCode(err, ErrCodeWaitCancelled))
	close(block)
}

func TestWorkerPool_ShutdownDrains(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := NewWorkerPool(1, nil)
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Go(TaskPriorityNormal, func() { ran.Add(1) }))
	}
	pool.Shutdown(true)

	assert.Equal(t, int32(5), ran.Load())
	assert.False(t, pool.IsRunning())

	_, err := pool.Submit(TaskPriorityNormal, func() (any, error) { return nil, nil })
	assert.True(t, HasErrorCode(err, ErrCodePoolStopped))
	pool.Shutdown(true)
}

func TestWorkerPool_ShutdownDiscards(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := NewWorkerPool(1, nil)
	gate := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Go(TaskPriorityNormal, func() {
		close(started)
		<-gate
	}))
	<-started

	queued, err := pool.Submit(TaskPriorityNormal, func() (any, error) { return "never", nil })
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(gate)
	}()
	pool.Shutdown(false)

	_, err = queued.Wait(context.Background())
	assert.True(t, HasErrorCode(err, ErrCodePoolStopped))
	assert.Equal(t, uint64(1), pool.Completed())
}

func TestWorkerPool_InvalidTasks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := NewWorkerPool(0, nil)
	defer pool.Shutdown(true)
	assert.Positive(t, pool.WorkerCount())

	_, err := pool.Submit(TaskPriorityNormal, nil)
	assert.True(t, HasErrorCode(err, ErrCodeInvalidTask))
	assert.True(t, HasErrorCode(pool.Go(TaskPriorityNormal, nil), ErrCodeInvalidTask))
}

func TestFuture_WaitCancelled(t *testing.T) {
	f := &Future{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Wait(ctx)
	assert.True(t, HasErrorCode(err, ErrCodeWaitCancelled))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTaskPriority_String(t *testing.T) {
	assert.Equal(t, "low", TaskPriorityLow.String())
	assert.Equal(t, "critical", TaskPriorityCritical.String())
	assert.Equal(t, "unknown", TaskPriority(-3).String())
}
