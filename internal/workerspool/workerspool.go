// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool limits the number of goroutines used by plan preparation and by the
// parallel reference kernels.
package workerspool

import (
	"runtime"
	"sync"

	"go.uber.org/multierr"
)

// Pool of workers. The zero value is not usable, create it with New.
type Pool struct {
	// maxParallelism is the limit of tasks running concurrently.
	// 0 disables parallelism, and negative values mean unlimited.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Should be signaled whenever numRunning is decreased.
	numRunning     int
}

// New returns a new Pool of workers with the given parallelism.
// If maxParallelism is 0 it uses runtime.NumCPU().
func New(maxParallelism int) *Pool {
	w := &Pool{}
	if maxParallelism == 0 {
		maxParallelism = runtime.NumCPU()
	}
	w.maxParallelism = maxParallelism
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism returns the limit of tasks running concurrently. Negative means unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism. 1 makes every ForEach sequential.
//
// You should only change the parallelism before any workers start running. If changed during the execution
// the behavior is undefined.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with workerPool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available to run the task, and starts it in a goroutine.
// It's up to the client to synchronize the end of the task.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// lockedRunTaskInGoroutine and keep tabs on w.numRunning.
//
// It must be called with workerPool.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// StartIfAvailable runs the task in a separate goroutine, if there are enough workers left.
// It returns true if it found workers to run the function, false otherwise.
//
// It's up to the client to synchronize the end of the function execution.
func (w *Pool) StartIfAvailable(task func()) bool {
	if w.IsUnlimited() {
		go task()
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.lockedRunTaskInGoroutine(task)
	return true
}

// ForEach calls fn(i) for i in [0, n) and waits for all of them to finish.
//
// The calling goroutine takes a share of the work whenever no worker is available, so ForEach
// can be called from within a task without deadlocking.
// The errors returned by fn are combined in index order.
func (w *Pool) ForEach(n int, fn func(i int) error) error {
	if n <= 0 {
		return nil
	}
	errs := make([]error, n)
	if n == 1 || w.maxParallelism == 1 {
		for i := range n {
			errs[i] = fn(i)
		}
		return multierr.Combine(errs...)
	}
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			errs[i] = fn(i)
		}
		if !w.StartIfAvailable(task) {
			task()
		}
	}
	wg.Wait()
	return multierr.Combine(errs...)
}
