// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestPool_WaitToStart(t *testing.T) {
	pool := New(2)
	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			current := running.Add(1)
			for {
				old := maxRunning.Load()
				if current <= old || maxRunning.CompareAndSwap(old, current) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
		})
	}
	wg.Wait()
	assert.LessOrEqual(t, maxRunning.Load(), int32(2))
	assert.GreaterOrEqual(t, maxRunning.Load(), int32(1))
}

func TestPool_ForEach(t *testing.T) {
	for _, parallelism := range []int{1, 3, -1, 0} {
		pool := New(parallelism)
		var count atomic.Int32
		results := make([]int, 100)
		err := pool.ForEach(len(results), func(i int) error {
			count.Add(1)
			runtime.Gosched()
			results[i] = i * i
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(100), count.Load())
		for i, v := range results {
			assert.Equal(t, i*i, v)
		}
	}

	pool := New(4)
	err := pool.ForEach(5, func(i int) error {
		if i%2 == 1 {
			return errors.Errorf("task %d failed", i)
		}
		return nil
	})
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 2)
	assert.ErrorContains(t, errs[0], "task 1")
	assert.ErrorContains(t, errs[1], "task 3")
	assert.NoError(t, pool.ForEach(0, func(int) error { return errors.New("never") }))
}

func TestPool_NestedForEach(t *testing.T) {
	pool := New(2)
	var count atomic.Int32
	err := pool.ForEach(4, func(int) error {
		return pool.ForEach(4, func(int) error {
			count.Add(1)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, int32(16), count.Load())
}
