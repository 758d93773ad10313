package pool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	wp := NewWorkerPool(1, 2, zap.NewNop())

	gate := make(chan struct{})
	started := make(chan struct{})
	require.True(t, wp.Submit(func() {
		close(started)
		<-gate
	}))
	<-started // the worker is now busy; the queue is empty

	assert.True(t, wp.Submit(func() {}))
	assert.True(t, wp.Submit(func() {}))
	// Queue holds capacity tasks: the backpressure signal fires.
	assert.False(t, wp.Submit(func() {}))

	close(gate)
	// Once a slot frees up, submissions are accepted again.
	assert.Eventually(t, func() bool {
		return wp.Submit(func() {})
	}, time.Second, 5*time.Millisecond)

	wp.Stop()
}

func TestTasksRunInSubmissionOrder(t *testing.T) {
	wp := NewWorkerPool(1, 16, zap.NewNop())

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		require.True(t, wp.Submit(func() {
			order = append(order, i) // single worker, no race
			if i == 4 {
				close(done)
			}
		}))
	}
	<-done
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	wp.Stop()
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	wp := NewWorkerPool(1, 16, zap.NewNop())

	gate := make(chan struct{})
	started := make(chan struct{})
	require.True(t, wp.Submit(func() {
		close(started)
		<-gate
	}))
	<-started

	var executed atomic.Int64
	for i := 0; i < 5; i++ {
		require.True(t, wp.Submit(func() { executed.Add(1) }))
	}

	close(gate)
	wp.Stop()

	// Stop only refuses new work; everything already queued still ran.
	assert.Equal(t, int64(5), executed.Load())
	assert.False(t, wp.Submit(func() {}))
}

func TestWorkerSurvivesPanickingTask(t *testing.T) {
	wp := NewWorkerPool(1, 4, zap.NewNop())

	require.True(t, wp.Submit(func() { panic("handler bug") }))

	ran := make(chan struct{})
	assert.Eventually(t, func() bool {
		return wp.Submit(func() { close(ran) })
	}, time.Second, 5*time.Millisecond)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
	wp.Stop()
}
