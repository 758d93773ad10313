package pool

import (
	"sync"

	"go.uber.org/zap"
)

// WorkerPool runs tasks on a fixed number of workers fed from a
// capacity-bounded FIFO queue. Submission never blocks: when the queue is
// full or the pool is stopped, the task is rejected and the caller is
// expected to surface that to its own caller.
type WorkerPool struct {
	tasks chan func()
	log   *zap.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewWorkerPool starts workers goroutines consuming a queue of the given
// capacity.
func NewWorkerPool(workers, capacity int, log *zap.Logger) *WorkerPool {
	wp := &WorkerPool{
		tasks: make(chan func(), capacity),
		log:   log,
	}
	wp.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go wp.worker()
	}
	return wp
}

// Submit enqueues a task. It returns false without enqueuing when the pool
// is stopped or the queue is at capacity; that is the backpressure signal,
// not an error to retry here.
func (w *WorkerPool) Submit(task func()) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return false
	}
	select {
	case w.tasks <- task:
		return true
	default:
		return false
	}
}

// Stop refuses new submissions, lets the workers drain everything already
// queued, and joins them.
func (w *WorkerPool) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.tasks)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *WorkerPool) worker() {
	defer w.wg.Done()
	for task := range w.tasks {
		w.run(task)
	}
}

// run executes one task outside any lock; a panicking handler must not take
// its worker down with it.
func (w *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("worker task panicked", zap.Any("panic", r))
		}
	}()
	task()
}
