// Package pool provides the two bounded execution primitives the node is
// built on: a generic resource pool for expensive handles (database
// connections) and a fixed-size worker pool with a capacity-limited task
// queue.
package pool

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var (
	// ErrAcquireTimeout is returned when no resource became available within
	// the caller's deadline. It is a recoverable condition, not a crash.
	ErrAcquireTimeout = errors.New("pool: acquire timed out")
	// ErrPoolClosed is returned once Stop has been called.
	ErrPoolClosed = errors.New("pool: closed")
)

// Factory creates one resource. It may fail transiently; the pool's producer
// retries with a fixed backoff rather than propagating the failure.
type Factory[T any] func() (T, error)

// Closer disposes of one resource.
type Closer[T any] func(T)

// Options bounds the pool. Count stays within [Floor, Ceiling]; resources
// idle longer than IdleTimeout are evicted every ReapInterval, but never
// below Floor.
type Options struct {
	Floor        int
	Ceiling      int
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	RetryBackoff time.Duration
}

type idleEntry[T any] struct {
	res       T
	idleSince time.Time
}

// Pool is a bounded pool of reusable resources. A background producer grows
// the pool when it runs dry, a background reaper shrinks idle excess.
type Pool[T any] struct {
	opts    Options
	factory Factory[T]
	closer  Closer[T]
	log     *zap.Logger

	mu      sync.Mutex
	idle    []idleEntry[T] // index 0 is the oldest return, so time-ordered
	waiters []chan T
	count   int // created and not yet closed, includes lent-out resources
	stopped bool

	produce chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// New builds a pool and warms it to its floor. Warm-up failures are not
// fatal; the producer's retry loop takes over.
func New[T any](opts Options, factory Factory[T], closer Closer[T], log *zap.Logger) (*Pool[T], error) {
	if opts.Floor < 1 || opts.Ceiling < opts.Floor {
		return nil, errors.New("pool: floor must be >= 1 and ceiling >= floor")
	}
	if opts.IdleTimeout <= 0 || opts.ReapInterval <= 0 || opts.RetryBackoff <= 0 {
		return nil, errors.New("pool: timeouts must be positive")
	}

	p := &Pool[T]{
		opts:    opts,
		factory: factory,
		closer:  closer,
		log:     log,
		produce: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	for i := 0; i < opts.Floor; i++ {
		res, err := factory()
		if err != nil {
			p.log.Warn("pool warm-up incomplete, producer will retry", zap.Error(err))
			p.nudge()
			break
		}
		p.idle = append(p.idle, idleEntry[T]{res: res, idleSince: time.Now()})
		p.count++
	}

	p.wg.Add(2)
	go p.producerLoop()
	go p.reaperLoop()
	return p, nil
}

// Acquire returns an idle resource, waiting up to timeout for one to become
// available. The producer is nudged when the pool is below its ceiling.
func (p *Pool[T]) Acquire(timeout time.Duration) (T, error) {
	var zero T

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return zero, ErrPoolClosed
	}
	if len(p.idle) > 0 {
		entry := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()
		return entry.res, nil
	}
	if p.count < p.opts.Ceiling {
		p.nudge()
	}
	w := make(chan T, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w:
		return res, nil
	case <-timer.C:
		p.mu.Lock()
		p.removeWaiter(w)
		p.mu.Unlock()
		// A release may have handed us a resource between the timer firing
		// and the waiter being unregistered.
		select {
		case res := <-w:
			return res, nil
		default:
		}
		return zero, ErrAcquireTimeout
	case <-p.done:
		select {
		case res := <-w:
			p.mu.Lock()
			p.count--
			p.mu.Unlock()
			p.closer(res)
		default:
		}
		return zero, ErrPoolClosed
	}
}

// Release returns a lent-out resource. If a caller is waiting, the resource
// is handed to exactly one of them; otherwise it re-enters the idle queue
// with a fresh timestamp. After Stop, released resources are closed.
func (p *Pool[T]) Release(res T) {
	p.put(res)
}

// Stats reports the current created count and idle length.
func (p *Pool[T]) Stats() (count, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count, len(p.idle)
}

// Stop wakes all waiters and background tasks, then closes every resource
// the pool still holds. Resources currently lent out are closed on return.
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	idle := p.idle
	p.idle = nil
	p.count -= len(idle)
	p.waiters = nil
	p.mu.Unlock()

	close(p.done)
	for _, entry := range idle {
		p.closer(entry.res)
	}
	p.wg.Wait()
}

func (p *Pool[T]) put(res T) {
	p.mu.Lock()
	if p.stopped {
		p.count--
		p.mu.Unlock()
		p.closer(res)
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		// Hand off under the lock (buffered channel, cannot block) so a
		// timing-out Acquire that unregisters and drains its waiter under
		// the same lock ordering can never miss the resource.
		w <- res
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, idleEntry[T]{res: res, idleSince: time.Now()})
	p.mu.Unlock()
}

// nudge wakes the producer without blocking; a pending nudge is enough.
func (p *Pool[T]) nudge() {
	select {
	case p.produce <- struct{}{}:
	default:
	}
}

// removeWaiter must be called with p.mu held.
func (p *Pool[T]) removeWaiter(w chan T) {
	for i, c := range p.waiters {
		if c == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *Pool[T]) producerLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-p.produce:
		}
		for {
			p.mu.Lock()
			if p.stopped || p.count >= p.opts.Ceiling || (p.count >= p.opts.Floor && len(p.idle) > 0) {
				p.mu.Unlock()
				break
			}
			p.count++ // reserve the slot before the slow create
			p.mu.Unlock()

			res, err := p.create()
			if err != nil {
				p.mu.Lock()
				p.count--
				p.mu.Unlock()
				return // only fails when the pool is stopping
			}
			p.put(res)
		}
	}
}

// create retries the factory with a fixed delay until it succeeds or the
// pool stops. A waiting Acquire only ever sees its own timeout.
func (p *Pool[T]) create() (T, error) {
	var zero T
	policy := backoff.NewConstantBackOff(p.opts.RetryBackoff)
	for {
		res, err := p.factory()
		if err == nil {
			return res, nil
		}
		p.log.Warn("pool resource creation failed, backing off", zap.Error(err))
		select {
		case <-time.After(policy.NextBackOff()):
		case <-p.done:
			return zero, ErrPoolClosed
		}
	}
}

func (p *Pool[T]) reaperLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		var expired []T
		now := time.Now()
		p.mu.Lock()
		// The idle queue is ordered by return time, so the scan can stop at
		// the first entry that has not expired yet.
		for len(p.idle) > 0 && p.count > p.opts.Floor {
			if now.Sub(p.idle[0].idleSince) < p.opts.IdleTimeout {
				break
			}
			expired = append(expired, p.idle[0].res)
			p.idle = p.idle[1:]
			p.count--
		}
		p.mu.Unlock()

		for _, res := range expired {
			p.closer(res)
		}
		if len(expired) > 0 {
			p.log.Debug("pool evicted idle resources", zap.Int("evicted", len(expired)))
		}
	}
}
