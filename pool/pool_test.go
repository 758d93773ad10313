package pool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeResource struct {
	id     int64
	closed atomic.Bool
}

func testOptions() Options {
	return Options{
		Floor:        2,
		Ceiling:      4,
		IdleTimeout:  time.Hour,
		ReapInterval: time.Hour,
		RetryBackoff: 10 * time.Millisecond,
	}
}

func newTestPool(t *testing.T, opts Options) (*Pool[*fakeResource], *atomic.Int64) {
	t.Helper()
	var created atomic.Int64
	p, err := New[*fakeResource](opts,
		func() (*fakeResource, error) {
			return &fakeResource{id: created.Add(1)}, nil
		},
		func(r *fakeResource) { r.closed.Store(true) },
		zap.NewNop(),
	)
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p, &created
}

func TestPoolWarmsToFloor(t *testing.T) {
	p, _ := newTestPool(t, testOptions())
	count, idle := p.Stats()
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, idle)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p, _ := newTestPool(t, testOptions())

	res, err := p.Acquire(time.Second)
	require.NoError(t, err)
	require.NotNil(t, res)

	count, idle := p.Stats()
	assert.Equal(t, 2, count)
	assert.Equal(t, 1, idle)

	p.Release(res)
	count, idle = p.Stats()
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, idle)
}

func TestCountNeverExceedsCeiling(t *testing.T) {
	opts := testOptions()
	p, _ := newTestPool(t, opts)

	var inUse atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				res, err := p.Acquire(time.Second)
				if err != nil {
					continue
				}
				n := inUse.Add(1)
				assert.LessOrEqual(t, n, int64(opts.Ceiling))
				time.Sleep(time.Millisecond)
				inUse.Add(-1)
				p.Release(res)
			}
		}()
	}
	wg.Wait()

	count, _ := p.Stats()
	assert.LessOrEqual(t, count, opts.Ceiling)
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	opts := testOptions()
	opts.Floor = 1
	opts.Ceiling = 1
	p, _ := newTestPool(t, opts)

	res, err := p.Acquire(time.Second)
	require.NoError(t, err)
	defer p.Release(res)

	start := time.Now()
	_, err = p.Acquire(100 * time.Millisecond)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestTimedOutWaiterNeverStrandsResource(t *testing.T) {
	opts := testOptions()
	opts.Floor = 1
	opts.Ceiling = 1
	p, _ := newTestPool(t, opts)

	// Race a near-zero-timeout acquirer against the release of the only
	// resource. Whichever way the race falls, the resource must land back
	// in the pool: a handoff consumed by a waiter that already gave up
	// would leave count at ceiling with nothing idle, killing the pool.
	for i := 0; i < 200; i++ {
		res, err := p.Acquire(time.Second)
		require.NoError(t, err, "iteration %d", i)

		done := make(chan struct{})
		go func() {
			if r, err := p.Acquire(time.Microsecond); err == nil {
				p.Release(r)
			}
			close(done)
		}()

		p.Release(res)
		<-done

		res, err = p.Acquire(time.Second)
		require.NoError(t, err, "resource stranded at iteration %d", i)
		p.Release(res)
	}

	count, idle := p.Stats()
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, idle)
}

func TestReleaseWakesWaiter(t *testing.T) {
	opts := testOptions()
	opts.Floor = 1
	opts.Ceiling = 1
	p, _ := newTestPool(t, opts)

	res, err := p.Acquire(time.Second)
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		r, err := p.Acquire(2 * time.Second)
		if err == nil {
			p.Release(r)
		}
		got <- err
	}()

	time.Sleep(50 * time.Millisecond) // let the waiter park
	p.Release(res)

	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestReaperNeverShrinksBelowFloor(t *testing.T) {
	opts := Options{
		Floor:        2,
		Ceiling:      4,
		IdleTimeout:  30 * time.Millisecond,
		ReapInterval: 10 * time.Millisecond,
		RetryBackoff: 10 * time.Millisecond,
	}
	p, _ := newTestPool(t, opts)

	// Grow the pool to its ceiling, then return everything.
	var held []*fakeResource
	for i := 0; i < opts.Ceiling; i++ {
		res, err := p.Acquire(time.Second)
		require.NoError(t, err)
		held = append(held, res)
	}
	for _, res := range held {
		p.Release(res)
	}

	assert.Eventually(t, func() bool {
		count, _ := p.Stats()
		return count == opts.Floor
	}, time.Second, 10*time.Millisecond, "idle excess should be evicted down to the floor")

	// And it stays there.
	time.Sleep(100 * time.Millisecond)
	count, idle := p.Stats()
	assert.Equal(t, opts.Floor, count)
	assert.Equal(t, opts.Floor, idle)
}

func TestProducerRetriesCreationFailures(t *testing.T) {
	var attempts atomic.Int64
	p, err := New[*fakeResource](
		Options{
			Floor:        1,
			Ceiling:      2,
			IdleTimeout:  time.Hour,
			ReapInterval: time.Hour,
			RetryBackoff: 5 * time.Millisecond,
		},
		func() (*fakeResource, error) {
			if attempts.Add(1) <= 2 {
				return nil, errors.New("transient create failure")
			}
			return &fakeResource{}, nil
		},
		func(r *fakeResource) { r.closed.Store(true) },
		zap.NewNop(),
	)
	require.NoError(t, err)
	defer p.Stop()

	res, err := p.Acquire(time.Second)
	require.NoError(t, err)
	p.Release(res)
	assert.GreaterOrEqual(t, attempts.Load(), int64(3))
}

func TestStopClosesEverything(t *testing.T) {
	opts := testOptions()
	opts.Floor = 1
	opts.Ceiling = 2
	p, _ := newTestPool(t, opts)

	lent, err := p.Acquire(time.Second)
	require.NoError(t, err)

	p.Stop()

	_, err = p.Acquire(time.Second)
	assert.ErrorIs(t, err, ErrPoolClosed)

	// A resource returned after stop is closed, not pooled.
	p.Release(lent)
	assert.True(t, lent.closed.Load())

	count, idle := p.Stats()
	assert.Equal(t, 0, count)
	assert.Equal(t, 0, idle)
}
