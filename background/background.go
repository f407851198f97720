// Package background implements the worker-pool primitive batch.ExecuteAsync
// uses to run a synchronous batch execution off the caller's goroutine (spec
// §4.9, §4.5 "Async execute").
//
// A process-wide pool is created lazily on first use and sized
// max(4, runtime.NumCPU()), mirroring the teacher's single shared http.Client
// pattern (one piece of process-wide state, created once, reused by every
// caller) applied to a worker pool instead of an HTTP client.
package background

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Handle is returned by Submit; Wait blocks until the submitted function has
// returned and yields its result.
type Handle struct {
	done chan struct{}
	err  error
}

// Wait blocks until the scheduled function completes and returns whatever
// error it returned.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Pool runs submitted functions on a bounded number of goroutines. Unlike
// errgroup.Group, each Submit returns its own Handle rather than joining a
// single group-wide Wait, because batch.ExecuteAsync callers each need to
// wait on their own batch independently.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a pool that runs at most size functions concurrently.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Submit schedules fn to run on the pool and returns at once with a Handle
// for the caller to Wait on; fn starts as soon as a pool slot is free.
func (p *Pool) Submit(fn func() error) *Handle {
	h := &Handle{done: make(chan struct{})}
	go func() {
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)
		defer close(h.done)
		h.err = fn()
	}()
	return h
}

var (
	defaultOnce sync.Once
	defaultPool *Pool
)

func defaultPoolSize() int {
	if n := runtime.NumCPU(); n > 4 {
		return n
	}
	return 4
}

// Default returns the process-wide pool, creating it on first call.
func Default() *Pool {
	defaultOnce.Do(func() {
		defaultPool = NewPool(defaultPoolSize())
	})
	return defaultPool
}

// New schedules fn on the process-wide default pool (spec §4.9 `new(fn,
// data)`); data is folded into fn's closure by the caller rather than
// passed separately, since Go closures make an explicit data parameter
// redundant.
func New(fn func() error) *Handle {
	return Default().Submit(fn)
}
