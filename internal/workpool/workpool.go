// Package workpool bounds blocking work that must stay off the accept path.
package workpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var ErrFull = errors.New("workpool: no free slots")

// Pool is a fixed-capacity set of slots. Short tasks take one slot through
// Submit or Run; long-lived loops reserve slots up front with TryReserve.
type Pool struct {
	size   int64
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	active atomic.Int64
}

func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

func (p *Pool) Size() int {
	return int(p.size)
}

// Active is the number of slots in use.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Submit queues fn and returns at once. A pooled goroutine waits for the
// slot, so the caller never blocks on a full pool. If ctx ends first, fn
// is skipped and rejected receives the reason.
func (p *Pool) Submit(ctx context.Context, fn func(), rejected func(error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			if rejected != nil {
				rejected(err)
			}
			return
		}
		p.active.Add(1)
		defer p.release(1)
		fn()
	}()
}

// Run executes fn on the calling goroutine once a slot is free.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.active.Add(1)
	defer p.release(1)
	return fn()
}

// TryReserve takes n slots without blocking. The caller owns them until
// Release.
func (p *Pool) TryReserve(n int) error {
	if !p.sem.TryAcquire(int64(n)) {
		return ErrFull
	}
	p.active.Add(int64(n))
	return nil
}

// Spawn runs fn on a slot obtained earlier from TryReserve and returns the
// slot when fn ends.
func (p *Pool) Spawn(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release(1)
		fn()
	}()
}

// Release returns n reserved slots that will not be spawned.
func (p *Pool) Release(n int) {
	p.release(int64(n))
}

func (p *Pool) release(n int64) {
	p.active.Add(-n)
	p.sem.Release(n)
}

// Wait blocks until every spawned task has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
