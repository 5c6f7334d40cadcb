package dispatch

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many submitted functions run at once.
type Pool struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	idle    *sync.Cond
	pending int
}

// NewPool returns a pool running at most size functions concurrently.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{sem: semaphore.NewWeighted(int64(size))}
	p.idle = sync.NewCond(&p.mu)
	return p
}

// Go runs fn on its own goroutine once a slot is free. It never blocks the
// caller.
func (p *Pool) Go(fn func()) {
	p.mu.Lock()
	p.pending++
	p.mu.Unlock()

	go func() {
		defer p.done()
		// Acquire with a background context cannot fail.
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)
		fn()
	}()
}

func (p *Pool) done() {
	p.mu.Lock()
	p.pending--
	if p.pending == 0 {
		p.idle.Broadcast()
	}
	p.mu.Unlock()
}

// Wait blocks until every function submitted with Go has returned.
func (p *Pool) Wait() {
	p.mu.Lock()
	for p.pending > 0 {
		p.idle.Wait()
	}
	p.mu.Unlock()
}

// Inline runs everything on the calling goroutine. It satisfies the same
// method sets as Serial and Pool.
type Inline struct{}

func (Inline) Post(fn func()) { fn() }
func (Inline) Go(fn func())   { fn() }
func (Inline) Wait()          {}
