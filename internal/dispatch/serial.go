// Package dispatch runs engine work: a serial executor that plays the role of
// the single notification context, bounded pools for storage, background and
// network work, and an inline executor for synchronous mode.
package dispatch

import "sync"

// Serial runs posted functions one at a time, in the order they were posted.
// A drain goroutine is started on demand and exits once the queue is empty.
type Serial struct {
	mu      sync.Mutex
	idle    *sync.Cond
	queue   []func()
	running bool
	onPanic func(any)
}

// NewSerial returns an empty executor. If onPanic is nil, a panic in a posted
// function crashes the process like any other goroutine panic.
func NewSerial(onPanic func(any)) *Serial {
	s := &Serial{onPanic: onPanic}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Post queues fn. It never blocks.
func (s *Serial) Post(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	start := !s.running
	s.running = true
	s.mu.Unlock()

	if start {
		go s.drain()
	}
}

func (s *Serial) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.idle.Broadcast()
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.run(fn)
	}
}

func (s *Serial) run(fn func()) {
	if s.onPanic != nil {
		defer func() {
			if r := recover(); r != nil {
				s.onPanic(r)
			}
		}()
	}
	fn()
}

// Wait blocks until the queue is empty and nothing is running.
func (s *Serial) Wait() {
	s.mu.Lock()
	for s.running {
		s.idle.Wait()
	}
	s.mu.Unlock()
}
