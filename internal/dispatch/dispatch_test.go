package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialRunsInOrder(t *testing.T) {
	s := NewSerial(nil)

	var mu sync.Mutex
	var got []int
	for i := range 100 {
		s.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	s.Wait()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSerialNeverOverlaps(t *testing.T) {
	s := NewSerial(nil)
	var active, maxActive atomic.Int32

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				s.Post(func() {
					n := active.Add(1)
					if n > maxActive.Load() {
						maxActive.Store(n)
					}
					time.Sleep(50 * time.Microsecond)
					active.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	s.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
}

func TestSerialPostFromPostedFunc(t *testing.T) {
	s := NewSerial(nil)
	done := make(chan struct{})
	s.Post(func() {
		s.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestSerialRecoversWithHandler(t *testing.T) {
	var recovered atomic.Value
	s := NewSerial(func(r any) { recovered.Store(r) })

	ran := make(chan struct{})
	s.Post(func() { panic("boom") })
	s.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("queue stalled after panic")
	}
	assert.Equal(t, "boom", recovered.Load())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	var active, maxActive atomic.Int32

	for range 10 {
		p.Go(func() {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		})
	}
	p.Wait()

	assert.LessOrEqual(t, maxActive.Load(), int32(2))
}

func TestInline(t *testing.T) {
	var in Inline
	n := 0
	in.Post(func() { n++ })
	in.Go(func() { n++ })
	in.Wait()
	assert.Equal(t, 2, n)
}
