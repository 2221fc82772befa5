package sampler

import (
	"io"
	"sync"
)

// prefetch decouples a producer goroutine from its consumer through a bounded
// FIFO of size results. The producer blocks once the buffer is full and the
// consumer blocks while it is empty; delivery order always matches production
// order. The buffer caps peak memory no matter how long the stream runs.
type prefetch[T any] struct {
	out  chan prefetchItem[T]
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

type prefetchItem[T any] struct {
	val T
	err error
}

// newPrefetch starts produce in the background. produce pushes values through
// emit, which reports false once the consumer has gone away; a non-nil return
// is delivered to the consumer after everything emitted before it, while a
// nil return ends the stream cleanly.
func newPrefetch[T any](size int, produce func(emit func(T) bool) error) *prefetch[T] {
	p := &prefetch[T]{
		out:  make(chan prefetchItem[T], size),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		defer close(p.out)
		err := produce(func(v T) bool {
			select {
			case p.out <- prefetchItem[T]{val: v}:
				return true
			case <-p.stop:
				return false
			}
		})
		if err != nil {
			select {
			case p.out <- prefetchItem[T]{err: err}:
			case <-p.stop:
			}
		}
	}()
	return p
}

// next returns the next buffered value. io.EOF after a clean end of stream.
func (p *prefetch[T]) next() (T, error) {
	item, ok := <-p.out
	if !ok {
		var zero T
		return zero, io.EOF
	}
	return item.val, item.err
}

// close releases the producer and waits for it to finish. Idempotent.
func (p *prefetch[T]) close() {
	p.once.Do(func() { close(p.stop) })
	<-p.done
}
