package spead

import (
	"context"
	"sync"
)

// Ring is a bounded queue of complete heaps between a reader goroutine and
// the consumer.
type Ring struct {
	heaps chan *Heap
	done  chan struct{}
	once  sync.Once
	err   error
}

// NewRing returns a Ring holding up to capacity heaps.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		heaps: make(chan *Heap, capacity),
		done:  make(chan struct{}),
	}
}

// Push blocks until h is queued or the ring stops. It returns false if the
// heap was not queued.
func (r *Ring) Push(h *Heap) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.heaps <- h:
		return true
	case <-r.done:
		return false
	}
}

// Stop stops the ring. Heaps already queued are still returned by Get.
func (r *Ring) Stop() {
	r.Fail(ErrStopped)
}

// Fail stops the ring; once drained, Get returns err.
func (r *Ring) Fail(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Stopped returns a channel closed when the ring stops.
func (r *Ring) Stopped() <-chan struct{} {
	return r.done
}

// Get returns the next heap.
func (r *Ring) Get(ctx context.Context) (*Heap, error) {
	select {
	case h := <-r.heaps:
		return h, nil
	case <-r.done:
		select {
		case h := <-r.heaps:
			return h, nil
		default:
			return nil, r.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
