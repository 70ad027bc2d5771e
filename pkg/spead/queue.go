package spead

import (
	"context"
	"sync"
	"sync/atomic"
)

// SendFunc transmits a single heap.
type SendFunc func(ctx context.Context, h *Heap) error

type request struct {
	heap    *Heap
	promise *Promise
}

// SendQueue runs heap transmissions one at a time on a worker goroutine,
// in submission order, and assigns heap counters.
type SendQueue struct {
	send    SendFunc
	queue   chan request
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	nextCnt uint64
	once    sync.Once

	// mu orders enqueues before the final drain in Close.
	mu     sync.Mutex
	closed bool
}

// NewSendQueue starts a worker that calls send for each submitted heap.
// Up to depth submissions are queued before Submit blocks.
func NewSendQueue(depth int, send SendFunc) *SendQueue {
	if depth < 1 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &SendQueue{
		send:   send,
		queue:  make(chan request, depth),
		ctx:    ctx,
		cancel: cancel,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Submit queues a copy of h and returns its Future. Heap counters start at 1.
func (q *SendQueue) Submit(ctx context.Context, h *Heap) Future {
	heap := *h
	heap.Cnt = atomic.AddUint64(&q.nextCnt, 1)
	req := request{heap: &heap, promise: NewPromise()}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Resolved(ErrClosed)
	}
	select {
	case q.queue <- req:
		return req.promise
	case <-ctx.Done():
		return Resolved(ctx.Err())
	case <-q.ctx.Done():
		return Resolved(ErrClosed)
	}
}

// Close stops the worker. Submissions still queued fail with ErrClosed.
func (q *SendQueue) Close() {
	q.once.Do(func() {
		// Cancel first so that a Submit blocked on a full queue releases mu.
		q.cancel()
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		q.wg.Wait()
		q.drain()
	})
}

func (q *SendQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case req := <-q.queue:
			if q.ctx.Err() != nil {
				req.promise.Resolve(ErrClosed)
				continue
			}
			req.promise.Resolve(q.send(q.ctx, req.heap))
		case <-q.ctx.Done():
			q.drain()
			return
		}
	}
}

func (q *SendQueue) drain() {
	for {
		select {
		case req := <-q.queue:
			req.promise.Resolve(ErrClosed)
		default:
			return
		}
	}
}
