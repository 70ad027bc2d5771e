// Package spead defines the data plane used by the benchmark: heaps of
// payload sent by a paced Sender and collected by a Receiver.
package spead

import (
	"context"
	"errors"

	"github.com/NAOC-pulsar/spead2/pkg/spead/mempool"
)

var (
	// ErrStopped is returned by Receiver.Get once the stream has stopped
	// and every heap received before the stop has been returned.
	ErrStopped = errors.New("stream stopped")

	// ErrClosed is returned for submissions to a closed Sender.
	ErrClosed = errors.New("sender closed")
)

// Heap is one application-level data unit.
type Heap struct {
	// Cnt is the heap counter, assigned by the Sender.
	Cnt uint64
	// Version is the version of the item carried by the heap.
	Version uint64
	// Payload is the heap payload. Senders never modify it.
	Payload []byte
	// End marks the end-of-stream heap.
	End bool

	pool *mempool.Pool
}

// NewHeap returns a heap whose payload will be returned to pool on Release.
func NewHeap(cnt, version uint64, payload []byte, pool *mempool.Pool) *Heap {
	return &Heap{Cnt: cnt, Version: version, Payload: payload, pool: pool}
}

// Release returns the payload to its pool. The heap must not be used
// afterwards.
func (h *Heap) Release() {
	if h.pool != nil && h.Payload != nil {
		h.pool.Put(h.Payload)
	}
	h.Payload = nil
}

// Future is the pending result of an asynchronous submission.
type Future interface {
	// Wait blocks until the submission completes or ctx is done.
	Wait(ctx context.Context) error
}

// Sender transmits heaps asynchronously, in submission order.
type Sender interface {
	Submit(ctx context.Context, h *Heap) Future
	Close() error
}

// Receiver collects heaps. Get blocks until a heap is available and returns
// ErrStopped once the stream is stopped, either by Stop or by the arrival of
// the end-of-stream heap. Other errors are transport failures.
type Receiver interface {
	Get(ctx context.Context) (*Heap, error)
	Stop()
}

// SenderConfig configures a Sender.
type SenderConfig struct {
	MaxPacketSize int
	BurstSize     int
	// Rate is the target rate in bytes per second. Zero means unlimited.
	Rate       float64
	BufferSize int
	AddrBits   int
	// MaxHeaps bounds the number of submissions queued in the sender.
	MaxHeaps int
}

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	MaxPacketSize int
	// MaxHeaps is the number of partial heaps kept during reassembly, and
	// the capacity of the ring of complete heaps.
	MaxHeaps   int
	BufferSize int
	AddrBits   int
	// MaxHeapSize is the largest heap accepted.
	MaxHeapSize int
	Pool        mempool.Config
}

// Factory creates the two ends of a data plane.
type Factory interface {
	NewSender(ctx context.Context, addr string, cfg SenderConfig) (Sender, error)
	NewReceiver(port int, cfg ReceiverConfig) (Receiver, error)
}
