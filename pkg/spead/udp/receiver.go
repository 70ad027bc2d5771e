package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/NAOC-pulsar/spead2/pkg/spead"
	"github.com/NAOC-pulsar/spead2/pkg/spead/mempool"
)

type partial struct {
	version  uint64
	payload  []byte
	received uint64
	offsets  map[uint64]struct{}
}

// Receiver reassembles heaps arriving on a UDP port. Incomplete heaps are
// dropped when more than MaxHeaps are under construction.
type Receiver struct {
	conn *net.UDPConn
	cfg  spead.ReceiverConfig
	ring *spead.Ring
	pool *mempool.Pool

	live  map[uint64]*partial
	order []uint64

	wg   sync.WaitGroup
	once sync.Once
}

// Listen binds a Receiver to port on all interfaces.
func Listen(port int, cfg spead.ReceiverConfig) (*Receiver, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadBuffer(cfg.BufferSize); err != nil {
		conn.Close()
		return nil, err
	}
	r := &Receiver{
		conn: conn,
		cfg:  cfg,
		ring: spead.NewRing(cfg.MaxHeaps),
		pool: mempool.New(cfg.Pool),
		live: make(map[uint64]*partial),
	}
	r.wg.Add(1)
	go r.run()
	return r, nil
}

// LocalAddr returns the bound address.
func (r *Receiver) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// Get implements spead.Receiver.
func (r *Receiver) Get(ctx context.Context) (*spead.Heap, error) {
	return r.ring.Get(ctx)
}

// Stop implements spead.Receiver. It closes the socket and waits for the
// reader goroutine.
func (r *Receiver) Stop() {
	r.once.Do(func() {
		r.ring.Stop()
		r.conn.Close()
		r.wg.Wait()
	})
}

func (r *Receiver) run() {
	defer r.wg.Done()
	buf := make([]byte, r.cfg.MaxPacketSize+1)
	for {
		n, err := r.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				r.ring.Stop()
			} else {
				r.ring.Fail(fmt.Errorf("udp: read: %w", err))
			}
			return
		}
		if n > r.cfg.MaxPacketSize {
			continue
		}
		hdr, payload, err := spead.ParseHeader(buf[:n], r.cfg.AddrBits)
		if err != nil {
			continue
		}
		if hdr.Flags&spead.FlagEnd != 0 {
			r.ring.Stop()
			return
		}
		if !r.add(hdr, payload) {
			return
		}
	}
}

// add copies payload into its heap and queues the heap once complete. It
// returns false if the ring has stopped.
func (r *Receiver) add(hdr spead.PacketHeader, payload []byte) bool {
	if hdr.HeapLength > uint64(r.cfg.MaxHeapSize) {
		return true
	}
	p, ok := r.live[hdr.Cnt]
	if !ok {
		p = &partial{
			version: hdr.Version,
			payload: r.pool.Get(int(hdr.HeapLength)),
			offsets: make(map[uint64]struct{}),
		}
		r.live[hdr.Cnt] = p
		r.order = append(r.order, hdr.Cnt)
		r.evict()
	}
	if hdr.Offset+uint64(len(payload)) > uint64(len(p.payload)) {
		return true
	}
	// Duplicated packets must not complete a heap.
	if _, dup := p.offsets[hdr.Offset]; dup {
		return true
	}
	p.offsets[hdr.Offset] = struct{}{}
	copy(p.payload[hdr.Offset:], payload)
	p.received += uint64(len(payload))
	if p.received < uint64(len(p.payload)) {
		return true
	}
	r.forget(hdr.Cnt)
	return r.ring.Push(spead.NewHeap(hdr.Cnt, p.version, p.payload, r.pool))
}

func (r *Receiver) evict() {
	for len(r.order) > r.cfg.MaxHeaps {
		cnt := r.order[0]
		r.order = r.order[1:]
		if p, ok := r.live[cnt]; ok {
			r.pool.Put(p.payload)
			delete(r.live, cnt)
		}
	}
}

func (r *Receiver) forget(cnt uint64) {
	delete(r.live, cnt)
	for i, c := range r.order {
		if c == cnt {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
