// Package speadtest provides an in-memory data plane for tests.
package speadtest

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/NAOC-pulsar/spead2/pkg/spead"
)

// Loopback is a spead.Factory whose senders deliver heaps directly to the
// receiver bound to the destination port. Heaps sent to a port with no
// receiver are lost, as they would be on UDP.
type Loopback struct {
	// Drop, if set, is consulted for every non-end heap; heaps for which
	// it returns true are lost.
	Drop func(cnt uint64) bool

	mu        sync.Mutex
	receivers map[int]*Receiver
	active    int
	maxActive int
	created   int
}

// NewLoopback returns an empty Loopback.
func NewLoopback() *Loopback {
	return &Loopback{receivers: make(map[int]*Receiver)}
}

// Active returns the number of receivers not yet stopped.
func (l *Loopback) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// MaxActive returns the largest number of receivers ever active at once.
func (l *Loopback) MaxActive() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxActive
}

// Created returns the number of receivers created.
func (l *Loopback) Created() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.created
}

// NewReceiver implements spead.Factory.
func (l *Loopback) NewReceiver(port int, cfg spead.ReceiverConfig) (spead.Receiver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.receivers[port]; ok {
		return nil, fmt.Errorf("speadtest: port %d already in use", port)
	}
	r := &Receiver{l: l, port: port, ring: spead.NewRing(cfg.MaxHeaps)}
	l.receivers[port] = r
	l.created++
	l.active++
	if l.active > l.maxActive {
		l.maxActive = l.active
	}
	return r, nil
}

// NewSender implements spead.Factory.
func (l *Loopback) NewSender(ctx context.Context, addr string, cfg spead.SenderConfig) (spead.Sender, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return nil, err
	}
	s := &Sender{l: l, port: port}
	s.queue = spead.NewSendQueue(cfg.MaxHeaps, s.send)
	return s, nil
}

func (l *Loopback) lookup(port int) *Receiver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.receivers[port]
}

// Receiver is the receiving end of a Loopback.
type Receiver struct {
	l    *Loopback
	port int
	ring *spead.Ring
	once sync.Once
}

// Get implements spead.Receiver.
func (r *Receiver) Get(ctx context.Context) (*spead.Heap, error) {
	return r.ring.Get(ctx)
}

// Stop implements spead.Receiver.
func (r *Receiver) Stop() {
	r.once.Do(func() {
		r.ring.Stop()
		r.l.mu.Lock()
		delete(r.l.receivers, r.port)
		r.l.active--
		r.l.mu.Unlock()
	})
}

// Sender is the sending end of a Loopback.
type Sender struct {
	l     *Loopback
	port  int
	queue *spead.SendQueue
}

// Submit implements spead.Sender.
func (s *Sender) Submit(ctx context.Context, h *spead.Heap) spead.Future {
	return s.queue.Submit(ctx, h)
}

// Close implements spead.Sender.
func (s *Sender) Close() error {
	s.queue.Close()
	return nil
}

func (s *Sender) send(ctx context.Context, h *spead.Heap) error {
	r := s.l.lookup(s.port)
	if r == nil {
		return nil
	}
	if h.End {
		r.ring.Stop()
		return nil
	}
	if s.l.Drop != nil && s.l.Drop(h.Cnt) {
		return nil
	}
	r.ring.Push(h)
	return nil
}
