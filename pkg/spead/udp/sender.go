// Package udp implements the lossy UDP data plane. Heaps are split into
// packets of at most MaxPacketSize bytes, paced to the configured rate.
package udp

import (
	"context"
	"fmt"
	"net"

	"github.com/NAOC-pulsar/spead2/pkg/spead"
	"golang.org/x/time/rate"
)

// Sender sends heaps to a single UDP destination.
type Sender struct {
	conn    *net.UDPConn
	cfg     spead.SenderConfig
	limiter *rate.Limiter
	queue   *spead.SendQueue
	buf     []byte
}

// Dial returns a Sender for the UDP endpoint addr.
func Dial(ctx context.Context, addr string, cfg spead.SenderConfig) (*Sender, error) {
	if cfg.MaxPacketSize <= spead.HeaderSize(cfg.AddrBits) {
		return nil, fmt.Errorf("udp: packet size %d leaves no room for payload", cfg.MaxPacketSize)
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	conn := c.(*net.UDPConn)
	if err := conn.SetWriteBuffer(cfg.BufferSize); err != nil {
		conn.Close()
		return nil, err
	}
	s := &Sender{
		conn:    conn,
		cfg:     cfg,
		limiter: spead.NewLimiter(cfg),
		buf:     make([]byte, 0, cfg.MaxPacketSize),
	}
	s.queue = spead.NewSendQueue(cfg.MaxHeaps, s.send)
	return s, nil
}

// Submit implements spead.Sender.
func (s *Sender) Submit(ctx context.Context, h *spead.Heap) spead.Future {
	return s.queue.Submit(ctx, h)
}

// Close implements spead.Sender.
func (s *Sender) Close() error {
	s.queue.Close()
	return s.conn.Close()
}

// send runs on the queue worker only, so buf needs no locking.
func (s *Sender) send(ctx context.Context, h *spead.Heap) error {
	hdr := spead.PacketHeader{
		Cnt:        h.Cnt,
		Version:    h.Version,
		HeapLength: uint64(len(h.Payload)),
	}
	if h.End {
		hdr.Flags |= spead.FlagEnd
		return s.write(ctx, hdr, nil)
	}
	chunk := s.cfg.MaxPacketSize - spead.HeaderSize(s.cfg.AddrBits)
	if len(h.Payload) == 0 {
		return s.write(ctx, hdr, nil)
	}
	for off := 0; off < len(h.Payload); off += chunk {
		end := off + chunk
		if end > len(h.Payload) {
			end = len(h.Payload)
		}
		hdr.Offset = uint64(off)
		if err := s.write(ctx, hdr, h.Payload[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) write(ctx context.Context, hdr spead.PacketHeader, payload []byte) error {
	pkt := spead.AppendHeader(s.buf[:0], hdr, s.cfg.AddrBits)
	pkt = append(pkt, payload...)
	if err := spead.Pace(ctx, s.limiter, len(pkt)); err != nil {
		return err
	}
	_, err := s.conn.Write(pkt)
	return err
}
