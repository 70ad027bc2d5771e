// Package ws implements a data plane carrying one heap per WebSocket binary
// message. Unlike the UDP data plane it never drops heaps, so it measures
// the rate the host can sustain rather than the network.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/NAOC-pulsar/spead2/pkg/bench/spec"
	"github.com/NAOC-pulsar/spead2/pkg/spead"
	"github.com/NAOC-pulsar/spead2/pkg/spead/mempool"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errNonBinaryMessage = errors.New("not a binary message")

// Upgrade upgrades the HTTP connection to WebSockets.
// Returns the upgraded websocket.Conn.
func Upgrade(w http.ResponseWriter, r *http.Request, bufferSize int) (*websocket.Conn, error) {
	if r.Header.Get("Sec-WebSocket-Protocol") != spec.SecWebSocketProtocol {
		w.WriteHeader(http.StatusBadRequest)
		return nil, errors.New("missing Sec-WebSocket-Protocol header")
	}
	h := http.Header{}
	h.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	u := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		ReadBufferSize:  bufferSize,
		WriteBufferSize: bufferSize,
	}
	return u.Upgrade(w, r, h)
}

// Sender writes heaps to a WebSocket connection.
type Sender struct {
	conn    *websocket.Conn
	cfg     spead.SenderConfig
	limiter *rate.Limiter
	queue   *spead.SendQueue
	hdr     []byte
}

// Dial connects to the ws Receiver listening at addr (host:port).
func Dial(ctx context.Context, addr string, cfg spead.SenderConfig) (*Sender, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:  cfg.MaxPacketSize,
		WriteBufferSize: cfg.MaxPacketSize,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetWriteBuffer(cfg.BufferSize)
			}
			return conn, nil
		},
	}
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	conn, _, err := dialer.DialContext(ctx, "ws://"+addr+spec.HeapPath, headers)
	if err != nil {
		return nil, err
	}
	s := &Sender{
		conn:    conn,
		cfg:     cfg,
		limiter: spead.NewLimiter(cfg),
		hdr:     make([]byte, 0, spead.HeaderSize(cfg.AddrBits)),
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
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

func (s *Sender) send(ctx context.Context, h *spead.Heap) error {
	hdr := spead.PacketHeader{
		Cnt:        h.Cnt,
		Version:    h.Version,
		HeapLength: uint64(len(h.Payload)),
	}
	if h.End {
		hdr.Flags |= spead.FlagEnd
	}
	w, err := s.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	s.hdr = spead.AppendHeader(s.hdr[:0], hdr, s.cfg.AddrBits)
	if _, err := w.Write(s.hdr); err != nil {
		return err
	}
	// Pace in packet-sized chunks so that the rate limiter sees the same
	// granularity as on the UDP data plane.
	for off := 0; off < len(h.Payload); off += s.cfg.MaxPacketSize {
		end := off + s.cfg.MaxPacketSize
		if end > len(h.Payload) {
			end = len(h.Payload)
		}
		if err := spead.Pace(ctx, s.limiter, end-off); err != nil {
			return err
		}
		if _, err := w.Write(h.Payload[off:end]); err != nil {
			return err
		}
	}
	return w.Close()
}

// Receiver accepts WebSocket connections and collects the heaps they carry.
type Receiver struct {
	cfg    spead.ReceiverConfig
	ln     net.Listener
	srv    *http.Server
	ring   *spead.Ring
	pool   *mempool.Pool
	logger *zap.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// Listen starts a Receiver on port on all interfaces.
func Listen(port int, cfg spead.ReceiverConfig, logger *zap.Logger) (*Receiver, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.L()
	}
	r := &Receiver{
		cfg:    cfg,
		ln:     ln,
		ring:   spead.NewRing(cfg.MaxHeaps),
		pool:   mempool.New(cfg.Pool),
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(spec.HeapPath, r.handle)
	r.srv = &http.Server{Handler: mux}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.ring.Fail(err)
		}
	}()
	return r, nil
}

// Addr returns the listening address.
func (r *Receiver) Addr() net.Addr {
	return r.ln.Addr()
}

// Get implements spead.Receiver.
func (r *Receiver) Get(ctx context.Context) (*spead.Heap, error) {
	return r.ring.Get(ctx)
}

// Stop implements spead.Receiver. Hijacked connections are not closed by
// http.Server.Close, so they are closed here.
func (r *Receiver) Stop() {
	r.once.Do(func() {
		r.ring.Stop()
		r.srv.Close()
		r.mu.Lock()
		for conn := range r.conns {
			conn.Close()
		}
		r.mu.Unlock()
		r.wg.Wait()
	})
}

func (r *Receiver) track(conn *websocket.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.ring.Stopped():
		return false
	default:
	}
	r.conns[conn] = struct{}{}
	r.wg.Add(1)
	return true
}

func (r *Receiver) untrack(conn *websocket.Conn) {
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
	conn.Close()
	r.wg.Done()
}

func (r *Receiver) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := Upgrade(w, req, r.cfg.MaxPacketSize)
	if err != nil {
		r.logger.Sugar().Warnw("Websocket upgrade failed", "error", err, "client", req.RemoteAddr)
		return
	}
	if !r.track(conn) {
		conn.Close()
		return
	}
	defer r.untrack(conn)
	if tc, ok := conn.UnderlyingConn().(*net.TCPConn); ok {
		tc.SetReadBuffer(r.cfg.BufferSize)
	}
	err = r.receive(conn)
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !isStopped(r.ring) {
		r.logger.Sugar().Debugw("Heap stream ended", "error", err, "client", req.RemoteAddr)
	}
}

func isStopped(ring *spead.Ring) bool {
	select {
	case <-ring.Stopped():
		return true
	default:
		return false
	}
}

func (r *Receiver) receive(conn *websocket.Conn) error {
	hdrSize := spead.HeaderSize(r.cfg.AddrBits)
	conn.SetReadLimit(int64(hdrSize + r.cfg.MaxHeapSize))
	hdrBuf := make([]byte, hdrSize)
	for {
		kind, reader, err := conn.NextReader()
		if err != nil {
			return err
		}
		if kind != websocket.BinaryMessage {
			return errNonBinaryMessage
		}
		if _, err := io.ReadFull(reader, hdrBuf); err != nil {
			return err
		}
		hdr, _, err := spead.ParseHeader(hdrBuf, r.cfg.AddrBits)
		if err != nil {
			return err
		}
		if hdr.Flags&spead.FlagEnd != 0 {
			r.ring.Stop()
			return nil
		}
		if hdr.HeapLength > uint64(r.cfg.MaxHeapSize) {
			return fmt.Errorf("heap of %d bytes exceeds limit %d", hdr.HeapLength, r.cfg.MaxHeapSize)
		}
		payload := r.pool.Get(int(hdr.HeapLength))
		if _, err := io.ReadFull(reader, payload); err != nil {
			r.pool.Put(payload)
			return err
		}
		if !r.ring.Push(spead.NewHeap(hdr.Cnt, hdr.Version, payload, r.pool)) {
			r.pool.Put(payload)
			return nil
		}
	}
}

// Factory creates ws senders and receivers.
type Factory struct {
	Logger *zap.Logger
}

// NewSender implements spead.Factory.
func (f Factory) NewSender(ctx context.Context, addr string, cfg spead.SenderConfig) (spead.Sender, error) {
	s, err := Dial(ctx, addr, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewReceiver implements spead.Factory.
func (f Factory) NewReceiver(port int, cfg spead.ReceiverConfig) (spead.Receiver, error) {
	r, err := Listen(port, cfg, f.Logger)
	if err != nil {
		return nil, err
	}
	return r, nil
}
