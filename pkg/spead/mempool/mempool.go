// Package mempool provides a bounded pool of heap payload buffers.
package mempool

// Config sizes a Pool. Requests between Lower and Upper bytes are served
// from the pool; any other size is allocated directly.
type Config struct {
	Lower   int
	Upper   int
	MaxFree int
	Initial int
}

// Pool keeps at most MaxFree idle buffers of capacity Upper. It is safe for
// concurrent use.
type Pool struct {
	cfg  Config
	free chan []byte
}

// New returns a Pool with cfg.Initial buffers preallocated.
func New(cfg Config) *Pool {
	if cfg.Initial > cfg.MaxFree {
		cfg.Initial = cfg.MaxFree
	}
	p := &Pool{
		cfg:  cfg,
		free: make(chan []byte, cfg.MaxFree),
	}
	for i := 0; i < cfg.Initial; i++ {
		p.free <- make([]byte, cfg.Upper)
	}
	return p
}

// Get returns a buffer of length size.
func (p *Pool) Get(size int) []byte {
	if size < p.cfg.Lower || size > p.cfg.Upper {
		return make([]byte, size)
	}
	select {
	case buf := <-p.free:
		return buf[:size]
	default:
		return make([]byte, size, p.cfg.Upper)
	}
}

// Put returns buf to the pool. Buffers not obtained from the pool, or
// returned while the pool is full, are left to the garbage collector.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.cfg.Upper {
		return
	}
	select {
	case p.free <- buf[:cap(buf)]:
	default:
	}
}

// Free returns the number of idle buffers.
func (p *Pool) Free() int {
	return len(p.free)
}
