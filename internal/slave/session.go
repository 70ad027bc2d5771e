package slave

import (
	"context"
	"errors"

	"github.com/NAOC-pulsar/spead2/internal/metrics"
	"github.com/NAOC-pulsar/spead2/pkg/bench/control"
	"github.com/NAOC-pulsar/spead2/pkg/bench/spec"
	"github.com/NAOC-pulsar/spead2/pkg/spead"
	"github.com/NAOC-pulsar/spead2/pkg/spead/mempool"
	"github.com/m-lab/go/memoryless"
	"go.uber.org/zap"
)

type outcome struct {
	heaps int64
	err   error
}

// session is one Start...Stop cycle. It is owned by a single connection.
type session struct {
	receiver spead.Receiver
	result   chan outcome
	logger   *zap.Logger
}

func receiverConfig(cfg *control.TrialConfig) spead.ReceiverConfig {
	return spead.ReceiverConfig{
		MaxPacketSize: cfg.Packet,
		MaxHeaps:      cfg.Heaps,
		BufferSize:    cfg.RecvBuffer,
		AddrBits:      cfg.AddrBits,
		MaxHeapSize:   cfg.HeapSize + 1024,
		Pool: mempool.Config{
			Lower:   cfg.HeapSize,
			Upper:   cfg.HeapSize + 1024,
			MaxFree: cfg.MemMaxFree,
			Initial: cfg.MemInitial,
		},
	}
}

// startSession starts counting the heaps delivered by rx.
func startSession(ctx context.Context, rx spead.Receiver, logger *zap.Logger) *session {
	s := &session{
		receiver: rx,
		result:   make(chan outcome, 1),
		logger:   logger,
	}
	metrics.SlaveSessions.Inc()
	go s.run(ctx)
	return s
}

func (s *session) run(ctx context.Context) {
	var n int64
	defer func() {
		// Report whatever was counted, even if the loop panics.
		if r := recover(); r != nil {
			s.logger.Error("Receive loop panicked", zap.Any("panic", r), zap.Stack("stack"))
			s.result <- outcome{heaps: n, err: errors.New("receive loop panicked")}
		}
	}()
	ticker, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      spec.MinProgressInterval,
		Expected: spec.AvgProgressInterval,
		Max:      spec.MaxProgressInterval,
	})
	if err != nil {
		s.result <- outcome{err: err}
		return
	}
	defer ticker.Stop()
	for {
		h, err := s.receiver.Get(ctx)
		if errors.Is(err, spead.ErrStopped) {
			s.result <- outcome{heaps: n}
			return
		}
		if err != nil {
			s.result <- outcome{heaps: n, err: err}
			return
		}
		h.Release()
		n++
		metrics.SlaveHeapsReceived.Inc()

		select {
		case <-ticker.C:
			s.logger.Debug("Receive progress", zap.Int64("heaps", n))
		default:
			// NOTHING
		}
	}
}

// stop stops the receiver and waits for the receive loop. The count covers
// every heap delivered before the stream stopped.
func (s *session) stop() (int64, error) {
	s.receiver.Stop()
	o := <-s.result
	return o.heaps, o.err
}
