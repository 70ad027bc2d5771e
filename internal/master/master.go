// Package master runs single trials against a slave: it starts a receiver
// on the slave, streams heaps at a given rate and reads back how many
// arrived.
package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/NAOC-pulsar/spead2/internal/metrics"
	"github.com/NAOC-pulsar/spead2/pkg/bench/control"
	"github.com/NAOC-pulsar/spead2/pkg/bench/spec"
	"github.com/NAOC-pulsar/spead2/pkg/spead"
	"github.com/google/uuid"
	"github.com/m-lab/go/warnonerror"
	"go.uber.org/zap"
)

// ErrProtocolViolation matches every *ProtocolError.
var ErrProtocolViolation = errors.New("protocol violation")

// ProtocolError reports a slave that did not answer as expected.
type ProtocolError struct {
	// Want is the response that was expected.
	Want control.ResponseKind
	// Got describes what was received instead.
	Got string
	// Err is the underlying channel or parse error, if any.
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation: expected %s, got %s: %v", e.Want, e.Got, e.Err)
	}
	return fmt.Sprintf("protocol violation: expected %s, got %s", e.Want, e.Got)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrProtocolViolation) hold.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocolViolation
}

// Runner runs trials against the slave at host:port. It must not run two
// trials at once.
type Runner struct {
	host       string
	port       int
	cfg        control.TrialConfig
	transports map[spec.TransportKind]spead.Factory
	logger     *zap.Logger

	// SettleDelay is waited between the last heap and Stop.
	SettleDelay time.Duration
	// CloseDelay is waited between the result and closing the trial.
	CloseDelay time.Duration
	// Window is the number of outstanding heap submissions.
	Window int
}

// New creates a Runner. Trials use cfg, with a fresh trial ID each.
func New(host string, port int, cfg control.TrialConfig, transports map[spec.TransportKind]spead.Factory,
	logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.L()
	}
	return &Runner{
		host:        host,
		port:        port,
		cfg:         cfg,
		transports:  transports,
		logger:      logger,
		SettleDelay: spec.SettleDelay,
		CloseDelay:  spec.CloseDelay,
		Window:      spec.PipelineWindow,
	}
}

func senderConfig(cfg *control.TrialConfig, rate float64) spead.SenderConfig {
	return spead.SenderConfig{
		MaxPacketSize: cfg.Packet,
		BurstSize:     cfg.Burst,
		Rate:          rate,
		BufferSize:    cfg.SendBuffer,
		AddrBits:      cfg.AddrBits,
		MaxHeaps:      cfg.Heaps,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Evaluate runs one trial at rate bytes/second, sending heapCount heaps,
// and reports whether the slave received at least requiredCount of them.
// Its signature matches search.EvalFunc.
func (r *Runner) Evaluate(ctx context.Context, rate float64, heapCount, requiredCount int64) (bool, error) {
	good, err := r.evaluate(ctx, rate, heapCount, requiredCount)
	switch {
	case err != nil:
		metrics.MasterTrials.WithLabelValues("error").Inc()
	case good:
		metrics.MasterTrials.WithLabelValues("good").Inc()
	default:
		metrics.MasterTrials.WithLabelValues("bad").Inc()
	}
	return good, err
}

func (r *Runner) evaluate(ctx context.Context, rate float64, heapCount, requiredCount int64) (bool, error) {
	cfg := r.cfg
	cfg.TrialID = uuid.NewString()
	logger := r.logger.With(zap.String("trial", cfg.TrialID), zap.Float64("rate", rate))
	factory, ok := r.transports[cfg.Transport]
	if !ok {
		return false, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := control.Dial(ctx, net.JoinHostPort(r.host, strconv.Itoa(r.port)))
	if err != nil {
		return false, err
	}
	// Closing the channel unblocks any pending receive if ctx is canceled.
	closed := make(chan struct{})
	go func() {
		<-ctx.Done()
		warnonerror.Close(ch, "ignoring control channel close error")
		close(closed)
	}()
	// The channel is closed before the sender is released.
	var sender spead.Sender
	defer func() {
		cancel()
		<-closed
		if sender != nil {
			warnonerror.Close(sender, "ignoring sender close error")
		}
	}()

	if err := ch.Send(control.NewStart(cfg)); err != nil {
		return false, err
	}
	if _, err := expect(ch, control.ResponseReady); err != nil {
		return false, err
	}

	dataAddr := net.JoinHostPort(r.host, strconv.Itoa(cfg.DataPort(r.port)))
	sender, err = factory.NewSender(ctx, dataAddr, senderConfig(&cfg, rate))
	if err != nil {
		return false, err
	}

	start := time.Now()
	if err := SendStream(ctx, sender, spead.NewItemGroup(cfg.HeapSize), heapCount, r.Window); err != nil {
		return false, fmt.Errorf("sending heaps: %w", err)
	}
	elapsed := time.Since(start)

	// Give the receiver time to catch up with its queue.
	if err := sleep(ctx, r.SettleDelay); err != nil {
		return false, err
	}
	if err := ch.Send(control.NewStop()); err != nil {
		return false, err
	}
	resp, err := expect(ch, control.ResponseResult)
	if err != nil {
		return false, err
	}
	logger.Debug("Trial complete",
		zap.Int64("sent_heaps", heapCount),
		zap.Int64("received_heaps", resp.ReceivedHeaps),
		zap.Int64("required_heaps", requiredCount),
		zap.Duration("elapsed", elapsed),
	)

	if err := sleep(ctx, r.CloseDelay); err != nil {
		return false, err
	}
	if err := ch.Send(control.NewExit()); err != nil {
		logger.Debug("Cannot send exit", zap.Error(err))
	}
	return resp.ReceivedHeaps >= requiredCount, nil
}

func expect(ch *control.Channel, want control.ResponseKind) (control.Response, error) {
	resp, err := ch.ReceiveResponse()
	var perr *control.ParseError
	switch {
	case errors.As(err, &perr):
		return resp, &ProtocolError{Want: want, Got: "malformed response", Err: err}
	case err != nil:
		return resp, &ProtocolError{Want: want, Got: "no response", Err: err}
	}
	if resp.Kind != want {
		got := string(resp.Kind)
		if resp.Kind == control.ResponseError {
			got = fmt.Sprintf("error %q", resp.Message)
		}
		return resp, &ProtocolError{Want: want, Got: got}
	}
	return resp, nil
}
