// Package slave implements the passive end of the benchmark. Every control
// connection runs a small state machine that starts and stops a receiver
// and reports the number of heaps it received.
package slave

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/NAOC-pulsar/spead2/internal/metrics"
	"github.com/NAOC-pulsar/spead2/pkg/bench/control"
	"github.com/NAOC-pulsar/spead2/pkg/bench/spec"
	"github.com/NAOC-pulsar/spead2/pkg/spead"
	guuid "github.com/google/uuid"
	"github.com/m-lab/go/warnonerror"
	"github.com/m-lab/uuid"
	"go.uber.org/zap"
)

// Agent accepts control connections.
type Agent struct {
	port       int
	transports map[spec.TransportKind]spead.Factory
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// New creates an Agent for the control port. Data-plane receivers are
// created by the factory registered for the transport requested in Start.
func New(port int, transports map[spec.TransportKind]spead.Factory, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.L()
	}
	return &Agent{
		port:       port,
		transports: transports,
		logger:     logger,
	}
}

// ListenAndServe listens on the control port and calls Serve.
func (a *Agent) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.port))
	if err != nil {
		return err
	}
	a.logger.Info("Listening for control connections", zap.String("addr", ln.Addr().String()))
	return a.Serve(ctx, ln)
}

// Serve handles connections accepted on ln until ctx is done or ln fails.
// It waits for open connections to finish before returning.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	defer a.wg.Wait()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				delay = acceptBackoff(delay)
				a.logger.Warn("Accept failed, retrying", zap.Error(err), zap.Duration("delay", delay))
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil
				}
				continue
			}
			return err
		}
		delay = 0
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.Handle(ctx, conn)
		}()
	}
}

// acceptBackoff doubles the delay after a temporary accept error, from 5ms
// up to one second.
func acceptBackoff(delay time.Duration) time.Duration {
	if delay == 0 {
		return 5 * time.Millisecond
	}
	if delay *= 2; delay > time.Second {
		delay = time.Second
	}
	return delay
}

func connectionID(conn net.Conn) string {
	if tc, ok := conn.(*net.TCPConn); ok {
		if id, err := uuid.FromTCPConn(tc); err == nil {
			return id
		}
	}
	return guuid.NewString()
}

// Handle runs the control state machine on conn and closes it. Faults,
// including panics, are logged and confined to this connection.
func (a *Agent) Handle(ctx context.Context, conn net.Conn) {
	metrics.SlaveConnections.Inc()
	logger := a.logger.With(
		zap.String("conn", connectionID(conn)),
		zap.String("client", conn.RemoteAddr().String()),
	)
	logger.Debug("Connection accepted")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Make sure the connection is closed when the agent shuts down, which
	// unblocks a pending Receive.
	closed := make(chan struct{})
	go func() {
		<-ctx.Done()
		warnonerror.Close(conn, "ignoring control connection close error")
		close(closed)
	}()
	defer func() {
		cancel()
		<-closed
	}()

	defer func() {
		if r := recover(); r != nil {
			metrics.SlaveConnectionFaults.Inc()
			logger.Error("Connection handler panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	c := &connection{
		agent:  a,
		ch:     control.New(conn),
		logger: logger,
	}
	if err := c.run(ctx); err != nil {
		metrics.SlaveConnectionFaults.Inc()
		logger.Error("Connection failed", zap.Error(err))
		return
	}
	logger.Debug("Connection closed")
}

// connection is the per-connection state machine. session is only touched
// by the goroutine running the connection, so it needs no locking.
type connection struct {
	agent   *Agent
	ch      *control.Channel
	logger  *zap.Logger
	session *session
}

func (c *connection) run(ctx context.Context) error {
	// Exit, channel closure and faults all end here: never leave a receive
	// loop running.
	defer c.drain()
	for {
		cmd, err := c.ch.Receive()
		var perr *control.ParseError
		switch {
		case errors.As(err, &perr):
			if err := c.rejectCommand(perr); err != nil {
				return err
			}
			continue
		case errors.Is(err, control.ErrClosed):
			return nil
		case err != nil:
			return err
		}
		c.logger.Debug("Command received", zap.String("cmd", string(cmd.Kind)))

		switch cmd.Kind {
		case control.CommandStart:
			err = c.start(ctx, cmd.Args)
		case control.CommandStop:
			err = c.stop()
		case control.CommandExit:
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *connection) rejectCommand(perr *control.ParseError) error {
	if perr.Kind != control.CommandStart || c.session != nil {
		metrics.SlaveRejectedCommands.WithLabelValues("bad_command").Inc()
		c.logger.Warn("Bad command", zap.String("command", perr.Line), zap.Error(perr.Err))
		return nil
	}
	// A Start the master expects an answer to, but with arguments this end
	// cannot use: tell the master instead of leaving it waiting for Ready.
	metrics.SlaveRejectedCommands.WithLabelValues("bad_args").Inc()
	c.logger.Warn("Start rejected", zap.String("command", perr.Line), zap.Error(perr.Err))
	return c.ch.SendResponse(control.NewError(perr.Err.Error()))
}

func (c *connection) start(ctx context.Context, cfg *control.TrialConfig) error {
	logger := c.logger.With(zap.String("trial", cfg.TrialID))
	if c.session != nil {
		metrics.SlaveRejectedCommands.WithLabelValues("redundant_start").Inc()
		logger.Warn("Start received while already running")
		return nil
	}
	factory, ok := c.agent.transports[cfg.Transport]
	if !ok {
		metrics.SlaveRejectedCommands.WithLabelValues("bad_args").Inc()
		logger.Warn("Start rejected", zap.String("transport", string(cfg.Transport)))
		return c.ch.SendResponse(control.NewError(fmt.Sprintf("unsupported transport %q", cfg.Transport)))
	}
	port := cfg.DataPort(c.agent.port)
	rx, err := factory.NewReceiver(port, receiverConfig(cfg))
	if err != nil {
		metrics.SlaveRejectedCommands.WithLabelValues("receiver_failed").Inc()
		logger.Error("Cannot create receiver", zap.Int("port", port), zap.Error(err))
		return c.ch.SendResponse(control.NewError(err.Error()))
	}
	c.session = startSession(ctx, rx, logger)
	logger.Info("Session started", zap.Int("port", port), zap.String("transport", string(cfg.Transport)))
	return c.ch.SendResponse(control.NewReady())
}

func (c *connection) stop() error {
	if c.session == nil {
		metrics.SlaveRejectedCommands.WithLabelValues("stop_while_idle").Inc()
		c.logger.Warn("Stop received when already stopped")
		return nil
	}
	heaps, err := c.session.stop()
	c.session = nil
	if err != nil {
		// The count is still meaningful: it covers every heap that arrived
		// before the transport failed.
		c.logger.Warn("Receive loop failed", zap.Error(err))
	}
	c.logger.Info("Session stopped", zap.Int64("received_heaps", heaps))
	return c.ch.SendResponse(control.NewResult(heaps))
}

func (c *connection) drain() {
	if c.session == nil {
		return
	}
	heaps, err := c.session.stop()
	c.session = nil
	c.logger.Info("Session stopped on connection close", zap.Int64("received_heaps", heaps), zap.Error(err))
}
