package slave

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NAOC-pulsar/spead2/pkg/bench/control"
	"github.com/NAOC-pulsar/spead2/pkg/bench/spec"
	"github.com/NAOC-pulsar/spead2/pkg/spead"
	"github.com/NAOC-pulsar/spead2/pkg/spead/speadtest"
	"github.com/m-lab/go/testingx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testPort = 7148

type harness struct {
	t        *testing.T
	ch       *control.Channel
	loopback *speadtest.Loopback
	logs     *observer.ObservedLogs
	done     chan struct{}
}

// newHarness runs a connection handler over an in-memory pipe.
func newHarness(t *testing.T, factory spead.Factory) *harness {
	core, logs := observer.New(zapcore.WarnLevel)
	loopback, _ := factory.(*speadtest.Loopback)
	agent := New(testPort, map[spec.TransportKind]spead.Factory{spec.TransportUDP: factory}, zap.New(core))
	client, server := net.Pipe()
	h := &harness{
		t:        t,
		ch:       control.New(client),
		loopback: loopback,
		logs:     logs,
		done:     make(chan struct{}),
	}
	go func() {
		agent.Handle(context.Background(), server)
		close(h.done)
	}()
	return h
}

func (h *harness) send(cmd control.Command) {
	h.t.Helper()
	testingx.Must(h.t, h.ch.Send(cmd), "cannot send %s", cmd.Kind)
}

func (h *harness) expect(kind control.ResponseKind) control.Response {
	h.t.Helper()
	resp, err := h.ch.ReceiveResponse()
	testingx.Must(h.t, err, "cannot receive response")
	if resp.Kind != kind {
		h.t.Fatalf("response = %+v, want %s", resp, kind)
	}
	return resp
}

func (h *harness) exit() {
	h.t.Helper()
	h.send(control.NewExit())
	h.wait()
}

func (h *harness) wait() {
	h.t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		h.t.Fatal("connection handler did not return")
	}
}

func (h *harness) sendHeaps(n int, end bool) {
	h.t.Helper()
	ctx := context.Background()
	tx, err := h.loopback.NewSender(ctx, "localhost:"+strconv.Itoa(testPort), spead.SenderConfig{MaxHeaps: 2})
	testingx.Must(h.t, err, "cannot create sender")
	defer tx.Close()
	group := spead.NewItemGroup(8)
	for i := 0; i < n; i++ {
		testingx.Must(h.t, tx.Submit(ctx, group.Heap()).Wait(ctx), "cannot send heap")
	}
	if end {
		testingx.Must(h.t, tx.Submit(ctx, group.End()).Wait(ctx), "cannot send end heap")
	}
}

func startCommand() control.Command {
	cfg := control.DefaultTrialConfig()
	cfg.TrialID = "test"
	return control.NewStart(cfg)
}

func TestHandle_StartStartStop(t *testing.T) {
	h := newHarness(t, speadtest.NewLoopback())
	h.send(startCommand())
	h.expect(control.ResponseReady)
	h.send(startCommand())
	h.send(control.NewStop())
	if resp := h.expect(control.ResponseResult); resp.ReceivedHeaps != 0 {
		t.Errorf("received_heaps = %d, want 0", resp.ReceivedHeaps)
	}
	h.exit()

	if n := h.logs.FilterMessage("Start received while already running").Len(); n != 1 {
		t.Errorf("got %d redundant-start warnings, want 1", n)
	}
	if n := h.logs.Len(); n != 1 {
		t.Errorf("got %d warnings, want 1: %v", n, h.logs.All())
	}
	if got := h.loopback.Created(); got != 1 {
		t.Errorf("created %d receivers, want 1", got)
	}
	// Nothing else was sent: the next read sees the closed pipe.
	if _, err := h.ch.ReceiveResponse(); !errors.Is(err, control.ErrClosed) {
		t.Errorf("ReceiveResponse() after exit error = %v, want ErrClosed", err)
	}
}

func TestHandle_CountsHeaps(t *testing.T) {
	for _, end := range []bool{false, true} {
		h := newHarness(t, speadtest.NewLoopback())
		h.send(startCommand())
		h.expect(control.ResponseReady)
		h.sendHeaps(25, end)
		h.send(control.NewStop())
		if resp := h.expect(control.ResponseResult); resp.ReceivedHeaps != 25 {
			t.Errorf("end=%v: received_heaps = %d, want 25", end, resp.ReceivedHeaps)
		}
		h.exit()
	}
}

func TestHandle_CountsSurvivingHeaps(t *testing.T) {
	loopback := speadtest.NewLoopback()
	loopback.Drop = func(cnt uint64) bool { return cnt%10 == 0 }
	h := newHarness(t, loopback)
	h.send(startCommand())
	h.expect(control.ResponseReady)
	h.sendHeaps(30, true)
	h.send(control.NewStop())
	if resp := h.expect(control.ResponseResult); resp.ReceivedHeaps != 27 {
		t.Errorf("received_heaps = %d, want 27", resp.ReceivedHeaps)
	}
	h.exit()
}

func TestHandle_StopWhileIdle(t *testing.T) {
	h := newHarness(t, speadtest.NewLoopback())
	h.send(control.NewStop())
	h.send(startCommand())
	h.expect(control.ResponseReady)
	h.send(control.NewStop())
	h.expect(control.ResponseResult)
	h.exit()
	if n := h.logs.FilterMessage("Stop received when already stopped").Len(); n != 1 {
		t.Errorf("got %d stop-while-idle warnings, want 1", n)
	}
}

func TestHandle_BadCommand(t *testing.T) {
	h := newHarness(t, speadtest.NewLoopback())
	testingx.Must(t, writeLine(h.ch, `{"cmd":"dance"}`), "cannot write")
	testingx.Must(t, writeLine(h.ch, `not json at all`), "cannot write")
	h.send(startCommand())
	h.expect(control.ResponseReady)
	h.exit()
	if n := h.logs.FilterMessage("Bad command").Len(); n != 2 {
		t.Errorf("got %d bad-command warnings, want 2", n)
	}
}

func TestHandle_BadStartArgs(t *testing.T) {
	h := newHarness(t, speadtest.NewLoopback())
	testingx.Must(t, writeLine(h.ch, `{"cmd":"start","args":{"version":99}}`), "cannot write")
	resp := h.expect(control.ResponseError)
	if resp.Message == "" {
		t.Error("error response without message")
	}
	h.exit()
	if h.loopback.Created() != 0 {
		t.Errorf("created %d receivers for a rejected start", h.loopback.Created())
	}
}

func TestHandle_UnsupportedTransport(t *testing.T) {
	h := newHarness(t, speadtest.NewLoopback())
	cfg := control.DefaultTrialConfig()
	cfg.Transport = spec.TransportWebSocket
	h.send(control.NewStart(cfg))
	h.expect(control.ResponseError)
	h.exit()
}

type failingFactory struct {
	spead.Factory
}

func (failingFactory) NewReceiver(int, spead.ReceiverConfig) (spead.Receiver, error) {
	return nil, errors.New("address already in use")
}

func TestHandle_ReceiverFails(t *testing.T) {
	h := newHarness(t, failingFactory{})
	h.send(startCommand())
	if resp := h.expect(control.ResponseError); resp.Message != "address already in use" {
		t.Errorf("message = %q", resp.Message)
	}
	// Still idle: Stop is redundant.
	h.send(control.NewStop())
	h.exit()
	if n := h.logs.FilterMessage("Stop received when already stopped").Len(); n != 1 {
		t.Errorf("got %d stop-while-idle warnings, want 1", n)
	}
}

func TestHandle_CloseDrainsSession(t *testing.T) {
	h := newHarness(t, speadtest.NewLoopback())
	h.send(startCommand())
	h.expect(control.ResponseReady)
	h.ch.Close()
	h.wait()
	if got := h.loopback.Active(); got != 0 {
		t.Errorf("%d receivers still active after close", got)
	}
}

func TestHandle_SessionCardinality(t *testing.T) {
	kinds := []control.CommandKind{control.CommandStart, control.CommandStop, control.CommandExit}
	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		h := newHarness(t, speadtest.NewLoopback())
		running := false
		warnings := 0
		for i := 0; i < 30; i++ {
			kind := kinds[rng.Intn(len(kinds))]
			if kind == control.CommandExit {
				if rng.Intn(4) != 0 {
					// Exits are rare so that sequences get long.
					kind = control.CommandStop
				} else {
					break
				}
			}
			switch kind {
			case control.CommandStart:
				h.send(startCommand())
				if running {
					warnings++
				} else {
					h.expect(control.ResponseReady)
					running = true
				}
			case control.CommandStop:
				h.send(control.NewStop())
				if running {
					h.expect(control.ResponseResult)
					running = false
				} else {
					warnings++
				}
			}
			if active := h.loopback.Active(); active > 1 {
				t.Fatalf("seed %d: %d sessions active", seed, active)
			}
		}
		h.exit()
		if got := h.loopback.MaxActive(); got > 1 {
			t.Errorf("seed %d: max %d sessions active", seed, got)
		}
		if got := h.loopback.Active(); got != 0 {
			t.Errorf("seed %d: %d sessions leaked", seed, got)
		}
		if got := h.logs.Len(); got != warnings {
			t.Errorf("seed %d: got %d warnings, want %d", seed, got, warnings)
		}
	}
}

type panickyFactory struct {
	spead.Factory
	calls int32
}

func (f *panickyFactory) NewReceiver(port int, cfg spead.ReceiverConfig) (spead.Receiver, error) {
	if atomic.AddInt32(&f.calls, 1) == 1 {
		panic("boom")
	}
	return f.Factory.NewReceiver(port, cfg)
}

func TestServe_SurvivesPanickingConnection(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	factory := &panickyFactory{Factory: speadtest.NewLoopback()}
	agent := New(testPort, map[spec.TransportKind]spead.Factory{spec.TransportUDP: factory}, zap.New(core))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	testingx.Must(t, err, "cannot listen")

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- agent.Serve(ctx, ln)
	}()

	first, err := control.Dial(ctx, ln.Addr().String())
	testingx.Must(t, err, "cannot dial")
	testingx.Must(t, first.Send(startCommand()), "cannot send")
	if _, err := first.ReceiveResponse(); !errors.Is(err, control.ErrClosed) {
		t.Errorf("ReceiveResponse() on panicking connection error = %v, want ErrClosed", err)
	}
	first.Close()

	second, err := control.Dial(ctx, ln.Addr().String())
	testingx.Must(t, err, "cannot dial")
	testingx.Must(t, second.Send(startCommand()), "cannot send")
	resp, err := second.ReceiveResponse()
	testingx.Must(t, err, "cannot receive")
	if resp.Kind != control.ResponseReady {
		t.Errorf("response = %+v, want ready", resp)
	}
	second.Close()

	cancel()
	select {
	case err := <-served:
		testingx.Must(t, err, "Serve failed")
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if n := logs.FilterMessage("Connection handler panicked").Len(); n != 1 {
		t.Errorf("got %d panic logs, want 1", n)
	}
}

type temporaryError struct{}

func (temporaryError) Error() string   { return "too many open files" }
func (temporaryError) Timeout() bool   { return false }
func (temporaryError) Temporary() bool { return true }

// flakyListener fails its first accepts with a temporary error.
type flakyListener struct {
	net.Listener
	failures int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if atomic.AddInt32(&l.failures, -1) >= 0 {
		return nil, temporaryError{}
	}
	return l.Listener.Accept()
}

func TestServe_RetriesTemporaryAcceptErrors(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	loopback := speadtest.NewLoopback()
	agent := New(testPort, map[spec.TransportKind]spead.Factory{spec.TransportUDP: loopback}, zap.New(core))
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	testingx.Must(t, err, "cannot listen")
	ln := &flakyListener{Listener: inner, failures: 3}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- agent.Serve(ctx, ln)
	}()

	ch, err := control.Dial(ctx, inner.Addr().String())
	testingx.Must(t, err, "cannot dial")
	testingx.Must(t, ch.Send(startCommand()), "cannot send")
	resp, err := ch.ReceiveResponse()
	testingx.Must(t, err, "cannot receive")
	if resp.Kind != control.ResponseReady {
		t.Errorf("response = %+v, want ready", resp)
	}
	ch.Close()

	cancel()
	select {
	case err := <-served:
		testingx.Must(t, err, "Serve failed")
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if n := logs.FilterMessage("Accept failed, retrying").Len(); n != 3 {
		t.Errorf("got %d retry warnings, want 3", n)
	}
}

func TestAcceptBackoff(t *testing.T) {
	var d time.Duration
	for _, want := range []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond} {
		if d = acceptBackoff(d); d != want {
			t.Errorf("acceptBackoff() = %v, want %v", d, want)
		}
	}
	if got := acceptBackoff(900 * time.Millisecond); got != time.Second {
		t.Errorf("acceptBackoff(900ms) = %v, want 1s", got)
	}
}

func writeLine(ch *control.Channel, line string) error {
	_, err := ch.Conn().Write([]byte(line + "\n"))
	return err
}
