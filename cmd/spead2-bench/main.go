// spead2-bench finds the highest rate at which a slave receives heaps
// without loss.
//
//	spead2-bench [flags] master [flags] host port
//	spead2-bench [flags] slave port
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/NAOC-pulsar/spead2/client"
	"github.com/NAOC-pulsar/spead2/client/config"
	"github.com/NAOC-pulsar/spead2/client/emitter"
	"github.com/NAOC-pulsar/spead2/internal/slave"
	"github.com/NAOC-pulsar/spead2/pkg/bench/spec"
	"github.com/NAOC-pulsar/spead2/pkg/spead"
	"github.com/NAOC-pulsar/spead2/pkg/spead/udp"
	"github.com/NAOC-pulsar/spead2/pkg/spead/ws"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	flagLog     = zapcore.InfoLevel
	flagMetrics = flag.Bool("metrics", false, "Serve Prometheus metrics")
	flagDataDir = flag.String("datadir", "", "Directory for archival records (master only)")
)

func init() {
	flag.Var(&flagLog, "log", "Log level (debug, info, warn, error)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] master [flags] host port\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "       %s [flags] slave port\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(flagLog)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	rtx.Must(err, "Cannot build logger")
	return logger
}

func transports(logger *zap.Logger) map[spec.TransportKind]spead.Factory {
	return map[spec.TransportKind]spead.Factory{
		spec.TransportUDP:       udp.Factory{},
		spec.TransportWebSocket: ws.Factory{Logger: logger},
	}
}

func parsePort(s string) int {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		rtx.Must(fmt.Errorf("invalid port %q", s), "Bad arguments")
	}
	return port
}

func runMaster(ctx context.Context, args []string, logger *zap.Logger) {
	fs := flag.NewFlagSet("master", flag.ExitOnError)
	cfg := config.NewDefault("", 0)
	trial := &cfg.Trial
	quiet := fs.Bool("quiet", false, "Print only the final rate")
	transport := fs.String("transport", string(trial.Transport), "Data plane (udp, ws)")
	fs.IntVar(&trial.Port, "data-port", trial.Port, "Data-plane port (0 selects the transport default)")
	fs.IntVar(&trial.Packet, "packet", trial.Packet, "Maximum packet size")
	fs.IntVar(&trial.HeapSize, "heap-size", trial.HeapSize, "Payload size of each heap")
	fs.IntVar(&trial.AddrBits, "addr-bits", trial.AddrBits, "Heap address bits")
	fs.IntVar(&trial.SendBuffer, "send-buffer", trial.SendBuffer, "Socket buffer size on the sender")
	fs.IntVar(&trial.RecvBuffer, "recv-buffer", trial.RecvBuffer, "Socket buffer size on the receiver")
	fs.IntVar(&trial.Burst, "burst", trial.Burst, "Maximum burst size")
	fs.IntVar(&trial.Heaps, "heaps", trial.Heaps, "Maximum heaps in flight")
	fs.IntVar(&trial.MemMaxFree, "mem-max-free", trial.MemMaxFree, "Maximum free buffers in the receiver pool")
	fs.IntVar(&trial.MemInitial, "mem-initial", trial.MemInitial, "Initial buffers in the receiver pool")
	fs.IntVar(&cfg.Repeats, "repeats", cfg.Repeats, "Trials per candidate rate")
	low := fs.Float64("low", cfg.Search.Low, "Lower search bound, in bytes/s")
	high := fs.Float64("high", cfg.Search.High, "Upper search bound, in bytes/s")
	rtx.Must(fs.Parse(args), "Could not parse master flags")
	if fs.NArg() != 2 {
		rtx.Must(fmt.Errorf("expected host and port, got %d arguments", fs.NArg()), "Bad arguments")
	}
	trial.Transport = spec.TransportKind(*transport)
	rtx.Must(trial.Validate(), "Bad trial configuration")

	cfg.Host = fs.Arg(0)
	cfg.Port = parsePort(fs.Arg(1))
	cfg.Quiet = *quiet
	cfg.DataDir = *flagDataDir
	cfg.Search.HeapSize = int64(trial.HeapSize)
	cfg.Search.Low, cfg.Search.High = *low, *high

	var e emitter.Emitter = emitter.Multi{&emitter.LogEmitter{}, &emitter.PrintEmitter{W: os.Stdout}}
	if cfg.Quiet {
		e = &emitter.QuietEmitter{W: os.Stdout}
	}
	c := client.NewWithEmitter(cfg, transports(logger), e, logger)
	_, err := c.Run(ctx)
	rtx.Must(err, "Calibration failed")
}

func runSlave(ctx context.Context, args []string, logger *zap.Logger) {
	fs := flag.NewFlagSet("slave", flag.ExitOnError)
	rtx.Must(fs.Parse(args), "Could not parse slave flags")
	if fs.NArg() != 1 {
		rtx.Must(fmt.Errorf("expected port, got %d arguments", fs.NArg()), "Bad arguments")
	}
	agent := slave.New(parsePort(fs.Arg(0)), transports(logger), logger)
	rtx.Must(agent.ListenAndServe(ctx), "Slave failed")
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")

	logger := newLogger()
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if *flagMetrics {
		srv := prometheusx.MustServeMetrics()
		defer srv.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch flag.Arg(0) {
	case "master":
		runMaster(ctx, flag.Args()[1:], logger)
	case "slave":
		runSlave(ctx, flag.Args()[1:], logger)
	default:
		flag.Usage()
		os.Exit(2)
	}
}
