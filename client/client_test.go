package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NAOC-pulsar/spead2/client/config"
	"github.com/NAOC-pulsar/spead2/client/emitter"
	"github.com/NAOC-pulsar/spead2/internal/persistence"
	"github.com/NAOC-pulsar/spead2/internal/slave"
	"github.com/NAOC-pulsar/spead2/pkg/bench/search"
	"github.com/NAOC-pulsar/spead2/pkg/bench/spec"
	"github.com/NAOC-pulsar/spead2/pkg/spead"
	"github.com/NAOC-pulsar/spead2/pkg/spead/speadtest"
	"github.com/m-lab/go/testingx"
	"go.uber.org/zap"
)

func testConfig(port int, dataDir string) *config.Config {
	cfg := config.NewDefault("127.0.0.1", port)
	cfg.Trial.HeapSize = 1024
	// Two candidates of a handful of heaps each.
	cfg.Search = search.Config{Low: 1000, High: 9000, Tolerance: 3000, HeapSize: 1024}
	cfg.Repeats = 3
	cfg.SettleDelay = time.Millisecond
	cfg.CloseDelay = time.Millisecond
	cfg.DataDir = dataDir
	return cfg
}

func readArchive(t *testing.T, dir string) persistence.CalibrationResult {
	matches, err := filepath.Glob(filepath.Join(dir, "calibration-*.json"))
	testingx.Must(t, err, "cannot glob")
	if len(matches) != 1 {
		t.Fatalf("found %d archival records, want 1", len(matches))
	}
	data, err := os.ReadFile(matches[0])
	testingx.Must(t, err, "cannot read archive")
	var res persistence.CalibrationResult
	testingx.Must(t, json.Unmarshal(data, &res), "cannot decode archive")
	return res
}

func TestClient_Run(t *testing.T) {
	loopback := speadtest.NewLoopback()
	transports := map[spec.TransportKind]spead.Factory{spec.TransportUDP: loopback}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	testingx.Must(t, err, "cannot listen")
	port := ln.Addr().(*net.TCPAddr).Port
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		slave.New(port, transports, zap.NewNop()).Serve(ctx, ln)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	dir := t.TempDir()
	var out bytes.Buffer
	c := NewWithEmitter(testConfig(port, dir), transports, &emitter.PrintEmitter{W: &out}, zap.NewNop())
	res, err := c.Run(context.Background())
	testingx.Must(t, err, "Run failed")
	if res.Low != 7000 || res.High != 9000 || len(res.Steps) != 2 {
		t.Errorf("Run() = %+v, want [7000, 9000] after 2 steps", res)
	}
	if loopback.Created() != 6 {
		t.Errorf("ran %d trials, want 6", loopback.Created())
	}
	wantOut := "Rate: 0.000 Gbps: GOOD\nRate: 0.000 Gbps: GOOD\nSustainable rate: 0.000 Gbps\n"
	if out.String() != wantOut {
		t.Errorf("output = %q, want %q", out.String(), wantOut)
	}

	archive := readArchive(t, dir)
	if len(archive.Candidates) != 2 || archive.Rate != 8000 || archive.BitRate != 64000 || archive.Error != "" {
		t.Errorf("archive = %+v", archive)
	}
	if archive.Candidates[0].Rate != 5000 || !archive.Candidates[0].Good {
		t.Errorf("first candidate = %+v, want 5000 good", archive.Candidates[0])
	}
}

func TestClient_RunNoSlave(t *testing.T) {
	// Find a port nobody listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	testingx.Must(t, err, "cannot listen")
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	dir := t.TempDir()
	transports := map[spec.TransportKind]spead.Factory{spec.TransportUDP: speadtest.NewLoopback()}
	c := NewWithEmitter(testConfig(port, dir), transports, &emitter.QuietEmitter{W: &bytes.Buffer{}}, zap.NewNop())
	if _, err := c.Run(context.Background()); err == nil {
		t.Fatal("Run() without a slave succeeded")
	}
	if archive := readArchive(t, dir); archive.Error == "" || len(archive.Candidates) != 0 {
		t.Errorf("archive = %+v, want an error and no candidates", archive)
	}
}
