package emitter

import (
	"fmt"
	"io"

	"github.com/NAOC-pulsar/spead2/pkg/bench/search"
	"go.uber.org/zap"
)

// Gbps converts bytes/second to the unit printed by the command line.
func Gbps(rate float64) float64 {
	return rate * 8 / (1 << 30)
}

type Emitter interface {
	OnStart(cfg search.Config)
	OnStep(step search.Step)
	OnError(err error)
	OnComplete(res search.Result)
}

// LogEmitter reports the search through the global zap logger.
type LogEmitter struct{}

func (e *LogEmitter) OnStart(cfg search.Config) {
	zap.L().Sugar().Infof("search: [%.3f, %.3f] Gbps", Gbps(cfg.Low), Gbps(cfg.High))
}

func (e *LogEmitter) OnStep(step search.Step) {
	zap.L().Sugar().Infof("search: rate %.3f Gbps, %d heaps, good: %v", Gbps(step.Rate), step.HeapCount, step.Good)
}

func (e *LogEmitter) OnError(err error) {
	zap.L().Sugar().Errorf("search: error (%v)", err)
}

func (e *LogEmitter) OnComplete(res search.Result) {
	zap.L().Sugar().Infof("search: sustainable rate %.3f Gbps", res.Gbps())
}

// PrintEmitter writes one line per candidate rate and the final result.
type PrintEmitter struct {
	W io.Writer
}

func (e *PrintEmitter) OnStart(search.Config) {}

func (e *PrintEmitter) OnStep(step search.Step) {
	verdict := "BAD"
	if step.Good {
		verdict = "GOOD"
	}
	fmt.Fprintf(e.W, "Rate: %.3f Gbps: %s\n", Gbps(step.Rate), verdict)
}

func (e *PrintEmitter) OnError(err error) {
	fmt.Fprintf(e.W, "Error: %v\n", err)
}

func (e *PrintEmitter) OnComplete(res search.Result) {
	fmt.Fprintf(e.W, "Sustainable rate: %.3f Gbps\n", res.Gbps())
}

// QuietEmitter writes only the final rate.
type QuietEmitter struct {
	W io.Writer
}

func (e *QuietEmitter) OnStart(search.Config) {}
func (e *QuietEmitter) OnStep(search.Step)    {}
func (e *QuietEmitter) OnError(error)         {}

func (e *QuietEmitter) OnComplete(res search.Result) {
	fmt.Fprintf(e.W, "%.3f\n", res.Gbps())
}

// Multi forwards every event to all of its emitters.
type Multi []Emitter

func (m Multi) OnStart(cfg search.Config) {
	for _, e := range m {
		e.OnStart(cfg)
	}
}

func (m Multi) OnStep(step search.Step) {
	for _, e := range m {
		e.OnStep(step)
	}
}

func (m Multi) OnError(err error) {
	for _, e := range m {
		e.OnError(err)
	}
}

func (m Multi) OnComplete(res search.Result) {
	for _, e := range m {
		e.OnComplete(res)
	}
}
