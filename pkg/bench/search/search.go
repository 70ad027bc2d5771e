// Package search finds the highest sustainable rate by bisection over an
// injected trial-evaluation function.
package search

import (
	"context"
	"errors"
	"math"

	"github.com/NAOC-pulsar/spead2/pkg/bench/spec"
)

// EvalFunc runs a trial at rate bytes/second, sending heapCount heaps, and
// reports whether at least requiredCount of them arrived.
type EvalFunc func(ctx context.Context, rate float64, heapCount, requiredCount int64) (bool, error)

// Config configures a Search. Rates are in bytes per second.
type Config struct {
	Low       float64
	High      float64
	Tolerance float64
	// HeapSize is the payload size of a single heap, in bytes.
	HeapSize int64
	// MinBytes is the minimum amount of data sent in a trial.
	MinBytes int64
}

// NewDefault returns a Config with the default bounds for heaps of heapSize
// bytes.
func NewDefault(heapSize int64) Config {
	return Config{
		Low:       spec.DefaultLowRate,
		High:      spec.DefaultHighRate,
		Tolerance: spec.DefaultTolerance,
		HeapSize:  heapSize,
		MinBytes:  spec.MinBytes,
	}
}

// Step describes one bisection iteration. Low and High are the interval
// before the candidate was evaluated.
type Step struct {
	Low       float64
	High      float64
	Rate      float64
	HeapCount int64
	Good      bool
}

// Result is the outcome of a Search.
type Result struct {
	Low   float64
	High  float64
	Steps []Step
}

// Rate returns the midpoint of the final interval in bytes per second.
func (r Result) Rate() float64 {
	return (r.Low + r.High) / 2
}

// BitRate returns the midpoint of the final interval in bits per second.
func (r Result) BitRate() float64 {
	return r.Rate() * 8
}

// Gbps returns the result the way the command line reports it: bits per
// second divided by 2^30.
func (r Result) Gbps() float64 {
	return r.BitRate() / (1 << 30)
}

var errBadConfig = errors.New("search: invalid configuration")

// HeapCount returns the number of heaps to send at rate: enough for at least
// minBytes of data and at least a second of transfer, plus two.
func HeapCount(rate float64, heapSize, minBytes int64) int64 {
	return int64(math.Max(float64(minBytes), rate)/float64(heapSize)) + 2
}

// Run bisects [cfg.Low, cfg.High] until the interval is at most
// cfg.Tolerance wide. A rate judged good becomes the new lower bound,
// otherwise the new upper bound. onStep, if not nil, is called after every
// evaluation. An evaluation error aborts the search.
func Run(ctx context.Context, cfg Config, eval EvalFunc, onStep func(Step)) (Result, error) {
	if cfg.HeapSize <= 0 || cfg.Tolerance <= 0 || cfg.Low > cfg.High {
		return Result{}, errBadConfig
	}
	res := Result{Low: cfg.Low, High: cfg.High}
	for res.High-res.Low > cfg.Tolerance {
		step := Step{
			Low:  res.Low,
			High: res.High,
			Rate: (res.Low + res.High) / 2,
		}
		step.HeapCount = HeapCount(step.Rate, cfg.HeapSize, cfg.MinBytes)
		good, err := eval(ctx, step.Rate, step.HeapCount, step.HeapCount-1)
		if err != nil {
			return res, err
		}
		step.Good = good
		if good {
			res.Low = step.Rate
		} else {
			res.High = step.Rate
		}
		res.Steps = append(res.Steps, step)
		if onStep != nil {
			onStep(step)
		}
	}
	return res, nil
}
