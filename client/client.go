// Package client runs a calibration: a bisection over send rates, each
// candidate judged by a majority of trials against a slave.
package client

import (
	"context"
	"time"

	"github.com/NAOC-pulsar/spead2/client/config"
	"github.com/NAOC-pulsar/spead2/client/emitter"
	"github.com/NAOC-pulsar/spead2/internal/master"
	"github.com/NAOC-pulsar/spead2/internal/persistence"
	"github.com/NAOC-pulsar/spead2/pkg/bench/search"
	"github.com/NAOC-pulsar/spead2/pkg/bench/spec"
	"github.com/NAOC-pulsar/spead2/pkg/spead"
	"github.com/google/uuid"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/warnonerror"
	"go.uber.org/zap"
)

type Client struct {
	config     *config.Config
	transports map[spec.TransportKind]spead.Factory
	emitter    emitter.Emitter
	logger     *zap.Logger
}

// New returns a Client that reports progress through the global logger.
func New(cfg *config.Config, transports map[spec.TransportKind]spead.Factory) *Client {
	return NewWithEmitter(cfg, transports, &emitter.LogEmitter{}, nil)
}

func NewWithEmitter(cfg *config.Config, transports map[spec.TransportKind]spead.Factory,
	e emitter.Emitter, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.L()
	}
	return &Client{
		config:     cfg,
		transports: transports,
		emitter:    e,
		logger:     logger,
	}
}

// Run searches for the highest sustainable rate. The error is that of the
// first trial that failed; the partial result is returned with it.
func (c *Client) Run(ctx context.Context) (search.Result, error) {
	runID := uuid.NewString()
	logger := c.logger.With(zap.String("run", runID))
	runner := master.New(c.config.Host, c.config.Port, c.config.Trial, c.transports, logger)
	runner.SettleDelay = c.config.SettleDelay
	runner.CloseDelay = c.config.CloseDelay

	archive := &persistence.CalibrationResult{
		GitShortCommit: prometheusx.GitShortCommit,
		Version:        "0",
		UUID:           runID,
		SlaveHost:      c.config.Host,
		SlavePort:      c.config.Port,
		StartTime:      time.Now(),
		Repeats:        c.config.Repeats,
		Trial:          c.config.Trial,
	}

	c.emitter.OnStart(c.config.Search)
	eval := search.Repeat(runner.Evaluate, c.config.Repeats)
	res, err := search.Run(ctx, c.config.Search, eval, func(step search.Step) {
		archive.Candidates = append(archive.Candidates, persistence.Candidate{
			Rate:      step.Rate,
			HeapCount: step.HeapCount,
			Good:      step.Good,
		})
		c.emitter.OnStep(step)
	})
	archive.EndTime = time.Now()
	archive.Low, archive.High = res.Low, res.High
	archive.Rate, archive.BitRate = res.Rate(), res.BitRate()
	if err != nil {
		archive.Error = err.Error()
		c.emitter.OnError(err)
	} else {
		c.emitter.OnComplete(res)
	}
	c.writeResult(logger, runID, archive)
	return res, err
}

func (c *Client) writeResult(logger *zap.Logger, runID string, result *persistence.CalibrationResult) {
	if c.config.DataDir == "" {
		return
	}
	fp, err := persistence.New(c.config.DataDir, "calibration", runID)
	if err != nil {
		logger.Error("persistence.New failed", zap.Error(err))
		return
	}
	if err := fp.Write(result); err != nil {
		logger.Error("failed to write result", zap.Error(err))
	}
	warnonerror.Close(fp, "calibration: ignoring fp.Close error")
}
