package spead

import (
	"context"

	"golang.org/x/time/rate"
)

// NewLimiter returns a limiter pacing bytes at cfg.Rate with bursts of
// cfg.BurstSize bytes, or nil if the rate is unlimited. The burst is never
// smaller than a packet, since WaitN fails for requests above the burst.
func NewLimiter(cfg SenderConfig) *rate.Limiter {
	if cfg.Rate <= 0 {
		return nil
	}
	burst := cfg.BurstSize
	if burst < cfg.MaxPacketSize {
		burst = cfg.MaxPacketSize
	}
	return rate.NewLimiter(rate.Limit(cfg.Rate), burst)
}

// Pace blocks until n bytes may be sent.
func Pace(ctx context.Context, l *rate.Limiter, n int) error {
	if l == nil {
		return ctx.Err()
	}
	return l.WaitN(ctx, n)
}
