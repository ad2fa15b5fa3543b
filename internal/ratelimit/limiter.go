package ratelimit

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"
)

// Limiter paces calls to one external service.
type Limiter struct {
	name    string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New returns a limiter allowing rps calls per second with the given burst.
// rps <= 0 disables pacing.
func New(name string, rps float64, burst int, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{name: name, limiter: rate.NewLimiter(limit, burst), logger: logger}
}

// Wait blocks until a call is allowed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		l.logger.Warn("ratelimit.wait_failed", "limiter", l.name, "error", err)
		return err
	}
	return nil
}

// Allow reports whether a call may happen now without waiting.
func (l *Limiter) Allow() bool {
	return l == nil || l.limiter.Allow()
}

// SetRate changes the pace, e.g. after the remote side asks to slow down.
func (l *Limiter) SetRate(rps float64) {
	if rps <= 0 {
		l.limiter.SetLimit(rate.Inf)
	} else {
		l.limiter.SetLimit(rate.Limit(rps))
	}
	l.logger.Info("ratelimit.updated", "limiter", l.name, "rps", rps)
}
