package core

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var errNoProgress = errors.New("batch attempted no items")

// StopReason tells why a run ended.
type StopReason string

const (
	StopExhausted   StopReason = "exhausted"
	StopRequested   StopReason = "stop_requested"
	StopCancelled   StopReason = "cancelled"
	StopRateLimited StopReason = "rate_limited"
	StopBreaker     StopReason = "breaker_open"
	StopMaxBatches  StopReason = "max_batches"
	StopError       StopReason = "error"
)

type RunnerConfig struct {
	BatchSize        int
	Workers          int
	RateLimitBackoff time.Duration
	StopOnRateLimit  bool
	BreakerThreshold int
	// MaxBatches caps the run; 0 means until exhausted.
	MaxBatches int
}

// RunSummary aggregates the batches of one run.
type RunSummary struct {
	Batches         int        `json:"batches"`
	Attempted       int        `json:"attempted"`
	Succeeded       int        `json:"succeeded"`
	Skipped         int        `json:"skipped"`
	Failed          int        `json:"failed"`
	Transient       int        `json:"transient"`
	RateLimitedHits int        `json:"rate_limited_hits"`
	StopReason      StopReason `json:"stop_reason"`
}

func (s *RunSummary) add(b *BatchResult) {
	s.Batches++
	s.Attempted += b.Attempted
	s.Succeeded += b.Succeeded
	s.Skipped += b.Skipped
	s.Failed += b.Failed
	s.Transient += b.Transient
	if b.RateLimited {
		s.RateLimitedHits++
	}
}

// Runner drives batches one after another until there is nothing left or a
// stop condition holds. Stop conditions are checked only between batches.
type Runner struct {
	scheduler *Scheduler
	cfg       RunnerConfig
	breaker   *Breaker
	logger    *slog.Logger

	// ShouldStop is polled before each batch.
	ShouldStop func(ctx context.Context) (bool, error)
	// AfterBatch runs after every committed batch.
	AfterBatch func(ctx context.Context, res *BatchResult) error
	// Sleep waits out a rate-limit backoff; it returns ctx.Err() on cancel.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewRunner(scheduler *Scheduler, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		scheduler: scheduler,
		cfg:       cfg,
		breaker:   NewBreaker(cfg.BreakerThreshold),
		logger:    logger,
		Sleep:     sleepCtx,
	}
}

// Run loops until a stop condition holds. The returned error is nil for
// every orderly stop, ErrCircuitOpen when the breaker trips, and the
// underlying error when a batch could not be fetched or committed.
func (r *Runner) Run(ctx context.Context) (RunSummary, error) {
	var sum RunSummary
	for {
		if ctx.Err() != nil {
			sum.StopReason = StopCancelled
			return sum, nil
		}
		if r.ShouldStop != nil {
			stop, err := r.ShouldStop(ctx)
			if err != nil {
				sum.StopReason = StopError
				return sum, err
			}
			if stop {
				r.logger.Info("runner.stop_requested", "batches", sum.Batches)
				sum.StopReason = StopRequested
				return sum, nil
			}
		}
		if r.cfg.MaxBatches > 0 && sum.Batches >= r.cfg.MaxBatches {
			sum.StopReason = StopMaxBatches
			return sum, nil
		}

		res, err := r.scheduler.RunBatch(ctx, r.cfg.BatchSize, r.cfg.Workers)
		if res != nil && !res.Empty() {
			sum.add(res)
		}
		if err != nil {
			r.logger.Error("runner.batch_failed", "error", err, "batches", sum.Batches)
			sum.StopReason = StopError
			return sum, err
		}
		if res.Empty() {
			r.logger.Info("runner.exhausted", "batches", sum.Batches, "attempted", sum.Attempted)
			sum.StopReason = StopExhausted
			return sum, nil
		}
		if res.Attempted == 0 && !res.RateLimited {
			sum.StopReason = StopError
			return sum, errNoProgress
		}
		if r.AfterBatch != nil {
			if err := r.AfterBatch(ctx, res); err != nil {
				sum.StopReason = StopError
				return sum, err
			}
		}

		if r.breaker.Record(res) == BreakerOpen {
			r.logger.Error("runner.breaker_open", "threshold", r.cfg.BreakerThreshold, "batches", sum.Batches)
			sum.StopReason = StopBreaker
			return sum, ErrCircuitOpen
		}

		if res.RateLimited {
			if r.cfg.StopOnRateLimit {
				r.logger.Warn("runner.rate_limited.stop", "batches", sum.Batches)
				sum.StopReason = StopRateLimited
				return sum, nil
			}
			r.logger.Warn("runner.rate_limited.backoff", "backoff", r.cfg.RateLimitBackoff.String())
			if err := r.Sleep(ctx, r.cfg.RateLimitBackoff); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					sum.StopReason = StopCancelled
					return sum, nil
				}
				sum.StopReason = StopError
				return sum, err
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
