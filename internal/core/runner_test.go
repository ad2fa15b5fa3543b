package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/workledger/constants"
)

func TestBreaker(t *testing.T) {
	b := NewBreaker(2)
	transient := &BatchResult{Attempted: 3, Transient: 3}
	mixed := &BatchResult{Attempted: 3, Transient: 2, Succeeded: 1}
	empty := &BatchResult{}

	assert.Equal(t, BreakerClosed, b.Record(transient))
	assert.Equal(t, BreakerClosed, b.Record(empty))
	assert.Equal(t, BreakerClosed, b.Record(mixed))
	assert.Equal(t, BreakerClosed, b.Record(transient))
	assert.Equal(t, BreakerOpen, b.Record(transient))
	assert.Equal(t, "open", b.State().String())

	b.Reset()
	assert.Equal(t, BreakerClosed, b.State())

	disabled := NewBreaker(0)
	for i := 0; i < 5; i++ {
		assert.Equal(t, BreakerClosed, disabled.Record(transient))
	}
}

func TestRunner_RunsUntilExhausted(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t)
	enqueue(t, ledger, 7)

	var after atomic.Int32
	r := NewRunner(newScheduler(ledger, scripted(map[string]Outcome{"k3": PermanentEmpty})), RunnerConfig{
		BatchSize: 3, Workers: 2, BreakerThreshold: 3,
	}, testLogger())
	r.AfterBatch = func(context.Context, *BatchResult) error { after.Add(1); return nil }

	sum, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, sum.StopReason)
	assert.Equal(t, 3, sum.Batches)
	assert.Equal(t, 7, sum.Attempted)
	assert.Equal(t, 6, sum.Succeeded)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, int32(3), after.Load())

	sc, err := ledger.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sc.Pending)
	assert.Equal(t, 7, sc.Processed)
}

func TestRunner_BreakerStopsTransientLoop(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t)
	enqueue(t, ledger, 2)

	all := map[string]Outcome{"k0": TransientError, "k1": TransientError}
	r := NewRunner(newScheduler(ledger, scripted(all)), RunnerConfig{
		BatchSize: 5, Workers: 2, BreakerThreshold: 3,
	}, testLogger())

	sum, err := r.Run(ctx)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StopBreaker, sum.StopReason)
	assert.Equal(t, 3, sum.Batches)
	assert.Equal(t, 6, sum.Transient)

	pending, err := ledger.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k0", "k1"}, pending, "transient failures stay retryable")
}

func TestRunner_FailingHeadDoesNotStarveQueue(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t)
	enqueue(t, ledger, 4)

	failing := map[string]Outcome{"k0": TransientError, "k1": TransientError}
	r := NewRunner(newScheduler(ledger, scripted(failing)), RunnerConfig{
		BatchSize: 2, Workers: 2, BreakerThreshold: 3,
	}, testLogger())

	sum, err := r.Run(ctx)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, constants.FlagDoneWithOutput, flagOf(t, ledger, "k2"))
	assert.Equal(t, constants.FlagDoneWithOutput, flagOf(t, ledger, "k3"))

	pending, err := ledger.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k0", "k1"}, pending)
}

func TestRunner_RateLimitBackoffThenContinue(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t)
	enqueue(t, ledger, 4)

	var throttled atomic.Bool
	w := WorkerFunc(func(ctx context.Context, key string) Result {
		if key == "k1" && throttled.CompareAndSwap(false, true) {
			return Throttled(key, constants.ReasonRateLimited)
		}
		return WithStandardEffects(Succeeded(key, key))
	})
	var slept []time.Duration
	r := NewRunner(newScheduler(ledger, w), RunnerConfig{
		BatchSize: 4, Workers: 1, RateLimitBackoff: time.Minute,
	}, testLogger())
	r.Sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	sum, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, sum.StopReason)
	assert.Equal(t, []time.Duration{time.Minute}, slept)
	assert.Equal(t, 1, sum.RateLimitedHits)
	assert.Equal(t, 4, sum.Succeeded)
}

func TestRunner_StopOnRateLimit(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t)
	enqueue(t, ledger, 3)

	r := NewRunner(newScheduler(ledger, scripted(map[string]Outcome{"k0": RateLimited})), RunnerConfig{
		BatchSize: 3, Workers: 1, StopOnRateLimit: true,
	}, testLogger())
	sum, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StopRateLimited, sum.StopReason)
	assert.Equal(t, 0, sum.Attempted)
}

func TestRunner_StopRequestedBetweenBatches(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t)
	enqueue(t, ledger, 6)

	var polls atomic.Int32
	r := NewRunner(newScheduler(ledger, scripted(nil)), RunnerConfig{BatchSize: 2, Workers: 2}, testLogger())
	r.ShouldStop = func(context.Context) (bool, error) {
		return polls.Add(1) > 1, nil
	}
	sum, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StopRequested, sum.StopReason)
	assert.Equal(t, 1, sum.Batches)
	assert.Equal(t, 2, sum.Succeeded)

	n, err := ledger.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestRunner_CancelledContext(t *testing.T) {
	ledger := newLedger(t)
	enqueue(t, ledger, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(newScheduler(ledger, scripted(nil)), RunnerConfig{BatchSize: 2, Workers: 1}, testLogger())
	sum, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StopCancelled, sum.StopReason)
	assert.Equal(t, 0, sum.Batches)
}
