package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/common"
	"github.com/joseph-ayodele/workledger/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newLedger(t *testing.T) *repository.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "ledger.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	s, err := repository.Open(context.Background(), repository.Config{Driver: repository.DriverSQLite, DSN: dsn}, repository.RoleLedger, testLogger())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func enqueue(t *testing.T, s *repository.Store, n int) []string {
	t.Helper()
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%d", i)
	}
	_, err := s.EnqueueKeys(context.Background(), keys)
	require.NoError(t, err)
	return keys
}

// scripted returns the outcome listed for each key; unlisted keys succeed.
func scripted(outcomes map[string]Outcome) WorkerFunc {
	return func(_ context.Context, key string) Result {
		switch outcomes[key] {
		case PermanentEmpty:
			return WithStandardEffects(Skipped(key, constants.ReasonNoProducts))
		case PermanentError:
			return WithStandardEffects(Failed(key, "bad input"))
		case TransientError:
			return WithStandardEffects(Retry(key, constants.ReasonScrapeFailed))
		case RateLimited:
			return Throttled(key, constants.ReasonRateLimited)
		default:
			return WithStandardEffects(Succeeded(key, "<p>"+key+"</p>"))
		}
	}
}

func newScheduler(ledger *repository.Store, w Worker) *Scheduler {
	return NewScheduler("test", ledger, w, NewReconciler(ledger, nil, false, testLogger()), testLogger(),
		WithItemTimeout(2*time.Second))
}

func flagOf(t *testing.T, s *repository.Store, key string) constants.Flag {
	t.Helper()
	item, err := s.GetWorkItem(context.Background(), key)
	require.NoError(t, err)
	return item.Flag
}

func TestRunBatch_MixedOutcomes(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t)
	enqueue(t, ledger, 10)

	sched := newScheduler(ledger, scripted(map[string]Outcome{
		"k4": PermanentEmpty,
		"k5": PermanentError,
		"k6": TransientError,
		"k7": TransientError,
	}))
	res, err := sched.RunBatch(ctx, 10, 3)
	require.NoError(t, err)

	assert.Equal(t, 10, res.Fetched)
	assert.Equal(t, 10, res.Attempted)
	assert.Equal(t, 6, res.Succeeded)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Transient)
	assert.False(t, res.RateLimited)
	assert.Equal(t, 6, res.Commit.Outputs)
	assert.Equal(t, 8, res.Commit.Flags, "transient failures get no flag")
	assert.Equal(t, 10, res.Commit.Tracking)

	assert.Equal(t, constants.FlagDoneWithOutput, flagOf(t, ledger, "k0"))
	assert.Equal(t, constants.FlagDoneNoOutput, flagOf(t, ledger, "k4"))
	assert.Equal(t, constants.FlagDoneNoOutput, flagOf(t, ledger, "k5"))
	assert.Equal(t, constants.FlagPending, flagOf(t, ledger, "k6"))

	rec, err := ledger.GetTracking(ctx, "k6")
	require.NoError(t, err)
	assert.Equal(t, constants.TrackingFailed, rec.Status)

	pending, err := ledger.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k6", "k7"}, pending)

	for i, r := range res.Results {
		assert.Equal(t, fmt.Sprintf("k%d", i), r.Key, "results keep submission order")
	}
}

func TestRunBatch_RateLimitAbortsRemainder(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t)
	enqueue(t, ledger, 6)

	sched := newScheduler(ledger, scripted(map[string]Outcome{"k2": RateLimited}))
	res, err := sched.RunBatch(ctx, 6, 1)
	require.NoError(t, err)

	assert.True(t, res.RateLimited)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, RateLimited, res.Results[2].Outcome)
	assert.Equal(t, 3, res.Undispatched, "k3..k5 never reach the worker")
	for _, r := range res.Results[3:] {
		assert.Equal(t, NotAttempted, r.Outcome)
	}

	for _, k := range []string{"k2", "k3", "k4", "k5"} {
		assert.Equal(t, constants.FlagPending, flagOf(t, ledger, k))
		_, err := ledger.GetTracking(ctx, k)
		assert.True(t, common.IsNotFound(err), "no tracking for %s", k)
	}
	pending, err := ledger.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"k2", "k3", "k4", "k5"}, pending)
}

func TestRunBatch_RateLimitDiscardsLaterResultsWithParallelWorkers(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t)
	enqueue(t, ledger, 8)

	var calls atomic.Int32
	w := WorkerFunc(func(ctx context.Context, key string) Result {
		calls.Add(1)
		return scripted(map[string]Outcome{"k1": RateLimited})(ctx, key)
	})
	res, err := newScheduler(ledger, w).RunBatch(ctx, 8, 4)
	require.NoError(t, err)

	assert.True(t, res.RateLimited)
	assert.Equal(t, 1, res.Attempted)
	assert.Less(t, res.Attempted, res.Fetched)
	assert.LessOrEqual(t, int(calls.Load()), 8)

	has, err := ledger.HasOutput(ctx, "k0")
	require.NoError(t, err)
	assert.True(t, has)
	for _, k := range []string{"k2", "k3", "k4", "k5", "k6", "k7"} {
		has, err := ledger.HasOutput(ctx, k)
		require.NoError(t, err)
		assert.False(t, has, "result for %s must be discarded", k)
	}
}

func TestRunBatch_IdempotentRerun(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t)
	keys := enqueue(t, ledger, 4)

	var generated atomic.Int32
	w := WorkerFunc(func(ctx context.Context, key string) Result {
		has, err := ledger.HasOutput(ctx, key)
		if err != nil {
			return WithStandardEffects(Retry(key, err.Error()))
		}
		if has {
			r := Skipped(key, constants.ReasonAlreadyProcessed)
			r.Existing = true
			return WithStandardEffects(r)
		}
		generated.Add(1)
		return WithStandardEffects(Succeeded(key, "out-"+key))
	})
	sched := newScheduler(ledger, w)

	_, err := sched.RunBatch(ctx, 10, 2)
	require.NoError(t, err)
	res, err := sched.RunBatch(ctx, 10, 2)
	require.NoError(t, err)
	assert.True(t, res.Empty(), "second batch has nothing pending")

	// Force a re-run over the same keys as if tracking had been lost.
	require.NoError(t, ledger.Atomic(ctx, func(w *repository.Writer) error {
		for _, k := range keys {
			if err := w.RecordOutcome(ctx, k, constants.TrackingSuccess, ""); err != nil {
				return err
			}
		}
		return nil
	}))
	for _, k := range keys {
		r := w.Process(ctx, k)
		assert.Equal(t, PermanentEmpty, r.Outcome)
		assert.Equal(t, constants.ReasonAlreadyProcessed, r.Reason)
		_, err := NewReconciler(ledger, nil, false, testLogger()).Commit(ctx, r.Effects)
		require.NoError(t, err)
		assert.Equal(t, constants.FlagDoneWithOutput, flagOf(t, ledger, k))
		rec, err := ledger.GetTracking(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, constants.TrackingSuccess, rec.Status)
	}

	assert.Equal(t, int32(4), generated.Load())
	outKeys, err := ledger.ListOutputKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, keys, outKeys)
}

func TestRunBatch_PanicAndTimeoutAreTransient(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t)
	enqueue(t, ledger, 3)

	w := WorkerFunc(func(ctx context.Context, key string) Result {
		switch key {
		case "k0":
			panic("boom")
		case "k1":
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return Succeeded(key, "late")
		default:
			return WithStandardEffects(Succeeded(key, "ok"))
		}
	})
	sched := NewScheduler("test", ledger, w, NewReconciler(ledger, nil, false, testLogger()), testLogger(),
		WithItemTimeout(100*time.Millisecond))
	res, err := sched.RunBatch(ctx, 3, 3)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, TransientError, res.Results[0].Outcome)
	assert.Contains(t, res.Results[0].Reason, constants.ReasonPanic)
	assert.Equal(t, TransientError, res.Results[1].Outcome)
	assert.Equal(t, constants.ReasonTimeout, res.Results[1].Reason)
	assert.Equal(t, Success, res.Results[2].Outcome)

	for _, k := range []string{"k0", "k1"} {
		assert.Equal(t, constants.FlagPending, flagOf(t, ledger, k))
		rec, err := ledger.GetTracking(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, constants.TrackingFailed, rec.Status)
	}
}

func TestRunBatch_InvalidArguments(t *testing.T) {
	ledger := newLedger(t)
	_, err := newScheduler(ledger, scripted(nil)).RunBatch(context.Background(), 0, 1)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

type groupWorker struct {
	calls atomic.Int32
}

func (g *groupWorker) Process(ctx context.Context, key string) Result {
	return g.ProcessGroup(ctx, g.Group(key), []string{key})[0]
}

func (g *groupWorker) Group(key string) string { return key[:2] }

func (g *groupWorker) ProcessGroup(_ context.Context, _ string, keys []string) []Result {
	g.calls.Add(1)
	out := make([]Result, 0, len(keys))
	for _, k := range keys {
		out = append(out, WithStandardEffects(Succeeded(k, k)))
	}
	return out
}

func TestRunBatch_GroupWorkerCallsOncePerGroup(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t)
	_, err := ledger.EnqueueKeys(ctx, []string{"a:1", "b:1", "a:2", "b:2", "c:1"})
	require.NoError(t, err)

	gw := &groupWorker{}
	res, err := newScheduler(ledger, gw).RunBatch(ctx, 10, 2)
	require.NoError(t, err)

	assert.Equal(t, int32(3), gw.calls.Load())
	assert.Equal(t, 5, res.Succeeded)
	assert.Equal(t, "b:1", res.Results[1].Key)
}

func TestRunBatch_HalfOfPendingPerBatch(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t)
	keys := enqueue(t, ledger, 10)

	res, err := newScheduler(ledger, scripted(nil)).RunBatch(ctx, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Attempted)
	assert.Equal(t, 5, res.Succeeded)

	for _, k := range keys[:5] {
		assert.Equal(t, constants.FlagDoneWithOutput, flagOf(t, ledger, k), k)
	}
	pending, err := ledger.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, keys[5:], pending)
}
