package jobs

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/common"
	"github.com/joseph-ayodele/workledger/internal/core"
	"github.com/joseph-ayodele/workledger/internal/entity"
	"github.com/joseph-ayodele/workledger/internal/repository"
)

const testKind = "test"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fixture struct {
	ledger *repository.Store
	repo   repository.JobRepository
	ctrl   *Controller
}

func newFixture(t *testing.T, cfg core.RunnerConfig, w core.Worker) *fixture {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "ledger.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	ledger, err := repository.Open(context.Background(), repository.Config{Driver: repository.DriverSQLite, DSN: dsn}, repository.RoleLedger, testLogger())
	require.NoError(t, err)
	t.Cleanup(ledger.Close)
	require.NoError(t, ledger.Migrate(context.Background()))

	repo := repository.NewJobRepository(ledger, testLogger())
	ctrl := NewController(repo, core.NewReconciler(ledger, nil, false, testLogger()),
		Config{Runner: cfg, ItemTimeout: 2 * time.Second}, testLogger())
	ctrl.Register(testKind, w)
	return &fixture{ledger: ledger, repo: repo, ctrl: ctrl}
}

func items(n int) []entity.JobItemInput {
	out := make([]entity.JobItemInput, n)
	for i := range out {
		out[i] = entity.JobItemInput{CustomerID: "111", CampaignID: "c1", AdGroupID: string(rune('1' + i))}
	}
	return out
}

func (f *fixture) create(t *testing.T, n int) *entity.Job {
	t.Helper()
	job, err := f.ctrl.Create(context.Background(), "test job", testKind, "", items(n))
	require.NoError(t, err)
	return job
}

func (f *fixture) statuses(t *testing.T, id string) map[string]constants.JobItemStatus {
	t.Helper()
	list, err := f.repo.ListItems(context.Background(), id)
	require.NoError(t, err)
	out := map[string]constants.JobItemStatus{}
	for _, it := range list {
		out[it.ItemKey] = it.Status
	}
	return out
}

func created(key string) core.Result {
	r := core.Succeeded(key, "")
	r.Resource = "customers/111/adGroupAds/" + strings.TrimPrefix(key, "111:") + "~9"
	return r
}

func TestController_RateLimitPausesWithoutLosingItems(t *testing.T) {
	ctx := context.Background()
	var throttled atomic.Bool
	w := core.WorkerFunc(func(_ context.Context, key string) core.Result {
		switch key {
		case "111:2":
			if throttled.CompareAndSwap(false, true) {
				return core.Throttled(key, constants.ReasonRateLimited)
			}
			return created(key)
		case "111:3":
			return core.Retry(key, constants.ReasonScrapeFailed)
		default:
			return created(key)
		}
	})
	f := newFixture(t, core.RunnerConfig{BatchSize: 3, Workers: 1, StopOnRateLimit: true}, w)
	job := f.create(t, 3)

	sum, err := f.ctrl.Start(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StopRateLimited, sum.StopReason)

	got, err := f.ctrl.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusPaused, got.Status)
	assert.Equal(t, 1, got.Successful)
	assert.Equal(t, 0, got.Failed)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, msgRateLimited, *got.ErrorMessage)

	st := f.statuses(t, job.ID)
	assert.Equal(t, constants.JobItemCompleted, st["111:1"])
	assert.NotEqual(t, constants.JobItemFailed, st["111:3"], "results after the rate-limited item are discarded")
	assert.False(t, st["111:2"].IsTerminal())
	assert.False(t, st["111:3"].IsTerminal())

	sum, err = f.ctrl.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StopExhausted, sum.StopReason)

	got, err = f.ctrl.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, got.Status)
	assert.Nil(t, got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 3, got.Processed)
	assert.Equal(t, 2, got.Successful)
	assert.Equal(t, 1, got.Failed)

	failed, err := f.ctrl.Items(ctx, job.ID, constants.JobItemFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, constants.ReasonScrapeFailed, *failed[0].ErrorMessage)
}

func TestController_PauseBetweenBatches(t *testing.T) {
	ctx := context.Background()
	var (
		f     *fixture
		jobID string
		calls sync.Map
		count atomic.Int32
	)
	w := core.WorkerFunc(func(ctx context.Context, key string) core.Result {
		if _, dup := calls.LoadOrStore(key, true); dup {
			return core.Failed(key, "processed twice")
		}
		if count.Add(1) == 1 {
			_, err := f.ctrl.Pause(ctx, jobID)
			if err != nil {
				return core.Failed(key, err.Error())
			}
		}
		return created(key)
	})
	f = newFixture(t, core.RunnerConfig{BatchSize: 1, Workers: 1}, w)
	job := f.create(t, 3)
	jobID = job.ID

	sum, err := f.ctrl.Start(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StopRequested, sum.StopReason)
	assert.Equal(t, 1, sum.Batches)

	p, err := f.ctrl.Progress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobProgress{Total: 3, Pending: 2, Processed: 1, Successful: 1}, p)

	got, err := f.ctrl.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusPaused, got.Status)

	_, err = f.ctrl.Pause(ctx, job.ID)
	assert.ErrorIs(t, err, common.ErrInvalidState)

	sum, err = f.ctrl.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StopExhausted, sum.StopReason)
	assert.Equal(t, int32(3), count.Load())

	all, err := f.ctrl.Items(ctx, job.ID)
	require.NoError(t, err)
	for _, it := range all {
		assert.Equal(t, constants.JobItemCompleted, it.Status, it.ItemKey)
		require.NotNil(t, it.NewResource)
		assert.NotNil(t, it.ProcessedAt)
	}
}

type customerWorker struct {
	calls atomic.Int32
}

func (c *customerWorker) Process(ctx context.Context, key string) core.Result {
	return c.ProcessGroup(ctx, c.Group(key), []string{key})[0]
}

func (c *customerWorker) Group(key string) string {
	customer, _, _ := strings.Cut(key, ":")
	return customer
}

func (c *customerWorker) ProcessGroup(_ context.Context, _ string, keys []string) []core.Result {
	c.calls.Add(1)
	out := make([]core.Result, 0, len(keys))
	for _, k := range keys {
		if strings.HasSuffix(k, ":2") {
			out = append(out, core.WithStandardEffects(core.Skipped(k, constants.ReasonNoExistingAd)))
			continue
		}
		out = append(out, core.WithStandardEffects(created(k)))
	}
	return out
}

func TestController_GroupWorkerTouchesOnlyJobItems(t *testing.T) {
	ctx := context.Background()
	gw := &customerWorker{}
	f := newFixture(t, core.RunnerConfig{BatchSize: 10, Workers: 2}, gw)
	in := append(items(2), entity.JobItemInput{CustomerID: "222", AdGroupID: "7"})
	job, err := f.ctrl.Create(ctx, "grouped", testKind, "input.csv", in)
	require.NoError(t, err)

	_, err = f.ctrl.Start(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), gw.calls.Load())

	st := f.statuses(t, job.ID)
	assert.Equal(t, constants.JobItemCompleted, st["111:1"])
	assert.Equal(t, constants.JobItemSkipped, st["111:2"])
	assert.Equal(t, constants.JobItemCompleted, st["222:7"])

	_, err = f.ledger.GetTracking(ctx, "111:1")
	assert.True(t, common.IsNotFound(err), "job results never reach the work item ledger")
	has, err := f.ledger.HasOutput(ctx, "111:1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestController_PanicFailsItemThenRetry(t *testing.T) {
	ctx := context.Background()
	var broken atomic.Bool
	broken.Store(true)
	w := core.WorkerFunc(func(_ context.Context, key string) core.Result {
		if key == "111:2" && broken.Load() {
			panic("nil customer")
		}
		return created(key)
	})
	f := newFixture(t, core.RunnerConfig{BatchSize: 5, Workers: 2}, w)
	job := f.create(t, 3)

	_, err := f.ctrl.Start(ctx, job.ID)
	require.NoError(t, err)
	got, err := f.ctrl.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, got.Status, "item failures never fail the job")
	assert.Equal(t, 1, got.Failed)

	_, err = f.ledger.GetTracking(ctx, "111:2")
	assert.True(t, common.IsNotFound(err))

	broken.Store(false)
	n, err := f.ctrl.RetryFailed(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err = f.ctrl.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusPaused, got.Status)

	_, err = f.ctrl.Resume(ctx, job.ID)
	require.NoError(t, err)
	got, err = f.ctrl.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, got.Status)
	assert.Equal(t, 3, got.Successful)
	assert.Equal(t, 0, got.Failed)

	n, err = f.ctrl.RetryFailed(ctx, job.ID)
	assert.ErrorIs(t, err, common.ErrNothingToDo)
	assert.Zero(t, n)
	got, err = f.ctrl.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, got.Status, "a no-op retry leaves the job alone")
}

func TestController_BreakerFailsJob(t *testing.T) {
	ctx := context.Background()
	w := core.WorkerFunc(func(_ context.Context, key string) core.Result {
		return core.Retry(key, constants.ReasonScrapeFailed)
	})
	f := newFixture(t, core.RunnerConfig{BatchSize: 1, Workers: 1, BreakerThreshold: 1}, w)
	job := f.create(t, 2)

	sum, err := f.ctrl.Start(ctx, job.ID)
	require.ErrorIs(t, err, core.ErrCircuitOpen)
	assert.Equal(t, core.StopBreaker, sum.StopReason)

	got, err := f.ctrl.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "circuit breaker")
	assert.Equal(t, 1, got.Failed)

	st := f.statuses(t, job.ID)
	assert.Equal(t, constants.JobItemPending, st["111:2"])
}

func TestController_AsyncRunGuards(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	w := core.WorkerFunc(func(_ context.Context, key string) core.Result {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return created(key)
	})
	f := newFixture(t, core.RunnerConfig{BatchSize: 1, Workers: 1}, w)
	job := f.create(t, 3)

	_, err := f.ctrl.StartAsync(ctx, job.ID)
	require.NoError(t, err)
	<-started
	assert.True(t, f.ctrl.IsRunning(job.ID))

	_, err = f.ctrl.StartAsync(ctx, job.ID)
	assert.ErrorIs(t, err, common.ErrAlreadyRunning)
	assert.ErrorIs(t, f.ctrl.Delete(ctx, job.ID), common.ErrAlreadyRunning)
	_, err = f.ctrl.RetryFailed(ctx, job.ID)
	assert.ErrorIs(t, err, common.ErrAlreadyRunning)

	paused, err := f.ctrl.Pause(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusPaused, paused.Status)

	done := f.ctrl.Done(job.ID)
	close(release)
	<-done
	f.ctrl.Wait()
	assert.False(t, f.ctrl.IsRunning(job.ID))

	got, err := f.ctrl.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusPaused, got.Status)
	assert.Equal(t, 1, got.Successful)

	require.NoError(t, f.ctrl.Delete(ctx, job.ID))
	_, err = f.ctrl.Get(ctx, job.ID)
	assert.True(t, common.IsNotFound(err))
	list, err := f.repo.ListItems(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestController_InvalidRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, core.RunnerConfig{BatchSize: 1, Workers: 1}, core.WorkerFunc(func(_ context.Context, key string) core.Result {
		return created(key)
	}))

	_, err := f.ctrl.Create(ctx, "x", "unknown", "", items(1))
	assert.ErrorIs(t, err, common.ErrInvalidInput)
	_, err = f.ctrl.Create(ctx, "x", testKind, "", nil)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
	_, err = f.ctrl.Create(ctx, "x", testKind, "", []entity.JobItemInput{{CustomerID: "111"}})
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	job := f.create(t, 1)
	_, err = f.ctrl.Resume(ctx, job.ID)
	assert.ErrorIs(t, err, common.ErrInvalidState)
	_, err = f.ctrl.Pause(ctx, job.ID)
	assert.ErrorIs(t, err, common.ErrInvalidState)
	_, err = f.ctrl.Start(ctx, "missing")
	assert.True(t, common.IsNotFound(err))

	_, err = f.ctrl.Start(ctx, job.ID)
	require.NoError(t, err)
	_, err = f.ctrl.Start(ctx, job.ID)
	assert.ErrorIs(t, err, common.ErrInvalidState, "completed jobs are not restarted")
	assert.Equal(t, []string{testKind}, f.ctrl.Kinds())
}

func TestController_RecoverInterrupted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, core.RunnerConfig{BatchSize: 1, Workers: 1}, core.WorkerFunc(func(_ context.Context, key string) core.Result {
		return created(key)
	}))
	job := f.create(t, 2)
	_, err := f.repo.ChangeStatus(ctx, job.ID, repository.StatusChange{To: constants.JobStatusRunning})
	require.NoError(t, err)
	_, err = f.repo.ClaimItems(ctx, job.ID, 1)
	require.NoError(t, err)

	n, err := f.ctrl.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := f.ctrl.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusPaused, got.Status)

	_, err = f.ctrl.Resume(ctx, job.ID)
	require.NoError(t, err)
	p, err := f.ctrl.Progress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Successful)
	assert.Equal(t, 0, p.Processing)
}
