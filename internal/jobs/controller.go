package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/common"
	"github.com/joseph-ayodele/workledger/internal/core"
	"github.com/joseph-ayodele/workledger/internal/entity"
	"github.com/joseph-ayodele/workledger/internal/repository"
)

const (
	msgRateLimited = "rate limited, resume to continue"
	msgInterrupted = "interrupted"
)

// Config tunes the batch loop used for every job.
type Config struct {
	Runner      core.RunnerConfig
	ItemTimeout time.Duration
}

// Controller owns the lifecycle of jobs: creation, the batch loop over their
// items, pause and resume requests, retries and deletion. At most one loop
// runs per job inside a process.
type Controller struct {
	repo      repository.JobRepository
	committer core.Committer
	cfg       Config
	recorder  core.Recorder
	base      context.Context
	logger    *slog.Logger

	mu      sync.Mutex
	workers map[string]core.Worker
	running map[string]chan struct{}
	wg      sync.WaitGroup
}

type Option func(*Controller)

func WithRecorder(r core.Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithBaseContext sets the context background runs execute under.
func WithBaseContext(ctx context.Context) Option {
	return func(c *Controller) { c.base = ctx }
}

func NewController(repo repository.JobRepository, committer core.Committer, cfg Config, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		repo:      repo,
		committer: committer,
		cfg:       cfg,
		base:      context.Background(),
		logger:    logger,
		workers:   map[string]core.Worker{},
		running:   map[string]chan struct{}{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Register binds a job kind to the worker that processes its items.
func (c *Controller) Register(kind string, w core.Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers[kind] = w
}

// Kinds lists the registered job kinds.
func (c *Controller) Kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.workers))
	for k := range c.workers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Controller) worker(kind string) (core.Worker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[kind]
	return w, ok
}

// Create persists a pending job. Duplicate items are collapsed.
func (c *Controller) Create(ctx context.Context, name, kind, inputFile string, items []entity.JobItemInput) (*entity.Job, error) {
	if _, ok := c.worker(kind); !ok {
		return nil, common.NewAppError("UNKNOWN_KIND", fmt.Sprintf("no worker registered for job kind %q", kind), common.ErrInvalidInput)
	}
	if len(items) == 0 {
		return nil, common.NewAppError("EMPTY_JOB", "job has no items", common.ErrInvalidInput)
	}
	for i, in := range items {
		if in.CustomerID == "" || in.AdGroupID == "" {
			return nil, common.NewAppError("INVALID_ITEM", fmt.Sprintf("item %d is missing customer_id or ad_group_id", i), common.ErrInvalidInput)
		}
	}
	return c.repo.CreateJob(ctx, name, kind, inputFile, items)
}

func (c *Controller) Get(ctx context.Context, id string) (*entity.Job, error) {
	return c.repo.GetJob(ctx, id)
}

func (c *Controller) List(ctx context.Context, statuses ...constants.JobStatus) ([]entity.Job, error) {
	return c.repo.ListJobs(ctx, statuses...)
}

func (c *Controller) Items(ctx context.Context, id string, statuses ...constants.JobItemStatus) ([]entity.JobItem, error) {
	if _, err := c.repo.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return c.repo.ListItems(ctx, id, statuses...)
}

// Progress recomputes the job counters from its items and stores them.
func (c *Controller) Progress(ctx context.Context, id string) (entity.JobProgress, error) {
	p, err := c.repo.Progress(ctx, id)
	if err != nil {
		return p, err
	}
	return p, c.repo.SaveProgress(ctx, id, p)
}

// IsRunning reports whether this process is running the job's loop.
func (c *Controller) IsRunning(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[id]
	return ok
}

// Start runs a pending, paused or failed job until it completes, is paused
// or fails. It blocks for the whole run.
func (c *Controller) Start(ctx context.Context, id string) (core.RunSummary, error) {
	return c.launch(ctx, id, CanStart)
}

// Resume is Start restricted to paused and failed jobs.
func (c *Controller) Resume(ctx context.Context, id string) (core.RunSummary, error) {
	return c.launch(ctx, id, CanResume)
}

// StartAsync moves the job to running and runs its loop in the background
// under the controller's base context.
func (c *Controller) StartAsync(ctx context.Context, id string) (*entity.Job, error) {
	return c.launchAsync(ctx, id, CanStart)
}

func (c *Controller) ResumeAsync(ctx context.Context, id string) (*entity.Job, error) {
	return c.launchAsync(ctx, id, CanResume)
}

func (c *Controller) launch(ctx context.Context, id string, allowed func(*entity.Job) bool) (core.RunSummary, error) {
	release, err := c.acquire(id)
	if err != nil {
		return core.RunSummary{}, err
	}
	defer release()
	job, err := c.begin(ctx, id, allowed)
	if err != nil {
		return core.RunSummary{}, err
	}
	return c.run(ctx, job)
}

func (c *Controller) launchAsync(ctx context.Context, id string, allowed func(*entity.Job) bool) (*entity.Job, error) {
	release, err := c.acquire(id)
	if err != nil {
		return nil, err
	}
	job, err := c.begin(ctx, id, allowed)
	if err != nil {
		release()
		return nil, err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer release()
		if _, err := c.run(c.base, job); err != nil {
			c.logger.Error("job.run.failed", "job_id", job.ID, "error", err)
		}
	}()
	return job, nil
}

// Done returns a channel closed when the job's current run ends, or nil
// when the job is not running in this process.
func (c *Controller) Done(id string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running[id]
}

// Wait blocks until every background run has returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) acquire(id string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.running[id]; ok {
		return nil, common.NewAppError("ALREADY_RUNNING", "job "+id+" is already running", common.ErrAlreadyRunning)
	}
	done := make(chan struct{})
	c.running[id] = done
	c.reportRunning()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.running, id)
		close(done)
		c.reportRunning()
	}, nil
}

// reportRunning publishes the running count when the recorder tracks it.
// Callers hold c.mu.
func (c *Controller) reportRunning() {
	if g, ok := c.recorder.(interface{ SetJobsRunning(n int) }); ok {
		g.SetJobsRunning(len(c.running))
	}
}

// begin validates the transition to running and applies it. Items left
// processing by an earlier run go back to pending first.
func (c *Controller) begin(ctx context.Context, id string, allowed func(*entity.Job) bool) (*entity.Job, error) {
	job, err := c.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := c.worker(job.Kind); !ok {
		return nil, common.NewAppError("UNKNOWN_KIND", fmt.Sprintf("no worker registered for job kind %q", job.Kind), common.ErrInvalidInput)
	}
	if !allowed(job) {
		return nil, invalidState(job, constants.JobStatusRunning)
	}
	if _, err := c.repo.ResetItems(ctx, id, constants.JobItemProcessing); err != nil {
		return nil, err
	}
	change := repository.StatusChange{
		From:       sourcesFor(constants.JobStatusRunning),
		To:         constants.JobStatusRunning,
		ClearError: true,
	}
	if job.StartedAt == nil {
		now := time.Now().UTC()
		change.StartedAt = &now
	}
	ok, err := c.repo.ChangeStatus(ctx, id, change)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, invalidState(job, constants.JobStatusRunning)
	}
	job.Status = constants.JobStatusRunning
	return job, nil
}

func (c *Controller) run(ctx context.Context, job *entity.Job) (core.RunSummary, error) {
	ctx = common.WithJobID(ctx, job.ID)
	log := common.LoggerFrom(ctx, c.logger).With("kind", job.Kind)
	w, _ := c.worker(job.Kind)

	source := core.SourceFunc(func(ctx context.Context, limit int) ([]string, error) {
		items, err := c.repo.ClaimItems(ctx, job.ID, limit)
		if err != nil {
			return nil, err
		}
		keys := make([]string, len(items))
		for i, it := range items {
			keys[i] = it.ItemKey
		}
		return keys, nil
	})
	opts := []core.SchedulerOption{
		core.WithItemTimeout(c.cfg.ItemTimeout),
		core.WithFailureEffects(func(r core.Result) core.Result { return scopeResult(job.ID, r) }),
	}
	if c.recorder != nil {
		opts = append(opts, core.WithRecorder(c.recorder))
	}
	sched := core.NewScheduler(job.Kind, source, scopeWorker(job.ID, w), c.committer, log, opts...)
	runner := core.NewRunner(sched, c.cfg.Runner, log)
	runner.ShouldStop = func(ctx context.Context) (bool, error) {
		cur, err := c.repo.GetJob(ctx, job.ID)
		if err != nil {
			return false, err
		}
		return cur.Status != constants.JobStatusRunning, nil
	}
	runner.AfterBatch = func(ctx context.Context, _ *core.BatchResult) error {
		_, err := c.Progress(ctx, job.ID)
		return err
	}

	log.Info("job.run.start", "total", job.Total)
	sum, runErr := runner.Run(ctx)
	if r, ok := c.recorder.(interface{ ObserveRun(pipeline, stopReason string) }); ok {
		r.ObserveRun(job.Kind, string(sum.StopReason))
	}

	finish := context.WithoutCancel(ctx)
	p, err := c.Progress(finish, job.ID)
	if err != nil {
		log.Error("job.progress.failed", "error", err)
	}
	c.finish(finish, job.ID, sum, runErr, log)
	log.Info("job.run.done",
		"stop_reason", sum.StopReason,
		"batches", sum.Batches,
		"successful", p.Successful,
		"failed", p.Failed,
		"skipped", p.Skipped,
		"remaining", p.Pending+p.Processing,
	)
	return sum, runErr
}

// finish moves a job out of running according to why its loop stopped.
// A stop request means someone already changed the status.
func (c *Controller) finish(ctx context.Context, id string, sum core.RunSummary, runErr error, log *slog.Logger) {
	change := repository.StatusChange{From: []constants.JobStatus{constants.JobStatusRunning}}
	switch {
	case runErr != nil:
		msg := runErr.Error()
		change.To = constants.JobStatusFailed
		change.ErrorMessage = &msg
	case sum.StopReason == core.StopExhausted:
		now := time.Now().UTC()
		change.To = constants.JobStatusCompleted
		change.CompletedAt = &now
	case sum.StopReason == core.StopRateLimited:
		msg := msgRateLimited
		change.To = constants.JobStatusPaused
		change.ErrorMessage = &msg
	case sum.StopReason == core.StopCancelled:
		msg := msgInterrupted
		change.To = constants.JobStatusPaused
		change.ErrorMessage = &msg
	case sum.StopReason == core.StopMaxBatches:
		change.To = constants.JobStatusPaused
	default:
		return
	}
	if _, err := c.repo.ChangeStatus(ctx, id, change); err != nil {
		log.Error("job.finish.failed", "to", change.To, "error", err)
	}
}

// Pause asks a running job to stop after its current batch.
func (c *Controller) Pause(ctx context.Context, id string) (*entity.Job, error) {
	ok, err := c.repo.ChangeStatus(ctx, id, repository.StatusChange{
		From: []constants.JobStatus{constants.JobStatusRunning},
		To:   constants.JobStatusPaused,
	})
	if err != nil {
		return nil, err
	}
	job, err := c.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, invalidState(job, constants.JobStatusPaused)
	}
	return job, nil
}

// RetryFailed puts failed items back to pending and parks the job as paused
// so the next resume picks them up. It returns the number of items reset,
// or ErrNothingToDo when no item had failed.
func (c *Controller) RetryFailed(ctx context.Context, id string) (int, error) {
	if c.IsRunning(id) {
		return 0, common.NewAppError("ALREADY_RUNNING", "job "+id+" is running", common.ErrAlreadyRunning)
	}
	job, err := c.repo.GetJob(ctx, id)
	if err != nil {
		return 0, err
	}
	if !CanRetry(job) {
		return 0, invalidState(job, constants.JobStatusPaused)
	}
	n, err := c.repo.ResetItems(ctx, id, constants.JobItemFailed)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, common.NewAppError("NOTHING_TO_RETRY", "job "+id+" has no failed items", common.ErrNothingToDo)
	}
	if job.Status != constants.JobStatusPaused {
		if _, err := c.repo.ChangeStatus(ctx, id, repository.StatusChange{
			From:       []constants.JobStatus{constants.JobStatusFailed, constants.JobStatusCompleted},
			To:         constants.JobStatusPaused,
			ClearError: true,
		}); err != nil {
			return n, err
		}
	}
	if _, err := c.Progress(ctx, id); err != nil {
		return n, err
	}
	c.logger.Info("job.retry_failed", "job_id", id, "reset", n)
	return n, nil
}

// Delete cancels a job that is not running and removes it with its items.
func (c *Controller) Delete(ctx context.Context, id string) error {
	if c.IsRunning(id) {
		return common.NewAppError("ALREADY_RUNNING", "pause job "+id+" before deleting it", common.ErrAlreadyRunning)
	}
	job, err := c.repo.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !CanDelete(job) {
		return invalidState(job, constants.JobStatusCancelled)
	}
	if job.Status != constants.JobStatusCancelled {
		ok, err := c.repo.ChangeStatus(ctx, id, repository.StatusChange{
			From: sourcesFor(constants.JobStatusCancelled),
			To:   constants.JobStatusCancelled,
		})
		if err != nil {
			return err
		}
		if !ok {
			return invalidState(job, constants.JobStatusCancelled)
		}
	}
	return c.repo.DeleteJob(ctx, id)
}

// RecoverInterrupted pauses jobs left running by a process that died. Call
// it once at startup before launching any run.
func (c *Controller) RecoverInterrupted(ctx context.Context) (int, error) {
	stale, err := c.repo.ListJobs(ctx, constants.JobStatusRunning)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range stale {
		if c.IsRunning(job.ID) {
			continue
		}
		msg := msgInterrupted
		ok, err := c.repo.ChangeStatus(ctx, job.ID, repository.StatusChange{
			From:         []constants.JobStatus{constants.JobStatusRunning},
			To:           constants.JobStatusPaused,
			ErrorMessage: &msg,
		})
		if err != nil {
			return n, err
		}
		if ok {
			n++
			c.logger.Warn("job.recovered", "job_id", job.ID, "name", job.Name)
		}
	}
	return n, nil
}

func invalidState(job *entity.Job, to constants.JobStatus) error {
	return common.NewAppError("INVALID_STATE",
		fmt.Sprintf("job %s cannot move from %s to %s", job.ID, job.Status, to),
		common.ErrInvalidState)
}
