package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/common"
	"github.com/joseph-ayodele/workledger/internal/core/async"
)

// Source yields the keys a batch should work on.
type Source interface {
	FetchPending(ctx context.Context, limit int) ([]string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, limit int) ([]string, error)

func (f SourceFunc) FetchPending(ctx context.Context, limit int) ([]string, error) { return f(ctx, limit) }

// Committer applies the effects of a batch.
type Committer interface {
	Commit(ctx context.Context, effects []Effect) (CommitStats, error)
}

// Recorder receives batch and outcome observations.
type Recorder interface {
	ObserveOutcome(pipeline, outcome string)
	ObserveBatch(pipeline string, attempted int, rateLimited bool, d time.Duration)
}

// BatchResult reports one RunBatch call. Results holds one entry per
// fetched key in submission order; entries past the rate-limit cut are
// NotAttempted.
type BatchResult struct {
	BatchID     string `json:"batch_id"`
	Fetched     int    `json:"fetched"`
	Attempted   int    `json:"attempted"`
	Succeeded   int    `json:"succeeded"`
	Skipped     int    `json:"skipped"`
	Failed      int    `json:"failed"`
	Transient   int    `json:"transient"`
	RateLimited bool   `json:"rate_limited"`
	// Undispatched counts keys never handed to a worker after a rate limit.
	Undispatched int           `json:"undispatched"`
	Results      []Result      `json:"-"`
	Commit       CommitStats   `json:"commit"`
	Duration     time.Duration `json:"duration"`
}

// Empty reports whether the batch found nothing to do.
func (b *BatchResult) Empty() bool { return b.Fetched == 0 }

// AllTransient reports whether every attempted item failed transiently.
func (b *BatchResult) AllTransient() bool {
	return b.Attempted > 0 && b.Transient == b.Attempted
}

type Scheduler struct {
	name        string
	source      Source
	worker      Worker
	committer   Committer
	itemTimeout time.Duration
	recorder    Recorder
	failure     func(Result) Result
	logger      *slog.Logger
}

type SchedulerOption func(*Scheduler)

func WithItemTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.itemTimeout = d
		}
	}
}

func WithRecorder(r Recorder) SchedulerOption {
	return func(s *Scheduler) { s.recorder = r }
}

// WithFailureEffects sets how effects are attached to the transient results
// the scheduler builds itself for panics, timeouts and missing results.
// The default is WithStandardEffects.
func WithFailureEffects(fn func(Result) Result) SchedulerOption {
	return func(s *Scheduler) {
		if fn != nil {
			s.failure = fn
		}
	}
}

// NewScheduler wires a batch scheduler. name labels logs and metrics.
func NewScheduler(name string, source Source, worker Worker, committer Committer, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		name:        name,
		source:      source,
		worker:      worker,
		committer:   committer,
		itemTimeout: 3 * time.Minute,
		failure:     WithStandardEffects,
		logger:      logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type task struct {
	group     string
	positions []int
	keys      []string
}

// RunBatch fetches up to size pending keys, processes them on a pool of
// workers goroutines and commits the effects of every result that precedes
// the first rate-limited or unattempted position.
func (s *Scheduler) RunBatch(ctx context.Context, size, workers int) (*BatchResult, error) {
	if size <= 0 || workers <= 0 {
		return nil, common.NewAppError("INVALID_ARGUMENT", "batch size and worker count must be positive", common.ErrInvalidInput)
	}
	start := time.Now()
	batchID := uuid.NewString()
	ctx = common.WithBatchID(ctx, batchID)
	log := common.LoggerFrom(ctx, s.logger).With("pipeline", s.name)

	keys, err := s.source.FetchPending(ctx, size)
	if err != nil {
		log.Error("batch.fetch.failed", "error", err)
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	res := &BatchResult{BatchID: batchID, Fetched: len(keys), Results: make([]Result, len(keys))}
	for i, k := range keys {
		res.Results[i] = Result{Key: k, Outcome: NotAttempted}
	}
	if len(keys) == 0 {
		log.Info("batch.empty")
		return res, nil
	}
	log.Info("batch.start", "size", len(keys), "workers", workers)

	tasks := s.plan(keys)
	// Workers finish their current item even if ctx is cancelled; stop is
	// honored between batches.
	runCtx := context.WithoutCancel(ctx)
	var (
		q            *async.ProcessorQueue
		undispatched atomic.Int32
	)
	q = async.NewProcessorQueue(func(jctx context.Context, job async.Job) {
		t := tasks[job.Index]
		out := s.invoke(jctx, t)
		for i, pos := range t.positions {
			res.Results[pos] = out[i]
			if out[i].Outcome == RateLimited {
				q.Stop()
			}
		}
	}, log,
		async.WithWorkers(min(workers, len(tasks))),
		async.WithQueueSize(len(tasks)),
		async.WithProcessTimeout(s.itemTimeout),
		async.WithBaseContext(runCtx),
		async.WithSkipHandler(func(job async.Job) {
			undispatched.Add(int32(len(job.Keys)))
		}),
		async.WithPanicHandler(func(job async.Job, p any) {
			t := tasks[job.Index]
			for _, pos := range t.positions {
				res.Results[pos] = s.failure(Retry(keys[pos], constants.WithDetail(constants.ReasonPanic, fmt.Sprint(p))))
			}
		}),
	)
	for i, t := range tasks {
		if q.Stopped() {
			undispatched.Add(int32(len(t.keys)))
			continue
		}
		if err := q.Enqueue(runCtx, async.Job{Index: i, Keys: t.keys, Timeout: s.itemTimeout * time.Duration(len(t.keys))}); err != nil {
			log.Error("batch.enqueue.failed", "error", err)
			break
		}
	}
	q.Shutdown(runCtx)
	res.Undispatched = int(undispatched.Load())
	if res.Undispatched > 0 {
		log.Info("batch.dispatch.stopped", "undispatched", res.Undispatched)
	}

	effects := s.cut(res)
	for _, r := range res.Results[:res.Attempted] {
		if s.recorder != nil {
			s.recorder.ObserveOutcome(s.name, r.Outcome.String())
		}
	}

	stats, err := s.committer.Commit(runCtx, effects)
	res.Commit = stats
	res.Duration = time.Since(start)
	if s.recorder != nil {
		s.recorder.ObserveBatch(s.name, res.Attempted, res.RateLimited, res.Duration)
	}
	if err != nil {
		return res, err
	}
	log.Info("batch.done",
		"fetched", res.Fetched,
		"attempted", res.Attempted,
		"succeeded", res.Succeeded,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"transient", res.Transient,
		"rate_limited", res.RateLimited,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// plan groups keys into tasks. Plain workers get one task per key.
func (s *Scheduler) plan(keys []string) []task {
	gw, ok := s.worker.(GroupWorker)
	if !ok {
		tasks := make([]task, len(keys))
		for i, k := range keys {
			tasks[i] = task{positions: []int{i}, keys: []string{k}}
		}
		return tasks
	}
	var tasks []task
	index := map[string]int{}
	for i, k := range keys {
		g := gw.Group(k)
		ti, seen := index[g]
		if !seen {
			ti = len(tasks)
			index[g] = ti
			tasks = append(tasks, task{group: g})
		}
		tasks[ti].positions = append(tasks[ti].positions, i)
		tasks[ti].keys = append(tasks[ti].keys, k)
	}
	return tasks
}

type invokeResult struct {
	results []Result
}

// invoke runs the worker for one task under ctx's deadline. A worker that
// overruns the deadline or panics yields TransientError for its keys, with
// the standard transient effects.
func (s *Scheduler) invoke(ctx context.Context, t task) []Result {
	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("worker.panic", "pipeline", s.name, "keys", t.keys, "panic", p)
				out := make([]Result, len(t.keys))
				for i, k := range t.keys {
					out[i] = s.failure(Retry(k, constants.WithDetail(constants.ReasonPanic, fmt.Sprint(p))))
				}
				done <- invokeResult{results: out}
			}
		}()
		if gw, ok := s.worker.(GroupWorker); ok && t.group != "" {
			done <- invokeResult{results: s.normalizeGroup(t.keys, gw.ProcessGroup(ctx, t.group, t.keys))}
			return
		}
		r := s.worker.Process(ctx, t.keys[0])
		r.Key = t.keys[0]
		done <- invokeResult{results: []Result{r}}
	}()

	select {
	case out := <-done:
		return out.results
	case <-ctx.Done():
		s.logger.Warn("worker.timeout", "pipeline", s.name, "keys", t.keys)
		out := make([]Result, len(t.keys))
		for i, k := range t.keys {
			out[i] = s.failure(Retry(k, constants.ReasonTimeout))
		}
		return out
	}
}

// normalizeGroup aligns group results to keys; missing results become
// transient failures.
func (s *Scheduler) normalizeGroup(keys []string, got []Result) []Result {
	byKey := make(map[string]Result, len(got))
	for _, r := range got {
		byKey[r.Key] = r
	}
	out := make([]Result, len(keys))
	for i, k := range keys {
		r, ok := byKey[k]
		if !ok {
			r = s.failure(Retry(k, "no result returned"))
		}
		out[i] = r
	}
	return out
}

// cut finds the first rate-limited or unattempted position, blanks every
// result from there on, tallies the rest and returns their effects.
func (s *Scheduler) cut(res *BatchResult) []Effect {
	cutAt := len(res.Results)
	for i, r := range res.Results {
		if r.Outcome == RateLimited || r.Outcome == NotAttempted {
			cutAt = i
			break
		}
	}
	for i := range res.Results {
		if res.Results[i].Outcome == RateLimited {
			res.RateLimited = true
		}
		if i >= cutAt && res.Results[i].Outcome != RateLimited {
			res.Results[i] = Result{Key: res.Results[i].Key, Outcome: NotAttempted}
		}
	}
	res.Attempted = cutAt

	var effects []Effect
	for _, r := range res.Results[:cutAt] {
		switch r.Outcome {
		case Success:
			res.Succeeded++
		case PermanentEmpty:
			res.Skipped++
		case PermanentError:
			res.Failed++
		case TransientError:
			res.Transient++
		}
		effects = append(effects, r.Effects...)
	}
	return effects
}
