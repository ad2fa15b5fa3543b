package jobs

import (
	"context"

	"github.com/joseph-ayodele/workledger/internal/core"
)

// scopeWorker wraps w so its results only touch the job items of jobID.
// Work item and tracking effects produced by w are dropped; a job keeps its
// own state in job_items.
func scopeWorker(jobID string, w core.Worker) core.Worker {
	jw := &jobWorker{jobID: jobID, inner: w}
	if gw, ok := w.(core.GroupWorker); ok {
		return &jobGroupWorker{jobWorker: jw, group: gw}
	}
	return jw
}

type jobWorker struct {
	jobID string
	inner core.Worker
}

func (w *jobWorker) Process(ctx context.Context, key string) core.Result {
	return w.scope(w.inner.Process(ctx, key))
}

func (w *jobWorker) scope(r core.Result) core.Result {
	return scopeResult(w.jobID, r)
}

// scopeResult replaces the effects of r with the matching job item update.
func scopeResult(jobID string, r core.Result) core.Result {
	r.Effects = nil
	if e, ok := core.JobItemEffect(jobID, r); ok {
		r.Effects = []core.Effect{e}
	}
	return r
}

type jobGroupWorker struct {
	*jobWorker
	group core.GroupWorker
}

func (w *jobGroupWorker) Group(key string) string { return w.group.Group(key) }

func (w *jobGroupWorker) ProcessGroup(ctx context.Context, group string, keys []string) []core.Result {
	out := w.group.ProcessGroup(ctx, group, keys)
	for i := range out {
		out[i] = w.scope(out[i])
	}
	return out
}
