package linkcheck

import (
	"context"
	"errors"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/core"
	"github.com/joseph-ayodele/workledger/internal/entity"
)

// OutputReader reads outputs from whichever store owns them.
type OutputReader interface {
	GetOutput(ctx context.Context, key string) (*entity.Output, error)
	ListOutputKeys(ctx context.Context) ([]string, error)
}

// ReportLister lists the keys that already have a link report.
type ReportLister interface {
	ListReportKeys(ctx context.Context) ([]string, error)
}

// PendingSource yields output keys without a link report.
func PendingSource(outputs OutputReader, reports ReportLister) core.SourceFunc {
	return func(ctx context.Context, limit int) ([]string, error) {
		keys, err := outputs.ListOutputKeys(ctx)
		if err != nil {
			return nil, err
		}
		done, err := reports.ListReportKeys(ctx)
		if err != nil {
			return nil, err
		}
		skip := make(map[string]bool, len(done))
		for _, k := range done {
			skip[k] = true
		}
		var out []string
		for _, k := range keys {
			if skip[k] {
				continue
			}
			out = append(out, k)
			if len(out) == limit {
				break
			}
		}
		return out, nil
	}
}

// Worker validates the links of one output and yields a SaveLinkReport effect.
type Worker struct {
	checker *Checker
	outputs OutputReader
}

func NewWorker(checker *Checker, outputs OutputReader) *Worker {
	return &Worker{checker: checker, outputs: outputs}
}

func (w *Worker) Process(ctx context.Context, key string) core.Result {
	out, err := w.outputs.GetOutput(ctx, key)
	if err != nil {
		return core.Retry(key, err.Error())
	}
	report, err := w.checker.Validate(ctx, key, out.Content)
	switch {
	case errors.Is(err, ErrRateLimited):
		return core.Throttled(key, constants.ReasonRateLimited)
	case err != nil:
		return core.Retry(key, err.Error())
	}
	r := core.Succeeded(key, "")
	r.Effects = []core.Effect{core.SaveLinkReport(report)}
	return r
}
