package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/entity"
	"github.com/joseph-ayodele/workledger/internal/repository"
)

// CommitStats counts what one commit applied.
type CommitStats struct {
	Outputs        int `json:"outputs"`
	Flags          int `json:"flags"`
	MirroredFlags  int `json:"mirrored_flags"`
	Tracking       int `json:"tracking"`
	LinkReports    int `json:"link_reports"`
	JobItems       int `json:"job_items"`
	OutputFailures int `json:"output_failures"`
	MirrorFailures int `json:"mirror_failures"`
}

// Reconciler is the single writer for a batch. Outputs are written before
// flags; remote writes run one statement at a time on a held connection;
// ledger writes share one transaction.
type Reconciler struct {
	ledger    repository.EffectStore
	warehouse repository.EffectStore
	// outputsRemote routes WriteOutput to the warehouse instead of the ledger.
	outputsRemote bool
	logger        *slog.Logger
}

// NewReconciler builds a reconciler. warehouse may be nil; outputs are then
// always kept in the ledger.
func NewReconciler(ledger, warehouse repository.EffectStore, outputsRemote bool, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		ledger:        ledger,
		warehouse:     warehouse,
		outputsRemote: outputsRemote && warehouse != nil,
		logger:        logger,
	}
}

// Commit applies effects. A key whose output cannot be written loses its
// flag and success effects and is recorded as failed, so it stays PENDING.
// Flags are mirrored to the warehouse after the ledger transaction commits.
func (r *Reconciler) Commit(ctx context.Context, effects []Effect) (CommitStats, error) {
	var stats CommitStats
	if len(effects) == 0 {
		return stats, nil
	}

	failed := map[string]string{}
	if r.outputsRemote {
		if err := r.writeRemoteOutputs(ctx, effects, failed, &stats); err != nil {
			return stats, err
		}
		effects = demoteFailedOutputs(effects, failed)
	}

	err := r.ledger.Atomic(ctx, func(w *repository.Writer) error {
		for _, e := range effects {
			if err := r.applyLocal(ctx, w, e, &stats); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error("batch.commit.failed", "error", err, "effects", len(effects))
		return stats, fmt.Errorf("commit ledger effects: %w", err)
	}
	// The warehouse only ever sees flags the ledger has committed.
	if r.warehouse != nil {
		r.mirrorFlags(ctx, effects, &stats)
	}
	r.logger.Info("batch.commit.ok",
		"outputs", stats.Outputs,
		"flags", stats.Flags,
		"mirrored_flags", stats.MirroredFlags,
		"tracking", stats.Tracking,
		"link_reports", stats.LinkReports,
		"job_items", stats.JobItems,
		"output_failures", stats.OutputFailures,
		"mirror_failures", stats.MirrorFailures,
	)
	return stats, nil
}

func (r *Reconciler) writeRemoteOutputs(ctx context.Context, effects []Effect, failed map[string]string, stats *CommitStats) error {
	var outputs []Effect
	for _, e := range effects {
		if e.Kind == EffectWriteOutput {
			outputs = append(outputs, e)
		}
	}
	if len(outputs) == 0 {
		return nil
	}
	err := r.warehouse.Sequential(ctx, func(w *repository.Writer) error {
		for _, e := range outputs {
			if err := w.WriteOutput(ctx, e.Key, e.Content); err != nil {
				r.logger.Warn("batch.commit.output_failed", "key", e.Key, "error", err)
				failed[e.Key] = err.Error()
				stats.OutputFailures++
				continue
			}
			stats.Outputs++
		}
		return nil
	})
	if err != nil {
		// No connection: every output in the batch counts as failed.
		r.logger.Error("batch.commit.outputs_unavailable", "error", err)
		for _, e := range outputs {
			if _, ok := failed[e.Key]; !ok {
				failed[e.Key] = err.Error()
				stats.OutputFailures++
			}
		}
	}
	return nil
}

// demoteFailedOutputs rewrites the effects of keys whose output write failed.
func demoteFailedOutputs(effects []Effect, failed map[string]string) []Effect {
	if len(failed) == 0 {
		return effects
	}
	out := make([]Effect, 0, len(effects))
	demoted := map[string]bool{}
	for _, e := range effects {
		cause, ok := failed[e.Key]
		if !ok {
			out = append(out, e)
			continue
		}
		reason := constants.WithDetail(constants.ReasonOutputWrite, cause)
		switch e.Kind {
		case EffectWriteOutput, EffectSetFlag, EffectRecordTracking:
			if !demoted[e.Key] {
				demoted[e.Key] = true
				out = append(out, RecordTracking(e.Key, constants.TrackingFailed, reason))
			}
		case EffectSetJobItem:
			u := *e.JobItem
			u.Status = constants.JobItemFailed
			u.NewResource = ""
			u.ErrorMessage = reason
			out = append(out, SetJobItem(u))
		default:
			out = append(out, e)
		}
	}
	return out
}

func (r *Reconciler) mirrorFlags(ctx context.Context, effects []Effect, stats *CommitStats) {
	var flags []Effect
	for _, e := range effects {
		if e.Kind == EffectSetFlag {
			flags = append(flags, e)
		}
	}
	if len(flags) == 0 {
		return
	}
	err := r.warehouse.Sequential(ctx, func(w *repository.Writer) error {
		for _, e := range flags {
			if err := w.ApplyFlag(ctx, e.Key, e.Flag); err != nil {
				r.logger.Warn("batch.commit.mirror_failed", "key", e.Key, "flag", e.Flag.String(), "error", err)
				stats.MirrorFailures++
				continue
			}
			stats.MirroredFlags++
		}
		return nil
	})
	if err != nil {
		r.logger.Error("batch.commit.mirror_unavailable", "error", err, "flags", len(flags))
		stats.MirrorFailures += len(flags) - stats.MirroredFlags
	}
}

func (r *Reconciler) applyLocal(ctx context.Context, w *repository.Writer, e Effect, stats *CommitStats) error {
	switch e.Kind {
	case EffectWriteOutput:
		if r.outputsRemote {
			return nil
		}
		if err := w.WriteOutput(ctx, e.Key, e.Content); err != nil {
			return err
		}
		stats.Outputs++
	case EffectSetFlag:
		if err := w.ApplyFlag(ctx, e.Key, e.Flag); err != nil {
			return err
		}
		stats.Flags++
	case EffectRecordTracking:
		if err := w.RecordOutcome(ctx, e.Key, e.Status, e.Reason); err != nil {
			return err
		}
		stats.Tracking++
	case EffectSaveLinkReport:
		if e.Report == nil {
			return fmt.Errorf("link report effect for %s has no report", e.Key)
		}
		if err := w.SaveLinkReport(ctx, *e.Report); err != nil {
			return err
		}
		stats.LinkReports++
	case EffectSetJobItem:
		if e.JobItem == nil {
			return fmt.Errorf("job item effect for %s has no update", e.Key)
		}
		if err := w.UpdateJobItem(ctx, *e.JobItem); err != nil {
			return err
		}
		stats.JobItems++
	default:
		return fmt.Errorf("unknown effect kind %s for %s", e.Kind, e.Key)
	}
	return nil
}

// JobItemEffect builds the job item update for a result inside job jobID.
func JobItemEffect(jobID string, res Result) (Effect, bool) {
	status, ok := JobItemStatusFor(res.Outcome)
	if !ok {
		return Effect{}, false
	}
	u := entity.JobItemUpdate{JobID: jobID, ItemKey: res.Key, Status: status}
	if status == constants.JobItemCompleted {
		u.NewResource = res.Resource
	} else {
		u.ErrorMessage = res.Reason
	}
	return SetJobItem(u), true
}
