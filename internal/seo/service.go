package seo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/common"
	"github.com/joseph-ayodele/workledger/internal/core"
	"github.com/joseph-ayodele/workledger/internal/entity"
	"github.com/joseph-ayodele/workledger/internal/repository"
	"github.com/joseph-ayodele/workledger/internal/scrape"
)

// DefaultChunkSize bounds the effects committed per reconciler call during
// imports and flag syncs.
const DefaultChunkSize = 500

// Report is the status overview of the SEO work set.
type Report struct {
	Counts        entity.StatusCounts `json:"counts"`
	RecentOutputs []entity.Output     `json:"recent_outputs"`
}

// Service holds the maintenance operations around the SEO pipeline.
// outputs is whichever store owns Output rows; warehouse may be nil.
type Service struct {
	ledger    *repository.Store
	outputs   *repository.Store
	warehouse *repository.Store
	committer core.Committer
	chunk     int
	log       *slog.Logger
}

func NewService(ledger, outputs, warehouse *repository.Store, committer core.Committer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if outputs == nil {
		outputs = ledger
	}
	return &Service{
		ledger:    ledger,
		outputs:   outputs,
		warehouse: warehouse,
		committer: committer,
		chunk:     DefaultChunkSize,
		log:       logger,
	}
}

// Status reports ledger counts plus the newest outputs.
func (s *Service) Status(ctx context.Context, recent int) (*Report, error) {
	counts, err := s.ledger.Status(ctx)
	if err != nil {
		return nil, err
	}
	rep := &Report{Counts: counts}
	if recent > 0 {
		if rep.RecentOutputs, err = s.outputs.RecentOutputs(ctx, recent); err != nil {
			return nil, err
		}
	}
	return rep, nil
}

// Enqueue adds URLs as PENDING work items. Query strings are dropped and
// duplicates collapse.
func (s *Service) Enqueue(ctx context.Context, urls []string) (int, error) {
	keys := make([]string, 0, len(urls))
	for _, u := range urls {
		if k := scrape.CleanURL(u); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return 0, common.NewAppError("EMPTY_INPUT", "no urls to enqueue", common.ErrInvalidInput)
	}
	return s.ledger.EnqueueKeys(ctx, keys)
}

// Pull copies the warehouse's PENDING keys into the ledger.
func (s *Service) Pull(ctx context.Context) (int, error) {
	if s.warehouse == nil {
		return 0, common.ErrStoreDisabled
	}
	keys, err := s.warehouse.ListKeysByFlag(ctx, constants.FlagPending)
	if err != nil {
		return 0, fmt.Errorf("list warehouse pending: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return s.ledger.EnqueueKeys(ctx, keys)
}

// Import stores pre-generated content. Every row becomes an output, a
// DONE_WITH_OUTPUT flag and a success record, committed in chunks.
func (s *Service) Import(ctx context.Context, rows []entity.Output) (int, error) {
	var effects []core.Effect
	for _, row := range rows {
		key := scrape.CleanURL(row.Key)
		content := strings.TrimSpace(row.Content)
		if key == "" || content == "" {
			continue
		}
		effects = append(effects,
			core.WriteOutput(key, content),
			core.SetFlag(key, constants.FlagDoneWithOutput),
			core.RecordTracking(key, constants.TrackingSuccess, constants.ReasonImported),
		)
	}
	stats, err := s.commitChunks(ctx, effects, 3)
	if err != nil {
		return stats.Outputs, err
	}
	s.log.Info("seo.import.ok", "rows", len(rows), "outputs", stats.Outputs, "output_failures", stats.OutputFailures)
	return stats.Outputs, nil
}

// SyncFlags marks every key with an output DONE_WITH_OUTPUT in both stores
// and records a success for it.
func (s *Service) SyncFlags(ctx context.Context) (core.CommitStats, error) {
	keys, err := s.outputs.ListOutputKeys(ctx)
	if err != nil {
		return core.CommitStats{}, fmt.Errorf("list output keys: %w", err)
	}
	effects := make([]core.Effect, 0, 2*len(keys))
	for _, k := range keys {
		effects = append(effects,
			core.SetFlag(k, constants.FlagDoneWithOutput),
			core.RecordTracking(k, constants.TrackingSuccess, constants.ReasonSynced),
		)
	}
	stats, err := s.commitChunks(ctx, effects, 2)
	if err != nil {
		return stats, err
	}
	s.log.Info("seo.sync_flags.ok", "keys", len(keys), "mirrored", stats.MirroredFlags, "mirror_failures", stats.MirrorFailures)
	return stats, nil
}

// Repair recomputes ledger flags from output presence and tracking.
func (s *Service) Repair(ctx context.Context) (int, error) {
	keys, err := s.outputs.ListOutputKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list output keys: %w", err)
	}
	return s.ledger.Repair(ctx, keys)
}

// Dedupe keeps one output row per key in the output store.
func (s *Service) Dedupe(ctx context.Context) (int, error) {
	return s.outputs.DedupeOutputs(ctx)
}

// commitChunks commits effects in slices that never split one key's
// effects; per is the number of effects each key contributes.
func (s *Service) commitChunks(ctx context.Context, effects []core.Effect, per int) (core.CommitStats, error) {
	var total core.CommitStats
	step := s.chunk * per
	for start := 0; start < len(effects); start += step {
		end := min(start+step, len(effects))
		stats, err := s.committer.Commit(ctx, effects[start:end])
		addStats(&total, stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func addStats(dst *core.CommitStats, s core.CommitStats) {
	dst.Outputs += s.Outputs
	dst.Flags += s.Flags
	dst.MirroredFlags += s.MirroredFlags
	dst.Tracking += s.Tracking
	dst.LinkReports += s.LinkReports
	dst.JobItems += s.JobItems
	dst.OutputFailures += s.OutputFailures
	dst.MirrorFailures += s.MirrorFailures
}
