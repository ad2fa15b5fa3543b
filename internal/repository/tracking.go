package repository

import (
	"context"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/entity"
)

// RecordOutcome upserts the tracking record for key. The latest attempt wins,
// except that a success record is never replaced by a later non-success.
func (w *Writer) RecordOutcome(ctx context.Context, key string, status constants.TrackingStatus, reason string) error {
	if w.role != RoleLedger {
		return fmt.Errorf("record outcome %s: tracking lives in the ledger", key)
	}
	now := w.now()
	pred := entsql.EQ("key", key)
	if status != constants.TrackingSuccess {
		pred = entsql.And(pred, entsql.NEQ("status", string(constants.TrackingSuccess)))
	}
	query, args := w.b.Update(tableTracking).
		Set("status", string(status)).
		Set("reason", reason).
		Set("attempted_at", now).
		Where(pred).
		Query()
	n, err := w.exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", key, err)
	}
	if n > 0 {
		return nil
	}
	found, err := w.exists(ctx, tableTracking, entsql.EQ("key", key))
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", key, err)
	}
	if found {
		return nil
	}
	query, args = w.b.Insert(tableTracking).
		Columns("key", "status", "reason", "attempted_at").
		Values(key, string(status), reason, now).
		Query()
	if _, err := w.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("record outcome %s: %w", key, err)
	}
	return nil
}

// GetTracking returns the tracking record for key or ErrNotFound.
func (s *Store) GetTracking(ctx context.Context, key string) (*entity.TrackingRecord, error) {
	recs, err := s.listTracking(ctx, entsql.EQ("key", key), 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, notFound("tracking record", key)
	}
	return &recs[0], nil
}

// ListTracking returns tracking records with any of the given statuses,
// most recent attempt first.
func (s *Store) ListTracking(ctx context.Context, statuses ...constants.TrackingStatus) ([]entity.TrackingRecord, error) {
	var pred *entsql.Predicate
	if len(statuses) > 0 {
		vals := make([]any, len(statuses))
		for i, st := range statuses {
			vals[i] = string(st)
		}
		pred = entsql.In("status", vals...)
	}
	return s.listTracking(ctx, pred, 0)
}

func (s *Store) listTracking(ctx context.Context, pred *entsql.Predicate, limit int) ([]entity.TrackingRecord, error) {
	b := s.builder()
	sel := b.Select("key", "status", "reason", "attempted_at").From(b.Table(tableTracking))
	if pred != nil {
		sel = sel.Where(pred)
	}
	sel = sel.OrderBy(entsql.Desc("attempted_at"), "key")
	if limit > 0 {
		sel = sel.Limit(limit)
	}
	query, args := sel.Query()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("tracking.list.failed", "error", err)
		return nil, fmt.Errorf("list tracking: %w", err)
	}
	defer rows.Close()

	var out []entity.TrackingRecord
	for rows.Next() {
		var (
			rec    entity.TrackingRecord
			status string
		)
		if err := rows.Scan(&rec.Key, &status, &rec.Reason, &rec.AttemptedAt); err != nil {
			return nil, err
		}
		rec.Status = constants.TrackingStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Status aggregates work item and tracking counts.
func (s *Store) Status(ctx context.Context) (entity.StatusCounts, error) {
	var sc entity.StatusCounts
	b := s.builder()

	count := func(table string, pred *entsql.Predicate) (int, error) {
		sel := b.Select(entsql.Count("*")).From(b.Table(table))
		if pred != nil {
			sel = sel.Where(pred)
		}
		query, args := sel.Query()
		var n int
		err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
		return n, err
	}

	var err error
	if sc.Total, err = count(tableWorkItems, nil); err != nil {
		return sc, fmt.Errorf("status: %w", err)
	}
	if sc.Processed, err = count(tableWorkItems, entsql.NEQ("flag", int(constants.FlagPending))); err != nil {
		return sc, fmt.Errorf("status: %w", err)
	}
	if sc.Succeeded, err = count(tableTracking, entsql.EQ("status", string(constants.TrackingSuccess))); err != nil {
		return sc, fmt.Errorf("status: %w", err)
	}
	if sc.Skipped, err = count(tableTracking, entsql.EQ("status", string(constants.TrackingSkipped))); err != nil {
		return sc, fmt.Errorf("status: %w", err)
	}
	if sc.Failed, err = count(tableTracking, entsql.EQ("status", string(constants.TrackingFailed))); err != nil {
		return sc, fmt.Errorf("status: %w", err)
	}
	if sc.Pending, err = s.CountPending(ctx); err != nil {
		return sc, fmt.Errorf("status: %w", err)
	}
	return sc, nil
}

// Repair recomputes ledger flags from output presence and tracking status.
// Keys with an output become DONE_WITH_OUTPUT; keys with a skipped record
// and no output become DONE_NO_OUTPUT. It returns the number of keys touched.
func (s *Store) Repair(ctx context.Context, outputKeys []string) (int, error) {
	skipped, err := s.ListTracking(ctx, constants.TrackingSkipped)
	if err != nil {
		return 0, err
	}
	hasOutput := make(map[string]struct{}, len(outputKeys))
	for _, k := range outputKeys {
		hasOutput[k] = struct{}{}
	}
	touched := 0
	err = s.Atomic(ctx, func(w *Writer) error {
		for _, k := range outputKeys {
			if err := w.ApplyFlag(ctx, k, constants.FlagDoneWithOutput); err != nil {
				return err
			}
			touched++
		}
		for _, rec := range skipped {
			if _, ok := hasOutput[rec.Key]; ok {
				continue
			}
			if err := w.ApplyFlag(ctx, rec.Key, constants.FlagDoneNoOutput); err != nil {
				return err
			}
			touched++
		}
		return nil
	})
	if err != nil {
		s.logger.Error("work_items.repair.failed", "error", err)
		return 0, err
	}
	s.logger.Info("work_items.repair.ok", "touched", touched)
	return touched, nil
}
