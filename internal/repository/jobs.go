package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/entity"
)

// StatusChange describes a guarded job status update.
type StatusChange struct {
	// From lists the statuses the job must currently hold. Empty means any.
	From         []constants.JobStatus
	To           constants.JobStatus
	ErrorMessage *string
	// ClearError nulls error_message; ignored when ErrorMessage is set.
	ClearError  bool
	StartedAt   *time.Time
	CompletedAt *time.Time
}

type JobRepository interface {
	CreateJob(ctx context.Context, name, kind, inputFile string, items []entity.JobItemInput) (*entity.Job, error)
	GetJob(ctx context.Context, id string) (*entity.Job, error)
	ListJobs(ctx context.Context, statuses ...constants.JobStatus) ([]entity.Job, error)
	ChangeStatus(ctx context.Context, id string, change StatusChange) (bool, error)
	DeleteJob(ctx context.Context, id string) error
	Progress(ctx context.Context, id string) (entity.JobProgress, error)
	SaveProgress(ctx context.Context, id string, p entity.JobProgress) error
	ClaimItems(ctx context.Context, jobID string, limit int) ([]entity.JobItem, error)
	ResetItems(ctx context.Context, jobID string, from ...constants.JobItemStatus) (int, error)
	ListItems(ctx context.Context, jobID string, statuses ...constants.JobItemStatus) ([]entity.JobItem, error)
}

type jobRepository struct {
	store *Store
	log   *slog.Logger
}

func NewJobRepository(store *Store, log *slog.Logger) JobRepository {
	if log == nil {
		log = store.logger
	}
	return &jobRepository{store: store, log: log}
}

var jobColumns = []string{
	"id", "name", "kind", "status", "total", "processed", "successful", "failed", "skipped",
	"input_file", "error_message", "started_at", "completed_at", "created_at", "updated_at",
}

var jobItemColumns = []string{
	"id", "job_id", "item_key", "customer_id", "campaign_id", "campaign_name", "ad_group_id",
	"status", "new_ad_resource", "error_message", "processed_at", "created_at",
}

func (r *jobRepository) CreateJob(ctx context.Context, name, kind, inputFile string, items []entity.JobItemInput) (*entity.Job, error) {
	id := uuid.NewString()
	now := r.store.now()
	inserted := 0
	err := r.store.Atomic(ctx, func(w *Writer) error {
		query, args := w.b.Insert(tableJobs).
			Columns("id", "name", "kind", "status", "input_file", "created_at", "updated_at").
			Values(id, name, kind, string(constants.JobStatusPending), inputFile, now, now).
			Query()
		if _, err := w.q.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		for _, in := range items {
			key := in.Key()
			found, err := w.exists(ctx, tableJobItems, entsql.And(entsql.EQ("job_id", id), entsql.EQ("item_key", key)))
			if err != nil {
				return err
			}
			if found {
				continue
			}
			query, args := w.b.Insert(tableJobItems).
				Columns("job_id", "item_key", "customer_id", "campaign_id", "campaign_name", "ad_group_id", "status", "created_at").
				Values(id, key, in.CustomerID, in.CampaignID, in.CampaignName, in.AdGroupID, string(constants.JobItemPending), now).
				Query()
			if _, err := w.q.ExecContext(ctx, query, args...); err != nil {
				return err
			}
			inserted++
		}
		query, args = w.b.Update(tableJobs).Set("total", inserted).Where(entsql.EQ("id", id)).Query()
		_, err := w.q.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		r.log.Error("job create failed", "name", name, "err", err)
		return nil, fmt.Errorf("create job: %w", err)
	}
	r.log.Info("job created", "job_id", id, "name", name, "items", inserted, "duplicates", len(items)-inserted)
	return r.GetJob(ctx, id)
}

func (r *jobRepository) GetJob(ctx context.Context, id string) (*entity.Job, error) {
	b := r.store.builder()
	query, args := b.Select(jobColumns...).From(b.Table(tableJobs)).Where(entsql.EQ("id", id)).Query()
	jobs, err := r.queryJobs(ctx, query, args)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, notFound("job", id)
	}
	return &jobs[0], nil
}

func (r *jobRepository) ListJobs(ctx context.Context, statuses ...constants.JobStatus) ([]entity.Job, error) {
	b := r.store.builder()
	sel := b.Select(jobColumns...).From(b.Table(tableJobs))
	if len(statuses) > 0 {
		sel = sel.Where(entsql.In("status", jobStatusArgs(statuses)...))
	}
	query, args := sel.OrderBy(entsql.Desc("created_at")).Query()
	return r.queryJobs(ctx, query, args)
}

func (r *jobRepository) queryJobs(ctx context.Context, query string, args []any) ([]entity.Job, error) {
	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []entity.Job
	for rows.Next() {
		var (
			j                  entity.Job
			status             string
			errMsg             sql.NullString
			started, completed sql.NullTime
		)
		if err := rows.Scan(&j.ID, &j.Name, &j.Kind, &status, &j.Total, &j.Processed, &j.Successful,
			&j.Failed, &j.Skipped, &j.InputFile, &errMsg, &started, &completed, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.Status = constants.JobStatus(status)
		j.ErrorMessage = nullString(errMsg)
		j.StartedAt = nullTime(started)
		j.CompletedAt = nullTime(completed)
		out = append(out, j)
	}
	return out, rows.Err()
}

// ChangeStatus applies change and reports whether the guard matched.
func (r *jobRepository) ChangeStatus(ctx context.Context, id string, change StatusChange) (bool, error) {
	b := r.store.builder()
	upd := b.Update(tableJobs).
		Set("status", string(change.To)).
		Set("updated_at", r.store.now())
	if change.ErrorMessage != nil {
		upd = upd.Set("error_message", *change.ErrorMessage)
	} else if change.ClearError {
		upd = upd.SetNull("error_message")
	}
	if change.StartedAt != nil {
		upd = upd.Set("started_at", *change.StartedAt)
	}
	if change.CompletedAt != nil {
		upd = upd.Set("completed_at", *change.CompletedAt)
	}
	pred := entsql.EQ("id", id)
	if len(change.From) > 0 {
		pred = entsql.And(pred, entsql.In("status", jobStatusArgs(change.From)...))
	}
	query, args := upd.Where(pred).Query()
	res, err := r.store.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.log.Error("job status change failed", "job_id", id, "to", change.To, "err", err)
		return false, fmt.Errorf("change job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		r.log.Debug("job status change skipped", "job_id", id, "to", change.To)
		return false, nil
	}
	r.log.Info("job status changed", "job_id", id, "to", change.To)
	return true, nil
}

// DeleteJob removes a job and its items.
func (r *jobRepository) DeleteJob(ctx context.Context, id string) error {
	err := r.store.Atomic(ctx, func(w *Writer) error {
		query, args := w.b.Delete(tableJobItems).Where(entsql.EQ("job_id", id)).Query()
		if _, err := w.q.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		query, args = w.b.Delete(tableJobs).Where(entsql.EQ("id", id)).Query()
		n, err := w.exec(ctx, query, args)
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("job", id)
		}
		return nil
	})
	if err != nil {
		r.log.Error("job delete failed", "job_id", id, "err", err)
		return err
	}
	r.log.Info("job deleted", "job_id", id)
	return nil
}

// Progress recomputes counters from job item statuses.
func (r *jobRepository) Progress(ctx context.Context, id string) (entity.JobProgress, error) {
	var p entity.JobProgress
	b := r.store.builder()
	query, args := b.Select("status", entsql.Count("*")).
		From(b.Table(tableJobItems)).
		Where(entsql.EQ("job_id", id)).
		GroupBy("status").
		Query()
	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return p, fmt.Errorf("job progress: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return p, err
		}
		p.Total += n
		switch constants.JobItemStatus(status) {
		case constants.JobItemPending:
			p.Pending += n
		case constants.JobItemProcessing:
			p.Processing += n
		case constants.JobItemCompleted:
			p.Successful += n
		case constants.JobItemFailed:
			p.Failed += n
		case constants.JobItemSkipped:
			p.Skipped += n
		}
	}
	p.Processed = p.Successful + p.Failed + p.Skipped
	return p, rows.Err()
}

func (r *jobRepository) SaveProgress(ctx context.Context, id string, p entity.JobProgress) error {
	b := r.store.builder()
	query, args := b.Update(tableJobs).
		Set("total", p.Total).
		Set("processed", p.Processed).
		Set("successful", p.Successful).
		Set("failed", p.Failed).
		Set("skipped", p.Skipped).
		Set("updated_at", r.store.now()).
		Where(entsql.EQ("id", id)).
		Query()
	if _, err := r.store.db.ExecContext(ctx, query, args...); err != nil {
		r.log.Error("job progress save failed", "job_id", id, "err", err)
		return fmt.Errorf("save job progress: %w", err)
	}
	return nil
}

// ClaimItems returns up to limit unfinished items in insertion order and
// marks them processing.
func (r *jobRepository) ClaimItems(ctx context.Context, jobID string, limit int) ([]entity.JobItem, error) {
	var items []entity.JobItem
	err := r.store.Atomic(ctx, func(w *Writer) error {
		query, args := w.b.Select(jobItemColumns...).
			From(w.b.Table(tableJobItems)).
			Where(entsql.And(
				entsql.EQ("job_id", jobID),
				entsql.In("status", string(constants.JobItemPending), string(constants.JobItemProcessing)),
			)).
			OrderBy("id").
			Limit(limit).
			Query()
		var err error
		if items, err = scanJobItems(ctx, w.q, query, args); err != nil {
			return err
		}
		for i := range items {
			if items[i].Status == constants.JobItemProcessing {
				continue
			}
			query, args := w.b.Update(tableJobItems).
				Set("status", string(constants.JobItemProcessing)).
				Where(entsql.EQ("id", items[i].ID)).
				Query()
			if _, err := w.q.ExecContext(ctx, query, args...); err != nil {
				return err
			}
			items[i].Status = constants.JobItemProcessing
		}
		return nil
	})
	if err != nil {
		r.log.Error("job items claim failed", "job_id", jobID, "err", err)
		return nil, fmt.Errorf("claim job items: %w", err)
	}
	return items, nil
}

// ResetItems moves items in any of the from statuses back to pending.
func (r *jobRepository) ResetItems(ctx context.Context, jobID string, from ...constants.JobItemStatus) (int, error) {
	if len(from) == 0 {
		return 0, nil
	}
	b := r.store.builder()
	query, args := b.Update(tableJobItems).
		Set("status", string(constants.JobItemPending)).
		SetNull("error_message").
		SetNull("processed_at").
		Where(entsql.And(entsql.EQ("job_id", jobID), entsql.In("status", jobItemStatusArgs(from)...))).
		Query()
	res, err := r.store.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reset job items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info("job items reset", "job_id", jobID, "count", n)
	}
	return int(n), nil
}

func (r *jobRepository) ListItems(ctx context.Context, jobID string, statuses ...constants.JobItemStatus) ([]entity.JobItem, error) {
	b := r.store.builder()
	pred := entsql.EQ("job_id", jobID)
	if len(statuses) > 0 {
		pred = entsql.And(pred, entsql.In("status", jobItemStatusArgs(statuses)...))
	}
	query, args := b.Select(jobItemColumns...).From(b.Table(tableJobItems)).Where(pred).OrderBy("id").Query()
	return scanJobItems(ctx, r.store.db, query, args)
}

// UpdateJobItem records the result of processing one job item.
func (w *Writer) UpdateJobItem(ctx context.Context, u entity.JobItemUpdate) error {
	upd := w.b.Update(tableJobItems).Set("status", string(u.Status))
	if u.Status.IsTerminal() {
		upd = upd.Set("processed_at", w.now())
	} else {
		upd = upd.SetNull("processed_at")
	}
	if u.NewResource != "" {
		upd = upd.Set("new_ad_resource", u.NewResource)
	}
	if u.ErrorMessage != "" {
		upd = upd.Set("error_message", u.ErrorMessage)
	} else {
		upd = upd.SetNull("error_message")
	}
	query, args := upd.Where(entsql.And(entsql.EQ("job_id", u.JobID), entsql.EQ("item_key", u.ItemKey))).Query()
	n, err := w.exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("update job item %s/%s: %w", u.JobID, u.ItemKey, err)
	}
	if n == 0 {
		return notFound("job item", u.JobID+"/"+u.ItemKey)
	}
	return nil
}

func scanJobItems(ctx context.Context, q Querier, query string, args []any) ([]entity.JobItem, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query job items: %w", err)
	}
	defer rows.Close()

	var out []entity.JobItem
	for rows.Next() {
		var (
			it               entity.JobItem
			status           string
			resource, errMsg sql.NullString
			processed        sql.NullTime
		)
		if err := rows.Scan(&it.ID, &it.JobID, &it.ItemKey, &it.CustomerID, &it.CampaignID, &it.CampaignName,
			&it.AdGroupID, &status, &resource, &errMsg, &processed, &it.CreatedAt); err != nil {
			return nil, err
		}
		it.Status = constants.JobItemStatus(status)
		it.NewResource = nullString(resource)
		it.ErrorMessage = nullString(errMsg)
		it.ProcessedAt = nullTime(processed)
		out = append(out, it)
	}
	return out, rows.Err()
}

func jobStatusArgs(in []constants.JobStatus) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func jobItemStatusArgs(in []constants.JobItemStatus) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
