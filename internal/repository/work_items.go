package repository

import (
	"context"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/entity"
)

// ApplyFlag moves a work item out of PENDING. A DONE flag is never
// overwritten, and a missing item is inserted with the given flag.
func (w *Writer) ApplyFlag(ctx context.Context, key string, flag constants.Flag) error {
	if !flag.Valid() {
		return fmt.Errorf("apply flag %s: invalid flag %d", key, flag)
	}
	if flag != constants.FlagPending {
		query, args := w.b.Update(tableWorkItems).
			Set("flag", int(flag)).
			Where(entsql.And(entsql.EQ("key", key), entsql.EQ("flag", int(constants.FlagPending)))).
			Query()
		n, err := w.exec(ctx, query, args)
		if err != nil {
			return fmt.Errorf("apply flag %s: %w", key, err)
		}
		if n > 0 {
			return nil
		}
	}
	found, err := w.exists(ctx, tableWorkItems, entsql.EQ("key", key))
	if err != nil {
		return fmt.Errorf("apply flag %s: %w", key, err)
	}
	if found {
		return nil
	}
	return w.insertWorkItem(ctx, key, flag)
}

func (w *Writer) insertWorkItem(ctx context.Context, key string, flag constants.Flag) error {
	ins := w.b.Insert(tableWorkItems)
	if w.role == RoleLedger {
		ins = ins.Columns("key", "flag", "created_at").Values(key, int(flag), w.now())
	} else {
		ins = ins.Columns("key", "flag").Values(key, int(flag))
	}
	query, args := ins.Query()
	if _, err := w.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert work item %s: %w", key, err)
	}
	return nil
}

// EnqueueKeys adds PENDING work items, ignoring keys that already exist.
func (s *Store) EnqueueKeys(ctx context.Context, keys []string) (int, error) {
	added := 0
	err := s.Atomic(ctx, func(w *Writer) error {
		seen := make(map[string]struct{}, len(keys))
		for _, key := range keys {
			if _, dup := seen[key]; dup || key == "" {
				continue
			}
			seen[key] = struct{}{}
			found, err := w.exists(ctx, tableWorkItems, entsql.EQ("key", key))
			if err != nil {
				return err
			}
			if found {
				continue
			}
			if err := w.insertWorkItem(ctx, key, constants.FlagPending); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	if err != nil {
		s.logger.Error("work_items.enqueue.failed", "role", s.role, "error", err)
		return 0, err
	}
	s.logger.Info("work_items.enqueue.ok", "role", s.role, "requested", len(keys), "added", added)
	return added, nil
}

// pendingSelector is the anti-join of PENDING items against tracking rows
// whose status excludes them from retry.
func (s *Store) pendingSelector(columns ...string) *entsql.Selector {
	b := s.builder()
	w := b.Table(tableWorkItems).As("w")
	t := b.Table(tableTracking).As("t")
	excluded := make([]any, 0, len(constants.TerminalTrackingStatuses))
	for _, st := range constants.TerminalTrackingStatuses {
		excluded = append(excluded, string(st))
	}
	cols := make([]string, 0, len(columns))
	for _, c := range columns {
		cols = append(cols, w.C(c))
	}
	sel := b.Select(cols...).From(w)
	return sel.
		LeftJoin(t).
		OnP(entsql.And(
			entsql.ColumnsEQ(t.C("key"), w.C("key")),
			entsql.In(t.C("status"), excluded...),
		)).
		Where(entsql.And(
			entsql.EQ(w.C("flag"), int(constants.FlagPending)),
			entsql.IsNull(t.C("key")),
		))
}

// FetchPending returns up to limit PENDING keys, skipping keys that already
// have a success or skipped tracking record. Keys never attempted come
// first, then the least recently attempted, then insertion order, so keys
// that keep failing cannot starve the rest of the queue.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]string, error) {
	b := s.builder()
	w := b.Table(tableWorkItems).As("w")
	last := b.Table(tableTracking).As("a")
	sel := s.pendingSelector("key").
		LeftJoin(last).
		On(w.C("key"), last.C("key"))
	sel.OrderExprFunc(func(ob *entsql.Builder) {
		ob.Ident(last.C("key")).WriteString(" IS NOT NULL")
	}).OrderBy(last.C("attempted_at"), w.C("id"))
	query, args := sel.Limit(limit).Query()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("work_items.fetch_pending.failed", "error", err)
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0, limit)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.logger.Debug("work_items.fetch_pending.ok", "limit", limit, "count", len(keys))
	return keys, nil
}

// CountPending counts keys FetchPending would eventually return.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	query, args := s.pendingSelector().Count().Query()
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// GetWorkItem returns the work item for key or ErrNotFound.
func (s *Store) GetWorkItem(ctx context.Context, key string) (*entity.WorkItem, error) {
	b := s.builder()
	cols := []string{"key", "flag"}
	if s.role == RoleLedger {
		cols = append(cols, "created_at")
	}
	query, args := b.Select(cols...).From(b.Table(tableWorkItems)).Where(entsql.EQ("key", key)).Limit(1).Query()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, notFound("work item", key)
	}
	var (
		item entity.WorkItem
		flag int
	)
	dest := []any{&item.Key, &flag}
	if s.role == RoleLedger {
		dest = append(dest, &item.CreatedAt)
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	item.Flag = constants.Flag(flag)
	return &item, nil
}

// ListKeysByFlag returns all keys currently holding flag.
func (s *Store) ListKeysByFlag(ctx context.Context, flag constants.Flag) ([]string, error) {
	b := s.builder()
	query, args := b.Select("key").From(b.Table(tableWorkItems)).Where(entsql.EQ("flag", int(flag))).Query()
	return queryStrings(ctx, s.db, query, args)
}

func queryStrings(ctx context.Context, q Querier, query string, args []any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
