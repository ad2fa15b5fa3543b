package repository

import (
	"context"
	"database/sql"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/workledger/internal/entity"
)

// WriteOutput stores content for key, replacing any earlier content.
func (w *Writer) WriteOutput(ctx context.Context, key, content string) error {
	query, args := w.b.Update(tableOutputs).Set("content", content).Where(entsql.EQ("key", key)).Query()
	n, err := w.exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("write output %s: %w", key, err)
	}
	if n > 0 {
		return nil
	}
	ins := w.b.Insert(tableOutputs)
	if w.role == RoleLedger {
		ins = ins.Columns("key", "content", "created_at").Values(key, content, w.now())
	} else {
		ins = ins.Columns("key", "content").Values(key, content)
	}
	query, args = ins.Query()
	if _, err := w.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("write output %s: %w", key, err)
	}
	return nil
}

// HasOutput reports whether any output row exists for key.
func (s *Store) HasOutput(ctx context.Context, key string) (bool, error) {
	found, err := exists(ctx, s.db, s.builder(), tableOutputs, entsql.EQ("key", key))
	if err != nil {
		return false, fmt.Errorf("has output %s: %w", key, err)
	}
	return found, nil
}

// GetOutput returns the output for key or ErrNotFound.
func (s *Store) GetOutput(ctx context.Context, key string) (*entity.Output, error) {
	outs, err := s.listOutputs(ctx, entsql.EQ("key", key), 1)
	if err != nil {
		return nil, err
	}
	if len(outs) == 0 {
		return nil, notFound("output", key)
	}
	return &outs[0], nil
}

// RecentOutputs returns up to limit outputs, newest first where the store
// records creation time.
func (s *Store) RecentOutputs(ctx context.Context, limit int) ([]entity.Output, error) {
	return s.listOutputs(ctx, nil, limit)
}

// ListOutputKeys returns the distinct keys that have an output.
func (s *Store) ListOutputKeys(ctx context.Context) ([]string, error) {
	b := s.builder()
	query, args := b.Select("key").Distinct().From(b.Table(tableOutputs)).OrderBy("key").Query()
	keys, err := queryStrings(ctx, s.db, query, args)
	if err != nil {
		return nil, fmt.Errorf("list output keys: %w", err)
	}
	return keys, nil
}

func (s *Store) listOutputs(ctx context.Context, pred *entsql.Predicate, limit int) ([]entity.Output, error) {
	b := s.builder()
	cols := []string{"key", "content"}
	if s.role == RoleLedger {
		cols = append(cols, "created_at")
	}
	sel := b.Select(cols...).From(b.Table(tableOutputs))
	if pred != nil {
		sel = sel.Where(pred)
	}
	if s.role == RoleLedger {
		sel = sel.OrderBy(entsql.Desc("created_at"), "key")
	} else {
		sel = sel.OrderBy("key")
	}
	if limit > 0 {
		sel = sel.Limit(limit)
	}
	query, args := sel.Query()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("outputs.list.failed", "role", s.role, "error", err)
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	defer rows.Close()

	var out []entity.Output
	for rows.Next() {
		var o entity.Output
		dest := []any{&o.Key, &o.Content}
		var created sql.NullTime
		if s.role == RoleLedger {
			dest = append(dest, &created)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if created.Valid {
			t := created.Time
			o.CreatedAt = &t
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// DedupeOutputs keeps one output row per key. Each duplicated key is
// rewritten with its first row's content, one statement at a time.
func (s *Store) DedupeOutputs(ctx context.Context) (int, error) {
	b := s.builder()
	query, args := b.Select("key").
		From(b.Table(tableOutputs)).
		GroupBy("key").
		Having(entsql.ExprP("COUNT(*) > 1")).
		Query()
	dupes, err := queryStrings(ctx, s.db, query, args)
	if err != nil {
		return 0, fmt.Errorf("dedupe outputs: %w", err)
	}
	if len(dupes) == 0 {
		s.logger.Info("outputs.dedupe.ok", "role", s.role, "keys", 0)
		return 0, nil
	}

	fixed := 0
	err = s.Sequential(ctx, func(w *Writer) error {
		for _, key := range dupes {
			var content string
			q, a := w.b.Select("content").From(w.b.Table(tableOutputs)).Where(entsql.EQ("key", key)).Limit(1).Query()
			if err := w.q.QueryRowContext(ctx, q, a...).Scan(&content); err != nil {
				return fmt.Errorf("dedupe %s: %w", key, err)
			}
			q, a = w.b.Delete(tableOutputs).Where(entsql.EQ("key", key)).Query()
			if _, err := w.q.ExecContext(ctx, q, a...); err != nil {
				return fmt.Errorf("dedupe %s: %w", key, err)
			}
			if err := w.WriteOutput(ctx, key, content); err != nil {
				return err
			}
			fixed++
		}
		return nil
	})
	if err != nil {
		s.logger.Error("outputs.dedupe.failed", "role", s.role, "fixed", fixed, "error", err)
		return fixed, err
	}
	s.logger.Info("outputs.dedupe.ok", "role", s.role, "keys", fixed)
	return fixed, nil
}
