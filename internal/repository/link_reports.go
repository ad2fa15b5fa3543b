package repository

import (
	"context"
	"encoding/json"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/workledger/internal/entity"
)

// SaveLinkReport replaces the stored report for r.Key.
func (w *Writer) SaveLinkReport(ctx context.Context, r entity.LinkReport) error {
	broken := r.BrokenLinks
	if broken == nil {
		broken = []entity.BrokenLink{}
	}
	raw, err := json.Marshal(broken)
	if err != nil {
		return fmt.Errorf("save link report %s: %w", r.Key, err)
	}
	validatedAt := r.ValidatedAt
	if validatedAt.IsZero() {
		validatedAt = w.now()
	}
	hasBroken := 0
	if r.HasBrokenLinks() {
		hasBroken = 1
	}

	query, args := w.b.Update(tableLinkReports).
		Set("total_links", r.TotalLinks).
		Set("valid_links", r.ValidLinks).
		Set("broken_links", string(raw)).
		Set("has_broken", hasBroken).
		Set("validated_at", validatedAt).
		Where(entsql.EQ("key", r.Key)).
		Query()
	n, err := w.exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("save link report %s: %w", r.Key, err)
	}
	if n > 0 {
		return nil
	}
	query, args = w.b.Insert(tableLinkReports).
		Columns("key", "total_links", "valid_links", "broken_links", "has_broken", "validated_at").
		Values(r.Key, r.TotalLinks, r.ValidLinks, string(raw), hasBroken, validatedAt).
		Query()
	if _, err := w.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save link report %s: %w", r.Key, err)
	}
	return nil
}

// ListReportKeys returns the keys that already have a link report.
func (s *Store) ListReportKeys(ctx context.Context) ([]string, error) {
	b := s.builder()
	query, args := b.Select("key").From(b.Table(tableLinkReports)).Query()
	return queryStrings(ctx, s.db, query, args)
}

// ListLinkReports returns stored reports, optionally only those with broken links.
func (s *Store) ListLinkReports(ctx context.Context, brokenOnly bool) ([]entity.LinkReport, error) {
	b := s.builder()
	sel := b.Select("key", "total_links", "valid_links", "broken_links", "validated_at").
		From(b.Table(tableLinkReports))
	if brokenOnly {
		sel = sel.Where(entsql.EQ("has_broken", 1))
	}
	query, args := sel.OrderBy("key").Query()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list link reports: %w", err)
	}
	defer rows.Close()

	var out []entity.LinkReport
	for rows.Next() {
		var (
			r   entity.LinkReport
			raw string
		)
		if err := rows.Scan(&r.Key, &r.TotalLinks, &r.ValidLinks, &raw, &r.ValidatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &r.BrokenLinks); err != nil {
			return nil, fmt.Errorf("decode broken links for %s: %w", r.Key, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
