package repository

import (
	"context"
	"fmt"
	"strings"
)

const (
	tableWorkItems   = "work_items"
	tableTracking    = "tracking_records"
	tableOutputs     = "outputs"
	tableLinkReports = "link_reports"
	tableJobs        = "jobs"
	tableJobItems    = "job_items"
)

// ledgerDDL is written for SQLite; postgresDDL rewrites the few types that differ.
var ledgerDDL = []string{
	`CREATE TABLE IF NOT EXISTS work_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL UNIQUE,
		flag INTEGER NOT NULL DEFAULT 0 CHECK (flag IN (0, 1, 2)),
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_work_items_flag ON work_items (flag, id)`,
	`CREATE TABLE IF NOT EXISTS tracking_records (
		key TEXT PRIMARY KEY,
		status TEXT NOT NULL CHECK (status IN ('success', 'skipped', 'failed')),
		reason TEXT NOT NULL DEFAULT '',
		attempted_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tracking_status ON tracking_records (status, key)`,
	`CREATE TABLE IF NOT EXISTS outputs (
		key TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		created_at DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS link_reports (
		key TEXT PRIMARY KEY,
		total_links INTEGER NOT NULL,
		valid_links INTEGER NOT NULL,
		broken_links TEXT NOT NULL,
		has_broken INTEGER NOT NULL,
		validated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		total INTEGER NOT NULL DEFAULT 0,
		processed INTEGER NOT NULL DEFAULT 0,
		successful INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		input_file TEXT NOT NULL DEFAULT '',
		error_message TEXT,
		started_at DATETIME,
		completed_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS job_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
		item_key TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		campaign_id TEXT NOT NULL DEFAULT '',
		campaign_name TEXT NOT NULL DEFAULT '',
		ad_group_id TEXT NOT NULL,
		status TEXT NOT NULL,
		new_ad_resource TEXT,
		error_message TEXT,
		processed_at DATETIME,
		created_at DATETIME NOT NULL,
		UNIQUE (job_id, item_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_items_status ON job_items (job_id, status, id)`,
}

// warehouseDDL only covers the two tables the warehouse owns.
var warehouseDDL = []string{
	`CREATE TABLE IF NOT EXISTS work_items (
		key TEXT NOT NULL,
		flag INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS outputs (
		key TEXT NOT NULL,
		content TEXT NOT NULL
	)`,
}

func postgresDDL(stmt string) string {
	r := strings.NewReplacer(
		"INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY",
		"DATETIME", "TIMESTAMPTZ",
	)
	return r.Replace(stmt)
}

// Migrate creates the tables owned by the store's role.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := ledgerDDL
	if s.role == RoleWarehouse {
		stmts = warehouseDDL
	}
	for _, stmt := range stmts {
		if isPostgres(s.dialect) {
			stmt = postgresDDL(stmt)
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.logger.Error("store.migrate.failed", "role", s.role, "error", err)
			return fmt.Errorf("%s: migrate: %w", s.role, err)
		}
	}
	s.logger.Info("store.migrate.ok", "role", s.role, "statements", len(stmts))
	return nil
}
