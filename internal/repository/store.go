package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joseph-ayodele/workledger/internal/common"
)

// Role tells a store which tables it owns.
type Role string

const (
	// RoleLedger is the local store holding work items, tracking, jobs and reports.
	RoleLedger Role = "ledger"
	// RoleWarehouse is the remote store holding only work item flags and outputs.
	RoleWarehouse Role = "warehouse"
)

// Querier is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EffectStore is what the reconciler commits through.
type EffectStore interface {
	Role() Role
	// Atomic runs fn inside one transaction.
	Atomic(ctx context.Context, fn func(*Writer) error) error
	// Sequential runs fn on one held connection, one statement at a time,
	// without a surrounding transaction.
	Sequential(ctx context.Context, fn func(*Writer) error) error
}

// Store is a SQL store bound to one dialect.
type Store struct {
	db      *sql.DB
	pool    *pgxpool.Pool
	dialect string
	role    Role
	logger  *slog.Logger
	now     func() time.Time
}

func NewStore(db *sql.DB, dialectName string, role Role, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:      db,
		dialect: dialectName,
		role:    role,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() string { return s.dialect }

func (s *Store) Role() Role { return s.role }

func (s *Store) builder() *entsql.DialectBuilder {
	return entsql.Dialect(s.dialect)
}

func (s *Store) writer(q Querier) *Writer {
	return &Writer{q: q, b: s.builder(), role: s.role, now: s.now, logger: s.logger}
}

// Atomic runs fn inside one transaction and commits when fn returns nil.
func (s *Store) Atomic(ctx context.Context, fn func(*Writer) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin tx: %w", s.role, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error("store.tx.rollback_failed", "role", s.role, "error", rbErr)
			}
		}
	}()
	if err = fn(s.writer(tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit tx: %w", s.role, err)
	}
	return nil
}

// Sequential holds one connection for the duration of fn. Statements are
// committed individually, so a failure leaves earlier statements applied.
func (s *Store) Sequential(ctx context.Context, fn func(*Writer) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%s: acquire conn: %w", s.role, err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			s.logger.Warn("store.conn.close_failed", "role", s.role, "error", cerr)
		}
	}()
	return fn(s.writer(conn))
}

// Writer issues single-row writes against a Querier. Every method is
// idempotent so a partially applied commit can be replayed.
type Writer struct {
	q      Querier
	b      *entsql.DialectBuilder
	role   Role
	now    func() time.Time
	logger *slog.Logger
}

func (w *Writer) exec(ctx context.Context, query string, args []any) (int64, error) {
	res, err := w.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (w *Writer) exists(ctx context.Context, table string, pred *entsql.Predicate) (bool, error) {
	return exists(ctx, w.q, w.b, table, pred)
}

func exists(ctx context.Context, q Querier, b *entsql.DialectBuilder, table string, pred *entsql.Predicate) (bool, error) {
	query, args := b.Select(entsql.Count("*")).From(b.Table(table)).Where(pred).Query()
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func isPostgres(d string) bool { return d == dialect.Postgres }

func notFound(what, key string) error {
	return fmt.Errorf("%s %q: %w", what, key, common.ErrNotFound)
}
