package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/workledger/internal/common"
	"github.com/joseph-ayodele/workledger/internal/repository"
)

// Stores is the pair of stores every command works against. Warehouse is
// nil when WAREHOUSE_DSN is empty.
type Stores struct {
	Ledger    *repository.Store
	Warehouse *repository.Store
}

// Outputs returns the store that owns Output rows.
func (s *Stores) Outputs(cfg common.BatchConfig) *repository.Store {
	if cfg.OutputTarget == "warehouse" && s.Warehouse != nil {
		return s.Warehouse
	}
	return s.Ledger
}

// DBConfig maps one store section of the config onto the repository options.
func DBConfig(c common.DatabaseConfig) repository.Config {
	return repository.Config{
		Driver:           c.Driver,
		DSN:              c.DSN,
		MaxConns:         c.MaxConns,
		MinConns:         c.MinConns,
		MaxConnLifetime:  c.MaxConnLifetime,
		MaxConnIdleTime:  c.MaxConnIdleTime,
		DialTimeout:      c.DialTimeout,
		StatementTimeout: c.StatementTimeout,
	}
}

// ConnectStores opens the ledger and, when configured, the warehouse, and
// brings both schemas up to date.
func ConnectStores(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*Stores, error) {
	logger.Info("connecting to ledger", "driver", cfg.Ledger.Driver)
	ledger, err := repository.Open(ctx, DBConfig(cfg.Ledger), repository.RoleLedger, logger)
	if err != nil {
		logger.Error("failed to connect to ledger", "error", err)
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := ledger.Migrate(ctx); err != nil {
		ledger.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	stores := &Stores{Ledger: ledger}

	if cfg.Warehouse.DSN == "" {
		logger.Info("warehouse not configured")
		return stores, nil
	}
	logger.Info("connecting to warehouse")
	wh, err := repository.Open(ctx, DBConfig(cfg.Warehouse), repository.RoleWarehouse, logger)
	if err != nil {
		ledger.Close()
		logger.Error("failed to connect to warehouse", "error", err)
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	if err := wh.Migrate(ctx); err != nil {
		wh.Close()
		ledger.Close()
		return nil, fmt.Errorf("migrate warehouse: %w", err)
	}
	stores.Warehouse = wh
	logger.Info("successfully connected to stores")
	return stores, nil
}

// PingStores pings every configured store and joins the failures.
func (s *Stores) PingStores(ctx context.Context, timeout time.Duration) error {
	var errs []error
	if err := s.Ledger.HealthCheck(ctx, timeout); err != nil {
		errs = append(errs, fmt.Errorf("ledger: %w", err))
	}
	if s.Warehouse != nil {
		if err := s.Warehouse.HealthCheck(ctx, timeout); err != nil {
			errs = append(errs, fmt.Errorf("warehouse: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close closes the database connections gracefully
func (s *Stores) Close() {
	if s.Warehouse != nil {
		s.Warehouse.Close()
	}
	if s.Ledger != nil {
		s.Ledger.Close()
	}
}
