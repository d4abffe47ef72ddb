package db

import (
	"context"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// NewSQLiteProvider opens a sqlite-backed persistence provider and ensures
// its schema. Suited to single-node deployments and tests; for shared
// in-memory databases use a DSN like
// "file:switchboard?mode=memory&cache=shared".
func NewSQLiteProvider(ctx context.Context, cfg PoolConfig, table string) (*SQLProvider, error) {
	cfg.DriverName = "sqlite3"
	// sqlite serializes writers anyway; extra open conns only add lock
	// contention on file databases.
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 1
	}
	pool, err := NewPool(cfg)
	if err != nil {
		return nil, err
	}
	p := newSQLProvider(pool, table, questionPlaceholders)
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}
