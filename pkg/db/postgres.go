package db

import (
	"context"

	_ "github.com/lib/pq" // postgres driver
)

// NewPostgresProvider opens a postgres-backed persistence provider through
// database/sql and ensures its schema.
func NewPostgresProvider(ctx context.Context, cfg PoolConfig, table string) (*SQLProvider, error) {
	cfg.DriverName = "postgres"
	pool, err := NewPool(cfg)
	if err != nil {
		return nil, err
	}
	p := newSQLProvider(pool, table, dollarPlaceholders)
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}
