// Package db provides the SQL connection pool and the SQL-backed machine
// persistence providers.
package db

import (
	"context"
	"database/sql"
	"time"
)

// Error is the database error type.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// PoolConfig configures a database connection pool.
type PoolConfig struct {
	// DriverName selects the database/sql driver, e.g. "sqlite3" or
	// "postgres".
	DriverName string
	DSN        string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns sensible pool defaults for a driver and DSN.
func DefaultPoolConfig(driverName, dsn string) PoolConfig {
	return PoolConfig{
		DriverName:      driverName,
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Pool wraps *sql.DB with fail-fast construction: the config is validated
// and the connection verified before any caller sees the pool.
type Pool struct {
	db     *sql.DB
	config PoolConfig
}

// NewPool opens and verifies a connection pool.
func NewPool(config PoolConfig) (*Pool, error) {
	if config.DSN == "" {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "DSN cannot be empty"}
	}
	if config.DriverName == "" {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "DriverName cannot be empty"}
	}
	if config.MaxOpenConns <= 0 {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "MaxOpenConns must be positive"}
	}
	if config.MaxIdleConns < 0 || config.MaxIdleConns > config.MaxOpenConns {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "MaxIdleConns must be in [0, MaxOpenConns]"}
	}

	db, err := sql.Open(config.DriverName, config.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Pool{db: db, config: config}, nil
}

// DB returns the underlying *sql.DB.
func (p *Pool) DB() *sql.DB { return p.db }

// Close closes the pool.
func (p *Pool) Close() error {
	if p == nil || p.db == nil {
		return &Error{Code: "INVALID_STATE", Message: "pool not initialized"}
	}
	return p.db.Close()
}

// Ping verifies the connection.
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Stats returns the pool's connection statistics.
func (p *Pool) Stats() sql.DBStats {
	if p == nil || p.db == nil {
		return sql.DBStats{}
	}
	return p.db.Stats()
}

// Query executes a query that returns rows.
func (p *Pool) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if query == "" {
		return nil, &Error{Code: "INVALID_INPUT", Message: "query cannot be empty"}
	}
	return p.db.QueryContext(ctx, query, args...)
}

// QueryRow executes a query that returns at most one row.
func (p *Pool) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return p.db.QueryRowContext(ctx, query, args...)
}

// Exec executes a statement.
func (p *Pool) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if query == "" {
		return nil, &Error{Code: "INVALID_INPUT", Message: "query cannot be empty"}
	}
	return p.db.ExecContext(ctx, query, args...)
}

// BeginTx starts a transaction.
func (p *Pool) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return p.db.BeginTx(ctx, opts)
}
