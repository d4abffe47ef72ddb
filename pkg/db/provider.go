package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fluxorio/switchboard/pkg/statemachine"
)

// placeholderStyle abstracts the one syntax difference between the sqlite
// and postgres providers.
type placeholderStyle int

const (
	questionPlaceholders placeholderStyle = iota // ?, ?, ...
	dollarPlaceholders                           // $1, $2, ...
)

func (s placeholderStyle) rewrite(query string) string {
	if s == questionPlaceholders {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLProvider persists machine records in a single SQL table keyed by
// machine id. It implements statemachine.PersistenceProvider for both
// sqlite and postgres; per-machine write ordering is guaranteed upstream by
// the registry's serial dispatch.
type SQLProvider struct {
	pool  *Pool
	table string

	saveQuery       string
	loadQuery       string
	existsQuery     string
	deleteQuery     string
	isCompleteQuery string
}

var _ statemachine.PersistenceProvider = (*SQLProvider)(nil)

func newSQLProvider(pool *Pool, table string, style placeholderStyle) *SQLProvider {
	if table == "" {
		table = "machines"
	}
	p := &SQLProvider{pool: pool, table: table}
	p.saveQuery = style.rewrite(fmt.Sprintf(`
INSERT INTO %s (machine_id, current_state, last_state_change, complete, context, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (machine_id) DO UPDATE SET
    current_state = excluded.current_state,
    last_state_change = excluded.last_state_change,
    complete = excluded.complete,
    context = excluded.context,
    updated_at = excluded.updated_at`, table))
	p.loadQuery = style.rewrite(fmt.Sprintf(
		`SELECT current_state, last_state_change, complete, context FROM %s WHERE machine_id = ?`, table))
	p.existsQuery = style.rewrite(fmt.Sprintf(
		`SELECT 1 FROM %s WHERE machine_id = ?`, table))
	p.deleteQuery = style.rewrite(fmt.Sprintf(
		`DELETE FROM %s WHERE machine_id = ?`, table))
	p.isCompleteQuery = style.rewrite(fmt.Sprintf(
		`SELECT complete FROM %s WHERE machine_id = ?`, table))
	return p
}

// EnsureSchema creates the machines table if it does not exist.
func (p *SQLProvider) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    machine_id        TEXT PRIMARY KEY,
    current_state     TEXT NOT NULL,
    last_state_change TIMESTAMP NOT NULL,
    complete          BOOLEAN NOT NULL DEFAULT FALSE,
    context           TEXT,
    updated_at        TIMESTAMP NOT NULL
)`, p.table))
	return err
}

func (p *SQLProvider) Save(ctx context.Context, machineID string, rec *statemachine.Record) error {
	_, err := p.pool.Exec(ctx, p.saveQuery,
		machineID, rec.State, rec.LastStateChange.UTC(), rec.Complete, string(rec.Context), time.Now().UTC())
	return err
}

func (p *SQLProvider) Load(ctx context.Context, machineID string) (*statemachine.Record, error) {
	var (
		rec     statemachine.Record
		context sql.NullString
	)
	row := p.pool.QueryRow(ctx, p.loadQuery, machineID)
	err := row.Scan(&rec.State, &rec.LastStateChange, &rec.Complete, &context)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if context.Valid {
		rec.Context = []byte(context.String)
	}
	return &rec, nil
}

func (p *SQLProvider) Exists(ctx context.Context, machineID string) (bool, error) {
	var one int
	err := p.pool.QueryRow(ctx, p.existsQuery, machineID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *SQLProvider) Delete(ctx context.Context, machineID string) error {
	_, err := p.pool.Exec(ctx, p.deleteQuery, machineID)
	return err
}

func (p *SQLProvider) IsComplete(ctx context.Context, machineID string) (bool, error) {
	var complete bool
	err := p.pool.QueryRow(ctx, p.isCompleteQuery, machineID).Scan(&complete)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return complete, nil
}

// Close closes the underlying pool. The registry calls this on shutdown.
func (p *SQLProvider) Close() error { return p.pool.Close() }
