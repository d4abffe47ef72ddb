package db

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxorio/switchboard/pkg/statemachine"
)

// PartitionedProvider spreads machine records over N hash partitions in
// postgres via pgx. Large fleets keep per-table row counts and index depth
// bounded without any routing state: the partition is a pure function of
// the machine id.
type PartitionedProvider struct {
	pool       *pgxpool.Pool
	table      string
	partitions int
}

var _ statemachine.PersistenceProvider = (*PartitionedProvider)(nil)

// NewPartitionedProvider connects a pgx pool and ensures the partition
// tables exist. partitions must be positive; the value is part of the data
// layout and must not change once records exist.
func NewPartitionedProvider(ctx context.Context, dsn, table string, partitions int) (*PartitionedProvider, error) {
	if partitions <= 0 {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "partitions must be positive"}
	}
	if table == "" {
		table = "machines"
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	p := &PartitionedProvider{pool: pool, table: table, partitions: partitions}
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// EnsureSchema creates every partition table that does not exist yet.
func (p *PartitionedProvider) EnsureSchema(ctx context.Context) error {
	for i := 0; i < p.partitions; i++ {
		_, err := p.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    machine_id        TEXT PRIMARY KEY,
    current_state     TEXT NOT NULL,
    last_state_change TIMESTAMPTZ NOT NULL,
    complete          BOOLEAN NOT NULL DEFAULT FALSE,
    context           JSONB,
    updated_at        TIMESTAMPTZ NOT NULL
)`, p.partitionTable(i)))
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *PartitionedProvider) partitionTable(i int) string {
	return fmt.Sprintf("%s_p%02d", p.table, i)
}

// partitionFor maps a machine id to its partition table. The modulus is
// taken in uint32 so hashes above MaxInt32 cannot produce a negative index.
func (p *PartitionedProvider) partitionFor(machineID string) string {
	h := fnv.New32a()
	h.Write([]byte(machineID))
	return p.partitionTable(int(h.Sum32() % uint32(p.partitions)))
}

func (p *PartitionedProvider) Save(ctx context.Context, machineID string, rec *statemachine.Record) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (machine_id, current_state, last_state_change, complete, context, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (machine_id) DO UPDATE SET
    current_state = excluded.current_state,
    last_state_change = excluded.last_state_change,
    complete = excluded.complete,
    context = excluded.context,
    updated_at = excluded.updated_at`, p.partitionFor(machineID)),
		machineID, rec.State, rec.LastStateChange.UTC(), rec.Complete, rec.Context, time.Now().UTC())
	return err
}

func (p *PartitionedProvider) Load(ctx context.Context, machineID string) (*statemachine.Record, error) {
	var rec statemachine.Record
	err := p.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT current_state, last_state_change, complete, context FROM %s WHERE machine_id = $1`,
		p.partitionFor(machineID)), machineID).
		Scan(&rec.State, &rec.LastStateChange, &rec.Complete, &rec.Context)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *PartitionedProvider) Exists(ctx context.Context, machineID string) (bool, error) {
	var one int
	err := p.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT 1 FROM %s WHERE machine_id = $1`, p.partitionFor(machineID)), machineID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *PartitionedProvider) Delete(ctx context.Context, machineID string) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE machine_id = $1`, p.partitionFor(machineID)), machineID)
	return err
}

func (p *PartitionedProvider) IsComplete(ctx context.Context, machineID string) (bool, error) {
	var complete bool
	err := p.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT complete FROM %s WHERE machine_id = $1`, p.partitionFor(machineID)), machineID).Scan(&complete)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return complete, nil
}

// Close releases the pgx pool.
func (p *PartitionedProvider) Close() error {
	p.pool.Close()
	return nil
}
