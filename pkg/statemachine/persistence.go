package statemachine

import (
	"context"
	"sync"
)

// PersistenceProvider is the narrow durable-storage contract for machine
// records. Implementations must be safe for concurrent use across different
// ids; same-id ordering is guaranteed by per-machine serialization in the
// registry.
//
// Load returns (nil, nil) when no record exists.
type PersistenceProvider interface {
	Save(ctx context.Context, machineID string, rec *Record) error
	Load(ctx context.Context, machineID string) (*Record, error)
	Exists(ctx context.Context, machineID string) (bool, error)
	Delete(ctx context.Context, machineID string) error
	IsComplete(ctx context.Context, machineID string) (bool, error)
}

// MemoryProvider keeps records in a map. For tests and in-memory-only
// deployments.
type MemoryProvider struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{records: make(map[string]Record)}
}

func (p *MemoryProvider) Save(ctx context.Context, machineID string, rec *Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	stored := *rec
	stored.Context = append([]byte(nil), rec.Context...)
	p.records[machineID] = stored
	return nil
}

func (p *MemoryProvider) Load(ctx context.Context, machineID string) (*Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[machineID]
	if !ok {
		return nil, nil
	}
	out := rec
	out.Context = append([]byte(nil), rec.Context...)
	return &out, nil
}

func (p *MemoryProvider) Exists(ctx context.Context, machineID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.records[machineID]
	return ok, nil
}

func (p *MemoryProvider) Delete(ctx context.Context, machineID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, machineID)
	return nil
}

func (p *MemoryProvider) IsComplete(ctx context.Context, machineID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[machineID]
	return ok && rec.Complete, nil
}

// Count returns the number of stored records.
func (p *MemoryProvider) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records)
}

// NoPersistence discards saves and never finds a record. Using it
// implicitly disables rehydration.
type NoPersistence struct{}

func (NoPersistence) Save(ctx context.Context, machineID string, rec *Record) error { return nil }
func (NoPersistence) Load(ctx context.Context, machineID string) (*Record, error)   { return nil, nil }
func (NoPersistence) Exists(ctx context.Context, machineID string) (bool, error)    { return false, nil }
func (NoPersistence) Delete(ctx context.Context, machineID string) error            { return nil }
func (NoPersistence) IsComplete(ctx context.Context, machineID string) (bool, error) {
	return false, nil
}
