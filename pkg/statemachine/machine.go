package statemachine

import (
	"context"
	"sync"
	"time"

	"github.com/fluxorio/switchboard/pkg/core"
)

// Machine is one live FSM instance: identity, current state, persistent and
// volatile contexts, and a reference to its immutable descriptor table.
//
// Execution is strictly serial: once a Registry owns the machine, only a
// dispatch worker runs handlers, one event at a time. CurrentState,
// LastStateChange and Complete are safe to call from other goroutines and
// observe either the pre- or the post-transition value, never an
// intermediate one. Persistent and Volatile return the live contexts,
// which only handlers may touch.
type Machine struct {
	id         string
	descriptor *DescriptorTable
	persistent PersistentContext
	volatile   interface{}

	mu         sync.RWMutex // guards the snapshot-visible fields below
	current    string
	lastChange time.Time
	complete   bool
	armEpoch   uint64
	started    bool
	stopped    bool
	evicted    bool
	faulted    bool
	owned      bool // a registry drives dispatch; Send is rejected

	sendMu sync.Mutex // serializes standalone Send
	logger core.Logger
}

// MachineOption configures a machine at construction.
type MachineOption func(*Machine)

// WithVolatile sets the initial volatile context, overriding the
// descriptor's volatile factory.
func WithVolatile(v interface{}) MachineOption {
	return func(m *Machine) { m.volatile = v }
}

// WithMachineLogger sets the machine's logger.
func WithMachineLogger(logger core.Logger) MachineOption {
	return func(m *Machine) { m.logger = logger }
}

// NewMachine creates a machine instance. The persistent context must be JSON
// round-trippable; it is snapshotted before every transition so faults can
// roll it back.
func NewMachine(id string, descriptor *DescriptorTable, persistent PersistentContext, opts ...MachineOption) (*Machine, error) {
	if id == "" {
		return nil, newError(CodeInvalidDescriptor, "machine id cannot be empty")
	}
	if descriptor == nil {
		return nil, newError(CodeInvalidDescriptor, "machine %s: descriptor table is required", id)
	}
	if persistent == nil {
		return nil, newError(CodeInvalidDescriptor, "machine %s: persistent context is required", id)
	}

	m := &Machine{
		id:         id,
		descriptor: descriptor,
		persistent: persistent,
		logger:     core.NewDefaultLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.volatile == nil && descriptor.Volatile != nil {
		m.volatile = descriptor.Volatile(persistent)
	}
	return m, nil
}

// ID returns the machine id.
func (m *Machine) ID() string { return m.id }

// Descriptor returns the machine's immutable descriptor table.
func (m *Machine) Descriptor() *DescriptorTable { return m.descriptor }

// CurrentState returns the current state name.
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Persistent returns the live persistent context. Only handlers, which run
// serially, may touch it; concurrent readers use CurrentState,
// LastStateChange and Complete instead.
func (m *Machine) Persistent() PersistentContext { return m.persistent }

// LastStateChange returns when the machine last changed state.
func (m *Machine) LastStateChange() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastChange
}

// Complete reports whether the machine has reached a final state.
func (m *Machine) Complete() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.complete
}

// Volatile returns the volatile context, or nil.
func (m *Machine) Volatile() interface{} { return m.volatile }

// Started reports whether Start has run.
func (m *Machine) Started() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

// Faulted reports whether a handler fault was recorded.
func (m *Machine) Faulted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.faulted
}

func (m *Machine) isEvicted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.evicted
}

func (m *Machine) markEvicted() {
	m.mu.Lock()
	m.evicted = true
	m.mu.Unlock()
}

func (m *Machine) setOwned(owned bool) {
	m.mu.Lock()
	m.owned = owned
	m.mu.Unlock()
}

// currentEpoch returns the arm-epoch used to stamp scheduled timeouts.
func (m *Machine) currentEpoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.armEpoch
}

// timeoutScheduler is the slice of the scheduler the transition path needs.
type timeoutScheduler interface {
	Schedule(machineID string, d time.Duration, target string, epoch uint64)
	Cancel(machineID string)
}

// fireEnv carries the collaborators a transition needs. Machines hold no
// back-reference to the registry; the dispatch worker builds this and acts
// on the result.
type fireEnv struct {
	persistence PersistenceProvider
	scheduler   timeoutScheduler
	now         func() time.Time
	logger      core.Logger
}

func (e *fireEnv) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

type evictKind int

const (
	evictNone evictKind = iota
	evictFinal
	evictOffline
)

// fireResult tells the dispatch worker what happened and what to do next.
type fireResult struct {
	Transitioned bool // a Go or Stay ran to completion
	Stay         bool
	Ignored      bool
	Old          string
	New          string
	Evict        evictKind
	Fault        error // handler or persistence fault; state was rolled back
}

// start moves the machine into the descriptor's initial state: runs its
// entry action, arms its timeout, persists, and reports the synthetic
// ""->initial transition. Fails with CodeAlreadyStarted on a second call.
func (m *Machine) start(ctx context.Context, env *fireEnv) (fireResult, error) {
	initial := m.descriptor.Initial
	state := m.descriptor.State(initial)
	now := env.clock()

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fireResult{}, &Error{Code: CodeAlreadyStarted, Message: "machine already started", MachineID: m.id}
	}
	m.started = true
	m.current = initial
	m.lastChange = now
	m.complete = state.Final
	m.mu.Unlock()

	m.persistent.SetCurrentState(initial)
	m.persistent.SetLastStateChange(now)
	if state.Final {
		m.persistent.SetComplete(true)
	}

	if state.Entry != nil {
		if err := state.Entry(ctx, m, GenericEvent{Name: EventStart}); err != nil {
			m.setFaulted()
			return fireResult{
				Old:   initial,
				New:   initial,
				Fault: &Error{Code: CodeTransitionFault, Message: "entry action failed on start", MachineID: m.id, State: initial, Cause: err},
			}, nil
		}
	}

	m.armTimeout(state, env)

	if err := m.persist(ctx, env); err != nil {
		return fireResult{
			Old:   initial,
			New:   initial,
			Fault: err,
		}, nil
	}

	res := fireResult{Transitioned: true, Old: "", New: initial}
	switch {
	case state.Final:
		res.Evict = evictFinal
	case state.Offline:
		res.Evict = evictOffline
	}
	return res, nil
}

// rehydrate installs a loaded record: state and contexts are restored, the
// initial entry action is skipped, and the current state's timeout is armed
// fresh. lastStateChange is preserved exactly as loaded.
func (m *Machine) rehydrate(rec *Record, env *fireEnv) error {
	if rec.Complete {
		return &Error{Code: CodeNoSuchMachine, Message: "record is complete; refusing to rehydrate", MachineID: m.id}
	}
	state := m.descriptor.State(rec.State)
	if state == nil {
		return newError(CodeInvalidDescriptor, "machine %s: persisted state %q is not in the descriptor table", m.id, rec.State)
	}

	if len(rec.Context) > 0 {
		if err := core.JSONDecode(rec.Context, m.persistent); err != nil {
			return &Error{Code: CodePersistence, Message: "failed to decode persisted context", MachineID: m.id, Cause: err}
		}
	}
	m.persistent.SetCurrentState(rec.State)
	m.persistent.SetLastStateChange(rec.LastStateChange)
	m.persistent.SetComplete(false)

	if m.descriptor.Volatile != nil {
		m.volatile = m.descriptor.Volatile(m.persistent)
	}

	m.mu.Lock()
	m.started = true
	m.current = rec.State
	m.lastChange = rec.LastStateChange
	m.complete = false
	m.mu.Unlock()

	m.armTimeout(state, env)
	return nil
}

// stop marks the machine stopped; further events are ignored by dispatch.
func (m *Machine) stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return &Error{Code: CodeNotStarted, Message: "machine not started", MachineID: m.id}
	}
	m.stopped = true
	return nil
}

// Send runs one event through a standalone machine, serialized by an
// internal lock. Once a registry owns the machine this returns an error;
// use Registry.SendEvent instead.
func (m *Machine) Send(ctx context.Context, event interface{}) error {
	m.mu.RLock()
	owned, started := m.owned, m.started
	m.mu.RUnlock()
	if owned {
		return &Error{Code: CodeAlreadyRegistered, Message: "machine is registry-owned; use Registry.SendEvent", MachineID: m.id}
	}
	if !started {
		return &Error{Code: CodeNotStarted, Message: "machine not started", MachineID: m.id}
	}

	name, err := DefaultTypes.NameOf(event)
	if err != nil {
		return err
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	res, err := m.fire(ctx, name, event, &fireEnv{logger: m.logger})
	if err != nil {
		return err
	}
	return res.Fault
}

// Start starts a standalone machine with no persistence and no scheduler.
// Registry-owned machines are started by Registry.Register/CreateOrGet.
func (m *Machine) Start(ctx context.Context) error {
	res, err := m.start(ctx, &fireEnv{logger: m.logger})
	if err != nil {
		return err
	}
	return res.Fault
}

// fire executes the transition algorithm for one event under the machine's
// serial lock (the caller guarantees serialization). It never returns a
// non-nil error for normal conditions; faults are reported in the result
// with the machine rolled back to its pre-event snapshot.
func (m *Machine) fire(ctx context.Context, eventName string, event interface{}, env *fireEnv) (fireResult, error) {
	m.mu.RLock()
	current := m.current
	stopped := m.stopped
	evicted := m.evicted
	m.mu.RUnlock()

	if stopped || evicted {
		return fireResult{Ignored: true, Old: current, New: current}, nil
	}

	state := m.descriptor.State(current)

	// Timeout events resolve through the state's timeout config, not the
	// transition map. Stale deliveries are identified by the arm-epoch.
	if eventName == EventTimeout {
		te, ok := event.(TimeoutEvent)
		if !ok || te.Epoch != m.currentEpoch() || state.Timeout == nil {
			return fireResult{Ignored: true, Old: current, New: current}, nil
		}
		return m.transition(ctx, state, state.Timeout.Target, eventName, event, env)
	}

	trans, ok := state.Transitions[eventName]
	if !ok {
		// Unmatched events are ignored: no state change, no listener event.
		return fireResult{Ignored: true, Old: current, New: current}, nil
	}

	if trans.IsStay() {
		return m.stay(ctx, trans, current, eventName, event, env)
	}
	return m.transition(ctx, state, trans.To, eventName, event, env)
}

// stay runs an in-state handler: no entry/exit, no timeout reset. The
// persistent context is saved unconditionally afterwards.
func (m *Machine) stay(ctx context.Context, trans Transition, current, eventName string, event interface{}, env *fireEnv) (fireResult, error) {
	snap, err := m.snapshot()
	if err != nil {
		return fireResult{}, err
	}

	if err := trans.Stay(ctx, m, event); err != nil {
		m.restore(snap)
		m.setFaulted()
		return fireResult{
			Old: current, New: current,
			Fault: &Error{Code: CodeTransitionFault, Message: "stay handler failed", MachineID: m.id, State: current, Event: eventName, Cause: err},
		}, nil
	}

	if err := m.persist(ctx, env); err != nil {
		m.restore(snap)
		return fireResult{Old: current, New: current, Fault: err}, nil
	}

	return fireResult{Transitioned: true, Stay: true, Old: current, New: current}, nil
}

// transition runs the full Go(target) algorithm with snapshot/rollback.
func (m *Machine) transition(ctx context.Context, from *StateConfig, targetName, eventName string, event interface{}, env *fireEnv) (fireResult, error) {
	target := m.descriptor.State(targetName)
	old := from.Name

	// (a) pre-transition snapshot for rollback.
	snap, err := m.snapshot()
	if err != nil {
		return fireResult{}, err
	}

	fault := func(stage string, cause error) fireResult {
		m.rollback(snap, from, env)
		m.setFaulted()
		ferr := cause
		if _, ok := cause.(*Error); !ok {
			ferr = &Error{Code: CodeTransitionFault, Message: stage + " failed", MachineID: m.id, State: old, Event: eventName, Cause: cause}
		}
		return fireResult{Old: old, New: old, Fault: ferr}
	}

	if from.Exit != nil {
		if err := from.Exit(ctx, m, event); err != nil {
			return fault("exit action", err), nil
		}
	}

	// (b) cancel the pending timeout; bump the epoch so an already-dequeued
	// delivery is dropped by the stale check.
	if env.scheduler != nil {
		env.scheduler.Cancel(m.id)
	}

	// (c) commit the state change.
	now := env.clock()
	m.mu.Lock()
	m.current = targetName
	m.lastChange = now
	if target.Final {
		m.complete = true
	}
	m.armEpoch++
	m.mu.Unlock()
	m.persistent.SetCurrentState(targetName)
	m.persistent.SetLastStateChange(now)

	// (d) terminal bookkeeping.
	if target.Final {
		m.persistent.SetComplete(true)
	}

	// (e) entry action of the target.
	if target.Entry != nil {
		if err := target.Entry(ctx, m, event); err != nil {
			return fault("entry action", err), nil
		}
	}

	// (f) arm the target's timeout.
	m.armTimeout(target, env)

	// (g) persist.
	if err := m.persist(ctx, env); err != nil {
		m.rollback(snap, from, env)
		return fireResult{Old: old, New: old, Fault: err}, nil
	}

	res := fireResult{Transitioned: true, Old: old, New: targetName}
	switch {
	case target.Final:
		res.Evict = evictFinal
	case target.Offline:
		res.Evict = evictOffline
	}
	return res, nil
}

// armTimeout schedules the state's timeout, if any, stamped with the
// machine's current arm-epoch.
func (m *Machine) armTimeout(state *StateConfig, env *fireEnv) {
	if state.Timeout == nil || env.scheduler == nil {
		return
	}
	env.scheduler.Schedule(m.id, state.Timeout.Duration, state.Timeout.Target, m.currentEpoch())
}

// persist saves the machine's record through the provider, if one is set.
func (m *Machine) persist(ctx context.Context, env *fireEnv) error {
	if env.persistence == nil {
		return nil
	}
	data, err := core.JSONEncode(m.persistent)
	if err != nil {
		return &Error{Code: CodePersistence, Message: "failed to encode persistent context", MachineID: m.id, Cause: err}
	}
	rec := &Record{
		State:           m.persistent.CurrentState(),
		LastStateChange: m.persistent.LastStateChange(),
		Complete:        m.persistent.Complete(),
		Context:         data,
	}
	if err := env.persistence.Save(ctx, m.id, rec); err != nil {
		return &Error{Code: CodePersistence, Message: "save failed", MachineID: m.id, State: rec.State, Cause: err}
	}
	return nil
}

// machineSnapshot captures everything a rollback restores.
type machineSnapshot struct {
	state      string
	lastChange time.Time
	complete   bool
	contextRaw []byte
}

func (m *Machine) snapshot() (machineSnapshot, error) {
	raw, err := core.JSONEncode(m.persistent)
	if err != nil {
		return machineSnapshot{}, &Error{Code: CodePersistence, Message: "failed to snapshot persistent context", MachineID: m.id, Cause: err}
	}
	m.mu.RLock()
	snap := machineSnapshot{state: m.current, lastChange: m.lastChange, complete: m.complete, contextRaw: raw}
	m.mu.RUnlock()
	return snap, nil
}

// restore puts the persistent context back to its snapshot value.
func (m *Machine) restore(snap machineSnapshot) {
	if err := core.JSONDecode(snap.contextRaw, m.persistent); err != nil {
		m.logger.Errorf("machine %s: context rollback failed: %v", m.id, err)
	}
}

// rollback restores state and context after a fault past the commit point
// and re-arms the pre-transition state's timeout for a fresh duration.
func (m *Machine) rollback(snap machineSnapshot, from *StateConfig, env *fireEnv) {
	m.restore(snap)
	m.mu.Lock()
	m.current = snap.state
	m.lastChange = snap.lastChange
	m.complete = snap.complete
	m.armEpoch++
	m.mu.Unlock()
	if env.scheduler != nil {
		env.scheduler.Cancel(m.id)
	}
	m.armTimeout(from, env)
}

func (m *Machine) setFaulted() {
	m.mu.Lock()
	m.faulted = true
	m.mu.Unlock()
}
