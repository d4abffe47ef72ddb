package statemachine

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxorio/switchboard/pkg/core"
)

// Factory builds a machine skeleton for an id, used by CreateOrGet and
// rehydrate-on-demand.
type Factory func(machineID string) (*Machine, error)

// FactoryResolver maps an id to a Factory so SendEvent can rehydrate
// machines it has never seen. Return false for ids the resolver does not
// recognize.
type FactoryResolver func(machineID string) (Factory, bool)

// Config holds the registry's tuning knobs. Zero values fall back to the
// defaults noted per field.
type Config struct {
	// Workers is the dispatch pool size. Default 8.
	Workers int

	// MaxConcurrentMachines caps simultaneously dispatched machines.
	// Default: Workers.
	MaxConcurrentMachines int

	// MailboxCapacity bounds each machine's pending-event queue. Default 64.
	MailboxCapacity int

	// EnqueuePolicy selects FailFast (default) or BlockBounded behavior on a
	// full mailbox.
	EnqueuePolicy EnqueuePolicy

	// EnqueueWait bounds a BlockBounded enqueue. Default 5s.
	EnqueueWait time.Duration

	// DispatchBatch is how many events one ownership of a mailbox may
	// process before yielding to other machines. Default 16.
	DispatchBatch int

	// ReadyQueueSize bounds the dispatcher's ready queue. Default 65536.
	ReadyQueueSize int

	// RehydrationEnabled makes CreateOrGet and SendEvent consult
	// persistence for unknown ids.
	RehydrationEnabled bool

	// DeleteCompleted removes the persisted record when a machine enters a
	// final state. Default false: the record is kept as a complete
	// tombstone so IsComplete keeps answering.
	DeleteCompleted bool

	// ShutdownTimeout bounds the drain on Shutdown. Default 10s.
	ShutdownTimeout time.Duration

	// SlowHandlerThreshold logs a warning when one event's handlers exceed
	// it. Zero disables the check.
	SlowHandlerThreshold time.Duration

	Persistence PersistenceProvider
	Types       *TypeRegistry
	Resolver    FactoryResolver
	Logger      core.Logger
	Metrics     Metrics
}

type registryEntry struct {
	machine *Machine
	mailbox *mailbox
}

// Registry owns the live set of machines, routes events to them through the
// dispatch pool, applies rehydration and eviction policy, and fans
// notifications out to listeners.
type Registry struct {
	cfg         Config
	logger      core.Logger
	metrics     Metrics
	types       *TypeRegistry
	persistence PersistenceProvider
	sched       *Scheduler
	disp        *dispatcher
	ls          listenerSet

	mu        sync.RWMutex
	live      map[string]*registryEntry
	listeners []Listener

	rehydration atomic.Bool
	draining    atomic.Bool
}

// dispatchKey marks a context as running inside listener fan-out for a
// machine, so reentrant SendEvent calls for the same machine are rejected.
type dispatchKey struct{}

// NewRegistry creates a registry, its scheduler, and its dispatch pool.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = core.NewDefaultLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}
	if cfg.Types == nil {
		cfg.Types = DefaultTypes
	}
	if cfg.Persistence == nil {
		cfg.Persistence = NoPersistence{}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	r := &Registry{
		cfg:         cfg,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		types:       cfg.Types,
		persistence: cfg.Persistence,
		live:        make(map[string]*registryEntry),
		ls:          listenerSet{logger: cfg.Logger},
	}
	r.rehydration.Store(cfg.RehydrationEnabled)

	r.sched = NewScheduler(r.deliverTimeout, WithSchedulerLogger(cfg.Logger))
	r.disp = newDispatcher(dispatcherConfig{
		workers:    cfg.Workers,
		budget:     cfg.MaxConcurrentMachines,
		capacity:   cfg.MailboxCapacity,
		policy:     cfg.EnqueuePolicy,
		wait:       cfg.EnqueueWait,
		batch:      cfg.DispatchBatch,
		readyQueue: cfg.ReadyQueueSize,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}, r.handleEnvelope)

	return r
}

func (r *Registry) fireEnv() *fireEnv {
	return &fireEnv{
		persistence: r.persistence,
		scheduler:   r.sched,
		now:         time.Now,
		logger:      r.logger,
	}
}

// AddListener subscribes a listener to lifecycle and transition events.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// RemoveListener unsubscribes a listener.
func (r *Registry) RemoveListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.listeners {
		if existing == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Registry) listenerSnapshot() []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Listener, len(r.listeners))
	copy(out, r.listeners)
	return out
}

// SetRehydrationEnabled toggles whether unknown ids consult persistence.
func (r *Registry) SetRehydrationEnabled(enabled bool) {
	r.rehydration.Store(enabled)
}

// Draining reports whether Shutdown has begun. Transports use it to map
// rejected events to the right status.
func (r *Registry) Draining() bool {
	return r.draining.Load()
}

// Len returns the number of live machines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// Machine returns a live machine by id.
func (r *Registry) Machine(id string) (*Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.live[id]
	if !ok {
		return nil, false
	}
	return e.machine, true
}

// Register inserts a pre-built machine, starts it, and announces it. Fails
// with CodeAlreadyRegistered when the id is live.
func (r *Registry) Register(ctx context.Context, id string, m *Machine) error {
	if r.draining.Load() {
		return &Error{Code: CodeDraining, Message: "registry is shutting down", MachineID: id}
	}

	entry := &registryEntry{machine: m, mailbox: newMailbox(m)}
	entry.mailbox.running = true // hold the serial lock until start completes

	r.mu.Lock()
	if _, ok := r.live[id]; ok {
		r.mu.Unlock()
		return &Error{Code: CodeAlreadyRegistered, Message: "machine id already registered", MachineID: id}
	}
	r.live[id] = entry
	n := len(r.live)
	r.mu.Unlock()
	r.metrics.LiveMachines(n)
	m.setOwned(true)

	res, err := m.start(ctx, r.fireEnv())
	if err != nil {
		r.removeEntry(id)
		return err
	}

	listeners := r.listenerSnapshot()
	r.ls.notifyCreate(listeners, id)
	r.metrics.MachineCreated()
	r.announceFireResult(ctx, m, envelope{name: EventStart}, res)
	r.disp.release(entry.mailbox)
	return nil
}

// CreateOrGet returns the live machine for id, rehydrating from persistence
// or creating fresh via factory when absent. Two concurrent calls for the
// same id resolve to the same instance.
func (r *Registry) CreateOrGet(ctx context.Context, id string, factory Factory) (*Machine, error) {
	if r.draining.Load() {
		return nil, &Error{Code: CodeDraining, Message: "registry is shutting down", MachineID: id}
	}

	r.mu.RLock()
	if e, ok := r.live[id]; ok {
		r.mu.RUnlock()
		return e.machine, nil
	}
	r.mu.RUnlock()

	m, err := factory(id)
	if err != nil {
		return nil, err
	}

	entry := &registryEntry{machine: m, mailbox: newMailbox(m)}
	entry.mailbox.running = true

	// Double-checked insert: a concurrent CreateOrGet may have won.
	r.mu.Lock()
	if e, ok := r.live[id]; ok {
		r.mu.Unlock()
		return e.machine, nil
	}
	r.live[id] = entry
	n := len(r.live)
	r.mu.Unlock()
	r.metrics.LiveMachines(n)
	m.setOwned(true)

	var rec *Record
	if r.rehydration.Load() {
		rec, err = r.persistence.Load(ctx, id)
		if err != nil {
			r.removeEntry(id)
			return nil, &Error{Code: CodePersistence, Message: "load failed", MachineID: id, Cause: err}
		}
	}

	listeners := r.listenerSnapshot()
	if rec != nil {
		if rec.Complete {
			r.removeEntry(id)
			return nil, &Error{Code: CodeNoSuchMachine, Message: "machine already completed", MachineID: id}
		}
		if err := m.rehydrate(rec, r.fireEnv()); err != nil {
			r.removeEntry(id)
			return nil, err
		}
		r.ls.notifyRehydrate(listeners, id)
		r.metrics.MachineRehydrated()
	} else {
		res, err := m.start(ctx, r.fireEnv())
		if err != nil {
			r.removeEntry(id)
			return nil, err
		}
		r.ls.notifyCreate(listeners, id)
		r.metrics.MachineCreated()
		r.announceFireResult(ctx, m, envelope{name: EventStart}, res)
	}

	r.disp.release(entry.mailbox)
	return m, nil
}

// SendEvent routes an event to a machine's mailbox. It returns true when
// the event was accepted for dispatch, false otherwise; reasons for false
// are reported through DropListener and logs, never panics or errors.
func (r *Registry) SendEvent(ctx context.Context, id string, event interface{}) bool {
	listeners := r.listenerSnapshot()

	if r.draining.Load() {
		r.dropped(listeners, id, "", DropDraining)
		return false
	}

	name, err := r.types.NameOf(event)
	if err != nil {
		r.dropped(listeners, id, "", DropUnknownEventType)
		return false
	}

	// Listeners must not dispatch synchronously to the machine whose
	// notification they are handling.
	if inFlight, ok := ctx.Value(dispatchKey{}).(string); ok && inFlight == id {
		r.dropped(listeners, id, name, DropReentrantDispatch)
		return false
	}

	r.mu.RLock()
	e, ok := r.live[id]
	r.mu.RUnlock()

	if !ok {
		e = r.rehydrateOnDemand(ctx, id)
		if e == nil {
			r.dropped(listeners, id, name, DropNoSuchMachine)
			return false
		}
	}

	env := envelope{name: name, event: event, enqueuedAt: time.Now()}
	if err := r.disp.enqueue(e.mailbox, env); err != nil {
		reason := DropMachineBusy
		if IsCode(err, CodeDraining) {
			reason = DropDraining
		}
		r.dropped(listeners, id, name, reason)
		return false
	}
	return true
}

// rehydrateOnDemand brings an offline machine back for SendEvent when a
// factory resolver is configured and a non-complete record exists.
func (r *Registry) rehydrateOnDemand(ctx context.Context, id string) *registryEntry {
	if r.cfg.Resolver == nil || !r.rehydration.Load() {
		return nil
	}
	factory, ok := r.cfg.Resolver(id)
	if !ok {
		return nil
	}
	exists, err := r.persistence.Exists(ctx, id)
	if err != nil || !exists {
		return nil
	}
	complete, err := r.persistence.IsComplete(ctx, id)
	if err != nil || complete {
		return nil
	}
	if _, err := r.CreateOrGet(ctx, id, factory); err != nil {
		r.logger.Warnf("rehydrate-on-demand failed for machine %s: %v", id, err)
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live[id]
}

// RemoveMachine evicts a machine from the live set without touching its
// persisted record. Returns false when the id is not live.
func (r *Registry) RemoveMachine(id string) bool {
	e := r.removeEntry(id)
	if e == nil {
		return false
	}
	r.finishEviction(e, "manual")
	return true
}

// removeEntry unlinks id from the live index and cancels its timeout.
func (r *Registry) removeEntry(id string) *registryEntry {
	r.mu.Lock()
	e, ok := r.live[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.live, id)
	n := len(r.live)
	r.mu.Unlock()

	r.metrics.LiveMachines(n)
	r.sched.Cancel(id)
	e.machine.markEvicted()
	return e
}

func (r *Registry) finishEviction(e *registryEntry, kind string) {
	id := e.machine.id
	if undelivered := r.disp.close(e.mailbox); undelivered > 0 {
		r.logger.Warnf("machine %s evicted with %d undelivered events", id, undelivered)
		for i := 0; i < undelivered; i++ {
			r.metrics.DroppedEvent(DropEvicted)
		}
	}
	r.metrics.MachineEvicted(kind)
	r.ls.notifyRemove(r.listenerSnapshot(), id)
}

// handleEnvelope runs one event on the dispatch worker that owns the
// machine's mailbox.
func (r *Registry) handleEnvelope(ctx context.Context, mb *mailbox, env envelope) {
	m := mb.machine
	if m.isEvicted() {
		r.dropped(r.listenerSnapshot(), m.id, env.name, DropEvicted)
		return
	}

	start := time.Now()
	res, err := m.fire(ctx, env.name, env.event, r.fireEnv())
	if err != nil {
		r.logger.Errorf("machine %s: dispatch failed: %v", m.id, err)
		return
	}
	if took := time.Since(start); r.cfg.SlowHandlerThreshold > 0 && took > r.cfg.SlowHandlerThreshold {
		r.logger.Warnf("machine %s: slow handler for %s took %v", m.id, env.name, took)
		r.metrics.SlowHandler(m.descriptor.Kind, took)
	}

	r.announceFireResult(ctx, m, env, res)
}

// announceFireResult converts a fire result into metrics, listener fan-out
// and eviction.
func (r *Registry) announceFireResult(ctx context.Context, m *Machine, env envelope, res fireResult) {
	kind := m.descriptor.Kind
	listeners := r.listenerSnapshot()

	switch {
	case res.Fault != nil:
		r.metrics.TransitionFault(kind)
		r.logger.Errorf("machine %s: transition fault in %s: %v", m.id, res.Old, res.Fault)
		r.ls.notifyFault(listeners, m.id, res.Old, res.Fault)
		return
	case res.Ignored:
		r.metrics.IgnoredEvent(kind)
		r.logger.Debugf("machine %s: ignored event %s in state %s", m.id, env.name, res.Old)
		return
	}

	if res.Stay {
		r.metrics.StayTransition(kind)
	} else {
		r.metrics.Transition(kind)
	}
	if env.name == EventTimeout {
		r.metrics.TimeoutFired(kind)
	}

	notifyCtx := context.WithValue(ctx, dispatchKey{}, m.id)
	r.ls.notifyEvent(notifyCtx, listeners, m.id, res.Old, res.New, m.persistent, m.volatile)

	switch res.Evict {
	case evictFinal:
		if e := r.removeEntry(m.id); e != nil {
			if r.cfg.DeleteCompleted {
				if err := r.persistence.Delete(context.Background(), m.id); err != nil {
					r.logger.Errorf("machine %s: failed to delete completed record: %v", m.id, err)
				}
			}
			r.finishEviction(e, "final")
		}
	case evictOffline:
		if e := r.removeEntry(m.id); e != nil {
			r.finishEviction(e, "offline")
		}
	}
}

func (r *Registry) dropped(listeners []Listener, id, eventName, reason string) {
	r.metrics.DroppedEvent(reason)
	r.logger.Warnf("dropped event %q for machine %s: %s", eventName, id, reason)
	r.ls.notifyDropped(listeners, id, eventName, reason)
}

// deliverTimeout is the scheduler's path into the dispatch pool.
func (r *Registry) deliverTimeout(ev TimeoutEvent) bool {
	r.mu.RLock()
	e, ok := r.live[ev.MachineID]
	r.mu.RUnlock()
	if !ok {
		return true // machine evicted since arming; nothing to do
	}
	err := r.disp.enqueue(e.mailbox, envelope{name: EventTimeout, event: ev, enqueuedAt: time.Now()})
	if err == nil {
		return true
	}
	if IsCode(err, CodeMachineBusy) {
		return false // scheduler retries shortly
	}
	return true
}

// Shutdown drains in-flight dispatches, stops the scheduler, and closes the
// persistence provider if it is closeable. New events are rejected with
// Draining from the first moment.
func (r *Registry) Shutdown(ctx context.Context) error {
	if !r.draining.CompareAndSwap(false, true) {
		return nil
	}

	clean := r.disp.shutdown(r.cfg.ShutdownTimeout)
	r.sched.Stop()

	r.mu.Lock()
	entries := make([]*registryEntry, 0, len(r.live))
	for _, e := range r.live {
		entries = append(entries, e)
	}
	r.live = make(map[string]*registryEntry)
	r.mu.Unlock()

	undelivered := 0
	for _, e := range entries {
		e.machine.markEvicted()
		undelivered += r.disp.close(e.mailbox)
	}
	if !clean || undelivered > 0 {
		r.logger.Warnf("shutdown drain incomplete: %d undelivered events", undelivered)
		for i := 0; i < undelivered; i++ {
			r.metrics.DroppedEvent(DropUndelivered)
		}
	}

	if closer, ok := r.persistence.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return err
		}
	}
	return nil
}
