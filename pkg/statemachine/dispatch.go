package statemachine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxorio/switchboard/pkg/core"
)

// EnqueuePolicy controls what a full mailbox does to an enqueuer.
type EnqueuePolicy int

const (
	// FailFast rejects immediately with CodeMachineBusy. Default.
	FailFast EnqueuePolicy = iota
	// BlockBounded waits up to the configured enqueue wait for space.
	BlockBounded
)

// envelope is one queued event with its resolved type name.
type envelope struct {
	name       string
	event      interface{}
	enqueuedAt time.Time
}

// mailbox is the ordered, bounded per-machine event queue. Exactly one
// worker owns a mailbox at a time; ownership is the machine's serial lock.
type mailbox struct {
	machine *Machine

	mu      sync.Mutex
	queue   []envelope
	space   *sync.Cond // signalled on dequeue for BlockBounded enqueuers
	running bool       // a worker is draining
	ready   bool       // sitting in the dispatcher's ready queue
	closed  bool
}

func newMailbox(m *Machine) *mailbox {
	mb := &mailbox{machine: m}
	mb.space = sync.NewCond(&mb.mu)
	return mb
}

func (mb *mailbox) depth() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.queue)
}

// dispatcher is the shared event dispatch pool: bounded worker count,
// per-mailbox ownership, and a global concurrency budget across machines.
type dispatcher struct {
	readyq   chan *mailbox
	budget   chan struct{} // maxConcurrentMachines semaphore
	handle   func(ctx context.Context, mb *mailbox, env envelope)
	logger   core.Logger
	metrics  Metrics
	capacity int
	policy   EnqueuePolicy
	wait     time.Duration
	batch    int

	draining atomic.Bool
	quit     chan struct{}
	wg       sync.WaitGroup
	inflight atomic.Int64 // mailboxes currently owned or ready
}

type dispatcherConfig struct {
	workers    int
	budget     int
	capacity   int
	policy     EnqueuePolicy
	wait       time.Duration
	batch      int
	readyQueue int
	logger     core.Logger
	metrics    Metrics
}

func newDispatcher(cfg dispatcherConfig, handle func(ctx context.Context, mb *mailbox, env envelope)) *dispatcher {
	if cfg.workers < 1 {
		cfg.workers = 8
	}
	if cfg.budget < 1 {
		cfg.budget = cfg.workers
	}
	if cfg.capacity < 1 {
		cfg.capacity = 64
	}
	if cfg.batch < 1 {
		cfg.batch = 16
	}
	if cfg.readyQueue < cfg.workers {
		cfg.readyQueue = 1 << 16
	}
	if cfg.wait <= 0 {
		cfg.wait = 5 * time.Second
	}
	if cfg.logger == nil {
		cfg.logger = core.NewDefaultLogger()
	}
	if cfg.metrics == nil {
		cfg.metrics = NopMetrics{}
	}

	d := &dispatcher{
		quit:     make(chan struct{}),
		readyq:   make(chan *mailbox, cfg.readyQueue),
		budget:   make(chan struct{}, cfg.budget),
		handle:   handle,
		logger:   cfg.logger,
		metrics:  cfg.metrics,
		capacity: cfg.capacity,
		policy:   cfg.policy,
		wait:     cfg.wait,
		batch:    cfg.batch,
	}

	d.wg.Add(cfg.workers)
	for i := 0; i < cfg.workers; i++ {
		go d.worker()
	}
	return d
}

// enqueue appends an event to the machine's mailbox and marks the mailbox
// ready if no worker owns it. Returns CodeDraining, CodeMachineBusy per the
// configured policy.
func (d *dispatcher) enqueue(mb *mailbox, env envelope) error {
	if d.draining.Load() {
		return &Error{Code: CodeDraining, Message: "registry is shutting down", MachineID: mb.machine.id, Event: env.name}
	}

	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return &Error{Code: CodeDraining, Message: "mailbox closed", MachineID: mb.machine.id, Event: env.name}
	}

	if len(mb.queue) >= d.capacity {
		if d.policy == FailFast {
			mb.mu.Unlock()
			return &Error{Code: CodeMachineBusy, Message: "mailbox full", MachineID: mb.machine.id, Event: env.name}
		}
		deadline := time.Now().Add(d.wait)
		expired := false
		timer := time.AfterFunc(d.wait, func() {
			mb.mu.Lock()
			expired = true
			mb.mu.Unlock()
			mb.space.Broadcast()
		})
		for len(mb.queue) >= d.capacity && !mb.closed && !expired {
			mb.space.Wait()
			if time.Now().After(deadline) {
				expired = true
			}
		}
		timer.Stop()
		if mb.closed {
			mb.mu.Unlock()
			return &Error{Code: CodeDraining, Message: "mailbox closed", MachineID: mb.machine.id, Event: env.name}
		}
		if len(mb.queue) >= d.capacity {
			mb.mu.Unlock()
			return &Error{Code: CodeMachineBusy, Message: "mailbox full after bounded wait", MachineID: mb.machine.id, Event: env.name}
		}
	}

	mb.queue = append(mb.queue, env)
	d.metrics.MailboxDepth(len(mb.queue))
	makeReady := !mb.running && !mb.ready
	if makeReady {
		mb.ready = true
		d.inflight.Add(1)
	}
	mb.mu.Unlock()

	if makeReady {
		d.readyq <- mb
	}
	return nil
}

func (d *dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case mb := <-d.readyq:
			d.budget <- struct{}{}
			d.drain(mb)
			<-d.budget
		}
	}
}

// drain processes up to batch events from one mailbox, then either releases
// ownership (empty) or requeues the mailbox so other machines get a turn.
func (d *dispatcher) drain(mb *mailbox) {
	mb.mu.Lock()
	mb.ready = false
	mb.running = true
	mb.mu.Unlock()

	ctx := context.Background()
	for processed := 0; ; processed++ {
		mb.mu.Lock()
		if len(mb.queue) == 0 || mb.closed {
			mb.running = false
			mb.mu.Unlock()
			d.inflight.Add(-1)
			return
		}
		if processed >= d.batch && !d.draining.Load() {
			// Fairness: hand the mailbox back to the ready queue.
			mb.running = false
			mb.ready = true
			mb.mu.Unlock()
			d.readyq <- mb
			return
		}
		env := mb.queue[0]
		mb.queue = mb.queue[1:]
		mb.space.Signal()
		mb.mu.Unlock()

		d.handle(ctx, mb, env)
	}
}

// release gives up ownership held outside a worker (used while a machine is
// being started or rehydrated) and schedules the mailbox if events queued up
// in the meantime.
func (d *dispatcher) release(mb *mailbox) {
	mb.mu.Lock()
	mb.running = false
	makeReady := len(mb.queue) > 0 && !mb.closed && !mb.ready
	if makeReady {
		mb.ready = true
		d.inflight.Add(1)
	}
	mb.mu.Unlock()

	if makeReady {
		d.readyq <- mb
	}
}

// close marks a mailbox closed and reports how many events it still held.
func (d *dispatcher) close(mb *mailbox) int {
	mb.mu.Lock()
	mb.closed = true
	undelivered := len(mb.queue)
	mb.queue = nil
	mb.mu.Unlock()
	mb.space.Broadcast()
	return undelivered
}

// shutdown stops intake, waits for owned mailboxes to finish up to the
// deadline, then stops the workers. Returns the number of mailboxes that
// still had work when the deadline hit.
func (d *dispatcher) shutdown(timeout time.Duration) bool {
	d.draining.Store(true)

	deadline := time.Now().Add(timeout)
	clean := true
	for d.inflight.Load() > 0 {
		if time.Now().After(deadline) {
			clean = false
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(d.quit)
	d.wg.Wait()
	return clean
}
