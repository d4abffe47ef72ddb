package statemachine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordedEvent struct {
	machineID string
	oldState  string
	newState  string
}

// recordingListener captures notifications for assertions.
type recordingListener struct {
	mu        sync.Mutex
	created   []string
	rehydated []string
	removed   []string
	events    []recordedEvent
	faults    []error
	drops     []string
}

func (l *recordingListener) OnRegistryCreate(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = append(l.created, id)
}

func (l *recordingListener) OnRegistryRehydrate(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rehydated = append(l.rehydated, id)
}

func (l *recordingListener) OnRegistryRemove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, id)
}

func (l *recordingListener) OnStateMachineEvent(ctx context.Context, id, oldState, newState string, p PersistentContext, v interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, recordedEvent{machineID: id, oldState: oldState, newState: newState})
}

func (l *recordingListener) OnTransitionFault(id, state string, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = append(l.faults, cause)
}

func (l *recordingListener) OnDroppedEvent(id, eventName, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drops = append(l.drops, reason)
}

func (l *recordingListener) eventCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *recordingListener) lastDrop() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.drops) == 0 {
		return ""
	}
	return l.drops[len(l.drops)-1]
}

func callFactory(t *testing.T, table *DescriptorTable) Factory {
	t.Helper()
	return func(id string) (*Machine, error) {
		return NewMachine(id, table, &callContext{})
	}
}

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger(t)
	}
	r := NewRegistry(cfg)
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return r
}

func TestRegistryCallFlowToCompletion(t *testing.T) {
	table := callFlowTable(t)
	provider := NewMemoryProvider()
	listener := &recordingListener{}

	reg := newTestRegistry(t, Config{Persistence: provider})
	reg.AddListener(listener)

	ctx := context.Background()
	m, err := reg.CreateOrGet(ctx, "call-1", callFactory(t, table))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if m.CurrentState() != "IDLE" {
		t.Fatalf("state = %q, want IDLE", m.CurrentState())
	}
	if reg.Len() != 1 {
		t.Fatalf("live = %d, want 1", reg.Len())
	}

	for _, name := range []string{"INCOMING_CALL", "ANSWER", "HANGUP"} {
		if !reg.SendEvent(ctx, "call-1", GenericEvent{Name: name}) {
			t.Fatalf("SendEvent(%s) rejected", name)
		}
	}

	// HUNGUP is final: the machine completes and leaves the live set.
	waitFor(t, 2*time.Second, "machine eviction", func() bool { return reg.Len() == 0 })

	complete, err := provider.IsComplete(ctx, "call-1")
	if err != nil || !complete {
		t.Fatalf("IsComplete = %v, %v", complete, err)
	}
	rec, err := provider.Load(ctx, "call-1")
	if err != nil || rec == nil {
		t.Fatalf("load: %v, %v", rec, err)
	}
	if rec.State != "HUNGUP" || !rec.Complete {
		t.Fatalf("record = %+v", rec)
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.created) != 1 || listener.created[0] != "call-1" {
		t.Fatalf("created = %v", listener.created)
	}
	if len(listener.removed) != 1 {
		t.Fatalf("removed = %v", listener.removed)
	}
	wantEvents := []recordedEvent{
		{"call-1", "", "IDLE"},
		{"call-1", "IDLE", "RINGING"},
		{"call-1", "RINGING", "CONNECTED"},
		{"call-1", "CONNECTED", "HUNGUP"},
	}
	if len(listener.events) != len(wantEvents) {
		t.Fatalf("events = %v", listener.events)
	}
	for i, want := range wantEvents {
		if listener.events[i] != want {
			t.Fatalf("events[%d] = %+v, want %+v", i, listener.events[i], want)
		}
	}
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	table := callFlowTable(t)
	reg := newTestRegistry(t, Config{})
	ctx := context.Background()

	m1, _ := NewMachine("call-1", table, &callContext{})
	if err := reg.Register(ctx, "call-1", m1); err != nil {
		t.Fatalf("register: %v", err)
	}
	m2, _ := NewMachine("call-1", table, &callContext{})
	if err := reg.Register(ctx, "call-1", m2); !IsCode(err, CodeAlreadyRegistered) {
		t.Fatalf("duplicate register: %v", err)
	}
}

func TestRegistryCreateOrGetReturnsExisting(t *testing.T) {
	table := callFlowTable(t)
	reg := newTestRegistry(t, Config{})
	ctx := context.Background()

	first, err := reg.CreateOrGet(ctx, "call-1", callFactory(t, table))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	second, err := reg.CreateOrGet(ctx, "call-1", callFactory(t, table))
	if err != nil {
		t.Fatalf("CreateOrGet again: %v", err)
	}
	if first != second {
		t.Fatal("CreateOrGet must return the live instance")
	}
}

func TestRegistryDropsUnroutableEvents(t *testing.T) {
	listener := &recordingListener{}
	reg := newTestRegistry(t, Config{Types: NewTypeRegistry()})
	reg.AddListener(listener)
	ctx := context.Background()

	if reg.SendEvent(ctx, "nobody", GenericEvent{Name: "ANSWER"}) {
		t.Fatal("event to unknown machine must be rejected")
	}
	if got := listener.lastDrop(); got != DropNoSuchMachine {
		t.Fatalf("drop reason = %q", got)
	}

	if reg.SendEvent(ctx, "nobody", struct{ X int }{}) {
		t.Fatal("unregistered event type must be rejected")
	}
	if got := listener.lastDrop(); got != DropUnknownEventType {
		t.Fatalf("drop reason = %q", got)
	}
}

func TestRegistryStateTimeout(t *testing.T) {
	table, err := NewBuilder("call").
		InitialState("RINGING").
		State("RINGING").
		On("ANSWER", "CONNECTED").
		Timeout(25*time.Millisecond, "MISSED").
		Done().
		State("CONNECTED").Done().
		State("MISSED").Final().Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	provider := NewMemoryProvider()
	reg := newTestRegistry(t, Config{Persistence: provider})
	ctx := context.Background()

	if _, err := reg.CreateOrGet(ctx, "call-1", callFactory(t, table)); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}

	waitFor(t, 2*time.Second, "ring timeout to complete the machine", func() bool {
		complete, _ := provider.IsComplete(ctx, "call-1")
		return complete
	})
	if reg.Len() != 0 {
		t.Fatalf("live = %d after timeout eviction", reg.Len())
	}
	rec, _ := provider.Load(ctx, "call-1")
	if rec == nil || rec.State != "MISSED" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRegistryAnswerBeatsTimeout(t *testing.T) {
	table, err := NewBuilder("call").
		InitialState("RINGING").
		State("RINGING").
		On("ANSWER", "CONNECTED").
		Timeout(150*time.Millisecond, "MISSED").
		Done().
		State("CONNECTED").Done().
		State("MISSED").Final().Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	reg := newTestRegistry(t, Config{})
	ctx := context.Background()
	m, err := reg.CreateOrGet(ctx, "call-1", callFactory(t, table))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}

	if !reg.SendEvent(ctx, "call-1", GenericEvent{Name: "ANSWER"}) {
		t.Fatal("answer rejected")
	}
	waitFor(t, time.Second, "answer transition", func() bool {
		return m.CurrentState() == "CONNECTED"
	})

	// Wait past the original ring deadline: the cancelled timeout must not
	// yank the call out of CONNECTED.
	time.Sleep(200 * time.Millisecond)
	if got := m.CurrentState(); got != "CONNECTED" {
		t.Fatalf("state = %q after stale timeout window", got)
	}
	if reg.Len() != 1 {
		t.Fatalf("live = %d, want 1", reg.Len())
	}
}

func TestRegistryOfflineEvictionAndRehydration(t *testing.T) {
	table, err := NewBuilder("call").
		InitialState("CONNECTED").
		State("CONNECTED").
		Stay("TALK", func(ctx context.Context, m *Machine, event interface{}) error {
			m.Persistent().(*callContext).Talked++
			return nil
		}).
		On("HOLD", "PARKED").
		Done().
		State("PARKED").
		Offline().
		On("RESUME", "CONNECTED").
		Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	provider := NewMemoryProvider()
	listener := &recordingListener{}
	reg := newTestRegistry(t, Config{Persistence: provider, RehydrationEnabled: true})
	reg.AddListener(listener)
	ctx := context.Background()

	if _, err := reg.CreateOrGet(ctx, "call-1", callFactory(t, table)); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	reg.SendEvent(ctx, "call-1", GenericEvent{Name: "TALK"})
	reg.SendEvent(ctx, "call-1", GenericEvent{Name: "HOLD"})

	// PARKED is offline: evicted from the live set, record stays incomplete.
	waitFor(t, 2*time.Second, "offline eviction", func() bool { return reg.Len() == 0 })
	complete, _ := provider.IsComplete(ctx, "call-1")
	if complete {
		t.Fatal("offline machine must not be complete")
	}

	m, err := reg.CreateOrGet(ctx, "call-1", callFactory(t, table))
	if err != nil {
		t.Fatalf("rehydrating CreateOrGet: %v", err)
	}
	if m.CurrentState() != "PARKED" {
		t.Fatalf("state = %q, want PARKED", m.CurrentState())
	}
	if got := m.Persistent().(*callContext).Talked; got != 1 {
		t.Fatalf("talked = %d after rehydration, want 1", got)
	}

	listener.mu.Lock()
	rehydrated := len(listener.rehydated)
	listener.mu.Unlock()
	if rehydrated != 1 {
		t.Fatalf("rehydrate notifications = %d, want 1", rehydrated)
	}

	// Rehydrated machine keeps working.
	reg.SendEvent(ctx, "call-1", GenericEvent{Name: "RESUME"})
	waitFor(t, time.Second, "resume transition", func() bool {
		return m.CurrentState() == "CONNECTED"
	})
}

func TestRegistryCompletedMachineDoesNotComeBack(t *testing.T) {
	table := callFlowTable(t)
	provider := NewMemoryProvider()
	reg := newTestRegistry(t, Config{Persistence: provider, RehydrationEnabled: true})
	ctx := context.Background()

	if _, err := reg.CreateOrGet(ctx, "call-1", callFactory(t, table)); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	for _, name := range []string{"INCOMING_CALL", "ANSWER", "HANGUP"} {
		reg.SendEvent(ctx, "call-1", GenericEvent{Name: name})
	}
	waitFor(t, 2*time.Second, "completion", func() bool {
		complete, _ := provider.IsComplete(ctx, "call-1")
		return complete
	})

	if _, err := reg.CreateOrGet(ctx, "call-1", callFactory(t, table)); !IsCode(err, CodeNoSuchMachine) {
		t.Fatalf("CreateOrGet for completed machine: %v", err)
	}
}

func TestRegistryRehydrateOnDemand(t *testing.T) {
	table, err := NewBuilder("call").
		InitialState("CONNECTED").
		State("CONNECTED").On("HOLD", "PARKED").Done().
		State("PARKED").Offline().On("RESUME", "CONNECTED").Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	provider := NewMemoryProvider()
	var factory Factory = func(id string) (*Machine, error) {
		return NewMachine(id, table, &callContext{})
	}
	reg := newTestRegistry(t, Config{
		Persistence:        provider,
		RehydrationEnabled: true,
		Resolver: func(id string) (Factory, bool) {
			return factory, true
		},
	})
	ctx := context.Background()

	if _, err := reg.CreateOrGet(ctx, "call-1", factory); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	reg.SendEvent(ctx, "call-1", GenericEvent{Name: "HOLD"})
	waitFor(t, 2*time.Second, "offline eviction", func() bool { return reg.Len() == 0 })

	// SendEvent to the evicted id must bring it back through the resolver.
	if !reg.SendEvent(ctx, "call-1", GenericEvent{Name: "RESUME"}) {
		t.Fatal("send to offline machine should rehydrate and enqueue")
	}
	waitFor(t, 2*time.Second, "resume after rehydration", func() bool {
		m, ok := reg.Machine("call-1")
		return ok && m.CurrentState() == "CONNECTED"
	})
}

func TestRegistryRejectsReentrantDispatch(t *testing.T) {
	table := callFlowTable(t)
	reg := newTestRegistry(t, Config{})
	ctx := context.Background()

	type verdict struct {
		accepted bool
		sameID   bool
	}
	verdicts := make(chan verdict, 8)
	reg.AddListener(&ListenerFuncs{
		Event: func(ctx context.Context, id, oldState, newState string, p PersistentContext, v interface{}) {
			if newState != "RINGING" {
				return
			}
			// Same machine from inside the callback: must be rejected.
			verdicts <- verdict{accepted: reg.SendEvent(ctx, id, GenericEvent{Name: "ANSWER"}), sameID: true}
		},
	})

	if _, err := reg.CreateOrGet(ctx, "call-1", callFactory(t, table)); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	reg.SendEvent(ctx, "call-1", GenericEvent{Name: "INCOMING_CALL"})

	select {
	case v := <-verdicts:
		if v.accepted {
			t.Fatal("reentrant SendEvent for the same machine must be rejected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener never ran")
	}
}

func TestRegistryFaultNotification(t *testing.T) {
	table, err := NewBuilder("call").
		InitialState("IDLE").
		State("IDLE").On("INCOMING_CALL", "RINGING").Done().
		State("RINGING").
		Entry(func(ctx context.Context, m *Machine, event interface{}) error {
			return fmt.Errorf("media server unavailable")
		}).
		Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	listener := &recordingListener{}
	reg := newTestRegistry(t, Config{})
	reg.AddListener(listener)
	ctx := context.Background()

	m, err := reg.CreateOrGet(ctx, "call-1", callFactory(t, table))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	reg.SendEvent(ctx, "call-1", GenericEvent{Name: "INCOMING_CALL"})

	waitFor(t, 2*time.Second, "fault notification", func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return len(listener.faults) == 1
	})
	if m.CurrentState() != "IDLE" {
		t.Fatalf("state = %q after fault, want IDLE", m.CurrentState())
	}
	if reg.Len() != 1 {
		t.Fatal("faulted machine must stay live")
	}
}

func TestRegistryListenerPanicIsolated(t *testing.T) {
	table := callFlowTable(t)
	reg := newTestRegistry(t, Config{})
	reg.AddListener(&ListenerFuncs{
		Event: func(ctx context.Context, id, oldState, newState string, p PersistentContext, v interface{}) {
			panic("listener bug")
		},
	})
	ctx := context.Background()

	m, err := reg.CreateOrGet(ctx, "call-1", callFactory(t, table))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	reg.SendEvent(ctx, "call-1", GenericEvent{Name: "INCOMING_CALL"})
	waitFor(t, 2*time.Second, "transition despite panicking listener", func() bool {
		return m.CurrentState() == "RINGING"
	})
}

func TestRegistryShutdownRejectsEvents(t *testing.T) {
	table := callFlowTable(t)
	listener := &recordingListener{}
	reg := NewRegistry(Config{Logger: testLogger(t)})
	reg.AddListener(listener)
	ctx := context.Background()

	if _, err := reg.CreateOrGet(ctx, "call-1", callFactory(t, table)); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if err := reg.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if reg.SendEvent(ctx, "call-1", GenericEvent{Name: "INCOMING_CALL"}) {
		t.Fatal("SendEvent after shutdown must be rejected")
	}
	if got := listener.lastDrop(); got != DropDraining {
		t.Fatalf("drop reason = %q", got)
	}
	if _, err := reg.CreateOrGet(ctx, "call-2", callFactory(t, table)); !IsCode(err, CodeDraining) {
		t.Fatalf("CreateOrGet after shutdown: %v", err)
	}
}

func TestRegistryConcurrentMachines(t *testing.T) {
	const machines = 40

	// Handlers record the per-event sequence number so the test can assert
	// that each machine saw its own events in producer order.
	var (
		seqMu sync.Mutex
		seqs  = map[string][]int{}
	)
	table, err := NewBuilder("call").
		InitialState("CONNECTED").
		State("CONNECTED").
		Stay("TALK", func(ctx context.Context, m *Machine, event interface{}) error {
			m.Persistent().(*callContext).Talked++
			seq := event.(GenericEvent).Data["seq"].(int)
			seqMu.Lock()
			seqs[m.ID()] = append(seqs[m.ID()], seq)
			seqMu.Unlock()
			return nil
		}).
		On("HANGUP", "HUNGUP").
		Done().
		State("HUNGUP").Final().Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	provider := NewMemoryProvider()
	var evicted atomic.Int32
	reg := newTestRegistry(t, Config{
		Workers:         4,
		MailboxCapacity: 64,
		Persistence:     provider,
	})
	reg.AddListener(&ListenerFuncs{
		Remove: func(id string) { evicted.Add(1) },
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < machines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("call-%d", i)
			if _, err := reg.CreateOrGet(ctx, id, callFactory(t, table)); err != nil {
				t.Errorf("CreateOrGet %s: %v", id, err)
				return
			}
			for j := 0; j < 10; j++ {
				if !reg.SendEvent(ctx, id, GenericEvent{Name: "TALK", Data: map[string]interface{}{"seq": j}}) {
					t.Errorf("talk rejected for %s", id)
					return
				}
			}
			reg.SendEvent(ctx, id, GenericEvent{Name: "HANGUP"})
		}(i)
	}
	wg.Wait()

	waitFor(t, 5*time.Second, "all machines complete", func() bool {
		return int(evicted.Load()) == machines
	})
	for i := 0; i < machines; i++ {
		rec, err := provider.Load(ctx, fmt.Sprintf("call-%d", i))
		if err != nil || rec == nil {
			t.Fatalf("load call-%d: %v, %v", i, rec, err)
		}
		if !rec.Complete || rec.State != "HUNGUP" {
			t.Fatalf("call-%d record = %+v", i, rec)
		}
	}

	seqMu.Lock()
	defer seqMu.Unlock()
	for i := 0; i < machines; i++ {
		id := fmt.Sprintf("call-%d", i)
		got := seqs[id]
		if len(got) != 10 {
			t.Fatalf("%s handled %d TALK events, want 10", id, len(got))
		}
		for j, seq := range got {
			if seq != j {
				t.Fatalf("%s handled TALK events out of order: %v", id, got)
			}
		}
	}
}

// Gateway-style snapshot reads must be safe while the dispatch worker is
// committing transitions on the same machine.
func TestRegistrySnapshotReadsDuringDispatch(t *testing.T) {
	table, err := NewBuilder("call").
		InitialState("HELD").
		State("HELD").On("RESUME", "CONNECTED").Done().
		State("CONNECTED").On("HOLD", "HELD").Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	reg := newTestRegistry(t, Config{Persistence: NewMemoryProvider()})
	ctx := context.Background()
	m, err := reg.CreateOrGet(ctx, "call-1", callFactory(t, table))
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			_ = m.CurrentState()
			_ = m.LastStateChange()
			_ = m.Complete()
		}
	}()

	for i := 0; i < 200; i++ {
		name, want := "RESUME", "CONNECTED"
		if i%2 == 1 {
			name, want = "HOLD", "HELD"
		}
		if !reg.SendEvent(ctx, "call-1", GenericEvent{Name: name}) {
			t.Fatalf("SendEvent(%s) rejected on iteration %d", name, i)
		}
		waitFor(t, 2*time.Second, "transition to "+want, func() bool {
			return m.CurrentState() == want
		})
	}
	close(done)
	wg.Wait()

	if m.Complete() {
		t.Fatal("machine must not be complete")
	}
	if m.LastStateChange().IsZero() {
		t.Fatal("last state change not recorded")
	}
}
