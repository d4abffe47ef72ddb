// Package statemachine is the switchboard machine runtime: many long-lived,
// event-driven session state machines sharing one process under a bounded
// concurrency budget.
//
// A machine kind is described once as an immutable DescriptorTable built
// through the fluent Builder; the Registry owns the live instances, routes
// events to them strictly serially per machine over a shared worker pool,
// persists their durable context through a PersistenceProvider, fires state
// timeouts as synthetic events, and fans lifecycle notifications out to
// Listeners.
//
// Example:
//
//	table, err := statemachine.NewBuilder("call").
//	    InitialState("IDLE").
//	    State("IDLE").
//	        On("INCOMING_CALL", "RINGING").
//	        Done().
//	    State("RINGING").
//	        On("ANSWER", "CONNECTED").
//	        On("HANGUP", "HUNGUP").
//	        Timeout(30*time.Second, "IDLE").
//	        Done().
//	    State("CONNECTED").
//	        On("HANGUP", "HUNGUP").
//	        Done().
//	    State("HUNGUP").
//	        Final().
//	        Done().
//	    Build()
package statemachine

import (
	"context"
	"encoding/json"
	"time"
)

// PersistentContext is the durable half of a machine's data. Callers supply
// the concrete record (usually by embedding BaseContext); it must be JSON
// round-trippable for snapshots and persistence.
type PersistentContext interface {
	CurrentState() string
	SetCurrentState(state string)
	LastStateChange() time.Time
	SetLastStateChange(t time.Time)
	Complete() bool
	SetComplete(complete bool)
}

// BaseContext implements the PersistentContext bookkeeping fields. Embed it
// in domain context records.
type BaseContext struct {
	State       string    `json:"currentState"`
	StateChange time.Time `json:"lastStateChange"`
	Done        bool      `json:"complete"`
}

func (c *BaseContext) CurrentState() string          { return c.State }
func (c *BaseContext) SetCurrentState(state string)  { c.State = state }
func (c *BaseContext) LastStateChange() time.Time    { return c.StateChange }
func (c *BaseContext) SetLastStateChange(t time.Time) { c.StateChange = t }
func (c *BaseContext) Complete() bool                { return c.Done }
func (c *BaseContext) SetComplete(complete bool)     { c.Done = complete }

// VolatileFactory rebuilds the in-memory half of a machine's data from the
// persistent half, e.g. after rehydration.
type VolatileFactory func(persistent PersistentContext) interface{}

// Action runs on state entry or exit. The machine's serial lock is held; the
// action may mutate the machine's contexts freely.
type Action func(ctx context.Context, m *Machine, event interface{}) error

// StayHandler runs for an in-state transition. Entry/exit actions do not run
// and the state timeout is not reset. Context mutations are persisted
// unconditionally after the handler returns.
type StayHandler func(ctx context.Context, m *Machine, event interface{}) error

// Transition is either a move to a target state or a Stay with a handler.
type Transition struct {
	Event string
	To    string      // target state; empty for a stay transition
	Stay  StayHandler // non-nil for a stay transition
}

// IsStay reports whether this is an in-state transition.
func (t Transition) IsStay() bool { return t.Stay != nil }

// Timeout moves the machine to Target when it has sat in a state for
// Duration without leaving it.
type Timeout struct {
	Duration time.Duration
	Target   string
}

// StateConfig is the immutable per-state schema inside a DescriptorTable.
type StateConfig struct {
	Name        string
	Entry       Action
	Exit        Action
	Transitions map[string]Transition // keyed by event type name
	Timeout     *Timeout
	Final       bool // entry marks the machine complete and evicts it
	Offline     bool // entry evicts the machine; it stays rehydratable
}

// DescriptorTable is the immutable schema of one machine kind. Built once
// through Builder, shared by every instance of the kind.
type DescriptorTable struct {
	Kind     string
	Initial  string
	States   map[string]*StateConfig
	Volatile VolatileFactory
}

// State returns the config for a state name, or nil.
func (d *DescriptorTable) State(name string) *StateConfig {
	return d.States[name]
}

// Record is the persisted form of a machine: the three well-known fields the
// loader reads directly plus the opaque serialized context.
type Record struct {
	State           string          `json:"currentState"`
	LastStateChange time.Time       `json:"lastStateChange"`
	Complete        bool            `json:"complete"`
	Context         json.RawMessage `json:"context,omitempty"`
}
