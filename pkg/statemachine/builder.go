package statemachine

import (
	"fmt"
	"time"
)

// Builder provides a fluent API for building descriptor tables. All schema
// validation happens at Build time so the dispatch hot path never checks it.
type Builder struct {
	table *DescriptorTable
	errs  []error
}

// StateBuilder builds a single state. Done returns to the main builder.
type StateBuilder struct {
	parent *Builder
	state  *StateConfig
}

// NewBuilder creates a builder for a machine kind.
func NewBuilder(kind string) *Builder {
	return &Builder{
		table: &DescriptorTable{
			Kind:   kind,
			States: make(map[string]*StateConfig),
		},
	}
}

// InitialState sets the state new machines start in.
func (b *Builder) InitialState(name string) *Builder {
	b.table.Initial = name
	return b
}

// Volatile sets the factory used to rebuild volatile context on creation
// and rehydration.
func (b *Builder) Volatile(factory VolatileFactory) *Builder {
	b.table.Volatile = factory
	return b
}

// State declares a new state.
func (b *Builder) State(name string) *StateBuilder {
	if name == "" {
		b.errs = append(b.errs, fmt.Errorf("state name cannot be empty"))
	}
	if _, ok := b.table.States[name]; ok {
		b.errs = append(b.errs, fmt.Errorf("duplicate state %q", name))
	}
	state := &StateConfig{
		Name:        name,
		Transitions: make(map[string]Transition),
	}
	b.table.States[name] = state
	return &StateBuilder{parent: b, state: state}
}

// Build validates the schema and returns the immutable table.
func (b *Builder) Build() (*DescriptorTable, error) {
	if len(b.errs) > 0 {
		return nil, &Error{Code: CodeInvalidDescriptor, Message: b.errs[0].Error(), Cause: b.errs[0]}
	}
	if err := b.validate(); err != nil {
		return nil, &Error{Code: CodeInvalidDescriptor, Message: err.Error(), Cause: err}
	}
	return b.table, nil
}

func (b *Builder) validate() error {
	t := b.table
	if t.Kind == "" {
		return fmt.Errorf("machine kind is required")
	}
	if t.Initial == "" {
		return fmt.Errorf("initial state is required")
	}
	if len(t.States) == 0 {
		return fmt.Errorf("at least one state is required")
	}
	if _, ok := t.States[t.Initial]; !ok {
		return fmt.Errorf("initial state %q is not declared", t.Initial)
	}

	for name, state := range t.States {
		if state.Final && state.Offline {
			return fmt.Errorf("state %q cannot be both final and offline", name)
		}
		if state.Final && len(state.Transitions) > 0 {
			return fmt.Errorf("final state %q must not define transitions", name)
		}
		if state.Final && state.Timeout != nil {
			return fmt.Errorf("final state %q must not define a timeout", name)
		}
		for event, trans := range state.Transitions {
			if event == "" {
				return fmt.Errorf("state %q has a transition with an empty event name", name)
			}
			if event == EventTimeout {
				return fmt.Errorf("state %q defines a transition on the reserved %s event", name, EventTimeout)
			}
			if trans.IsStay() {
				continue
			}
			if _, ok := t.States[trans.To]; !ok {
				return fmt.Errorf("state %q transition on %q targets undeclared state %q", name, event, trans.To)
			}
		}
		if state.Timeout != nil {
			if state.Timeout.Duration <= 0 {
				return fmt.Errorf("state %q timeout duration must be positive", name)
			}
			if _, ok := t.States[state.Timeout.Target]; !ok {
				return fmt.Errorf("state %q timeout targets undeclared state %q", name, state.Timeout.Target)
			}
		}
	}
	return nil
}

// Entry sets the entry action for this state.
func (sb *StateBuilder) Entry(action Action) *StateBuilder {
	sb.state.Entry = action
	return sb
}

// Exit sets the exit action for this state.
func (sb *StateBuilder) Exit(action Action) *StateBuilder {
	sb.state.Exit = action
	return sb
}

// On adds a transition to a target state.
func (sb *StateBuilder) On(event string, to string) *StateBuilder {
	sb.addTransition(event, Transition{Event: event, To: to})
	return sb
}

// Stay adds an in-state transition with a handler.
func (sb *StateBuilder) Stay(event string, handler StayHandler) *StateBuilder {
	if handler == nil {
		sb.parent.errs = append(sb.parent.errs,
			fmt.Errorf("state %q stay transition on %q needs a handler", sb.state.Name, event))
		return sb
	}
	sb.addTransition(event, Transition{Event: event, Stay: handler})
	return sb
}

func (sb *StateBuilder) addTransition(event string, t Transition) {
	if _, ok := sb.state.Transitions[event]; ok {
		sb.parent.errs = append(sb.parent.errs,
			fmt.Errorf("state %q has a duplicate transition on %q", sb.state.Name, event))
		return
	}
	sb.state.Transitions[event] = t
}

// Timeout arms a state timeout: after d in this state the machine moves to
// target via the synthetic timeout event.
func (sb *StateBuilder) Timeout(d time.Duration, target string) *StateBuilder {
	sb.state.Timeout = &Timeout{Duration: d, Target: target}
	return sb
}

// Final marks this state terminal: entering it sets complete=true and
// permanently evicts the machine.
func (sb *StateBuilder) Final() *StateBuilder {
	sb.state.Final = true
	return sb
}

// Offline marks this state as evict-but-rehydratable.
func (sb *StateBuilder) Offline() *StateBuilder {
	sb.state.Offline = true
	return sb
}

// Done finishes this state and returns to the main builder.
func (sb *StateBuilder) Done() *Builder {
	return sb.parent
}
