package statemachine

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// EventTimeout is the well-known name of the synthetic event delivered when
// a state timeout fires. Descriptor tables never define transitions on it;
// a state's timeout target is resolved implicitly.
const EventTimeout = "__TIMEOUT__"

// EventStart is the synthetic event passed to the initial state's entry
// action when a machine starts.
const EventStart = "__START__"

// NamedEvent lets an event carry its own type name, bypassing the
// reflection lookup. Events arriving over the wire (gateway, NATS) use this.
type NamedEvent interface {
	EventName() string
}

// GenericEvent is a name-plus-payload event for callers that do not define
// concrete event types, e.g. the HTTP gateway and the NATS ingress.
type GenericEvent struct {
	Name string                 `json:"name"`
	Data map[string]interface{} `json:"data,omitempty"`
}

func (e GenericEvent) EventName() string { return e.Name }

// TimeoutEvent is the synthetic event scheduled by the timeout scheduler.
// Epoch carries the arm-epoch token used to drop stale deliveries.
type TimeoutEvent struct {
	MachineID string
	Target    string
	Epoch     uint64
	ArmedAt   time.Time
}

func (e TimeoutEvent) EventName() string { return EventTimeout }

// TypeRegistry is a process-wide bijection between concrete event types and
// stable names. Registration happens at startup; lookups are read-mostly and
// go through copy-on-write maps behind atomic.Values, so the fast path takes
// no lock.
type TypeRegistry struct {
	mu     sync.Mutex   // serializes writers only
	byType atomic.Value // map[reflect.Type]string
	byName atomic.Value // map[string]reflect.Type
}

// NewTypeRegistry creates an empty type registry.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{}
	r.byType.Store(map[reflect.Type]string{})
	r.byName.Store(map[string]reflect.Type{})
	return r
}

// Register maps the concrete type of prototype to name. Registering the same
// pair twice is a no-op; a conflicting mapping in either direction fails
// with CodeDuplicateRegistration.
func (r *TypeRegistry) Register(name string, prototype interface{}) error {
	if name == "" {
		return newError(CodeInvalidDescriptor, "event type name cannot be empty")
	}
	t := indirectType(prototype)
	if t == nil {
		return newError(CodeInvalidDescriptor, "event prototype cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byType := r.byType.Load().(map[reflect.Type]string)
	byName := r.byName.Load().(map[string]reflect.Type)

	if existing, ok := byType[t]; ok {
		if existing == name {
			return nil // idempotent
		}
		return newError(CodeDuplicateRegistration, "type %s already registered as %q", t, existing)
	}
	if existing, ok := byName[name]; ok {
		return newError(CodeDuplicateRegistration, "name %q already registered for type %s", name, existing)
	}

	// Copy-on-write so readers never see a map under mutation.
	nextByType := make(map[reflect.Type]string, len(byType)+1)
	for k, v := range byType {
		nextByType[k] = v
	}
	nextByType[t] = name

	nextByName := make(map[string]reflect.Type, len(byName)+1)
	for k, v := range byName {
		nextByName[k] = v
	}
	nextByName[name] = t

	r.byType.Store(nextByType)
	r.byName.Store(nextByName)
	return nil
}

// NameOf resolves the stable name of an event. Events implementing
// NamedEvent answer directly; everything else is looked up by concrete type.
func (r *TypeRegistry) NameOf(event interface{}) (string, error) {
	if named, ok := event.(NamedEvent); ok {
		return named.EventName(), nil
	}
	t := indirectType(event)
	if t != nil {
		byType := r.byType.Load().(map[reflect.Type]string)
		if name, ok := byType[t]; ok {
			return name, nil
		}
	}
	return "", newError(CodeUnknownEventType, "event type %T is not registered", event)
}

// TypeOf returns the concrete type registered under name.
func (r *TypeRegistry) TypeOf(name string) (reflect.Type, bool) {
	byName := r.byName.Load().(map[string]reflect.Type)
	t, ok := byName[name]
	return t, ok
}

// New instantiates a zero value of the type registered under name.
func (r *TypeRegistry) New(name string) (interface{}, bool) {
	t, ok := r.TypeOf(name)
	if !ok {
		return nil, false
	}
	return reflect.New(t).Interface(), true
}

func indirectType(v interface{}) reflect.Type {
	if v == nil {
		return nil
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// DefaultTypes is the process-wide registry used when a Registry is created
// without an explicit one. Populate it at startup.
var DefaultTypes = NewTypeRegistry()
