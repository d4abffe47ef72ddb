package statemachine

import (
	"context"

	"github.com/fluxorio/switchboard/pkg/core"
)

// Listener observes registry lifecycle and machine transitions. Delivery is
// synchronous after persistence; per machine, notifications arrive in
// transition order. A panicking listener is isolated and logged; it never
// aborts a transition.
//
// Listeners must not call Registry.SendEvent for the same machine from
// inside a callback; passing the callback's ctx to SendEvent lets the
// registry reject such reentrant dispatch.
type Listener interface {
	OnRegistryCreate(machineID string)
	OnRegistryRehydrate(machineID string)
	OnRegistryRemove(machineID string)
	OnStateMachineEvent(ctx context.Context, machineID, oldState, newState string, persistent PersistentContext, volatile interface{})
}

// FaultListener is an optional extension receiving handler and persistence
// faults as synthetic transitions from the prior state to itself.
type FaultListener interface {
	OnTransitionFault(machineID, state string, cause error)
}

// DropListener is an optional extension receiving undeliverable events.
type DropListener interface {
	OnDroppedEvent(machineID, eventName, reason string)
}

// ListenerFuncs adapts plain functions to Listener (and the optional
// extensions). Nil fields are skipped.
type ListenerFuncs struct {
	Create    func(machineID string)
	Rehydrate func(machineID string)
	Remove    func(machineID string)
	Event     func(ctx context.Context, machineID, oldState, newState string, persistent PersistentContext, volatile interface{})
	Fault     func(machineID, state string, cause error)
	Dropped   func(machineID, eventName, reason string)
}

func (l *ListenerFuncs) OnRegistryCreate(id string) {
	if l.Create != nil {
		l.Create(id)
	}
}

func (l *ListenerFuncs) OnRegistryRehydrate(id string) {
	if l.Rehydrate != nil {
		l.Rehydrate(id)
	}
}

func (l *ListenerFuncs) OnRegistryRemove(id string) {
	if l.Remove != nil {
		l.Remove(id)
	}
}

func (l *ListenerFuncs) OnStateMachineEvent(ctx context.Context, id, oldState, newState string, persistent PersistentContext, volatile interface{}) {
	if l.Event != nil {
		l.Event(ctx, id, oldState, newState, persistent, volatile)
	}
}

func (l *ListenerFuncs) OnTransitionFault(id, state string, cause error) {
	if l.Fault != nil {
		l.Fault(id, state, cause)
	}
}

func (l *ListenerFuncs) OnDroppedEvent(id, eventName, reason string) {
	if l.Dropped != nil {
		l.Dropped(id, eventName, reason)
	}
}

// LoggingListener logs every notification. Useful during bring-up.
type LoggingListener struct {
	Logger core.Logger
}

func NewLoggingListener(logger core.Logger) *LoggingListener {
	return &LoggingListener{Logger: logger}
}

func (l *LoggingListener) OnRegistryCreate(id string) {
	l.Logger.Infof("machine %s created", id)
}

func (l *LoggingListener) OnRegistryRehydrate(id string) {
	l.Logger.Infof("machine %s rehydrated", id)
}

func (l *LoggingListener) OnRegistryRemove(id string) {
	l.Logger.Infof("machine %s removed", id)
}

func (l *LoggingListener) OnStateMachineEvent(ctx context.Context, id, oldState, newState string, persistent PersistentContext, volatile interface{}) {
	l.Logger.Infof("machine %s: %s -> %s", id, displayState(oldState), newState)
}

func (l *LoggingListener) OnTransitionFault(id, state string, cause error) {
	l.Logger.Errorf("machine %s faulted in %s: %v", id, state, cause)
}

func (l *LoggingListener) OnDroppedEvent(id, eventName, reason string) {
	l.Logger.Warnf("dropped event %s for machine %s: %s", eventName, id, reason)
}

func displayState(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}

// listenerSet is the registry's fan-out with panic isolation.
type listenerSet struct {
	logger core.Logger
}

func (ls listenerSet) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			ls.logger.Errorf("listener panicked in %s: %v", name, r)
		}
	}()
	fn()
}

func (ls listenerSet) notifyCreate(listeners []Listener, id string) {
	for _, l := range listeners {
		ls.safely("OnRegistryCreate", func() { l.OnRegistryCreate(id) })
	}
}

func (ls listenerSet) notifyRehydrate(listeners []Listener, id string) {
	for _, l := range listeners {
		ls.safely("OnRegistryRehydrate", func() { l.OnRegistryRehydrate(id) })
	}
}

func (ls listenerSet) notifyRemove(listeners []Listener, id string) {
	for _, l := range listeners {
		ls.safely("OnRegistryRemove", func() { l.OnRegistryRemove(id) })
	}
}

func (ls listenerSet) notifyEvent(ctx context.Context, listeners []Listener, id, oldState, newState string, p PersistentContext, v interface{}) {
	for _, l := range listeners {
		ls.safely("OnStateMachineEvent", func() { l.OnStateMachineEvent(ctx, id, oldState, newState, p, v) })
	}
}

func (ls listenerSet) notifyFault(listeners []Listener, id, state string, cause error) {
	for _, l := range listeners {
		if fl, ok := l.(FaultListener); ok {
			ls.safely("OnTransitionFault", func() { fl.OnTransitionFault(id, state, cause) })
		}
	}
}

func (ls listenerSet) notifyDropped(listeners []Listener, id, eventName, reason string) {
	for _, l := range listeners {
		if dl, ok := l.(DropListener); ok {
			ls.safely("OnDroppedEvent", func() { dl.OnDroppedEvent(id, eventName, reason) })
		}
	}
}
