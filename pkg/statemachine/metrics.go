package statemachine

import "time"

// Metrics receives runtime counters. The prometheus implementation lives in
// pkg/observability/prometheus; the runtime itself only depends on this
// interface so embedders can bring their own collector.
type Metrics interface {
	MachineCreated()
	MachineRehydrated()
	MachineEvicted(kind string) // "final" or "offline"
	Transition(kind string)     // machine kind
	StayTransition(kind string)
	IgnoredEvent(kind string)
	DroppedEvent(reason string)
	TransitionFault(kind string)
	TimeoutFired(kind string)
	SlowHandler(kind string, took time.Duration)
	LiveMachines(n int)
	MailboxDepth(n int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) MachineCreated()                              {}
func (NopMetrics) MachineRehydrated()                           {}
func (NopMetrics) MachineEvicted(kind string)                   {}
func (NopMetrics) Transition(kind string)                       {}
func (NopMetrics) StayTransition(kind string)                   {}
func (NopMetrics) IgnoredEvent(kind string)                     {}
func (NopMetrics) DroppedEvent(reason string)                   {}
func (NopMetrics) TransitionFault(kind string)                  {}
func (NopMetrics) TimeoutFired(kind string)                     {}
func (NopMetrics) SlowHandler(kind string, took time.Duration)  {}
func (NopMetrics) LiveMachines(n int)                           {}
func (NopMetrics) MailboxDepth(n int)                           {}
