package main

import (
	"context"
	"time"

	"github.com/fluxorio/switchboard/pkg/statemachine"
)

// callContext is the persisted record of one call machine.
type callContext struct {
	statemachine.BaseContext

	Caller     string `json:"caller,omitempty"`
	TalkSpurts int    `json:"talkSpurts"`
}

// callFlowTable is the demo descriptor: an inbound call that rings, gets
// answered or missed, can be parked to free its slot, and ends hung up.
func callFlowTable() (*statemachine.DescriptorTable, error) {
	return statemachine.NewBuilder("call").
		InitialState("IDLE").
		State("IDLE").
		On("INCOMING_CALL", "RINGING").
		Done().
		State("RINGING").
		Entry(func(ctx context.Context, m *statemachine.Machine, event interface{}) error {
			cc := m.Persistent().(*callContext)
			if ge, ok := event.(statemachine.GenericEvent); ok {
				if caller, ok := ge.Data["caller"].(string); ok {
					cc.Caller = caller
				}
			}
			return nil
		}).
		On("ANSWER", "CONNECTED").
		On("HANGUP", "HUNGUP").
		Timeout(30*time.Second, "MISSED").
		Done().
		State("CONNECTED").
		Stay("TALK", func(ctx context.Context, m *statemachine.Machine, event interface{}) error {
			m.Persistent().(*callContext).TalkSpurts++
			return nil
		}).
		On("PARK", "PARKED").
		On("HANGUP", "HUNGUP").
		Done().
		State("PARKED").
		Offline().
		On("RESUME", "CONNECTED").
		On("HANGUP", "HUNGUP").
		Done().
		State("MISSED").
		Final().
		Done().
		State("HUNGUP").
		Final().
		Done().
		Build()
}
