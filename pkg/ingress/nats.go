// Package ingress bridges external transports into the machine registry.
// The NATS ingress turns messages on per-machine subjects into dispatched
// events and publishes state changes back out for interested parties.
package ingress

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fluxorio/switchboard/pkg/core"
	"github.com/fluxorio/switchboard/pkg/statemachine"
)

// NATSConfig configures the NATS ingress.
type NATSConfig struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string

	// SubjectPrefix is prepended to all subjects. Default: "switchboard".
	// Events arrive on <prefix>.event.<machineID>; transitions are
	// published on <prefix>.transition.<machineID>.
	SubjectPrefix string

	// QueueGroup makes multiple switchboard nodes share the event stream;
	// each message is handled by exactly one node. Default: "switchboard".
	QueueGroup string

	// Name is an optional NATS connection name.
	Name string

	Logger core.Logger
}

// NATSIngress subscribes to per-machine event subjects and feeds the
// registry. Event payloads are JSON GenericEvents: {"name": ..., "data": ...}.
type NATSIngress struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	reg    *statemachine.Registry
	prefix string
	logger core.Logger
}

// NewNATSIngress connects and subscribes. The subscription is active when
// this returns.
func NewNATSIngress(reg *statemachine.Registry, cfg NATSConfig) (*NATSIngress, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "switchboard"
	}
	queue := cfg.QueueGroup
	if queue == "" {
		queue = "switchboard"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	nc, err := nats.Connect(url, func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		o.ReconnectWait = time.Second
		return nil
	})
	if err != nil {
		return nil, err
	}

	in := &NATSIngress{nc: nc, reg: reg, prefix: prefix, logger: logger}
	sub, err := nc.QueueSubscribe(prefix+".event.>", queue, in.handle)
	if err != nil {
		nc.Close()
		return nil, err
	}
	in.sub = sub
	return in, nil
}

func (in *NATSIngress) handle(msg *nats.Msg) {
	// Subject shape: <prefix>.event.<machineID>; ids may not contain dots.
	machineID := msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]
	if machineID == "" {
		in.logger.Warnf("nats ingress: no machine id in subject %s", msg.Subject)
		return
	}

	var event statemachine.GenericEvent
	if err := core.JSONDecode(msg.Data, &event); err != nil {
		in.logger.Warnf("nats ingress: bad payload on %s: %v", msg.Subject, err)
		return
	}
	if event.Name == "" {
		in.logger.Warnf("nats ingress: event without a name on %s", msg.Subject)
		return
	}

	// Rejections are already counted and fanned out by the registry.
	in.reg.SendEvent(context.Background(), machineID, event)
}

// Conn exposes the underlying connection, e.g. for the transition publisher.
func (in *NATSIngress) Conn() *nats.Conn { return in.nc }

// Close drains the subscription and closes the connection.
func (in *NATSIngress) Close() error {
	if err := in.sub.Drain(); err != nil {
		in.nc.Close()
		return err
	}
	err := in.nc.Drain()
	return err
}

// transitionMessage is the wire form of a published state change.
type transitionMessage struct {
	MachineID string    `json:"machineId"`
	OldState  string    `json:"oldState"`
	NewState  string    `json:"newState"`
	At        time.Time `json:"at"`
}

// TransitionPublisher is a registry listener that publishes every state
// change to <prefix>.transition.<machineID>. Publishing is fire-and-forget;
// a slow NATS connection never blocks dispatch for long and errors only log.
type TransitionPublisher struct {
	nc     *nats.Conn
	prefix string
	logger core.Logger
}

var _ statemachine.Listener = (*TransitionPublisher)(nil)

// NewTransitionPublisher creates a publisher over an existing connection.
func NewTransitionPublisher(nc *nats.Conn, prefix string, logger core.Logger) *TransitionPublisher {
	if prefix == "" {
		prefix = "switchboard"
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &TransitionPublisher{nc: nc, prefix: prefix, logger: logger}
}

func (p *TransitionPublisher) OnRegistryCreate(machineID string)    {}
func (p *TransitionPublisher) OnRegistryRehydrate(machineID string) {}
func (p *TransitionPublisher) OnRegistryRemove(machineID string)    {}

func (p *TransitionPublisher) OnStateMachineEvent(ctx context.Context, machineID, oldState, newState string, persistent statemachine.PersistentContext, volatile interface{}) {
	data, err := core.JSONEncode(transitionMessage{
		MachineID: machineID,
		OldState:  oldState,
		NewState:  newState,
		At:        time.Now().UTC(),
	})
	if err != nil {
		p.logger.Errorf("transition publisher: encode failed for %s: %v", machineID, err)
		return
	}
	if err := p.nc.Publish(p.prefix+".transition."+machineID, data); err != nil {
		p.logger.Warnf("transition publisher: publish failed for %s: %v", machineID, err)
	}
}
