// Package dispatch decides where a relayed chat envelope is delivered on this
// node. Classification only reads the registry; every node runs it for every
// envelope it receives.
package dispatch

import (
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/envelope"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/registry"
)

// Target is the delivery scope chosen for an envelope.
type Target int

const (
	TargetNone Target = iota
	TargetAll
	TargetConn
	TargetRoom
)

func (t Target) String() string {
	switch t {
	case TargetAll:
		return "all"
	case TargetConn:
		return "conn"
	case TargetRoom:
		return "room"
	default:
		return "none"
	}
}

// Action is the outcome of classification.
type Action struct {
	Target Target
	Conn   registry.Conn
	Room   string
	Event  registry.MessageEvent
}

// Lookuper resolves identities hosted on this node.
type Lookuper interface {
	Lookup(identity string) (registry.Conn, bool)
}

// Deliverer pushes events to local connections.
type Deliverer interface {
	BroadcastLocal(evt registry.Event) int
	DeliverToRoom(room string, evt registry.Event) int
	DeliverTo(c registry.Conn, evt registry.Event) int
}

// Classify maps env to a local delivery action. Broadcast ignores room and
// target. A unicast target missing locally yields TargetNone: the node hosting
// that identity delivers it, and nobody reports back.
func Classify(env envelope.Envelope, reg Lookuper) Action {
	evt := registry.MessageEvent{Envelope: env}
	switch env.Mode {
	case envelope.ModeBroadcast:
		return Action{Target: TargetAll, Event: evt}
	case envelope.ModeUnicast:
		if env.ToUser == "" {
			return Action{Target: TargetNone, Event: evt}
		}
		if c, ok := reg.Lookup(env.ToUser); ok {
			return Action{Target: TargetConn, Conn: c, Event: evt}
		}
		return Action{Target: TargetNone, Event: evt}
	default:
		if env.Room == "" {
			return Action{Target: TargetNone, Event: evt}
		}
		return Action{Target: TargetRoom, Room: env.Room, Event: evt}
	}
}

// Apply performs a and returns the number of connections reached.
func Apply(a Action, d Deliverer) int {
	switch a.Target {
	case TargetAll:
		return d.BroadcastLocal(a.Event)
	case TargetConn:
		return d.DeliverTo(a.Conn, a.Event)
	case TargetRoom:
		return d.DeliverToRoom(a.Room, a.Event)
	default:
		return 0
	}
}

// Registry is satisfied by *registry.ConnectionRegistry.
type Registry interface {
	Lookuper
	Deliverer
}

// Route classifies env against reg and applies the result.
func Route(env envelope.Envelope, reg Registry) (Action, int) {
	a := Classify(env, reg)
	return a, Apply(a, reg)
}
