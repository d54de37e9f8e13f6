// Package relay propagates chat events between node processes over three
// logical publish/subscribe channels. Every node publishes on local client
// actions and subscribes to react to every node's actions, its own included.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShreyashPG/Distributed-Chat-Application/internal/envelope"
	"go.uber.org/zap"
)

// ErrTransport marks publish/subscribe failures of the underlying transport.
var ErrTransport = errors.New("relay transport failure")

// roomsChangedSignal is the payload of the room-list channel; receivers only
// care that it fired.
const roomsChangedSignal = "1"

// Channels names the three relay channels on the transport.
type Channels struct {
	Messages string `mapstructure:"messages"`
	Rooms    string `mapstructure:"rooms"`
	Roster   string `mapstructure:"roster"`
}

// DefaultChannels matches the channel names used by existing deployments.
func DefaultChannels() Channels {
	return Channels{
		Messages: "bchat-chats",
		Rooms:    "bchat-rooms",
		Roster:   "bchat-users",
	}
}

// WithDefaults fills unset channel names.
func (c Channels) WithDefaults() Channels {
	def := DefaultChannels()
	if c.Messages == "" {
		c.Messages = def.Messages
	}
	if c.Rooms == "" {
		c.Rooms = def.Rooms
	}
	if c.Roster == "" {
		c.Roster = def.Roster
	}
	return c
}

func (c Channels) all() []string {
	return []string{c.Messages, c.Rooms, c.Roster}
}

// label maps a transport channel to its metric label.
func (c Channels) label(channel string) string {
	switch channel {
	case c.Messages:
		return "messages"
	case c.Rooms:
		return "rooms"
	case c.Roster:
		return "roster"
	default:
		return "unknown"
	}
}

// Handler reacts to relay events. Implementations must be safe for concurrent use.
type Handler interface {
	HandleMessage(ctx context.Context, env envelope.Envelope)
	HandleRoomsChanged(ctx context.Context)
	HandleRosterChanged(ctx context.Context, room string)
}

// Relay is the cross-node transport contract.
type Relay interface {
	PublishMessage(ctx context.Context, env envelope.Envelope) error
	PublishRoomsChanged(ctx context.Context) error
	PublishRosterChanged(ctx context.Context, room string) error
	// Subscribe attaches h to all three channels and returns once the
	// subscriptions are confirmed. Delivery stops when ctx ends or on Close.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

func transportErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

// router decodes raw channel payloads and invokes the handler. All drivers share it.
type router struct {
	channels Channels
	log      *zap.Logger
	metrics  *Metrics
}

func (r router) route(ctx context.Context, h Handler, channel string, payload []byte) {
	r.metrics.RecordReceived(r.channels.label(channel))
	switch channel {
	case r.channels.Messages:
		env, err := envelope.Decode(payload)
		if err != nil {
			r.metrics.RecordDecodeFailure()
			r.log.Warn("drop undecodable relay message", zap.String("channel", channel), zap.Error(err))
			return
		}
		h.HandleMessage(ctx, env)
	case r.channels.Rooms:
		h.HandleRoomsChanged(ctx)
	case r.channels.Roster:
		room := string(payload)
		if room == "" {
			r.metrics.RecordDecodeFailure()
			r.log.Warn("drop roster signal without room", zap.String("channel", channel))
			return
		}
		h.HandleRosterChanged(ctx, room)
	default:
		r.log.Debug("ignore message on unknown channel", zap.String("channel", channel))
	}
}

// publisher implements the Publish half of Relay on top of a driver's raw send.
type publisher struct {
	channels Channels
	metrics  *Metrics
	send     func(ctx context.Context, channel string, payload []byte) error
}

func (p publisher) PublishMessage(ctx context.Context, env envelope.Envelope) error {
	data, err := env.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return p.publish(ctx, p.channels.Messages, data)
}

func (p publisher) PublishRoomsChanged(ctx context.Context) error {
	return p.publish(ctx, p.channels.Rooms, []byte(roomsChangedSignal))
}

func (p publisher) PublishRosterChanged(ctx context.Context, room string) error {
	if room == "" {
		return errors.New("roster signal requires a room")
	}
	return p.publish(ctx, p.channels.Roster, []byte(room))
}

func (p publisher) publish(ctx context.Context, channel string, payload []byte) error {
	label := p.channels.label(channel)
	if err := p.send(ctx, channel, payload); err != nil {
		p.metrics.RecordPublishFailure(label)
		return transportErr("publish "+label, err)
	}
	p.metrics.RecordPublished(label)
	return nil
}
