package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShreyashPG/Distributed-Chat-Application/internal/auth"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/dispatch"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/envelope"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/join"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/persistence"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/presence"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/registry"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/relay"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	msgInvalidJoin = "Invalid room or user data"
	msgJoinFailed  = "Failed to join room"
	msgSendFailed  = "Failed to send message"
)

// RouterOptions wires the router's collaborators.
type RouterOptions struct {
	NodeName   string
	Store      presence.Store
	Relay      relay.Relay
	Saver      persistence.Saver
	Authorizer auth.Authorizer
	Registry   *registry.ConnectionRegistry
	Metrics    *routerMetrics
	SendBuffer int
	// Keys is the presence key layout, used to reject room names that would
	// alias store keys.
	Keys presence.Keys
}

// ChatRouter serves client sessions and reacts to relay events on one node.
// It implements relay.Handler.
type ChatRouter struct {
	log        *zap.Logger
	nodeName   string
	store      presence.Store
	relay      relay.Relay
	saver      persistence.Saver
	authz      auth.Authorizer
	registry   *registry.ConnectionRegistry
	join       *join.Protocol
	metrics    *routerMetrics
	sendBuffer int
	now        func() time.Time
}

var _ relay.Handler = (*ChatRouter)(nil)

// NewChatRouter validates dependencies and builds the router.
func NewChatRouter(log *zap.Logger, opts RouterOptions) (*ChatRouter, error) {
	if opts.Store == nil {
		return nil, errors.New("presence store is required")
	}
	if opts.Relay == nil {
		return nil, errors.New("relay is required")
	}
	if opts.Saver == nil {
		return nil, errors.New("message saver is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Authorizer == nil {
		opts.Authorizer = auth.AllowAll{}
	}
	if opts.Registry == nil {
		opts.Registry = registry.New(log)
	}

	protocol, err := join.New(join.Config{
		Store:      opts.Store,
		Publisher:  opts.Relay,
		Registry:   opts.Registry,
		Authorizer: opts.Authorizer,
		Keys:       opts.Keys,
		Log:        log,
	})
	if err != nil {
		return nil, err
	}

	return &ChatRouter{
		log:        log,
		nodeName:   opts.NodeName,
		store:      opts.Store,
		relay:      opts.Relay,
		saver:      opts.Saver,
		authz:      opts.Authorizer,
		registry:   opts.Registry,
		join:       protocol,
		metrics:    opts.Metrics,
		sendBuffer: opts.SendBuffer,
		now:        time.Now,
	}, nil
}

// Registry exposes the node-local connection registry.
func (r *ChatRouter) Registry() *registry.ConnectionRegistry {
	return r.registry
}

// Serve runs a session for an authenticated identity until the connection
// closes, ctx ends, or a fatal error occurs.
func (r *ChatRouter) Serve(ctx context.Context, conn FrameConn, identity string) error {
	session := newChatSession(ctx, uuid.NewString(), identity, conn, r.sendBuffer, r.log)
	r.registry.Attach(session)
	r.metrics.incConn()
	// Closing the transport is the only way to unblock ReadMessage.
	stop := context.AfterFunc(session.ctx, func() { _ = conn.Close() })
	defer stop()
	defer r.cleanupSession(session)

	go session.sender()
	session.log.Info("client connected")
	r.greet(session)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if session.ctx.Err() == nil {
				session.log.Debug("connection read ended", zap.Error(err))
			}
			return nil
		}

		start := time.Now()
		op := "decode"
		evt, err := decodeInbound(raw)
		if err != nil {
			err = &routeError{code: codeInvalidFrame, msg: "invalid frame", err: err}
		} else {
			op = evt.op()
			err = r.route(session, evt)
		}
		r.observe(op, start, err)
		if err == nil {
			continue
		}

		var rerr *routeError
		if !errors.As(err, &rerr) {
			return err
		}
		session.log.Debug("request failed", zap.String("op", op), zap.String("code", rerr.code), zap.Error(err))
		_ = session.Push(registry.ErrorEvent{Code: rerr.code, Message: rerr.msg})
		if rerr.fatal {
			return rerr
		}
	}
}

func (r *ChatRouter) greet(s *chatSession) {
	_ = s.Push(registry.LogEvent{Text: "App is connected to " + r.nodeName})
	rooms, err := r.store.ListRooms(s.ctx)
	if err != nil {
		s.log.Warn("load room list", zap.Error(err))
		return
	}
	_ = s.Push(registry.RoomListEvent{Rooms: presence.DedupeRoster(rooms)})
}

func (r *ChatRouter) route(s *chatSession, evt inbound) error {
	switch e := evt.(type) {
	case joinRequest:
		return r.handleJoin(s, e)
	case sendRequest:
		return r.handleSend(s, e.Envelope)
	default:
		return &routeError{code: codeInvalidFrame, msg: "unsupported frame"}
	}
}

func (r *ChatRouter) handleJoin(s *chatSession, req joinRequest) error {
	if req.User != "" && req.User != s.identity {
		r.metrics.recordJoin("rejected")
		return &routeError{code: codeValidationFailed, msg: msgInvalidJoin,
			err: fmt.Errorf("join as %q from a session of %q", req.User, s.identity)}
	}

	ctx := s.opContext()

	res, err := r.join.Join(ctx, join.Request{Identity: s.identity, Room: req.Room, Conn: s})
	switch {
	case errors.Is(err, join.ErrRejected):
		r.metrics.recordJoin("rejected")
		code := codeValidationFailed
		if errors.Is(err, auth.ErrForbidden) {
			code = codeForbidden
		}
		return &routeError{code: code, msg: msgInvalidJoin, err: err}
	case err != nil:
		r.metrics.recordJoin("failed")
		s.log.Warn("join failed",
			zap.String("room", req.Room),
			zap.String("state", res.State.String()),
			zap.Error(err))
		return &routeError{code: codeStoreFailed, msg: msgJoinFailed, err: err}
	}

	if res.Created {
		r.metrics.recordJoin("created")
	} else {
		r.metrics.recordJoin("found")
	}
	// Without the relay only this node's clients can be refreshed.
	if res.RoomsPublishErr != nil {
		r.metrics.recordLocalFallback()
		r.refreshRooms(ctx)
	}
	if res.RosterPublishErr != nil {
		r.metrics.recordLocalFallback()
		r.refreshRoster(ctx, res.Room)
	} else if users, ok := r.roster(ctx, res.Room); ok {
		// The announcement went out before this connection was bound to the room.
		if err := s.Push(registry.RosterEvent{Room: res.Room, Users: users}); err != nil {
			return err
		}
	}

	s.log.Info("joined room",
		zap.String("room", res.Room),
		zap.Bool("created", res.Created),
		zap.String("previous_room", res.PreviousRoom))
	return s.Push(registry.LogEvent{Text: "App is connected at " + r.nodeName})
}

// handleSend runs validate, authorize, persist, publish. Nothing is published
// unless the save succeeded.
func (r *ChatRouter) handleSend(s *chatSession, env envelope.Envelope) error {
	if env.User == "" {
		env.User = s.identity
	}
	if env.User != s.identity {
		return &routeError{code: codeForbidden, msg: "sender does not match the connection identity"}
	}
	if env.Time.IsZero() {
		env.Time = r.now().UTC()
	}
	if err := env.Validate(); err != nil {
		return &routeError{code: codeValidationFailed, msg: "invalid message", err: err}
	}
	ctx := s.opContext()
	if err := r.authz.AuthorizeSend(ctx, s.identity, env); err != nil {
		if errors.Is(err, auth.ErrForbidden) {
			return &routeError{code: codeForbidden, msg: "not allowed to post in this room", err: err}
		}
		s.log.Warn("authorize send", zap.Error(err))
		return &routeError{code: codeStoreFailed, msg: msgSendFailed, err: err}
	}
	if err := r.saver.Save(ctx, env); err != nil {
		s.log.Warn("persist message", zap.String("room", env.Room), zap.Error(err))
		return &routeError{code: codeStoreFailed, msg: msgSendFailed, err: err}
	}
	r.metrics.recordSent(env.Mode.String())

	var degraded error
	if err := r.relay.PublishMessage(ctx, env); err != nil {
		s.log.Warn("relay publish failed, delivering locally", zap.Error(err))
		r.metrics.recordLocalFallback()
		r.deliver(env)
		degraded = &routeError{code: codePublishFailed, msg: "message delivered on this node only", err: err}
	}

	// The recipient gets a unicast through the relay; the sender gets it here.
	if env.Mode == envelope.ModeUnicast && env.ToUser != s.identity {
		if err := s.Push(registry.MessageEvent{Envelope: env}); err != nil {
			return err
		}
	}
	return degraded
}

// HandleMessage dispatches a relayed envelope to local connections.
func (r *ChatRouter) HandleMessage(_ context.Context, env envelope.Envelope) {
	start := time.Now()
	r.metrics.recordRelayEvent("messages")
	r.deliver(env)
	r.observe("relay_message", start, nil)
}

// HandleRoomsChanged pushes the fresh room list to every local connection.
func (r *ChatRouter) HandleRoomsChanged(ctx context.Context) {
	start := time.Now()
	r.metrics.recordRelayEvent("rooms")
	r.refreshRooms(ctx)
	r.observe("relay_rooms", start, nil)
}

// HandleRosterChanged pushes the room's roster to local members of that room.
func (r *ChatRouter) HandleRosterChanged(ctx context.Context, room string) {
	start := time.Now()
	r.metrics.recordRelayEvent("roster")
	r.refreshRoster(ctx, room)
	r.observe("relay_roster", start, nil)
}

func (r *ChatRouter) deliver(env envelope.Envelope) {
	action, n := dispatch.Route(env, r.registry)
	r.metrics.recordDeliveries(action.Target.String(), n)
}

func (r *ChatRouter) refreshRooms(ctx context.Context) {
	rooms, err := r.store.ListRooms(ctx)
	if err != nil {
		r.metrics.recordError(codeStoreFailed)
		r.log.Warn("refresh room list", zap.Error(err))
		return
	}
	r.registry.BroadcastLocal(registry.RoomListEvent{Rooms: presence.DedupeRoster(rooms)})
}

func (r *ChatRouter) refreshRoster(ctx context.Context, room string) {
	if users, ok := r.roster(ctx, room); ok {
		r.registry.DeliverToRoom(room, registry.RosterEvent{Room: room, Users: users})
	}
}

func (r *ChatRouter) roster(ctx context.Context, room string) ([]string, bool) {
	members, err := r.store.ListRosterMembers(ctx, room)
	if err != nil {
		r.metrics.recordError(codeStoreFailed)
		r.log.Warn("load roster", zap.String("room", room), zap.Error(err))
		return nil, false
	}
	return presence.DedupeRoster(members), true
}

func (r *ChatRouter) cleanupSession(s *chatSession) {
	s.cancel()
	r.registry.Detach(s)
	r.metrics.decConn()
	s.log.Info("client disconnected", zap.Duration("connected_for", time.Since(s.connectedAt)))
}

func (r *ChatRouter) observe(op string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	r.metrics.observeLatency(op, time.Since(start))
	if err != nil {
		code := "internal"
		var rerr *routeError
		if errors.As(err, &rerr) && rerr.code != "" {
			code = rerr.code
		}
		r.metrics.recordError(code)
	}
}
