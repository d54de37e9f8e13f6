// Package join runs the join/create-room protocol for one connection:
// validate, check existence, lazily create, append to the roster, announce,
// then bind the connection to the room locally.
//
// The steps are not atomic against the shared store. A failure after the
// room is created leaves it without the roster entry or announcement; the
// next join repairs nothing and simply appends again.
package join

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/ShreyashPG/Distributed-Chat-Application/internal/presence"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/registry"
	"go.uber.org/zap"
)

// ErrRejected marks joins refused before touching the store.
var ErrRejected = errors.New("join rejected")

// MaxRoomNameLength bounds room names in runes.
const MaxRoomNameLength = 64

type State int

const (
	StateRequested State = iota
	StateRoomChecked
	StateCreated
	StateFound
	StateRosterUpdated
	StateAnnounced
	StateJoined
	StateRejected
)

var stateNames = map[State]string{
	StateRequested:     "requested",
	StateRoomChecked:   "room_checked",
	StateCreated:       "created",
	StateFound:         "found",
	StateRosterUpdated: "roster_updated",
	StateAnnounced:     "announced",
	StateJoined:        "joined",
	StateRejected:      "rejected",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Publisher is the subset of the relay the protocol announces on.
type Publisher interface {
	PublishRoomsChanged(ctx context.Context) error
	PublishRosterChanged(ctx context.Context, room string) error
}

// Authorizer optionally vets a join before any store traffic.
type Authorizer interface {
	AuthorizeJoin(ctx context.Context, identity, room string) error
}

// Binder is the local registry surface used by the final step.
type Binder interface {
	Register(identity string, c registry.Conn)
	JoinRoom(c registry.Conn, room string) string
}

// Request is a single join attempt.
type Request struct {
	Identity string
	Room     string
	Conn     registry.Conn
}

// Result describes how far the protocol got.
type Result struct {
	Room         string
	State        State
	Trail        []State
	Created      bool
	PreviousRoom string
	// Non-nil when an announcement could not be published. The join still
	// completes; callers refresh their own clients instead.
	RoomsPublishErr  error
	RosterPublishErr error
}

func (r *Result) advance(s State) {
	r.State = s
	r.Trail = append(r.Trail, s)
}

// Config wires a Protocol.
type Config struct {
	Store      presence.Store
	Publisher  Publisher
	Registry   Binder
	Authorizer Authorizer
	// Keys is the store's key layout; names that would alias its keys are
	// rejected.
	Keys presence.Keys
	Log  *zap.Logger
}

type Protocol struct {
	store presence.Store
	keys  presence.Keys
	pub   Publisher
	reg   Binder
	authz Authorizer
	log   *zap.Logger
}

func New(cfg Config) (*Protocol, error) {
	if cfg.Store == nil {
		return nil, errors.New("presence store is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("relay publisher is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Protocol{
		store: cfg.Store,
		keys:  cfg.Keys.WithDefaults(),
		pub:   cfg.Publisher,
		reg:   cfg.Registry,
		authz: cfg.Authorizer,
		log:   cfg.Log,
	}, nil
}

// Join runs the protocol. Rejections wrap ErrRejected; store failures wrap
// presence.ErrStore and stop at the failing step.
func (p *Protocol) Join(ctx context.Context, req Request) (Result, error) {
	res := Result{}
	res.advance(StateRequested)

	room, err := ValidateRoomName(req.Room)
	if err == nil && p.keys.Reserved(room) {
		err = fmt.Errorf("%w: room name %q is reserved", ErrRejected, room)
	}
	if err == nil && strings.TrimSpace(req.Identity) == "" {
		err = fmt.Errorf("%w: missing identity", ErrRejected)
	}
	if err == nil && req.Conn == nil {
		err = fmt.Errorf("%w: missing connection", ErrRejected)
	}
	if err == nil && p.authz != nil {
		if authErr := p.authz.AuthorizeJoin(ctx, req.Identity, room); authErr != nil {
			err = fmt.Errorf("%w: %w", ErrRejected, authErr)
		}
	}
	if err != nil {
		res.advance(StateRejected)
		return res, err
	}
	res.Room = room
	log := p.log.With(zap.String("user", req.Identity), zap.String("room", room))

	exists, err := p.store.RoomExists(ctx, room)
	if err != nil {
		return res, err
	}
	res.advance(StateRoomChecked)

	if !exists {
		// Another node may create the room between the check and the set;
		// only the caller that wins the set announces it.
		created, err := p.store.MarkRoomExists(ctx, room)
		if err != nil {
			return res, err
		}
		if created {
			if err := p.store.AppendRoomToGlobalList(ctx, room); err != nil {
				return res, err
			}
			res.Created = true
			if err := p.pub.PublishRoomsChanged(ctx); err != nil {
				res.RoomsPublishErr = err
				log.Warn("announce new room", zap.Error(err))
			}
		}
	}
	if res.Created {
		res.advance(StateCreated)
	} else {
		res.advance(StateFound)
	}

	if err := p.store.AppendRosterMember(ctx, room, req.Identity); err != nil {
		return res, err
	}
	res.advance(StateRosterUpdated)

	if err := p.pub.PublishRosterChanged(ctx, room); err != nil {
		res.RosterPublishErr = err
		log.Warn("announce roster change", zap.Error(err))
	}
	res.advance(StateAnnounced)

	p.reg.Register(req.Identity, req.Conn)
	res.PreviousRoom = p.reg.JoinRoom(req.Conn, room)
	res.advance(StateJoined)
	log.Debug("joined room", zap.Bool("created", res.Created), zap.String("previous_room", res.PreviousRoom))
	return res, nil
}

// ValidateRoomName trims name and checks it against the allowed alphabet:
// letters, digits, space, '_', '-' and '.'.
func ValidateRoomName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: missing room name", ErrRejected)
	}
	if n := len([]rune(name)); n > MaxRoomNameLength {
		return "", fmt.Errorf("%w: room name has %d characters, limit is %d", ErrRejected, n, MaxRoomNameLength)
	}
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
		case r == ' ', r == '_', r == '-', r == '.':
		default:
			return "", fmt.Errorf("%w: room name contains %q", ErrRejected, r)
		}
	}
	return name, nil
}
