package registry

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Conn is a live client connection hosted on this node.
type Conn interface {
	ID() string
	Identity() string
	Push(evt Event) error
}

// ConnectionRegistry tracks the connections owned by this node: every attached
// connection, the room each one has joined, and the identity -> connection
// mapping used for unicast delivery. Nothing in it is shared across nodes.
type ConnectionRegistry struct {
	mu      sync.RWMutex
	log     *zap.Logger
	conns   map[string]*entry // connection id -> entry
	byIdent map[string]string // identity -> connection id
}

type entry struct {
	conn Conn
	room string
}

// New creates an empty registry.
func New(log *zap.Logger) *ConnectionRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConnectionRegistry{
		log:     log,
		conns:   make(map[string]*entry),
		byIdent: make(map[string]string),
	}
}

// Attach records a freshly handshaken connection so it receives node-wide events.
func (r *ConnectionRegistry) Attach(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID()]; !ok {
		r.conns[c.ID()] = &entry{conn: c}
	}
}

// Detach drops a closed connection. The identity mapping is only removed when
// it still points at c, so a newer connection for the same identity survives.
func (r *ConnectionRegistry) Detach(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c.ID())
	if id, ok := r.byIdent[c.Identity()]; ok && id == c.ID() {
		delete(r.byIdent, c.Identity())
	}
}

// Register maps identity to c, overwriting any previous connection for that
// identity on this node.
func (r *ConnectionRegistry) Register(identity string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID()]; !ok {
		r.conns[c.ID()] = &entry{conn: c}
	}
	r.byIdent[identity] = c.ID()
}

// Unregister removes the identity mapping if present.
func (r *ConnectionRegistry) Unregister(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byIdent, identity)
}

// Lookup returns the connection registered for identity on this node.
func (r *ConnectionRegistry) Lookup(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byIdent[identity]
	if !ok {
		return nil, false
	}
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// JoinRoom moves c into room, returning the room it previously occupied.
func (r *ConnectionRegistry) JoinRoom(c Conn, room string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[c.ID()]
	if !ok {
		e = &entry{conn: c}
		r.conns[c.ID()] = e
	}
	previous := e.room
	e.room = room
	return previous
}

// RoomOf returns the room c is joined to, or "".
func (r *ConnectionRegistry) RoomOf(c Conn) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[c.ID()]; ok {
		return e.room
	}
	return ""
}

// BroadcastLocal pushes evt to every attached connection and returns the
// number of successful deliveries.
func (r *ConnectionRegistry) BroadcastLocal(evt Event) int {
	return r.deliver(r.snapshot(func(*entry) bool { return true }), evt)
}

// DeliverToRoom pushes evt to every connection joined to room.
func (r *ConnectionRegistry) DeliverToRoom(room string, evt Event) int {
	return r.deliver(r.snapshot(func(e *entry) bool { return e.room == room }), evt)
}

// DeliverTo pushes evt to a single connection.
func (r *ConnectionRegistry) DeliverTo(c Conn, evt Event) int {
	return r.deliver([]Conn{c}, evt)
}

// Len returns the number of attached connections.
func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Identities lists the identities registered on this node, sorted.
func (r *ConnectionRegistry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byIdent))
	for ident := range r.byIdent {
		out = append(out, ident)
	}
	sort.Strings(out)
	return out
}

func (r *ConnectionRegistry) snapshot(match func(*entry) bool) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.conns))
	for _, e := range r.conns {
		if match(e) {
			out = append(out, e.conn)
		}
	}
	return out
}

// deliver runs outside the lock; a failing connection never stops the rest.
func (r *ConnectionRegistry) deliver(targets []Conn, evt Event) int {
	delivered := 0
	for _, c := range targets {
		if err := c.Push(evt); err != nil {
			r.log.Warn("skip delivery to connection",
				zap.String("conn_id", c.ID()),
				zap.String("user", c.Identity()),
				zap.String("event", evt.EventName()),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}
