package registry

import "github.com/ShreyashPG/Distributed-Chat-Application/internal/envelope"

// Event is an outbound notification pushed to a client connection.
type Event interface {
	EventName() string
}

// MessageEvent delivers a chat envelope.
type MessageEvent struct {
	Envelope envelope.Envelope
}

// RoomListEvent carries the full global room list.
type RoomListEvent struct {
	Rooms []string
}

// RosterEvent carries the deduplicated roster of one room.
type RosterEvent struct {
	Room  string
	Users []string
}

// LogEvent is an informational line for the client console.
type LogEvent struct {
	Text string
}

// ErrorEvent reports a failed client request.
type ErrorEvent struct {
	Code    string
	Message string
}

func (MessageEvent) EventName() string  { return "message" }
func (RoomListEvent) EventName() string { return "room" }
func (RosterEvent) EventName() string   { return "roomusers" }
func (LogEvent) EventName() string      { return "log" }
func (ErrorEvent) EventName() string    { return "error" }
